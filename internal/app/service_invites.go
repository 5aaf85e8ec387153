package app

import (
	"context"
	"errors"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"huddle/api/internal/auth"
	"huddle/api/internal/authpw"
	"huddle/api/internal/email"
	"huddle/api/internal/rbac"
	"huddle/api/internal/store"
	"huddle/api/internal/util"
)

const (
	InvitationPending  = "pending"
	InvitationAccepted = "accepted"
	InvitationDeclined = "declined"
	InvitationRevoked  = "revoked"
	InvitationExpired  = "expired"

	JoinRequestPending   = "pending"
	JoinRequestApproved  = "approved"
	JoinRequestRejected  = "rejected"
	JoinRequestCancelled = "cancelled"

	maxJoinNoteRunes = 500
)

type CreateInvitationInput struct {
	Email     string `json:"email"`
	Role      string `json:"role"`
	ChannelID string `json:"channelId"`
}

// CreatedInvitation carries the raw token, which is only ever available at creation.
type CreatedInvitation struct {
	Invitation invitationView
	Token      string
}

// JoinResult is either an immediate membership (open workspaces) or a pending request.
type JoinResult struct {
	Joined    bool
	Workspace *workspaceView
	Request   *joinRequestView
}

func (s *Service) CreateInvitation(ctx context.Context, session Session, workspaceID string, input CreateInvitationInput) (CreatedInvitation, error) {
	decision, err := s.requireWorkspace(ctx, session.UserID, workspaceID, rbac.ActionWorkspaceInvite)
	if err != nil {
		return CreatedInvitation{}, err
	}

	address := authpw.NormalizeEmail(input.Email)
	if parsed, err := mail.ParseAddress(address); err != nil || parsed.Address != address {
		return CreatedInvitation{}, validationError("email is invalid")
	}
	if input.Role == "" {
		input.Role = string(rbac.WorkspaceMember)
	}
	role, ok := rbac.ParseWorkspaceRole(input.Role)
	if !ok || role == rbac.WorkspaceOwner {
		return CreatedInvitation{}, validationError("role must be admin, member or guest")
	}
	if !rbac.CanGrantWorkspaceRole(decision.WorkspaceRole, role) {
		return CreatedInvitation{}, forbidden(rbac.ReasonRoleRequired)
	}
	if input.ChannelID != "" {
		ch, err := s.store.GetChannel(ctx, input.ChannelID)
		if err != nil || ch.WorkspaceID != workspaceID || ch.Kind == string(rbac.KindDirect) {
			return CreatedInvitation{}, validationError("channelId is not a channel of this workspace")
		}
	}
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return CreatedInvitation{}, err
	}

	token := util.NewToken()
	now := s.now()
	inv := store.Invitation{
		ID:            util.NewID("inv"),
		WorkspaceID:   workspaceID,
		ChannelID:     input.ChannelID,
		Email:         address,
		Role:          string(role),
		TokenHash:     auth.HashToken(token),
		Status:        InvitationPending,
		InvitedBy:     session.UserID,
		ExpiresAt:     now.Add(s.cfg.InviteTTL),
		CreatedAt:     now,
		WorkspaceName: ws.Name,
		InviterName:   session.UserName,
	}
	if err := s.store.CreateInvitation(ctx, inv); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return CreatedInvitation{}, domainError(http.StatusConflict, "INVITATION_EXISTS", "A pending invitation already exists for this email", nil)
		}
		return CreatedInvitation{}, err
	}

	if s.SMTPConfigured() {
		data := email.InvitationData{
			InviterName:   session.UserName,
			WorkspaceName: ws.Name,
			Role:          string(role),
			AcceptURL:     s.publicLink("/invitations/accept", token),
			ExpiresIn:     s.cfg.InviteTTL.Round(time.Hour).String(),
		}
		go func() {
			if err := s.email.SendInvitationEmail(address, data); err != nil {
				s.logger.Error("send invitation email failed", zap.String("invitation_id", inv.ID), zap.Error(err))
			}
		}()
	}
	s.logger.Info("invitation created",
		zap.String("invitation_id", inv.ID),
		zap.String("workspace_id", workspaceID),
		zap.String("role", inv.Role),
	)
	return CreatedInvitation{Invitation: toInvitationView(inv), Token: token}, nil
}

// expireIfStale moves a pending invitation past its expiry to expired and
// reports whether it did.
func (s *Service) expireIfStale(ctx context.Context, inv *store.Invitation) bool {
	if inv.Status != InvitationPending || s.now().Before(inv.ExpiresAt) {
		return false
	}
	if err := s.store.TransitionInvitation(ctx, inv.ID, InvitationPending, InvitationExpired); err != nil && !errors.Is(err, store.ErrInvalidState) {
		s.logger.Warn("expire invitation failed", zap.String("invitation_id", inv.ID), zap.Error(err))
	}
	inv.Status = InvitationExpired
	return true
}

func (s *Service) ListInvitations(ctx context.Context, session Session, workspaceID string) ([]invitationView, error) {
	if _, err := s.requireWorkspace(ctx, session.UserID, workspaceID, rbac.ActionWorkspaceManage); err != nil {
		return nil, err
	}
	invitations, err := s.store.ListWorkspaceInvitations(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	views := make([]invitationView, 0, len(invitations))
	for i := range invitations {
		s.expireIfStale(ctx, &invitations[i])
		views = append(views, toInvitationView(invitations[i]))
	}
	return views, nil
}

func (s *Service) RevokeInvitation(ctx context.Context, session Session, workspaceID, invitationID string) error {
	if _, err := s.requireWorkspace(ctx, session.UserID, workspaceID, rbac.ActionWorkspaceInvite); err != nil {
		return err
	}
	inv, err := s.store.GetInvitation(ctx, invitationID)
	if err != nil {
		return err
	}
	if inv.WorkspaceID != workspaceID {
		return notFoundError("Invitation")
	}
	return s.store.TransitionInvitation(ctx, invitationID, InvitationPending, InvitationRevoked)
}

func (s *Service) ListMyInvitations(ctx context.Context, session Session) ([]invitationView, error) {
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	invitations, err := s.store.ListPendingInvitationsForEmail(ctx, authpw.NormalizeEmail(user.Email), s.now())
	if err != nil {
		return nil, err
	}
	views := make([]invitationView, 0, len(invitations))
	for _, inv := range invitations {
		views = append(views, toInvitationView(inv))
	}
	return views, nil
}

// invitationForCaller loads the invitation behind token and checks that it was
// addressed to the caller and is still pending.
func (s *Service) invitationForCaller(ctx context.Context, session Session, token string) (store.Invitation, store.User, error) {
	if strings.TrimSpace(token) == "" {
		return store.Invitation{}, store.User{}, validationError("token is required")
	}
	inv, err := s.store.GetInvitationByTokenHash(ctx, auth.HashToken(strings.TrimSpace(token)))
	if errors.Is(err, store.ErrNotFound) {
		return store.Invitation{}, store.User{}, notFoundError("Invitation")
	}
	if err != nil {
		return store.Invitation{}, store.User{}, err
	}
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return store.Invitation{}, store.User{}, err
	}
	if authpw.NormalizeEmail(user.Email) != inv.Email {
		return store.Invitation{}, store.User{}, domainError(http.StatusForbidden, "INVITATION_EMAIL_MISMATCH", "This invitation was sent to a different email address", nil)
	}
	if s.expireIfStale(ctx, &inv) {
		return store.Invitation{}, store.User{}, domainError(http.StatusGone, "INVITATION_EXPIRED", "This invitation has expired", nil)
	}
	if inv.Status != InvitationPending {
		return store.Invitation{}, store.User{}, domainError(http.StatusConflict, "INVALID_STATE", "Invitation is "+inv.Status, nil)
	}
	return inv, user, nil
}

// AcceptInvitation admits the caller. An existing membership is only ever
// upgraded; a guest keeps its expiry unless the invitation lifts it above guest.
func (s *Service) AcceptInvitation(ctx context.Context, session Session, token string) (workspaceView, error) {
	inv, user, err := s.invitationForCaller(ctx, session, token)
	if err != nil {
		return workspaceView{}, err
	}

	role := rbac.WorkspaceRole(inv.Role)
	var guestExpires *time.Time
	existing, err := s.store.GetWorkspaceMember(ctx, inv.WorkspaceID, user.ID)
	switch {
	case err == nil:
		role = rbac.HigherWorkspaceRole(rbac.WorkspaceRole(existing.Role), role)
		if role == rbac.WorkspaceGuest {
			guestExpires = existing.GuestExpiresAt
		}
	case !errors.Is(err, store.ErrNotFound):
		return workspaceView{}, err
	}

	member := store.WorkspaceMember{WorkspaceID: inv.WorkspaceID, UserID: user.ID, Role: string(role), GuestExpiresAt: guestExpires}
	var channel *store.ChannelMember
	if inv.ChannelID != "" {
		channel = &store.ChannelMember{ChannelID: inv.ChannelID, UserID: user.ID, Role: string(rbac.ChannelMember)}
	} else {
		channel = s.generalMembership(ctx, inv.WorkspaceID, user.ID, string(role))
	}
	if err := s.store.AcceptInvitation(ctx, inv.ID, member, channel); err != nil {
		return workspaceView{}, err
	}
	s.perms.InvalidateUser(user.ID)
	if channel != nil {
		s.memberChanged(ctx, inv.WorkspaceID, channel.ChannelID, user.ID, "joined", channel.Role)
	}

	ws, err := s.store.GetWorkspace(ctx, inv.WorkspaceID)
	if err != nil {
		return workspaceView{}, err
	}
	return toWorkspaceView(ws, string(role)), nil
}

func (s *Service) DeclineInvitation(ctx context.Context, session Session, token string) error {
	inv, _, err := s.invitationForCaller(ctx, session, token)
	if err != nil {
		return err
	}
	return s.store.TransitionInvitation(ctx, inv.ID, InvitationPending, InvitationDeclined)
}

// RequestToJoin follows the workspace join policy: open admits immediately,
// request files a pending join request, invite_only refuses.
func (s *Service) RequestToJoin(ctx context.Context, session Session, workspaceID, note string) (JoinResult, error) {
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return JoinResult{}, err
	}
	if _, err := s.store.GetWorkspaceMember(ctx, workspaceID, session.UserID); err == nil {
		return JoinResult{}, domainError(http.StatusConflict, "ALREADY_MEMBER", "You are already a member of this workspace", nil)
	} else if !errors.Is(err, store.ErrNotFound) {
		return JoinResult{}, err
	}

	switch ws.JoinPolicy {
	case JoinPolicyOpen:
		member := store.WorkspaceMember{WorkspaceID: workspaceID, UserID: session.UserID, Role: string(rbac.WorkspaceMember)}
		channel := s.generalMembership(ctx, workspaceID, session.UserID, member.Role)
		if err := s.store.JoinWorkspace(ctx, member, channel); err != nil {
			return JoinResult{}, err
		}
		s.perms.InvalidateUser(session.UserID)
		if channel != nil {
			s.memberChanged(ctx, workspaceID, channel.ChannelID, session.UserID, "joined", channel.Role)
		}
		view := toWorkspaceView(ws, member.Role)
		return JoinResult{Joined: true, Workspace: &view}, nil
	case JoinPolicyRequest:
		note = strings.TrimSpace(note)
		if len([]rune(note)) > maxJoinNoteRunes {
			return JoinResult{}, validationError("note is too long")
		}
		req := store.JoinRequest{
			ID:          util.NewID("jr"),
			WorkspaceID: workspaceID,
			UserID:      session.UserID,
			Note:        note,
			Status:      JoinRequestPending,
			CreatedAt:   s.now(),
			DisplayName: session.UserName,
		}
		if err := s.store.CreateJoinRequest(ctx, req); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return JoinResult{}, domainError(http.StatusConflict, "JOIN_REQUEST_EXISTS", "A join request is already pending", nil)
			}
			return JoinResult{}, err
		}
		view := toJoinRequestView(req)
		return JoinResult{Request: &view}, nil
	default:
		return JoinResult{}, domainError(http.StatusForbidden, "JOIN_CLOSED", "This workspace only admits invited users", nil)
	}
}

func (s *Service) ListJoinRequests(ctx context.Context, session Session, workspaceID, status string) ([]joinRequestView, error) {
	if _, err := s.requireWorkspace(ctx, session.UserID, workspaceID, rbac.ActionWorkspaceReviewRequests); err != nil {
		return nil, err
	}
	switch status {
	case "", JoinRequestPending, JoinRequestApproved, JoinRequestRejected, JoinRequestCancelled:
	default:
		return nil, validationError("status is not a join request status")
	}
	requests, err := s.store.ListJoinRequests(ctx, workspaceID, status)
	if err != nil {
		return nil, err
	}
	views := make([]joinRequestView, 0, len(requests))
	for _, req := range requests {
		views = append(views, toJoinRequestView(req))
	}
	return views, nil
}

func (s *Service) joinRequestIn(ctx context.Context, workspaceID, requestID string) (store.JoinRequest, error) {
	req, err := s.store.GetJoinRequest(ctx, requestID)
	if err != nil {
		return store.JoinRequest{}, err
	}
	if req.WorkspaceID != workspaceID {
		return store.JoinRequest{}, notFoundError("Join request")
	}
	return req, nil
}

func (s *Service) ApproveJoinRequest(ctx context.Context, session Session, workspaceID, requestID string) (joinRequestView, error) {
	if _, err := s.requireWorkspace(ctx, session.UserID, workspaceID, rbac.ActionWorkspaceReviewRequests); err != nil {
		return joinRequestView{}, err
	}
	req, err := s.joinRequestIn(ctx, workspaceID, requestID)
	if err != nil {
		return joinRequestView{}, err
	}
	member := store.WorkspaceMember{WorkspaceID: workspaceID, UserID: req.UserID, Role: string(rbac.WorkspaceMember)}
	channel := s.generalMembership(ctx, workspaceID, req.UserID, member.Role)
	if err := s.store.ApproveJoinRequest(ctx, requestID, session.UserID, member, channel); err != nil {
		return joinRequestView{}, err
	}
	s.perms.InvalidateUser(req.UserID)
	if channel != nil {
		s.memberChanged(ctx, workspaceID, channel.ChannelID, req.UserID, "joined", channel.Role)
	}

	now := s.now()
	req.Status = JoinRequestApproved
	req.DecidedBy = session.UserID
	req.DecidedAt = &now
	return toJoinRequestView(req), nil
}

func (s *Service) RejectJoinRequest(ctx context.Context, session Session, workspaceID, requestID string) (joinRequestView, error) {
	if _, err := s.requireWorkspace(ctx, session.UserID, workspaceID, rbac.ActionWorkspaceReviewRequests); err != nil {
		return joinRequestView{}, err
	}
	req, err := s.joinRequestIn(ctx, workspaceID, requestID)
	if err != nil {
		return joinRequestView{}, err
	}
	if err := s.store.TransitionJoinRequest(ctx, requestID, JoinRequestPending, JoinRequestRejected, session.UserID); err != nil {
		return joinRequestView{}, err
	}
	now := s.now()
	req.Status = JoinRequestRejected
	req.DecidedBy = session.UserID
	req.DecidedAt = &now
	return toJoinRequestView(req), nil
}

// CancelJoinRequest withdraws the caller's own pending request.
func (s *Service) CancelJoinRequest(ctx context.Context, session Session, workspaceID, requestID string) error {
	req, err := s.joinRequestIn(ctx, workspaceID, requestID)
	if err != nil {
		return err
	}
	if req.UserID != session.UserID {
		return forbidden(rbac.ReasonRoleRequired)
	}
	return s.store.TransitionJoinRequest(ctx, requestID, JoinRequestPending, JoinRequestCancelled, "")
}
