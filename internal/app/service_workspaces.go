package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"huddle/api/internal/authpw"
	"huddle/api/internal/rbac"
	"huddle/api/internal/realtime"
	"huddle/api/internal/store"
	"huddle/api/internal/util"
)

const (
	JoinPolicyOpen       = "open"
	JoinPolicyRequest    = "request"
	JoinPolicyInviteOnly = "invite_only"

	maxNameRunes   = 80
	generalChannel = "general"
)

type UpdateWorkspaceInput struct {
	Name       *string `json:"name"`
	JoinPolicy *string `json:"joinPolicy"`
}

type AddGuestInput struct {
	UserID     string     `json:"userId"`
	Email      string     `json:"email"`
	ChannelIDs []string   `json:"channelIds"`
	ExpiresAt  *time.Time `json:"expiresAt"`
}

type memberEvent struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	Action    string `json:"action"`
	Role      string `json:"role,omitempty"`
}

func validJoinPolicy(value string) bool {
	switch value {
	case JoinPolicyOpen, JoinPolicyRequest, JoinPolicyInviteOnly:
		return true
	default:
		return false
	}
}

// slugify lower-cases value and keeps letters, digits, '-' and '_'. Runs of
// anything else collapse into one '-'.
func slugify(value string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(value)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimRight(b.String(), "-")
	for utf8.RuneCountInString(slug) > maxNameRunes {
		_, size := utf8.DecodeLastRuneInString(slug)
		slug = slug[:len(slug)-size]
	}
	return strings.TrimRight(slug, "-")
}

func cleanName(value, field string) (string, error) {
	name := strings.TrimSpace(value)
	if name == "" {
		return "", validationError(field + " is required")
	}
	if utf8.RuneCountInString(name) > maxNameRunes {
		return "", validationError(field + " is too long")
	}
	return name, nil
}

func (s *Service) CreateWorkspace(ctx context.Context, session Session, name, joinPolicy string) (workspaceView, error) {
	name, err := cleanName(name, "name")
	if err != nil {
		return workspaceView{}, err
	}
	if joinPolicy == "" {
		joinPolicy = JoinPolicyInviteOnly
	}
	if !validJoinPolicy(joinPolicy) {
		return workspaceView{}, validationError("joinPolicy must be open, request or invite_only")
	}

	id := util.NewID("ws")
	slug := slugify(name)
	if slug == "" {
		slug = "workspace"
	}
	ws := store.Workspace{
		ID:         id,
		Name:       name,
		Slug:       slug + "-" + id[len(id)-6:],
		OwnerID:    session.UserID,
		JoinPolicy: joinPolicy,
		CreatedAt:  s.now(),
	}
	general := store.Channel{
		ID:          util.NewID("ch"),
		WorkspaceID: id,
		Name:        generalChannel,
		Kind:        string(rbac.KindPublic),
		CreatedBy:   session.UserID,
	}
	if err := s.store.CreateWorkspace(ctx, ws, general); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return workspaceView{}, domainError(http.StatusConflict, "WORKSPACE_EXISTS", "A workspace with this slug already exists", nil)
		}
		return workspaceView{}, err
	}
	s.perms.InvalidateUser(session.UserID)
	s.logger.Info("workspace created", zap.String("workspace_id", id), zap.String("user_id", session.UserID))

	view := toWorkspaceView(ws, string(rbac.WorkspaceOwner))
	view.MemberCount = 1
	return view, nil
}

func (s *Service) ListWorkspaces(ctx context.Context, session Session) ([]workspaceView, error) {
	summaries, err := s.store.ListUserWorkspaces(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	views := make([]workspaceView, 0, len(summaries))
	for _, summary := range summaries {
		view := toWorkspaceView(summary.Workspace, summary.Role)
		view.MemberCount = summary.MemberCount
		views = append(views, view)
	}
	return views, nil
}

func (s *Service) GetWorkspace(ctx context.Context, session Session, workspaceID string) (workspaceView, error) {
	decision, err := s.requireWorkspace(ctx, session.UserID, workspaceID, rbac.ActionWorkspaceRead)
	if err != nil {
		return workspaceView{}, err
	}
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return workspaceView{}, err
	}
	members, err := s.store.ListWorkspaceMembers(ctx, workspaceID)
	if err != nil {
		return workspaceView{}, err
	}
	online := len(s.onlineSet(ctx, workspaceID))

	view := toWorkspaceView(ws, string(decision.WorkspaceRole))
	view.MemberCount = len(members)
	view.OnlineCount = &online
	return view, nil
}

func (s *Service) UpdateWorkspace(ctx context.Context, session Session, workspaceID string, input UpdateWorkspaceInput) (workspaceView, error) {
	decision, err := s.requireWorkspace(ctx, session.UserID, workspaceID, rbac.ActionWorkspaceManage)
	if err != nil {
		return workspaceView{}, err
	}
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return workspaceView{}, err
	}
	if input.Name != nil {
		if ws.Name, err = cleanName(*input.Name, "name"); err != nil {
			return workspaceView{}, err
		}
	}
	if input.JoinPolicy != nil {
		if !validJoinPolicy(*input.JoinPolicy) {
			return workspaceView{}, validationError("joinPolicy must be open, request or invite_only")
		}
		ws.JoinPolicy = *input.JoinPolicy
	}
	if err := s.store.UpdateWorkspace(ctx, workspaceID, ws.Name, ws.JoinPolicy); err != nil {
		return workspaceView{}, err
	}
	return toWorkspaceView(ws, string(decision.WorkspaceRole)), nil
}

func (s *Service) DeleteWorkspace(ctx context.Context, session Session, workspaceID string) error {
	decision, err := s.requireWorkspace(ctx, session.UserID, workspaceID, rbac.ActionWorkspaceManage)
	if err != nil {
		return err
	}
	if decision.WorkspaceRole != rbac.WorkspaceOwner {
		return forbidden(rbac.ReasonRoleRequired)
	}
	channels, err := s.store.ListWorkspaceChannels(ctx, workspaceID, session.UserID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteWorkspace(ctx, workspaceID); err != nil {
		return err
	}
	s.perms.InvalidateAll()

	ids := make([]string, 0, len(channels))
	for _, ch := range channels {
		ids = append(ids, ch.ID)
		s.removeCanvas(ch.ID)
	}
	s.evict(ctx, workspaceID, "", "workspace_deleted", ids...)
	s.logger.Info("workspace deleted", zap.String("workspace_id", workspaceID), zap.String("user_id", session.UserID))
	return nil
}

func (s *Service) onlineSet(ctx context.Context, workspaceID string) map[string]struct{} {
	ids, err := s.presence.Online(ctx, workspaceID)
	if err != nil {
		s.logger.Debug("presence lookup failed", zap.Error(err))
		return nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (s *Service) ListMembers(ctx context.Context, session Session, workspaceID string) ([]memberView, error) {
	if _, err := s.requireWorkspace(ctx, session.UserID, workspaceID, rbac.ActionWorkspaceRead); err != nil {
		return nil, err
	}
	members, err := s.store.ListWorkspaceMembers(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	online := s.onlineSet(ctx, workspaceID)
	views := make([]memberView, 0, len(members))
	for _, m := range members {
		_, isOnline := online[m.UserID]
		views = append(views, toMemberView(m, isOnline))
	}
	return views, nil
}

// SetMemberRole changes a workspace role. Admins may only act on members ranked
// below them; the owner role moves through TransferOwnership.
func (s *Service) SetMemberRole(ctx context.Context, session Session, workspaceID, userID, role string) (memberView, error) {
	target, ok := rbac.ParseWorkspaceRole(role)
	if !ok || target == rbac.WorkspaceOwner {
		return memberView{}, validationError("role must be admin, member or guest")
	}
	decision, err := s.requireWorkspace(ctx, session.UserID, workspaceID, rbac.ActionWorkspaceManage)
	if err != nil {
		return memberView{}, err
	}
	member, err := s.store.GetWorkspaceMember(ctx, workspaceID, userID)
	if err != nil {
		return memberView{}, err
	}
	current := rbac.WorkspaceRole(member.Role)
	if current == rbac.WorkspaceOwner {
		return memberView{}, domainError(http.StatusConflict, "INVALID_STATE", "The owner role changes only through an ownership transfer", nil)
	}
	if !rbac.CanGrantWorkspaceRole(decision.WorkspaceRole, target) || !rbac.CanGrantWorkspaceRole(decision.WorkspaceRole, current) {
		return memberView{}, forbidden(rbac.ReasonRoleRequired)
	}

	member.Role = string(target)
	if target != rbac.WorkspaceGuest {
		member.GuestExpiresAt = nil
	}
	if err := s.store.UpsertWorkspaceMember(ctx, member); err != nil {
		return memberView{}, err
	}
	s.perms.InvalidateUser(userID)

	if !rbac.WorkspaceAtLeast(target, current) {
		s.evictUnreadable(ctx, workspaceID, userID, "role_changed")
	}
	_, online := s.onlineSet(ctx, workspaceID)[userID]
	return toMemberView(member, online), nil
}

// evictUnreadable drops live subscriptions of userID to every channel in the
// workspace it can no longer read.
func (s *Service) evictUnreadable(ctx context.Context, workspaceID, userID, reason string) {
	channels, err := s.store.ListWorkspaceChannels(ctx, workspaceID, userID)
	if err != nil {
		s.logger.Warn("list channels for eviction failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	for _, ch := range channels {
		if ch.Kind == string(rbac.KindDirect) && ch.MemberRole == "" {
			continue
		}
		s.evictIfUnreadable(ctx, ch.Channel, userID, reason)
	}
}

// RemoveMember removes userID from the workspace. Removing yourself is leaving.
func (s *Service) RemoveMember(ctx context.Context, session Session, workspaceID, userID string) error {
	member, err := s.store.GetWorkspaceMember(ctx, workspaceID, userID)
	if err != nil {
		return err
	}
	if userID == session.UserID {
		if member.Role == string(rbac.WorkspaceOwner) {
			return domainError(http.StatusConflict, "OWNER_CANNOT_LEAVE", "Transfer ownership before leaving the workspace", nil)
		}
	} else {
		decision, err := s.requireWorkspace(ctx, session.UserID, workspaceID, rbac.ActionWorkspaceManage)
		if err != nil {
			return err
		}
		if !rbac.CanGrantWorkspaceRole(decision.WorkspaceRole, rbac.WorkspaceRole(member.Role)) {
			return forbidden(rbac.ReasonRoleRequired)
		}
	}

	channels, err := s.store.ListWorkspaceChannels(ctx, workspaceID, userID)
	if err != nil {
		return err
	}
	joined, err := s.store.RemoveWorkspaceMember(ctx, workspaceID, userID)
	if err != nil {
		return err
	}
	s.perms.InvalidateUser(userID)
	if err := s.presence.Leave(ctx, workspaceID, userID); err != nil {
		s.logger.Debug("presence leave failed", zap.Error(err))
	}

	for _, channelID := range joined {
		s.memberChanged(ctx, workspaceID, channelID, userID, "left", "")
	}
	ids := make([]string, 0, len(channels))
	for _, ch := range channels {
		ids = append(ids, ch.ID)
	}
	s.evict(ctx, workspaceID, userID, "removed_from_workspace", ids...)
	return nil
}

func (s *Service) TransferOwnership(ctx context.Context, session Session, workspaceID, userID string) error {
	decision, err := s.requireWorkspace(ctx, session.UserID, workspaceID, rbac.ActionWorkspaceManage)
	if err != nil {
		return err
	}
	if decision.WorkspaceRole != rbac.WorkspaceOwner {
		return forbidden(rbac.ReasonRoleRequired)
	}
	if userID == "" || userID == session.UserID {
		return validationError("userId must name another member")
	}
	if err := s.store.TransferOwnership(ctx, workspaceID, session.UserID, userID); err != nil {
		return err
	}
	s.perms.InvalidateUser(session.UserID)
	s.perms.InvalidateUser(userID)
	s.logger.Info("workspace ownership transferred",
		zap.String("workspace_id", workspaceID),
		zap.String("from_user_id", session.UserID),
		zap.String("to_user_id", userID),
	)
	return nil
}

// AddGuest admits an existing user as a guest limited to the given channels.
// Members ranked above guest are never downgraded.
func (s *Service) AddGuest(ctx context.Context, session Session, workspaceID string, input AddGuestInput) (memberView, error) {
	if _, err := s.requireWorkspace(ctx, session.UserID, workspaceID, rbac.ActionWorkspaceInvite); err != nil {
		return memberView{}, err
	}
	if len(input.ChannelIDs) == 0 {
		return memberView{}, validationError("channelIds must name at least one channel")
	}
	if input.ExpiresAt != nil && !input.ExpiresAt.After(s.now()) {
		return memberView{}, validationError("expiresAt must be in the future")
	}

	user, err := s.lookupUser(ctx, input.UserID, input.Email)
	if err != nil {
		return memberView{}, err
	}
	if existing, err := s.store.GetWorkspaceMember(ctx, workspaceID, user.ID); err == nil {
		if existing.Role != string(rbac.WorkspaceGuest) {
			return memberView{}, domainError(http.StatusConflict, "ALREADY_MEMBER", "User is already a workspace member", nil)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return memberView{}, err
	}

	for _, channelID := range input.ChannelIDs {
		ch, err := s.store.GetChannel(ctx, channelID)
		if err != nil || ch.WorkspaceID != workspaceID || ch.Kind == string(rbac.KindDirect) {
			return memberView{}, validationError("channel " + channelID + " is not a channel of this workspace")
		}
		if ch.IsArchived {
			return memberView{}, validationError("channel " + channelID + " is archived")
		}
	}

	member := store.WorkspaceMember{
		WorkspaceID:    workspaceID,
		UserID:         user.ID,
		Role:           string(rbac.WorkspaceGuest),
		GuestExpiresAt: input.ExpiresAt,
		JoinedAt:       s.now(),
		DisplayName:    user.DisplayName,
		Email:          user.Email,
	}
	joined, err := s.store.AddGuest(ctx, member, uniqueStrings(input.ChannelIDs))
	if errors.Is(err, store.ErrConflict) {
		return memberView{}, domainError(http.StatusConflict, "INVALID_STATE", "A channel was archived or removed while adding the guest", nil)
	}
	if err != nil {
		return memberView{}, err
	}
	s.perms.InvalidateUser(user.ID)
	for _, channelID := range joined {
		s.memberChanged(ctx, workspaceID, channelID, user.ID, "joined", string(rbac.ChannelMember))
	}
	return toMemberView(member, false), nil
}

func (s *Service) lookupUser(ctx context.Context, userID, email string) (store.User, error) {
	var (
		user store.User
		err  error
	)
	switch {
	case strings.TrimSpace(userID) != "":
		user, err = s.store.GetUserByID(ctx, strings.TrimSpace(userID))
	case strings.TrimSpace(email) != "":
		user, err = s.store.GetUserByEmail(ctx, authpw.NormalizeEmail(email))
	default:
		return store.User{}, validationError("userId or email is required")
	}
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, notFoundError("User")
	}
	return user, err
}

// generalMembership returns the membership a newly admitted non-guest gets in
// the workspace's #general channel, or nil when there is none.
func (s *Service) generalMembership(ctx context.Context, workspaceID, userID, role string) *store.ChannelMember {
	if role == string(rbac.WorkspaceGuest) {
		return nil
	}
	channels, err := s.store.ListWorkspaceChannels(ctx, workspaceID, userID)
	if err != nil {
		s.logger.Warn("list channels for auto-join failed", zap.Error(err))
		return nil
	}
	for _, ch := range channels {
		if ch.Name == generalChannel && ch.Kind == string(rbac.KindPublic) && !ch.IsArchived {
			return &store.ChannelMember{ChannelID: ch.ID, UserID: userID, Role: string(rbac.ChannelMember)}
		}
	}
	return nil
}

func (s *Service) memberChanged(ctx context.Context, workspaceID, channelID, userID, action, role string) {
	s.publish(ctx, realtime.NewEvent(realtime.EventChannelMember, workspaceID, channelID, memberEvent{
		ChannelID: channelID,
		UserID:    userID,
		Action:    action,
		Role:      role,
	}))
}
