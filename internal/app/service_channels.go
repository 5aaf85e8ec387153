package app

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"net/http"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"huddle/api/internal/rbac"
	"huddle/api/internal/realtime"
	"huddle/api/internal/store"
	"huddle/api/internal/util"
)

const (
	maxTopicRunes     = 250
	minDirectMembers  = 2
	maxDirectMembers  = 8
	directNamePrefix  = "dm-"
	directNameKeySize = 12
)

type CreateChannelInput struct {
	Name  string `json:"name"`
	Topic string `json:"topic"`
	Kind  string `json:"kind"`
}

type UpdateChannelInput struct {
	Name  *string `json:"name"`
	Topic *string `json:"topic"`
}

type AddChannelMemberInput struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

func cleanTopic(topic string) (string, error) {
	topic = strings.TrimSpace(topic)
	if utf8.RuneCountInString(topic) > maxTopicRunes {
		return "", validationError("topic is too long")
	}
	return topic, nil
}

func (s *Service) CreateChannel(ctx context.Context, session Session, workspaceID string, input CreateChannelInput) (channelView, error) {
	if _, err := s.requireWorkspace(ctx, session.UserID, workspaceID, rbac.ActionChannelCreate); err != nil {
		return channelView{}, err
	}
	name := slugify(input.Name)
	if name == "" {
		return channelView{}, validationError("name is required")
	}
	topic, err := cleanTopic(input.Topic)
	if err != nil {
		return channelView{}, err
	}
	kind := rbac.KindPublic
	if input.Kind != "" {
		parsed, ok := rbac.ParseChannelKind(input.Kind)
		if !ok || parsed == rbac.KindDirect {
			return channelView{}, validationError("kind must be public or private")
		}
		kind = parsed
	}

	ch := store.Channel{
		ID:          util.NewID("ch"),
		WorkspaceID: workspaceID,
		Name:        name,
		Topic:       topic,
		Kind:        string(kind),
		CreatedBy:   session.UserID,
		CreatedAt:   s.now(),
	}
	creator := store.ChannelMember{ChannelID: ch.ID, UserID: session.UserID, Role: string(rbac.ChannelAdmin)}
	if err := s.store.CreateChannel(ctx, ch, []store.ChannelMember{creator}); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return channelView{}, domainError(http.StatusConflict, "CHANNEL_EXISTS", "A channel with this name already exists", nil)
		}
		return channelView{}, err
	}
	s.logger.Info("channel created", zap.String("channel_id", ch.ID), zap.String("workspace_id", workspaceID))

	view := toChannelView(ch)
	view.Role = creator.Role
	view.Joined = true
	return view, nil
}

func directKey(userIDs []string) string {
	sorted := append([]string(nil), userIDs...)
	sort.Strings(sorted)
	sum := sha1.Sum([]byte(strings.Join(sorted, ",")))
	return hex.EncodeToString(sum[:])
}

// OpenDirect finds or creates the direct channel shared by the caller and
// userIDs. The bool reports whether the channel was created.
func (s *Service) OpenDirect(ctx context.Context, session Session, workspaceID string, userIDs []string) (channelView, bool, error) {
	if _, err := s.requireWorkspace(ctx, session.UserID, workspaceID, rbac.ActionWorkspaceRead); err != nil {
		return channelView{}, false, err
	}
	seen := map[string]struct{}{session.UserID: {}}
	participants := []string{session.UserID}
	for _, id := range userIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		participants = append(participants, id)
	}
	if len(participants) < minDirectMembers || len(participants) > maxDirectMembers {
		return channelView{}, false, validationError("a direct conversation has 2 to 8 participants")
	}
	for _, id := range participants[1:] {
		member, err := s.store.GetWorkspaceMember(ctx, workspaceID, id)
		if errors.Is(err, store.ErrNotFound) {
			return channelView{}, false, validationError("user " + id + " is not a member of this workspace")
		}
		if err != nil {
			return channelView{}, false, err
		}
		if member.Role == string(rbac.WorkspaceGuest) && member.GuestExpiresAt != nil && !s.now().Before(*member.GuestExpiresAt) {
			return channelView{}, false, validationError("user " + id + " is no longer a member of this workspace")
		}
	}

	key := directKey(participants)
	existing, err := s.store.FindDirectChannel(ctx, workspaceID, key)
	if err == nil {
		return s.directView(existing), false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return channelView{}, false, err
	}

	ch := store.Channel{
		ID:          util.NewID("ch"),
		WorkspaceID: workspaceID,
		Name:        directNamePrefix + key[:directNameKeySize],
		Kind:        string(rbac.KindDirect),
		DirectKey:   key,
		CreatedBy:   session.UserID,
		CreatedAt:   s.now(),
	}
	members := make([]store.ChannelMember, 0, len(participants))
	for _, id := range participants {
		members = append(members, store.ChannelMember{ChannelID: ch.ID, UserID: id, Role: string(rbac.ChannelMember)})
	}
	if err := s.store.CreateChannel(ctx, ch, members); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost a race with an identical request.
			existing, findErr := s.store.FindDirectChannel(ctx, workspaceID, key)
			if findErr != nil {
				return channelView{}, false, findErr
			}
			return s.directView(existing), false, nil
		}
		return channelView{}, false, err
	}
	return s.directView(ch), true, nil
}

func (s *Service) directView(ch store.Channel) channelView {
	view := toChannelView(ch)
	view.Role = string(rbac.ChannelMember)
	view.Joined = true
	return view
}

// ListChannels returns the channels the caller may read with unread counts.
func (s *Service) ListChannels(ctx context.Context, session Session, workspaceID string) ([]channelView, error) {
	decision, err := s.requireWorkspace(ctx, session.UserID, workspaceID, rbac.ActionWorkspaceRead)
	if err != nil {
		return nil, err
	}
	listings, err := s.store.ListWorkspaceChannels(ctx, workspaceID, session.UserID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	views := make([]channelView, 0, len(listings))
	for _, listing := range listings {
		access := rbac.Resolve(rbac.Subject{
			WorkspaceRole:   decision.WorkspaceRole,
			ChannelKind:     rbac.ChannelKind(listing.Kind),
			ChannelArchived: listing.IsArchived,
			ChannelRole:     rbac.ChannelRole(listing.MemberRole),
		}, rbac.ActionChannelRead, now)
		if !access.Allowed {
			continue
		}
		views = append(views, listingView(listing, access.ChannelRole))
	}
	return views, nil
}

func listingView(listing store.ChannelListing, role rbac.ChannelRole) channelView {
	view := toChannelView(listing.Channel)
	view.Role = string(role)
	view.Joined = listing.MemberRole != ""
	view.Muted = listing.Muted
	if view.Joined {
		view.LastReadSeq = listing.LastReadSeq
		view.Unread = max(listing.LastSeq-listing.LastReadSeq, 0)
	}
	return view
}

func (s *Service) GetChannel(ctx context.Context, session Session, channelID string) (channelView, error) {
	decision, err := s.requireChannel(ctx, session.UserID, channelID, rbac.ActionChannelRead)
	if err != nil {
		return channelView{}, err
	}
	ch, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return channelView{}, err
	}
	listing := store.ChannelListing{Channel: ch}
	member, err := s.store.GetChannelMember(ctx, channelID, session.UserID)
	switch {
	case err == nil:
		listing.MemberRole = member.Role
		listing.LastReadSeq = member.LastReadSeq
		listing.Muted = member.Muted
	case !errors.Is(err, store.ErrNotFound):
		return channelView{}, err
	}
	return listingView(listing, decision.ChannelRole), nil
}

func (s *Service) UpdateChannel(ctx context.Context, session Session, channelID string, input UpdateChannelInput) (channelView, error) {
	decision, err := s.requireChannel(ctx, session.UserID, channelID, rbac.ActionChannelManage)
	if err != nil {
		return channelView{}, err
	}
	ch, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return channelView{}, err
	}
	if input.Name != nil {
		if ch.Kind == string(rbac.KindDirect) {
			return channelView{}, validationError("direct conversations cannot be renamed")
		}
		name := slugify(*input.Name)
		if name == "" {
			return channelView{}, validationError("name is required")
		}
		ch.Name = name
	}
	if input.Topic != nil {
		if ch.Topic, err = cleanTopic(*input.Topic); err != nil {
			return channelView{}, err
		}
	}
	if err := s.store.UpdateChannel(ctx, channelID, ch.Name, ch.Topic); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return channelView{}, domainError(http.StatusConflict, "CHANNEL_EXISTS", "A channel with this name already exists", nil)
		}
		return channelView{}, err
	}
	view := toChannelView(ch)
	view.Role = string(decision.ChannelRole)
	s.publish(ctx, realtime.NewEvent(realtime.EventChannelUpdated, ch.WorkspaceID, ch.ID, view))
	return view, nil
}

func (s *Service) DeleteChannel(ctx context.Context, session Session, channelID string) error {
	if _, err := s.requireChannel(ctx, session.UserID, channelID, rbac.ActionChannelManage); err != nil {
		return err
	}
	ch, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if ch.Name == generalChannel && ch.Kind == string(rbac.KindPublic) {
		return domainError(http.StatusConflict, "INVALID_STATE", "The general channel cannot be deleted", nil)
	}
	if err := s.store.DeleteChannel(ctx, channelID); err != nil {
		return err
	}
	s.perms.InvalidateChannel(channelID)
	s.removeCanvas(channelID)
	s.evict(ctx, ch.WorkspaceID, "", "channel_deleted", channelID)
	return nil
}

// SetArchived archives or restores a channel. Archived channels reject every
// write except unarchiving by a channel admin.
func (s *Service) SetArchived(ctx context.Context, session Session, channelID string, archived bool) (channelView, error) {
	decision, err := s.requireChannel(ctx, session.UserID, channelID, rbac.ActionChannelManage)
	if err != nil {
		return channelView{}, err
	}
	ch, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return channelView{}, err
	}
	if ch.Kind == string(rbac.KindDirect) {
		return channelView{}, validationError("direct conversations cannot be archived")
	}
	if err := s.store.SetChannelArchived(ctx, channelID, archived); err != nil {
		return channelView{}, err
	}
	s.perms.InvalidateChannel(channelID)
	ch.IsArchived = archived
	view := toChannelView(ch)
	view.Role = string(decision.ChannelRole)
	s.publish(ctx, realtime.NewEvent(realtime.EventChannelUpdated, ch.WorkspaceID, ch.ID, view))
	return view, nil
}

func (s *Service) JoinChannel(ctx context.Context, session Session, channelID string) (channelView, error) {
	if _, err := s.requireChannel(ctx, session.UserID, channelID, rbac.ActionChannelRead); err != nil {
		return channelView{}, err
	}
	ch, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return channelView{}, err
	}
	if ch.Kind != string(rbac.KindPublic) {
		return channelView{}, forbidden(rbac.ReasonNotChannelMember)
	}
	if ch.IsArchived {
		return channelView{}, forbidden(rbac.ReasonChannelArchived)
	}
	added, err := s.store.AddChannelMember(ctx, store.ChannelMember{ChannelID: channelID, UserID: session.UserID, Role: string(rbac.ChannelMember)})
	if err != nil {
		return channelView{}, err
	}
	s.perms.InvalidateUser(session.UserID)
	if added {
		s.memberChanged(ctx, ch.WorkspaceID, channelID, session.UserID, "joined", string(rbac.ChannelMember))
	}
	return s.GetChannel(ctx, session, channelID)
}

func (s *Service) LeaveChannel(ctx context.Context, session Session, channelID string) error {
	ch, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if err := s.store.RemoveChannelMember(ctx, channelID, session.UserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domainError(http.StatusConflict, "NOT_A_MEMBER", "You are not a member of this channel", nil)
		}
		return err
	}
	s.perms.InvalidateUser(session.UserID)
	s.memberChanged(ctx, ch.WorkspaceID, channelID, session.UserID, "left", "")
	s.evictIfUnreadable(ctx, ch, session.UserID, "left_channel")
	return nil
}

// evictIfUnreadable drops userID's live subscriptions to ch once the user can
// no longer read it. Members keep reading public channels they left.
func (s *Service) evictIfUnreadable(ctx context.Context, ch store.Channel, userID, reason string) {
	decision, err := s.perms.Check(ctx, userID, ch.ID, rbac.ActionChannelRead)
	if err == nil && decision.Allowed {
		return
	}
	s.evict(ctx, ch.WorkspaceID, userID, reason, ch.ID)
}

func (s *Service) ListChannelMembers(ctx context.Context, session Session, channelID string) ([]channelMemberView, error) {
	if _, err := s.requireChannel(ctx, session.UserID, channelID, rbac.ActionChannelRead); err != nil {
		return nil, err
	}
	members, err := s.store.ListChannelMembers(ctx, channelID)
	if err != nil {
		return nil, err
	}
	views := make([]channelMemberView, 0, len(members))
	for _, m := range members {
		views = append(views, channelMemberView{
			UserID:      m.UserID,
			DisplayName: m.DisplayName,
			Role:        m.Role,
			LastReadSeq: m.LastReadSeq,
			JoinedAt:    m.JoinedAt,
		})
	}
	return views, nil
}

func (s *Service) AddChannelMember(ctx context.Context, session Session, channelID string, input AddChannelMemberInput) (channelMemberView, error) {
	decision, err := s.requireChannel(ctx, session.UserID, channelID, rbac.ActionChannelInvite)
	if err != nil {
		return channelMemberView{}, err
	}
	ch, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return channelMemberView{}, err
	}
	if ch.Kind == string(rbac.KindDirect) {
		return channelMemberView{}, validationError("direct conversation membership is fixed")
	}
	if input.Role == "" {
		input.Role = string(rbac.ChannelMember)
	}
	role, ok := rbac.ParseChannelRole(input.Role)
	if !ok {
		return channelMemberView{}, validationError("role must be admin, moderator, member or viewer")
	}
	if role != rbac.ChannelMember && role != rbac.ChannelViewer && !rbac.CanGrantChannelRole(decision.ChannelRole, role) {
		return channelMemberView{}, forbidden(rbac.ReasonRoleRequired)
	}
	member, err := s.store.GetWorkspaceMember(ctx, ch.WorkspaceID, input.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return channelMemberView{}, validationError("user is not a member of this workspace")
	}
	if err != nil {
		return channelMemberView{}, err
	}
	if member.Role == string(rbac.WorkspaceGuest) && (role == rbac.ChannelAdmin || role == rbac.ChannelModerator) {
		role = rbac.ChannelMember
	}

	added, err := s.store.AddChannelMember(ctx, store.ChannelMember{ChannelID: channelID, UserID: input.UserID, Role: string(role)})
	if err != nil {
		return channelMemberView{}, err
	}
	if !added {
		return channelMemberView{}, domainError(http.StatusConflict, "ALREADY_MEMBER", "User is already a member of this channel", nil)
	}
	s.perms.InvalidateUser(input.UserID)
	s.memberChanged(ctx, ch.WorkspaceID, channelID, input.UserID, "joined", string(role))
	return channelMemberView{UserID: input.UserID, DisplayName: member.DisplayName, Role: string(role), JoinedAt: s.now()}, nil
}

// SetChannelMemberRole requires the caller to outrank both the current and the
// new role: moderators manage members and viewers, admins manage everyone.
func (s *Service) SetChannelMemberRole(ctx context.Context, session Session, channelID, userID, role string) (channelMemberView, error) {
	target, ok := rbac.ParseChannelRole(role)
	if !ok {
		return channelMemberView{}, validationError("role must be admin, moderator, member or viewer")
	}
	decision, err := s.requireChannel(ctx, session.UserID, channelID, rbac.ActionChannelModerate)
	if err != nil {
		return channelMemberView{}, err
	}
	ch, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return channelMemberView{}, err
	}
	if ch.Kind == string(rbac.KindDirect) {
		return channelMemberView{}, validationError("direct conversation roles are fixed")
	}
	current, err := s.store.GetChannelMember(ctx, channelID, userID)
	if err != nil {
		return channelMemberView{}, err
	}
	if !rbac.CanGrantChannelRole(decision.ChannelRole, target) || !rbac.CanGrantChannelRole(decision.ChannelRole, rbac.ChannelRole(current.Role)) {
		return channelMemberView{}, forbidden(rbac.ReasonRoleRequired)
	}
	if err := s.store.SetChannelMemberRole(ctx, channelID, userID, string(target)); err != nil {
		return channelMemberView{}, err
	}
	s.perms.InvalidateUser(userID)
	s.memberChanged(ctx, ch.WorkspaceID, channelID, userID, "role", string(target))

	current.Role = string(target)
	return channelMemberView{
		UserID:      current.UserID,
		DisplayName: current.DisplayName,
		Role:        current.Role,
		LastReadSeq: current.LastReadSeq,
		JoinedAt:    current.JoinedAt,
	}, nil
}

func (s *Service) RemoveChannelMember(ctx context.Context, session Session, channelID, userID string) error {
	if userID == session.UserID {
		return s.LeaveChannel(ctx, session, channelID)
	}
	decision, err := s.requireChannel(ctx, session.UserID, channelID, rbac.ActionChannelModerate)
	if err != nil {
		return err
	}
	ch, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if ch.Kind == string(rbac.KindDirect) {
		return validationError("direct conversation membership is fixed")
	}
	current, err := s.store.GetChannelMember(ctx, channelID, userID)
	if err != nil {
		return err
	}
	if !rbac.CanGrantChannelRole(decision.ChannelRole, rbac.ChannelRole(current.Role)) {
		return forbidden(rbac.ReasonRoleRequired)
	}
	if err := s.store.RemoveChannelMember(ctx, channelID, userID); err != nil {
		return err
	}
	s.perms.InvalidateUser(userID)
	s.memberChanged(ctx, ch.WorkspaceID, channelID, userID, "left", "")
	s.evictIfUnreadable(ctx, ch, userID, "removed_from_channel")
	return nil
}

// MarkRead advances the caller's read marker. It never moves backwards.
func (s *Service) MarkRead(ctx context.Context, session Session, channelID string, seq int64) (int64, error) {
	if seq < 0 {
		return 0, validationError("seq must not be negative")
	}
	if _, err := s.requireChannel(ctx, session.UserID, channelID, rbac.ActionChannelRead); err != nil {
		return 0, err
	}
	marker, err := s.store.AdvanceReadMarker(ctx, channelID, session.UserID, seq)
	if errors.Is(err, store.ErrNotFound) {
		return 0, domainError(http.StatusConflict, "NOT_A_MEMBER", "Join the channel to track read state", nil)
	}
	return marker, err
}
