package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"huddle/api/internal/config"
	"huddle/api/internal/rbac"
	"huddle/api/internal/realtime"
	"huddle/api/internal/store"
)

// fakeStore is an in-memory Store. Methods the tests never reach fall through
// to the nil embedded interface and panic.
type fakeStore struct {
	Store

	mu          sync.Mutex
	pingErr     error
	users       map[string]store.User
	resets      map[string]string
	refresh     map[string]string
	revoked     map[string]bool
	workspaces  map[string]store.Workspace
	wsMembers   map[string]map[string]store.WorkspaceMember
	channels    map[string]store.Channel
	chMembers   map[string]map[string]store.ChannelMember
	messages    []store.Message
	reactions   map[string]map[string][]string
	pins        []store.Pin
	attachments map[string]store.Attachment
	invitations map[string]store.Invitation
	requests    map[string]store.JoinRequest
	prefs       map[string]store.Preferences

	// expireErrs makes ExpireGuests fail for the named users.
	expireErrs map[string]error
	linkErr    error
	// beforeAddGuest runs under the lock ahead of AddGuest's checks.
	beforeAddGuest func(*fakeStore)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:       map[string]store.User{},
		resets:      map[string]string{},
		refresh:     map[string]string{},
		revoked:     map[string]bool{},
		workspaces:  map[string]store.Workspace{},
		wsMembers:   map[string]map[string]store.WorkspaceMember{},
		channels:    map[string]store.Channel{},
		chMembers:   map[string]map[string]store.ChannelMember{},
		reactions:   map[string]map[string][]string{},
		attachments: map[string]store.Attachment{},
		invitations: map[string]store.Invitation{},
		requests:    map[string]store.JoinRequest{},
		prefs:       map[string]store.Preferences{},
	}
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

// users

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email {
			return u, nil
		}
	}
	return store.User{}, store.ErrNotFound
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) CreateUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == user.Email {
			return store.ErrConflict
		}
	}
	user.CreatedAt = time.Now()
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) UpdateUserVerificationToken(_ context.Context, userID, token string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	u.VerificationToken = token
	u.VerificationExpiresAt = &expiresAt
	f.users[userID] = u
	return nil
}

func (f *fakeStore) VerifyUserEmail(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, u := range f.users {
		if u.VerificationToken != "" && u.VerificationToken == token {
			u.IsEmailVerified = true
			u.VerificationToken = ""
			f.users[id] = u
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) UpdateUserPassword(_ context.Context, userID, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	u.PasswordHash = hash
	f.users[userID] = u
	return nil
}

func (f *fakeStore) CreatePasswordReset(_ context.Context, userID, token string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets[token] = userID
	return nil
}

func (f *fakeStore) GetPasswordReset(_ context.Context, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.resets[token]
	if !ok {
		return "", store.ErrNotFound
	}
	return userID, nil
}

func (f *fakeStore) MarkPasswordResetUsed(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.resets, token)
	return nil
}

// sessions

func (f *fakeStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[tokenHash] = userID
	return nil
}

func (f *fakeStore) ConsumeRefreshSession(_ context.Context, tokenHash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.refresh[tokenHash]
	if !ok {
		return "", store.ErrNotFound
	}
	delete(f.refresh, tokenHash)
	return userID, nil
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, tokenHash)
	return nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

// permission subjects

func (f *fakeStore) LoadWorkspaceSubject(_ context.Context, userID, workspaceID string) (rbac.Subject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.workspaces[workspaceID]; !ok {
		return rbac.Subject{}, store.ErrNotFound
	}
	m := f.wsMembers[workspaceID][userID]
	return rbac.Subject{WorkspaceRole: rbac.WorkspaceRole(m.Role), GuestExpiresAt: m.GuestExpiresAt}, nil
}

func (f *fakeStore) LoadChannelSubject(_ context.Context, userID, channelID string) (rbac.Subject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[channelID]
	if !ok {
		return rbac.Subject{}, store.ErrNotFound
	}
	wm := f.wsMembers[ch.WorkspaceID][userID]
	cm := f.chMembers[channelID][userID]
	return rbac.Subject{
		WorkspaceRole:   rbac.WorkspaceRole(wm.Role),
		GuestExpiresAt:  wm.GuestExpiresAt,
		ChannelKind:     rbac.ChannelKind(ch.Kind),
		ChannelArchived: ch.IsArchived,
		ChannelRole:     rbac.ChannelRole(cm.Role),
	}, nil
}

// workspaces

func (f *fakeStore) CreateWorkspace(_ context.Context, ws store.Workspace, general store.Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.workspaces {
		if existing.Slug == ws.Slug {
			return store.ErrConflict
		}
	}
	f.workspaces[ws.ID] = ws
	f.wsMembers[ws.ID] = map[string]store.WorkspaceMember{}
	f.upsertMemberLocked(store.WorkspaceMember{WorkspaceID: ws.ID, UserID: ws.OwnerID, Role: string(rbac.WorkspaceOwner)})
	f.channels[general.ID] = general
	f.addChannelMemberLocked(store.ChannelMember{ChannelID: general.ID, UserID: ws.OwnerID, Role: string(rbac.ChannelAdmin)})
	return nil
}

func (f *fakeStore) GetWorkspace(_ context.Context, workspaceID string) (store.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws, ok := f.workspaces[workspaceID]
	if !ok {
		return store.Workspace{}, store.ErrNotFound
	}
	return ws, nil
}

func (f *fakeStore) ListUserWorkspaces(_ context.Context, userID string) ([]store.WorkspaceSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.WorkspaceSummary
	for id, members := range f.wsMembers {
		m, ok := members[userID]
		if !ok {
			continue
		}
		out = append(out, store.WorkspaceSummary{Workspace: f.workspaces[id], Role: m.Role, MemberCount: len(members)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeStore) UpdateWorkspace(_ context.Context, workspaceID, name, joinPolicy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws, ok := f.workspaces[workspaceID]
	if !ok {
		return store.ErrNotFound
	}
	ws.Name = name
	ws.JoinPolicy = joinPolicy
	f.workspaces[workspaceID] = ws
	return nil
}

func (f *fakeStore) DeleteWorkspace(_ context.Context, workspaceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.workspaces[workspaceID]; !ok {
		return store.ErrNotFound
	}
	delete(f.workspaces, workspaceID)
	delete(f.wsMembers, workspaceID)
	for id, ch := range f.channels {
		if ch.WorkspaceID == workspaceID {
			delete(f.channels, id)
			delete(f.chMembers, id)
		}
	}
	return nil
}

func (f *fakeStore) GetWorkspaceMember(_ context.Context, workspaceID, userID string) (store.WorkspaceMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.wsMembers[workspaceID][userID]
	if !ok {
		return store.WorkspaceMember{}, store.ErrNotFound
	}
	return m, nil
}

func (f *fakeStore) ListWorkspaceMembers(_ context.Context, workspaceID string) ([]store.WorkspaceMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.WorkspaceMember
	for _, m := range f.wsMembers[workspaceID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (f *fakeStore) UpsertWorkspaceMember(_ context.Context, member store.WorkspaceMember) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertMemberLocked(member)
	return nil
}

func (f *fakeStore) upsertMemberLocked(member store.WorkspaceMember) {
	if f.wsMembers[member.WorkspaceID] == nil {
		f.wsMembers[member.WorkspaceID] = map[string]store.WorkspaceMember{}
	}
	if existing, ok := f.wsMembers[member.WorkspaceID][member.UserID]; ok {
		member.JoinedAt = existing.JoinedAt
	} else {
		member.JoinedAt = time.Now()
	}
	u := f.users[member.UserID]
	member.DisplayName = u.DisplayName
	member.Email = u.Email
	f.wsMembers[member.WorkspaceID][member.UserID] = member
}

func (f *fakeStore) AddGuest(_ context.Context, member store.WorkspaceMember, channelIDs []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.beforeAddGuest != nil {
		f.beforeAddGuest(f)
	}
	for _, id := range channelIDs {
		ch, ok := f.channels[id]
		if !ok || ch.WorkspaceID != member.WorkspaceID || ch.IsArchived {
			return nil, store.ErrConflict
		}
	}
	f.upsertMemberLocked(member)
	var joined []string
	for _, id := range channelIDs {
		if f.addChannelMemberLocked(store.ChannelMember{ChannelID: id, UserID: member.UserID, Role: string(rbac.ChannelMember)}) {
			joined = append(joined, id)
		}
	}
	return joined, nil
}

func (f *fakeStore) RemoveWorkspaceMember(_ context.Context, workspaceID, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.wsMembers[workspaceID][userID]; !ok {
		return nil, store.ErrNotFound
	}
	delete(f.wsMembers[workspaceID], userID)
	return f.dropChannelMembershipsLocked(workspaceID, userID), nil
}

func (f *fakeStore) dropChannelMembershipsLocked(workspaceID, userID string) []string {
	var removed []string
	for id, ch := range f.channels {
		if ch.WorkspaceID != workspaceID {
			continue
		}
		if _, ok := f.chMembers[id][userID]; ok {
			delete(f.chMembers[id], userID)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

func (f *fakeStore) TransferOwnership(_ context.Context, workspaceID, fromUserID, toUserID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	from, ok := f.wsMembers[workspaceID][fromUserID]
	to, ok2 := f.wsMembers[workspaceID][toUserID]
	if !ok || !ok2 {
		return store.ErrNotFound
	}
	from.Role = string(rbac.WorkspaceAdmin)
	to.Role = string(rbac.WorkspaceOwner)
	to.GuestExpiresAt = nil
	f.wsMembers[workspaceID][fromUserID] = from
	f.wsMembers[workspaceID][toUserID] = to
	ws := f.workspaces[workspaceID]
	ws.OwnerID = toUserID
	f.workspaces[workspaceID] = ws
	return nil
}

func (f *fakeStore) ExpireGuests(_ context.Context, now time.Time) ([]store.ExpiredGuest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var (
		out      []store.ExpiredGuest
		firstErr error
	)
	for wsID, members := range f.wsMembers {
		for userID, m := range members {
			if m.Role != string(rbac.WorkspaceGuest) || m.GuestExpiresAt == nil || m.GuestExpiresAt.After(now) {
				continue
			}
			if err := f.expireErrs[userID]; err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			delete(members, userID)
			out = append(out, store.ExpiredGuest{
				WorkspaceID: wsID,
				UserID:      userID,
				ChannelIDs:  f.dropChannelMembershipsLocked(wsID, userID),
			})
		}
	}
	return out, firstErr
}

// invitations and join requests

func (f *fakeStore) CreateInvitation(_ context.Context, inv store.Invitation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.invitations {
		if existing.WorkspaceID == inv.WorkspaceID && existing.Email == inv.Email && existing.Status == InvitationPending {
			return store.ErrConflict
		}
	}
	f.invitations[inv.ID] = inv
	return nil
}

func (f *fakeStore) GetInvitation(_ context.Context, invitationID string) (store.Invitation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invitations[invitationID]
	if !ok {
		return store.Invitation{}, store.ErrNotFound
	}
	return inv, nil
}

func (f *fakeStore) GetInvitationByTokenHash(_ context.Context, tokenHash string) (store.Invitation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, inv := range f.invitations {
		if inv.TokenHash == tokenHash {
			return inv, nil
		}
	}
	return store.Invitation{}, store.ErrNotFound
}

func (f *fakeStore) ListWorkspaceInvitations(_ context.Context, workspaceID string) ([]store.Invitation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Invitation
	for _, inv := range f.invitations {
		if inv.WorkspaceID == workspaceID {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (f *fakeStore) ListPendingInvitationsForEmail(_ context.Context, email string, now time.Time) ([]store.Invitation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Invitation
	for _, inv := range f.invitations {
		if inv.Email == email && inv.Status == InvitationPending && inv.ExpiresAt.After(now) {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (f *fakeStore) TransitionInvitation(_ context.Context, invitationID, from, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transitionInvitationLocked(invitationID, from, to)
}

func (f *fakeStore) transitionInvitationLocked(invitationID, from, to string) error {
	inv, ok := f.invitations[invitationID]
	if !ok {
		return store.ErrNotFound
	}
	if inv.Status != from {
		return store.ErrInvalidState
	}
	now := time.Now()
	inv.Status = to
	inv.RespondedAt = &now
	f.invitations[invitationID] = inv
	return nil
}

func (f *fakeStore) ExpireInvitations(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, inv := range f.invitations {
		if inv.Status == InvitationPending && !inv.ExpiresAt.After(now) {
			inv.Status = InvitationExpired
			f.invitations[id] = inv
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) AcceptInvitation(_ context.Context, invitationID string, member store.WorkspaceMember, channel *store.ChannelMember) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.transitionInvitationLocked(invitationID, InvitationPending, InvitationAccepted); err != nil {
		return err
	}
	f.upsertMemberLocked(member)
	if channel != nil {
		f.addChannelMemberLocked(*channel)
	}
	return nil
}

func (f *fakeStore) JoinWorkspace(_ context.Context, member store.WorkspaceMember, channel *store.ChannelMember) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertMemberLocked(member)
	if channel != nil {
		f.addChannelMemberLocked(*channel)
	}
	return nil
}

func (f *fakeStore) CreateJoinRequest(_ context.Context, req store.JoinRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.requests {
		if existing.WorkspaceID == req.WorkspaceID && existing.UserID == req.UserID && existing.Status == JoinRequestPending {
			return store.ErrConflict
		}
	}
	f.requests[req.ID] = req
	return nil
}

func (f *fakeStore) GetJoinRequest(_ context.Context, requestID string) (store.JoinRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[requestID]
	if !ok {
		return store.JoinRequest{}, store.ErrNotFound
	}
	return req, nil
}

func (f *fakeStore) ListJoinRequests(_ context.Context, workspaceID, status string) ([]store.JoinRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.JoinRequest
	for _, req := range f.requests {
		if req.WorkspaceID == workspaceID && (status == "" || req.Status == status) {
			out = append(out, req)
		}
	}
	return out, nil
}

func (f *fakeStore) TransitionJoinRequest(_ context.Context, requestID, from, to, decidedBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transitionRequestLocked(requestID, from, to, decidedBy)
}

func (f *fakeStore) transitionRequestLocked(requestID, from, to, decidedBy string) error {
	req, ok := f.requests[requestID]
	if !ok {
		return store.ErrNotFound
	}
	if req.Status != from {
		return store.ErrInvalidState
	}
	now := time.Now()
	req.Status = to
	req.DecidedBy = decidedBy
	req.DecidedAt = &now
	f.requests[requestID] = req
	return nil
}

func (f *fakeStore) ApproveJoinRequest(_ context.Context, requestID, decidedBy string, member store.WorkspaceMember, channel *store.ChannelMember) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.transitionRequestLocked(requestID, JoinRequestPending, JoinRequestApproved, decidedBy); err != nil {
		return err
	}
	f.upsertMemberLocked(member)
	if channel != nil {
		f.addChannelMemberLocked(*channel)
	}
	return nil
}

// channels

func (f *fakeStore) CreateChannel(_ context.Context, ch store.Channel, members []store.ChannelMember) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.channels {
		if existing.WorkspaceID != ch.WorkspaceID {
			continue
		}
		if existing.Name == ch.Name || (ch.DirectKey != "" && existing.DirectKey == ch.DirectKey) {
			return store.ErrConflict
		}
	}
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now()
	}
	f.channels[ch.ID] = ch
	for _, m := range members {
		f.addChannelMemberLocked(m)
	}
	return nil
}

func (f *fakeStore) GetChannel(_ context.Context, channelID string) (store.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[channelID]
	if !ok {
		return store.Channel{}, store.ErrNotFound
	}
	return ch, nil
}

func (f *fakeStore) FindDirectChannel(_ context.Context, workspaceID, directKey string) (store.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.channels {
		if ch.WorkspaceID == workspaceID && ch.DirectKey == directKey {
			return ch, nil
		}
	}
	return store.Channel{}, store.ErrNotFound
}

func (f *fakeStore) ListWorkspaceChannels(_ context.Context, workspaceID, userID string) ([]store.ChannelListing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ChannelListing
	for id, ch := range f.channels {
		if ch.WorkspaceID != workspaceID {
			continue
		}
		m := f.chMembers[id][userID]
		out = append(out, store.ChannelListing{Channel: ch, MemberRole: m.Role, LastReadSeq: m.LastReadSeq, Muted: m.Muted})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeStore) ListUserChannelIDs(_ context.Context, workspaceID, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id, ch := range f.channels {
		if _, ok := f.chMembers[id][userID]; ok && ch.WorkspaceID == workspaceID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeStore) UpdateChannel(_ context.Context, channelID, name, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[channelID]
	if !ok {
		return store.ErrNotFound
	}
	ch.Name = name
	ch.Topic = topic
	f.channels[channelID] = ch
	return nil
}

func (f *fakeStore) SetChannelArchived(_ context.Context, channelID string, archived bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[channelID]
	if !ok {
		return store.ErrNotFound
	}
	ch.IsArchived = archived
	f.channels[channelID] = ch
	return nil
}

func (f *fakeStore) DeleteChannel(_ context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.channels[channelID]; !ok {
		return store.ErrNotFound
	}
	delete(f.channels, channelID)
	delete(f.chMembers, channelID)
	return nil
}

func (f *fakeStore) GetChannelMember(_ context.Context, channelID, userID string) (store.ChannelMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.chMembers[channelID][userID]
	if !ok {
		return store.ChannelMember{}, store.ErrNotFound
	}
	return m, nil
}

func (f *fakeStore) ListChannelMembers(_ context.Context, channelID string) ([]store.ChannelMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ChannelMember
	for _, m := range f.chMembers[channelID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (f *fakeStore) AddChannelMember(_ context.Context, member store.ChannelMember) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.channels[member.ChannelID]; !ok {
		return false, store.ErrNotFound
	}
	return f.addChannelMemberLocked(member), nil
}

func (f *fakeStore) addChannelMemberLocked(member store.ChannelMember) bool {
	if f.chMembers[member.ChannelID] == nil {
		f.chMembers[member.ChannelID] = map[string]store.ChannelMember{}
	}
	if _, ok := f.chMembers[member.ChannelID][member.UserID]; ok {
		return false
	}
	member.JoinedAt = time.Now()
	member.DisplayName = f.users[member.UserID].DisplayName
	f.chMembers[member.ChannelID][member.UserID] = member
	return true
}

func (f *fakeStore) SetChannelMemberRole(_ context.Context, channelID, userID, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.chMembers[channelID][userID]
	if !ok {
		return store.ErrNotFound
	}
	m.Role = role
	f.chMembers[channelID][userID] = m
	return nil
}

func (f *fakeStore) RemoveChannelMember(_ context.Context, channelID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.chMembers[channelID][userID]; !ok {
		return store.ErrNotFound
	}
	delete(f.chMembers[channelID], userID)
	return nil
}

func (f *fakeStore) AdvanceReadMarker(_ context.Context, channelID, userID string, seq int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.chMembers[channelID][userID]
	if !ok {
		return 0, store.ErrNotFound
	}
	if last := f.channels[channelID].LastSeq; seq > last {
		seq = last
	}
	if seq > m.LastReadSeq {
		m.LastReadSeq = seq
		f.chMembers[channelID][userID] = m
	}
	return m.LastReadSeq, nil
}

// messages

func (f *fakeStore) InsertMessage(_ context.Context, msg store.Message, attachmentIDs ...string) (store.Message, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg.ClientMessageID != "" {
		for _, existing := range f.messages {
			if existing.ChannelID == msg.ChannelID && existing.AuthorID == msg.AuthorID && existing.ClientMessageID == msg.ClientMessageID {
				return existing, true, nil
			}
		}
	}
	ch, ok := f.channels[msg.ChannelID]
	if !ok {
		return store.Message{}, false, store.ErrNotFound
	}
	if len(attachmentIDs) > 0 && f.linkErr != nil {
		return store.Message{}, false, f.linkErr
	}
	for _, id := range attachmentIDs {
		a, ok := f.attachments[id]
		if !ok || a.ChannelID != msg.ChannelID || a.UploadedBy != msg.AuthorID || a.MessageID != "" {
			return store.Message{}, false, store.ErrConflict
		}
	}
	for _, id := range attachmentIDs {
		a := f.attachments[id]
		a.MessageID = msg.ID
		f.attachments[id] = a
	}
	ch.LastSeq++
	f.channels[ch.ID] = ch

	msg.Seq = ch.LastSeq
	msg.WorkspaceID = ch.WorkspaceID
	msg.AuthorName = f.users[msg.AuthorID].DisplayName
	msg.CreatedAt = time.Now()
	f.messages = append(f.messages, msg)
	if msg.ParentID != "" {
		for i := range f.messages {
			if f.messages[i].ID == msg.ParentID {
				f.messages[i].ReplyCount++
			}
		}
	}
	return msg, false, nil
}

func (f *fakeStore) GetMessage(_ context.Context, messageID string) (store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.ID == messageID {
			return m, nil
		}
	}
	return store.Message{}, store.ErrNotFound
}

func (f *fakeStore) ListMessages(_ context.Context, q store.MessageQuery) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	limit := q.Limit
	if limit <= 0 {
		limit = store.DefaultMessageLimit
	}
	if limit > store.MaxMessageLimit {
		limit = store.MaxMessageLimit
	}
	var matched []store.Message
	for _, m := range f.messages {
		if m.ChannelID != q.ChannelID {
			continue
		}
		if q.AfterSeq > 0 && m.Seq <= q.AfterSeq {
			continue
		}
		if q.BeforeSeq > 0 && m.Seq >= q.BeforeSeq {
			continue
		}
		if q.From != nil && m.CreatedAt.Before(*q.From) {
			continue
		}
		if q.To != nil && !m.CreatedAt.Before(*q.To) {
			continue
		}
		matched = append(matched, m)
	}
	if len(matched) > limit {
		if q.BeforeSeq > 0 && q.AfterSeq == 0 {
			matched = matched[len(matched)-limit:]
		} else {
			matched = matched[:limit]
		}
	}
	return matched, nil
}

func (f *fakeStore) ListThread(_ context.Context, rootID string) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Message
	for _, m := range f.messages {
		if m.ID == rootID || m.ParentID == rootID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateMessageBody(_ context.Context, messageID, body string) (store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, m := range f.messages {
		if m.ID == messageID && m.DeletedAt == nil {
			now := time.Now()
			f.messages[i].Body = body
			f.messages[i].EditedAt = &now
			return f.messages[i], nil
		}
	}
	return store.Message{}, store.ErrNotFound
}

func (f *fakeStore) SoftDeleteMessage(_ context.Context, messageID string) (store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, m := range f.messages {
		if m.ID != messageID {
			continue
		}
		if m.DeletedAt == nil {
			now := time.Now()
			f.messages[i].DeletedAt = &now
			f.messages[i].Body = ""
			delete(f.reactions, messageID)
			pins := f.pins[:0]
			for _, p := range f.pins {
				if p.MessageID != messageID {
					pins = append(pins, p)
				}
			}
			f.pins = pins
		}
		return f.messages[i], nil
	}
	return store.Message{}, store.ErrNotFound
}

func (f *fakeStore) AddReaction(_ context.Context, messageID, userID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reactions[messageID] == nil {
		f.reactions[messageID] = map[string][]string{}
	}
	for _, id := range f.reactions[messageID][emoji] {
		if id == userID {
			return nil
		}
	}
	f.reactions[messageID][emoji] = append(f.reactions[messageID][emoji], userID)
	return nil
}

func (f *fakeStore) RemoveReaction(_ context.Context, messageID, userID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	users := f.reactions[messageID][emoji]
	for i, id := range users {
		if id == userID {
			f.reactions[messageID][emoji] = append(users[:i], users[i+1:]...)
			break
		}
	}
	if len(f.reactions[messageID][emoji]) == 0 {
		delete(f.reactions[messageID], emoji)
	}
	return nil
}

func (f *fakeStore) ListReactions(_ context.Context, messageIDs []string) ([]store.ReactionCount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ReactionCount
	for _, id := range messageIDs {
		emojis := make([]string, 0, len(f.reactions[id]))
		for emoji := range f.reactions[id] {
			emojis = append(emojis, emoji)
		}
		sort.Strings(emojis)
		for _, emoji := range emojis {
			users := append([]string(nil), f.reactions[id][emoji]...)
			out = append(out, store.ReactionCount{MessageID: id, Emoji: emoji, Count: len(users), UserIDs: users})
		}
	}
	return out, nil
}

func (f *fakeStore) PinMessage(_ context.Context, pin store.Pin) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.pins {
		if p.MessageID == pin.MessageID {
			return nil
		}
	}
	pin.PinnedAt = time.Now()
	f.pins = append(f.pins, pin)
	return nil
}

func (f *fakeStore) UnpinMessage(_ context.Context, channelID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, p := range f.pins {
		if p.ChannelID == channelID && p.MessageID == messageID {
			f.pins = append(f.pins[:i], f.pins[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) ListPins(_ context.Context, channelID string) ([]store.Pin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Pin
	for _, p := range f.pins {
		if p.ChannelID == channelID {
			out = append(out, p)
		}
	}
	return out, nil
}

// attachments

func (f *fakeStore) InsertAttachment(_ context.Context, a store.Attachment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachments[a.ID] = a
	return nil
}

func (f *fakeStore) GetAttachment(_ context.Context, attachmentID string) (store.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.attachments[attachmentID]
	if !ok {
		return store.Attachment{}, store.ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) ListAttachmentsForMessages(_ context.Context, messageIDs []string) ([]store.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wanted := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = true
	}
	var out []store.Attachment
	for _, a := range f.attachments {
		if a.MessageID != "" && wanted[a.MessageID] {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// preferences

func (f *fakeStore) GetPreferences(_ context.Context, userID string) (store.Preferences, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.prefs[userID]; ok {
		return p, nil
	}
	return store.DefaultPreferences(userID), nil
}

func (f *fakeStore) UpsertPreferences(_ context.Context, prefs store.Preferences) (store.Preferences, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefs.UpdatedAt = time.Now()
	f.prefs[prefs.UserID] = prefs
	return prefs, nil
}

// recordingPublisher keeps every published event for assertions.
type recordingPublisher struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev realtime.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) ofType(eventType string) []realtime.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []realtime.Event
	for _, ev := range p.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type testEnv struct {
	store     *fakeStore
	events    *recordingPublisher
	service   *Service
	server    *HTTPServer
	workspace string
	general   string
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:       "test-secret",
		AccessTTL:       time.Hour,
		RefreshTTL:      24 * time.Hour,
		InviteTTL:       24 * time.Hour,
		MaxMessageRunes: 4000,
		PublicURL:       "http://localhost:5173",
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, nil)
}

// newTestEnvWith lets a test plug optional collaborators into Deps.
func newTestEnvWith(t *testing.T, configure func(*Deps)) *testEnv {
	t.Helper()
	fs := newFakeStore()
	events := &recordingPublisher{}
	deps := Deps{Publisher: events}
	if configure != nil {
		configure(&deps)
	}
	svc, err := New(testConfig(), fs, deps)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(svc.Close)
	return &testEnv{
		store:   fs,
		events:  events,
		service: svc,
		server:  NewHTTPServer(svc, HTTPOptions{CORSOrigins: []string{"*"}}),
	}
}

func (e *testEnv) addUser(id, name, email string) {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	e.store.users[id] = store.User{ID: id, DisplayName: name, Email: email, IsEmailVerified: true, CreatedAt: time.Now()}
}

// withWorkspace creates a workspace owned by ownerID and records its #general.
func (e *testEnv) withWorkspace(t *testing.T, ownerID, joinPolicy string) {
	t.Helper()
	ws, err := e.service.CreateWorkspace(context.Background(), Session{UserID: ownerID}, "Acme", joinPolicy)
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	e.workspace = ws.ID
	for id, ch := range e.store.channels {
		if ch.WorkspaceID == ws.ID && ch.Name == generalChannel {
			e.general = id
		}
	}
}

func (e *testEnv) join(userID, role string) {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	e.store.upsertMemberLocked(store.WorkspaceMember{WorkspaceID: e.workspace, UserID: userID, Role: role})
	if role != string(rbac.WorkspaceGuest) {
		e.store.addChannelMemberLocked(store.ChannelMember{ChannelID: e.general, UserID: userID, Role: string(rbac.ChannelMember)})
	}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	session, err := e.service.CreateSession(context.Background(), userID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session.Token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, status int) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected status %d, got %d body=%s", status, rr.Code, rr.Body.String())
	}
}

func expectCode(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	expectStatus(t, rr, status)
	if got := decodeJSON(t, rr)["code"]; got != code {
		t.Fatalf("expected code %s, got %v", code, got)
	}
}
