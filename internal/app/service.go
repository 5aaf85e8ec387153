package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"huddle/api/internal/attachments"
	"huddle/api/internal/auth"
	"huddle/api/internal/authpw"
	"huddle/api/internal/canvas"
	"huddle/api/internal/config"
	"huddle/api/internal/email"
	"huddle/api/internal/export"
	"huddle/api/internal/presence"
	"huddle/api/internal/rbac"
	"huddle/api/internal/realtime"
	"huddle/api/internal/search"
	"huddle/api/internal/store"
	"huddle/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

// SessionStore keeps refresh sessions and revoked access tokens. Redis and
// Postgres both implement it.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	// ConsumeRefreshSession atomically revokes a live refresh token and
	// returns its owner.
	ConsumeRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// Store is the persistence the service needs. *store.PostgresStore implements it.
type Store interface {
	authpw.UserStore
	rbac.SubjectLoader
	export.Source
	SessionStore

	Ping(ctx context.Context) error

	CreateWorkspace(ctx context.Context, workspace store.Workspace, general store.Channel) error
	ListUserWorkspaces(ctx context.Context, userID string) ([]store.WorkspaceSummary, error)
	UpdateWorkspace(ctx context.Context, workspaceID, name, joinPolicy string) error
	DeleteWorkspace(ctx context.Context, workspaceID string) error
	GetWorkspaceMember(ctx context.Context, workspaceID, userID string) (store.WorkspaceMember, error)
	ListWorkspaceMembers(ctx context.Context, workspaceID string) ([]store.WorkspaceMember, error)
	UpsertWorkspaceMember(ctx context.Context, member store.WorkspaceMember) error
	RemoveWorkspaceMember(ctx context.Context, workspaceID, userID string) ([]string, error)
	TransferOwnership(ctx context.Context, workspaceID, fromUserID, toUserID string) error
	// AddGuest writes a guest and its channel memberships atomically and
	// returns the channels newly joined.
	AddGuest(ctx context.Context, member store.WorkspaceMember, channelIDs []string) ([]string, error)
	// ExpireGuests returns the guests it removed even alongside an error.
	ExpireGuests(ctx context.Context, now time.Time) ([]store.ExpiredGuest, error)

	CreateInvitation(ctx context.Context, inv store.Invitation) error
	GetInvitation(ctx context.Context, invitationID string) (store.Invitation, error)
	GetInvitationByTokenHash(ctx context.Context, tokenHash string) (store.Invitation, error)
	ListWorkspaceInvitations(ctx context.Context, workspaceID string) ([]store.Invitation, error)
	ListPendingInvitationsForEmail(ctx context.Context, email string, now time.Time) ([]store.Invitation, error)
	TransitionInvitation(ctx context.Context, invitationID, from, to string) error
	ExpireInvitations(ctx context.Context, now time.Time) (int64, error)
	AcceptInvitation(ctx context.Context, invitationID string, member store.WorkspaceMember, channel *store.ChannelMember) error

	CreateJoinRequest(ctx context.Context, req store.JoinRequest) error
	GetJoinRequest(ctx context.Context, requestID string) (store.JoinRequest, error)
	ListJoinRequests(ctx context.Context, workspaceID, status string) ([]store.JoinRequest, error)
	TransitionJoinRequest(ctx context.Context, requestID, from, to, decidedBy string) error
	ApproveJoinRequest(ctx context.Context, requestID, decidedBy string, member store.WorkspaceMember, channel *store.ChannelMember) error
	JoinWorkspace(ctx context.Context, member store.WorkspaceMember, channel *store.ChannelMember) error

	CreateChannel(ctx context.Context, ch store.Channel, members []store.ChannelMember) error
	FindDirectChannel(ctx context.Context, workspaceID, directKey string) (store.Channel, error)
	ListWorkspaceChannels(ctx context.Context, workspaceID, userID string) ([]store.ChannelListing, error)
	ListUserChannelIDs(ctx context.Context, workspaceID, userID string) ([]string, error)
	UpdateChannel(ctx context.Context, channelID, name, topic string) error
	SetChannelArchived(ctx context.Context, channelID string, archived bool) error
	DeleteChannel(ctx context.Context, channelID string) error
	GetChannelMember(ctx context.Context, channelID, userID string) (store.ChannelMember, error)
	ListChannelMembers(ctx context.Context, channelID string) ([]store.ChannelMember, error)
	AddChannelMember(ctx context.Context, member store.ChannelMember) (bool, error)
	SetChannelMemberRole(ctx context.Context, channelID, userID, role string) error
	RemoveChannelMember(ctx context.Context, channelID, userID string) error
	AdvanceReadMarker(ctx context.Context, channelID, userID string, seq int64) (int64, error)

	InsertMessage(ctx context.Context, msg store.Message, attachmentIDs ...string) (store.Message, bool, error)
	GetMessage(ctx context.Context, messageID string) (store.Message, error)
	ListThread(ctx context.Context, rootID string) ([]store.Message, error)
	UpdateMessageBody(ctx context.Context, messageID, body string) (store.Message, error)
	SoftDeleteMessage(ctx context.Context, messageID string) (store.Message, error)
	AddReaction(ctx context.Context, messageID, userID, emoji string) error
	RemoveReaction(ctx context.Context, messageID, userID, emoji string) error
	ListReactions(ctx context.Context, messageIDs []string) ([]store.ReactionCount, error)
	PinMessage(ctx context.Context, pin store.Pin) error
	UnpinMessage(ctx context.Context, channelID, messageID string) error
	ListPins(ctx context.Context, channelID string) ([]store.Pin, error)

	InsertAttachment(ctx context.Context, a store.Attachment) error
	GetAttachment(ctx context.Context, attachmentID string) (store.Attachment, error)
	ListAttachmentsForMessages(ctx context.Context, messageIDs []string) ([]store.Attachment, error)

	GetPreferences(ctx context.Context, userID string) (store.Preferences, error)
	UpsertPreferences(ctx context.Context, prefs store.Preferences) (store.Preferences, error)
}

// Deps are the optional collaborators of a Service. Nil fields fall back to
// in-process implementations or disable the feature that needs them.
type Deps struct {
	Sessions  SessionStore
	Publisher realtime.Publisher
	Presence  presence.Tracker
	Search    *search.Service
	Objects   attachments.ObjectStore
	Canvas    *canvas.Service
	Exporter  *export.Service
	Email     *email.Service
	Logger    *zap.Logger
}

type Service struct {
	cfg      config.Config
	store    Store
	sessions SessionStore
	perms    *rbac.Resolver
	events   realtime.Publisher
	presence presence.Tracker
	search   *search.Service
	objects  attachments.ObjectStore
	canvas   *canvas.Service
	exporter *export.Service
	email    *email.Service
	authpw   *authpw.Service
	logger   *zap.Logger
	now      func() time.Time
}

func New(cfg config.Config, data Store, deps Deps) (*Service, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	perms, err := rbac.NewResolver(data,
		rbac.WithCacheTTL(cfg.PermissionCacheTTL),
		rbac.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create permission resolver: %w", err)
	}

	s := &Service{
		cfg:      cfg,
		store:    data,
		sessions: deps.Sessions,
		perms:    perms,
		events:   deps.Publisher,
		presence: deps.Presence,
		search:   deps.Search,
		objects:  deps.Objects,
		canvas:   deps.Canvas,
		exporter: deps.Exporter,
		email:    deps.Email,
		authpw:   authpw.NewService(data),
		logger:   logger.Named("app"),
		now:      time.Now,
	}
	if s.sessions == nil {
		s.sessions = data
	}
	if s.events == nil {
		s.events = realtime.NewLocalBroker()
	}
	if s.presence == nil {
		s.presence = presence.NewMemoryTracker()
	}
	if s.exporter == nil {
		s.exporter = export.NewService(data)
	}
	if s.cfg.MaxMessageRunes <= 0 {
		s.cfg.MaxMessageRunes = 4000
	}
	if s.cfg.InviteTTL <= 0 {
		s.cfg.InviteTTL = 7 * 24 * time.Hour
	}
	return s, nil
}

// Close releases the permission cache.
func (s *Service) Close() {
	s.perms.Close()
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates the refresh token: the presented one is revoked before a new
// pair is issued, and a token can be rotated only once.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	userID, err := s.sessions.ConsumeRefreshSession(ctx, auth.HashToken(refreshToken))
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	if user.DeactivatedAt != nil {
		return Session{}, domainError(http.StatusForbidden, "ACCOUNT_DEACTIVATED", "Account is deactivated", nil)
	}
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
		Iat:  now.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewToken()
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if errors.Is(err, store.ErrNotFound) || (err == nil && user.DeactivatedAt != nil) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			s.logger.Warn("revoke access token failed", zap.Error(err))
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.logger.Warn("revoke refresh token failed", zap.Error(err))
		}
	}
	return nil
}

func (s *Service) Me(ctx context.Context, session Session) (userView, error) {
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return userView{}, err
	}
	return toUserView(user), nil
}

// SendVerificationEmail delivers the sign-up link in the background. It is a
// no-op when SMTP is not configured.
func (s *Service) SendVerificationEmail(to, userName, token string) {
	if !s.SMTPConfigured() {
		return
	}
	link := s.publicLink("/verify-email", token)
	go func() {
		if err := s.email.SendVerificationEmail(to, userName, link); err != nil {
			s.logger.Error("send verification email failed", zap.Error(err))
		}
	}()
}

func (s *Service) SendPasswordResetEmail(to, userName, token string) {
	if !s.SMTPConfigured() {
		return
	}
	link := s.publicLink("/reset-password", token)
	go func() {
		if err := s.email.SendPasswordResetEmail(to, userName, link); err != nil {
			s.logger.Error("send password reset email failed", zap.Error(err))
		}
	}()
}

func (s *Service) publicLink(path, token string) string {
	return strings.TrimRight(s.cfg.PublicURL, "/") + path + "?token=" + token
}

// requireChannel resolves action on channelID for userID and turns a denial
// into a 403.
func (s *Service) requireChannel(ctx context.Context, userID, channelID string, action rbac.Action) (rbac.Decision, error) {
	decision, err := s.perms.Check(ctx, userID, channelID, action)
	if err != nil {
		return rbac.Decision{}, err
	}
	if !decision.Allowed {
		return decision, forbidden(decision.Reason)
	}
	return decision, nil
}

func (s *Service) requireWorkspace(ctx context.Context, userID, workspaceID string, action rbac.Action) (rbac.Decision, error) {
	decision, err := s.perms.CheckWorkspace(ctx, userID, workspaceID, action)
	if err != nil {
		return rbac.Decision{}, err
	}
	if !decision.Allowed {
		return decision, forbidden(decision.Reason)
	}
	return decision, nil
}

// publish sends ev to the broker. Delivery problems are logged, never returned:
// the mutation has already committed.
func (s *Service) publish(ctx context.Context, ev realtime.Event) {
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish event failed", zap.String("type", ev.Type), zap.String("channel_id", ev.ChannelID), zap.Error(err))
	}
}

// evict tells every node to drop userID's live subscriptions to the channels.
// An empty userID evicts every subscriber.
func (s *Service) evict(ctx context.Context, workspaceID, userID, reason string, channelIDs ...string) {
	for _, channelID := range channelIDs {
		ev := realtime.NewEvent(realtime.EventChannelRemoved, workspaceID, channelID, realtime.RemovedPayload{ChannelID: channelID, Reason: reason})
		ev.UserID = userID
		s.publish(ctx, ev)
	}
}
