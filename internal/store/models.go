package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	AvatarURL             string
	DeactivatedAt         *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Workspace struct {
	ID         string
	Name       string
	Slug       string
	OwnerID    string
	JoinPolicy string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// WorkspaceSummary is a workspace as seen by one member.
type WorkspaceSummary struct {
	Workspace
	Role        string
	MemberCount int
}

type WorkspaceMember struct {
	WorkspaceID    string
	UserID         string
	Role           string
	GuestExpiresAt *time.Time
	JoinedAt       time.Time

	DisplayName string
	Email       string
}

type Channel struct {
	ID          string
	WorkspaceID string
	Name        string
	Topic       string
	Kind        string
	IsArchived  bool
	LastSeq     int64
	DirectKey   string
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ChannelListing is a channel plus the caller's explicit membership, if any.
type ChannelListing struct {
	Channel
	MemberRole  string
	LastReadSeq int64
	Muted       bool
}

type ChannelMember struct {
	ChannelID   string
	UserID      string
	Role        string
	LastReadSeq int64
	Muted       bool
	JoinedAt    time.Time

	DisplayName string
}

type Message struct {
	ID              string
	ChannelID       string
	WorkspaceID     string
	Seq             int64
	AuthorID        string
	AuthorName      string
	ParentID        string
	Body            string
	ClientMessageID string
	ReplyCount      int
	EditedAt        *time.Time
	DeletedAt       *time.Time
	CreatedAt       time.Time
}

// MessageQuery pages a channel timeline by sequence number. Zero bounds are open.
type MessageQuery struct {
	ChannelID string
	BeforeSeq int64
	AfterSeq  int64
	From      *time.Time
	To        *time.Time
	Limit     int
}

type ReactionCount struct {
	MessageID string
	Emoji     string
	Count     int
	UserIDs   []string
}

type Pin struct {
	ChannelID string
	MessageID string
	PinnedBy  string
	PinnedAt  time.Time
}

type Attachment struct {
	ID          string
	WorkspaceID string
	ChannelID   string
	MessageID   string
	ObjectKey   string
	Filename    string
	ContentType string
	Size        int64
	UploadedBy  string
	CreatedAt   time.Time
}

type Invitation struct {
	ID          string
	WorkspaceID string
	ChannelID   string
	Email       string
	Role        string
	TokenHash   string
	Status      string
	InvitedBy   string
	ExpiresAt   time.Time
	RespondedAt *time.Time
	CreatedAt   time.Time

	WorkspaceName string
	InviterName   string
}

type JoinRequest struct {
	ID          string
	WorkspaceID string
	UserID      string
	Note        string
	Status      string
	DecidedBy   string
	DecidedAt   *time.Time
	CreatedAt   time.Time

	DisplayName string
	Email       string
}

type Preferences struct {
	UserID      string
	Theme       string
	Locale      string
	NotifyLevel string
	Extra       json.RawMessage
	UpdatedAt   time.Time
}

func DefaultPreferences(userID string) Preferences {
	return Preferences{
		UserID:      userID,
		Theme:       "system",
		Locale:      "en",
		NotifyLevel: "all",
		Extra:       json.RawMessage(`{}`),
	}
}
