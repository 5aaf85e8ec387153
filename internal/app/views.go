package app

import (
	"encoding/json"
	"time"

	"huddle/api/internal/store"
)

type userView struct {
	ID              string    `json:"id"`
	Email           string    `json:"email"`
	DisplayName     string    `json:"displayName"`
	AvatarURL       string    `json:"avatarUrl,omitempty"`
	IsEmailVerified bool      `json:"isEmailVerified"`
	CreatedAt       time.Time `json:"createdAt"`
}

func toUserView(u store.User) userView {
	return userView{
		ID:              u.ID,
		Email:           u.Email,
		DisplayName:     u.DisplayName,
		AvatarURL:       u.AvatarURL,
		IsEmailVerified: u.IsEmailVerified,
		CreatedAt:       u.CreatedAt,
	}
}

type workspaceView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	OwnerID     string    `json:"ownerId"`
	JoinPolicy  string    `json:"joinPolicy"`
	Role        string    `json:"role,omitempty"`
	MemberCount int       `json:"memberCount,omitempty"`
	OnlineCount *int      `json:"onlineCount,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func toWorkspaceView(ws store.Workspace, role string) workspaceView {
	return workspaceView{
		ID:         ws.ID,
		Name:       ws.Name,
		Slug:       ws.Slug,
		OwnerID:    ws.OwnerID,
		JoinPolicy: ws.JoinPolicy,
		Role:       role,
		CreatedAt:  ws.CreatedAt,
	}
}

type memberView struct {
	UserID         string     `json:"userId"`
	DisplayName    string     `json:"displayName"`
	Email          string     `json:"email,omitempty"`
	Role           string     `json:"role"`
	GuestExpiresAt *time.Time `json:"guestExpiresAt,omitempty"`
	Online         bool       `json:"online"`
	JoinedAt       time.Time  `json:"joinedAt"`
}

func toMemberView(m store.WorkspaceMember, online bool) memberView {
	return memberView{
		UserID:         m.UserID,
		DisplayName:    m.DisplayName,
		Email:          m.Email,
		Role:           m.Role,
		GuestExpiresAt: m.GuestExpiresAt,
		Online:         online,
		JoinedAt:       m.JoinedAt,
	}
}

type channelView struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	Name        string    `json:"name"`
	Topic       string    `json:"topic"`
	Kind        string    `json:"kind"`
	IsArchived  bool      `json:"isArchived"`
	LastSeq     int64     `json:"lastSeq"`
	Role        string    `json:"role,omitempty"`
	Joined      bool      `json:"joined"`
	LastReadSeq int64     `json:"lastReadSeq"`
	Unread      int64     `json:"unread"`
	Muted       bool      `json:"muted"`
	CreatedBy   string    `json:"createdBy,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func toChannelView(ch store.Channel) channelView {
	return channelView{
		ID:          ch.ID,
		WorkspaceID: ch.WorkspaceID,
		Name:        ch.Name,
		Topic:       ch.Topic,
		Kind:        ch.Kind,
		IsArchived:  ch.IsArchived,
		LastSeq:     ch.LastSeq,
		CreatedBy:   ch.CreatedBy,
		CreatedAt:   ch.CreatedAt,
	}
}

type channelMemberView struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Role        string    `json:"role"`
	LastReadSeq int64     `json:"lastReadSeq"`
	JoinedAt    time.Time `json:"joinedAt"`
}

type reactionView struct {
	Emoji   string   `json:"emoji"`
	Count   int      `json:"count"`
	UserIDs []string `json:"userIds"`
}

type attachmentView struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

func toAttachmentView(a store.Attachment) attachmentView {
	return attachmentView{ID: a.ID, Filename: a.Filename, ContentType: a.ContentType, Size: a.Size}
}

type messageView struct {
	ID              string           `json:"id"`
	ChannelID       string           `json:"channelId"`
	WorkspaceID     string           `json:"workspaceId"`
	Seq             int64            `json:"seq"`
	AuthorID        string           `json:"authorId"`
	AuthorName      string           `json:"authorName"`
	ParentID        string           `json:"parentId,omitempty"`
	Body            string           `json:"body"`
	ClientMessageID string           `json:"clientMessageId,omitempty"`
	ReplyCount      int              `json:"replyCount"`
	EditedAt        *time.Time       `json:"editedAt,omitempty"`
	Deleted         bool             `json:"deleted"`
	CreatedAt       time.Time        `json:"createdAt"`
	Reactions       []reactionView   `json:"reactions"`
	Attachments     []attachmentView `json:"attachments"`
}

func toMessageView(m store.Message) messageView {
	return messageView{
		ID:              m.ID,
		ChannelID:       m.ChannelID,
		WorkspaceID:     m.WorkspaceID,
		Seq:             m.Seq,
		AuthorID:        m.AuthorID,
		AuthorName:      m.AuthorName,
		ParentID:        m.ParentID,
		Body:            m.Body,
		ClientMessageID: m.ClientMessageID,
		ReplyCount:      m.ReplyCount,
		EditedAt:        m.EditedAt,
		Deleted:         m.DeletedAt != nil,
		CreatedAt:       m.CreatedAt,
		Reactions:       []reactionView{},
		Attachments:     []attachmentView{},
	}
}

type invitationView struct {
	ID            string     `json:"id"`
	WorkspaceID   string     `json:"workspaceId"`
	WorkspaceName string     `json:"workspaceName,omitempty"`
	ChannelID     string     `json:"channelId,omitempty"`
	Email         string     `json:"email"`
	Role          string     `json:"role"`
	Status        string     `json:"status"`
	InvitedBy     string     `json:"invitedBy"`
	InviterName   string     `json:"inviterName,omitempty"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	RespondedAt   *time.Time `json:"respondedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

func toInvitationView(inv store.Invitation) invitationView {
	return invitationView{
		ID:            inv.ID,
		WorkspaceID:   inv.WorkspaceID,
		WorkspaceName: inv.WorkspaceName,
		ChannelID:     inv.ChannelID,
		Email:         inv.Email,
		Role:          inv.Role,
		Status:        inv.Status,
		InvitedBy:     inv.InvitedBy,
		InviterName:   inv.InviterName,
		ExpiresAt:     inv.ExpiresAt,
		RespondedAt:   inv.RespondedAt,
		CreatedAt:     inv.CreatedAt,
	}
}

type joinRequestView struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspaceId"`
	UserID      string     `json:"userId"`
	DisplayName string     `json:"displayName,omitempty"`
	Email       string     `json:"email,omitempty"`
	Note        string     `json:"note"`
	Status      string     `json:"status"`
	DecidedBy   string     `json:"decidedBy,omitempty"`
	DecidedAt   *time.Time `json:"decidedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

func toJoinRequestView(req store.JoinRequest) joinRequestView {
	return joinRequestView{
		ID:          req.ID,
		WorkspaceID: req.WorkspaceID,
		UserID:      req.UserID,
		DisplayName: req.DisplayName,
		Email:       req.Email,
		Note:        req.Note,
		Status:      req.Status,
		DecidedBy:   req.DecidedBy,
		DecidedAt:   req.DecidedAt,
		CreatedAt:   req.CreatedAt,
	}
}

type preferencesView struct {
	Theme       string          `json:"theme"`
	Locale      string          `json:"locale"`
	NotifyLevel string          `json:"notifyLevel"`
	Extra       json.RawMessage `json:"extra"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

func toPreferencesView(p store.Preferences) preferencesView {
	extra := p.Extra
	if len(extra) == 0 {
		extra = json.RawMessage(`{}`)
	}
	return preferencesView{Theme: p.Theme, Locale: p.Locale, NotifyLevel: p.NotifyLevel, Extra: extra, UpdatedAt: p.UpdatedAt}
}
