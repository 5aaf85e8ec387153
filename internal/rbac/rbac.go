// Package rbac resolves what a user may do in a workspace or channel.
//
// Roles live at two layers. Workspace roles (owner, admin, member, guest) come
// from workspace membership; channel roles (admin, moderator, member, viewer)
// come from channel membership or are implied by the workspace role. Resolve
// combines both layers with the channel kind, guest expiry and archival state
// into one Decision.
package rbac

type WorkspaceRole string
type ChannelRole string
type ChannelKind string
type Action string

const (
	WorkspaceOwner  WorkspaceRole = "owner"
	WorkspaceAdmin  WorkspaceRole = "admin"
	WorkspaceMember WorkspaceRole = "member"
	WorkspaceGuest  WorkspaceRole = "guest"
)

const (
	ChannelAdmin     ChannelRole = "admin"
	ChannelModerator ChannelRole = "moderator"
	ChannelMember    ChannelRole = "member"
	ChannelViewer    ChannelRole = "viewer"
)

const (
	KindPublic  ChannelKind = "public"
	KindPrivate ChannelKind = "private"
	KindDirect  ChannelKind = "direct"
)

const (
	ActionWorkspaceRead           Action = "workspace.read"
	ActionWorkspaceManage         Action = "workspace.manage"
	ActionWorkspaceInvite         Action = "workspace.invite"
	ActionWorkspaceReviewRequests Action = "workspace.review_requests"
	ActionChannelCreate           Action = "channel.create"

	ActionChannelRead     Action = "channel.read"
	ActionChannelPost     Action = "channel.post"
	ActionChannelReact    Action = "channel.react"
	ActionChannelModerate Action = "channel.moderate"
	ActionChannelManage   Action = "channel.manage"
	ActionChannelInvite   Action = "channel.invite"
)

func workspaceRank(role WorkspaceRole) int {
	switch role {
	case WorkspaceOwner:
		return 4
	case WorkspaceAdmin:
		return 3
	case WorkspaceMember:
		return 2
	case WorkspaceGuest:
		return 1
	default:
		return 0
	}
}

func channelRank(role ChannelRole) int {
	switch role {
	case ChannelAdmin:
		return 4
	case ChannelModerator:
		return 3
	case ChannelMember:
		return 2
	case ChannelViewer:
		return 1
	default:
		return 0
	}
}

// IsWorkspaceAction reports whether the action is evaluated without a channel.
func IsWorkspaceAction(action Action) bool {
	switch action {
	case ActionWorkspaceRead, ActionWorkspaceManage, ActionWorkspaceInvite, ActionWorkspaceReviewRequests, ActionChannelCreate:
		return true
	default:
		return false
	}
}

func isChannelWrite(action Action) bool {
	switch action {
	case ActionChannelPost, ActionChannelReact, ActionChannelModerate, ActionChannelManage, ActionChannelInvite:
		return true
	default:
		return false
	}
}

func CanWorkspace(role WorkspaceRole, action Action) bool {
	switch role {
	case WorkspaceOwner, WorkspaceAdmin:
		return IsWorkspaceAction(action)
	case WorkspaceMember:
		return action == ActionWorkspaceRead || action == ActionChannelCreate
	case WorkspaceGuest:
		return action == ActionWorkspaceRead
	default:
		return false
	}
}

func CanChannel(role ChannelRole, action Action) bool {
	switch role {
	case ChannelAdmin:
		return !IsWorkspaceAction(action)
	case ChannelModerator:
		return action == ActionChannelRead || action == ActionChannelPost || action == ActionChannelReact ||
			action == ActionChannelModerate || action == ActionChannelInvite
	case ChannelMember:
		return action == ActionChannelRead || action == ActionChannelPost || action == ActionChannelReact ||
			action == ActionChannelInvite
	case ChannelViewer:
		return action == ActionChannelRead
	default:
		return false
	}
}

// CanGrantWorkspaceRole reports whether granter may assign target. Only the owner
// grants admin; admins grant roles strictly below their own. Ownership moves
// through transfer, never through a grant.
func CanGrantWorkspaceRole(granter, target WorkspaceRole) bool {
	if target == WorkspaceOwner || workspaceRank(target) == 0 {
		return false
	}
	switch granter {
	case WorkspaceOwner:
		return true
	case WorkspaceAdmin:
		return workspaceRank(target) < workspaceRank(WorkspaceAdmin)
	default:
		return false
	}
}

// CanGrantChannelRole: effective channel admins grant any channel role,
// moderators grant member and viewer.
func CanGrantChannelRole(granter, target ChannelRole) bool {
	if channelRank(target) == 0 {
		return false
	}
	switch granter {
	case ChannelAdmin:
		return true
	case ChannelModerator:
		return channelRank(target) < channelRank(ChannelModerator)
	default:
		return false
	}
}

// WorkspaceAtLeast reports whether role ranks at or above min.
func WorkspaceAtLeast(role, min WorkspaceRole) bool {
	return workspaceRank(role) >= workspaceRank(min) && workspaceRank(role) > 0
}

// HigherWorkspaceRole returns the stronger of two roles.
func HigherWorkspaceRole(a, b WorkspaceRole) WorkspaceRole {
	if workspaceRank(b) > workspaceRank(a) {
		return b
	}
	return a
}

func ParseWorkspaceRole(value string) (WorkspaceRole, bool) {
	role := WorkspaceRole(value)
	return role, workspaceRank(role) > 0
}

func ParseChannelRole(value string) (ChannelRole, bool) {
	role := ChannelRole(value)
	return role, channelRank(role) > 0
}

func ParseChannelKind(value string) (ChannelKind, bool) {
	switch ChannelKind(value) {
	case KindPublic, KindPrivate, KindDirect:
		return ChannelKind(value), true
	default:
		return "", false
	}
}
