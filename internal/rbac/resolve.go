package rbac

import "time"

const (
	ReasonAllowRole          = "allow_role"
	ReasonNotWorkspaceMember = "not_workspace_member"
	ReasonGuestExpired       = "guest_expired"
	ReasonNotChannelMember   = "not_channel_member"
	ReasonRoleRequired       = "role_required"
	ReasonChannelArchived    = "channel_archived"
)

// Subject is everything Resolve needs to know about one user and one channel.
// Empty roles mean "no membership". ChannelKind is empty for workspace-only checks.
type Subject struct {
	WorkspaceRole   WorkspaceRole
	GuestExpiresAt  *time.Time
	ChannelKind     ChannelKind
	ChannelArchived bool
	ChannelRole     ChannelRole
}

type Decision struct {
	Allowed       bool          `json:"allowed"`
	WorkspaceRole WorkspaceRole `json:"workspaceRole,omitempty"`
	ChannelRole   ChannelRole   `json:"channelRole,omitempty"`
	Reason        string        `json:"reason"`
}

func Resolve(subject Subject, action Action, now time.Time) Decision {
	decision := Decision{WorkspaceRole: subject.WorkspaceRole}

	if workspaceRank(subject.WorkspaceRole) == 0 {
		decision.WorkspaceRole = ""
		decision.Reason = ReasonNotWorkspaceMember
		return decision
	}
	if subject.WorkspaceRole == WorkspaceGuest && subject.GuestExpiresAt != nil && !now.Before(*subject.GuestExpiresAt) {
		decision.Reason = ReasonGuestExpired
		return decision
	}

	if IsWorkspaceAction(action) {
		return allowIf(decision, CanWorkspace(subject.WorkspaceRole, action))
	}

	decision.ChannelRole = EffectiveChannelRole(subject)
	if decision.ChannelRole == "" {
		decision.Reason = ReasonNotChannelMember
		return decision
	}
	if subject.ChannelArchived && isChannelWrite(action) {
		if action != ActionChannelManage || decision.ChannelRole != ChannelAdmin {
			decision.Reason = ReasonChannelArchived
			return decision
		}
	}
	return allowIf(decision, CanChannel(decision.ChannelRole, action))
}

func allowIf(decision Decision, allowed bool) Decision {
	decision.Allowed = allowed
	if allowed {
		decision.Reason = ReasonAllowRole
	} else {
		decision.Reason = ReasonRoleRequired
	}
	return decision
}

// EffectiveChannelRole applies, in order: direct channels are participant-only,
// workspace owner/admin act as channel admin, explicit membership (guests capped
// at member), and read-only access for members to public channels they have not joined.
func EffectiveChannelRole(subject Subject) ChannelRole {
	explicit := subject.ChannelRole
	if channelRank(explicit) == 0 {
		explicit = ""
	}
	if subject.WorkspaceRole == WorkspaceGuest && channelRank(explicit) > channelRank(ChannelMember) {
		explicit = ChannelMember
	}

	switch {
	case subject.ChannelKind == KindDirect:
		return explicit
	case subject.WorkspaceRole == WorkspaceOwner || subject.WorkspaceRole == WorkspaceAdmin:
		return ChannelAdmin
	case explicit != "":
		return explicit
	case subject.ChannelKind == KindPublic && subject.WorkspaceRole == WorkspaceMember:
		return ChannelViewer
	default:
		return ""
	}
}
