package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const invitationColumns = `i.id, i.workspace_id, COALESCE(i.channel_id, ''), i.email, i.role, i.token_hash, i.status,
	i.invited_by, i.expires_at, i.responded_at, i.created_at, w.name, u.display_name`

const invitationFrom = ` FROM invitations i
	JOIN workspaces w ON w.id = i.workspace_id
	JOIN users u ON u.id = i.invited_by`

func scanInvitation(row interface{ Scan(...any) error }) (Invitation, error) {
	var inv Invitation
	var responded sql.NullTime
	err := row.Scan(&inv.ID, &inv.WorkspaceID, &inv.ChannelID, &inv.Email, &inv.Role, &inv.TokenHash, &inv.Status,
		&inv.InvitedBy, &inv.ExpiresAt, &responded, &inv.CreatedAt, &inv.WorkspaceName, &inv.InviterName)
	if err != nil {
		return Invitation{}, notFound(err)
	}
	inv.RespondedAt = timePtr(responded)
	return inv, nil
}

func (s *PostgresStore) listInvitations(ctx context.Context, where string, args ...any) ([]Invitation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+invitationColumns+invitationFrom+` WHERE `+where+` ORDER BY i.created_at DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	defer rows.Close()

	var items []Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invitation: %w", err)
		}
		items = append(items, inv)
	}
	return items, rows.Err()
}

func (s *PostgresStore) CreateInvitation(ctx context.Context, inv Invitation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invitations (id, workspace_id, channel_id, email, role, token_hash, status, invited_by, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8)
	`, inv.ID, inv.WorkspaceID, nullString(inv.ChannelID), normalizeEmail(inv.Email), inv.Role, inv.TokenHash, inv.InvitedBy, inv.ExpiresAt)
	if err != nil {
		return conflictOr(err, "insert invitation: %w")
	}
	return nil
}

func (s *PostgresStore) GetInvitation(ctx context.Context, invitationID string) (Invitation, error) {
	return scanInvitation(s.db.QueryRowContext(ctx, `SELECT `+invitationColumns+invitationFrom+` WHERE i.id = $1`, invitationID))
}

func (s *PostgresStore) GetInvitationByTokenHash(ctx context.Context, tokenHash string) (Invitation, error) {
	return scanInvitation(s.db.QueryRowContext(ctx, `SELECT `+invitationColumns+invitationFrom+` WHERE i.token_hash = $1`, tokenHash))
}

func (s *PostgresStore) ListWorkspaceInvitations(ctx context.Context, workspaceID string) ([]Invitation, error) {
	return s.listInvitations(ctx, `i.workspace_id = $1`, workspaceID)
}

// ListPendingInvitationsForEmail returns pending, unexpired invitations addressed to email.
func (s *PostgresStore) ListPendingInvitationsForEmail(ctx context.Context, email string, now time.Time) ([]Invitation, error) {
	return s.listInvitations(ctx, `i.email = $1 AND i.status = 'pending' AND i.expires_at > $2`, normalizeEmail(email), now)
}

// TransitionInvitation moves an invitation from one status to another and fails
// with ErrInvalidState when the current status is not from.
func (s *PostgresStore) TransitionInvitation(ctx context.Context, invitationID, from, to string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE invitations SET status = $3, responded_at = NOW() WHERE id = $1 AND status = $2
	`, invitationID, from, to)
	if err != nil {
		return fmt.Errorf("transition invitation: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrInvalidState
	}
	return nil
}

// ExpireInvitations marks every pending invitation past its expiry as expired.
func (s *PostgresStore) ExpireInvitations(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE invitations SET status = 'expired' WHERE status = 'pending' AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("expire invitations: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

func admitMember(ctx context.Context, tx *sql.Tx, member WorkspaceMember, channel *ChannelMember) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workspace_members (workspace_id, user_id, role, guest_expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workspace_id, user_id) DO UPDATE
		SET role = EXCLUDED.role, guest_expires_at = EXCLUDED.guest_expires_at
		WHERE workspace_members.role <> 'owner'
	`, member.WorkspaceID, member.UserID, member.Role, nullTime(member.GuestExpiresAt)); err != nil {
		return fmt.Errorf("upsert workspace member: %w", err)
	}
	if channel == nil {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO channel_members (channel_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (channel_id, user_id) DO NOTHING
	`, channel.ChannelID, channel.UserID, channel.Role); err != nil {
		return fmt.Errorf("add channel member: %w", err)
	}
	return nil
}

// AcceptInvitation marks the invitation accepted and applies the membership the
// caller computed, joining the attached channel when one is given.
func (s *PostgresStore) AcceptInvitation(ctx context.Context, invitationID string, member WorkspaceMember, channel *ChannelMember) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE invitations SET status = 'accepted', responded_at = NOW() WHERE id = $1 AND status = 'pending'
		`, invitationID)
		if err != nil {
			return fmt.Errorf("accept invitation: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return ErrInvalidState
		}
		return admitMember(ctx, tx, member, channel)
	})
}

const joinRequestColumns = `r.id, r.workspace_id, r.user_id, r.note, r.status, COALESCE(r.decided_by, ''),
	r.decided_at, r.created_at, u.display_name, u.email`

func scanJoinRequest(row interface{ Scan(...any) error }) (JoinRequest, error) {
	var req JoinRequest
	var decided sql.NullTime
	err := row.Scan(&req.ID, &req.WorkspaceID, &req.UserID, &req.Note, &req.Status, &req.DecidedBy,
		&decided, &req.CreatedAt, &req.DisplayName, &req.Email)
	if err != nil {
		return JoinRequest{}, notFound(err)
	}
	req.DecidedAt = timePtr(decided)
	return req, nil
}

func (s *PostgresStore) CreateJoinRequest(ctx context.Context, req JoinRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO join_requests (id, workspace_id, user_id, note, status) VALUES ($1, $2, $3, $4, 'pending')
	`, req.ID, req.WorkspaceID, req.UserID, req.Note)
	if err != nil {
		return conflictOr(err, "insert join request: %w")
	}
	return nil
}

func (s *PostgresStore) GetJoinRequest(ctx context.Context, requestID string) (JoinRequest, error) {
	return scanJoinRequest(s.db.QueryRowContext(ctx, `
		SELECT `+joinRequestColumns+` FROM join_requests r JOIN users u ON u.id = r.user_id WHERE r.id = $1
	`, requestID))
}

// ListJoinRequests returns the workspace's requests, optionally filtered by status.
func (s *PostgresStore) ListJoinRequests(ctx context.Context, workspaceID, status string) ([]JoinRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+joinRequestColumns+` FROM join_requests r JOIN users u ON u.id = r.user_id
		WHERE r.workspace_id = $1 AND ($2 = '' OR r.status = $2)
		ORDER BY r.created_at ASC
	`, workspaceID, status)
	if err != nil {
		return nil, fmt.Errorf("list join requests: %w", err)
	}
	defer rows.Close()

	var items []JoinRequest
	for rows.Next() {
		req, err := scanJoinRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan join request: %w", err)
		}
		items = append(items, req)
	}
	return items, rows.Err()
}

// TransitionJoinRequest moves a pending request to rejected or cancelled.
func (s *PostgresStore) TransitionJoinRequest(ctx context.Context, requestID, from, to, decidedBy string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE join_requests SET status = $3, decided_by = $4, decided_at = NOW() WHERE id = $1 AND status = $2
	`, requestID, from, to, nullString(decidedBy))
	if err != nil {
		return fmt.Errorf("transition join request: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrInvalidState
	}
	return nil
}

// ApproveJoinRequest marks the request approved and admits the requester.
func (s *PostgresStore) ApproveJoinRequest(ctx context.Context, requestID, decidedBy string, member WorkspaceMember, channel *ChannelMember) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE join_requests SET status = 'approved', decided_by = $2, decided_at = NOW() WHERE id = $1 AND status = 'pending'
		`, requestID, decidedBy)
		if err != nil {
			return fmt.Errorf("approve join request: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return ErrInvalidState
		}
		return admitMember(ctx, tx, member, channel)
	})
}

// JoinWorkspace admits a user directly, used by workspaces with an open join policy.
func (s *PostgresStore) JoinWorkspace(ctx context.Context, member WorkspaceMember, channel *ChannelMember) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return admitMember(ctx, tx, member, channel)
	})
}
