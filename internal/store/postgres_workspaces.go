package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"huddle/api/internal/rbac"
)

// CreateWorkspace inserts the workspace, its owner membership and its first
// channel (with the owner as channel admin) atomically.
func (s *PostgresStore) CreateWorkspace(ctx context.Context, workspace Workspace, general Channel) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workspaces (id, name, slug, owner_id, join_policy) VALUES ($1, $2, $3, $4, $5)
		`, workspace.ID, workspace.Name, workspace.Slug, workspace.OwnerID, workspace.JoinPolicy); err != nil {
			return conflictOr(err, "insert workspace: %w")
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workspace_members (workspace_id, user_id, role) VALUES ($1, $2, 'owner')
		`, workspace.ID, workspace.OwnerID); err != nil {
			return fmt.Errorf("insert owner membership: %w", err)
		}
		if err := insertChannel(ctx, tx, general); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO channel_members (channel_id, user_id, role) VALUES ($1, $2, 'admin')
		`, general.ID, workspace.OwnerID); err != nil {
			return fmt.Errorf("insert general membership: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetWorkspace(ctx context.Context, workspaceID string) (Workspace, error) {
	var ws Workspace
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, owner_id, join_policy, created_at, updated_at FROM workspaces WHERE id = $1
	`, workspaceID).Scan(&ws.ID, &ws.Name, &ws.Slug, &ws.OwnerID, &ws.JoinPolicy, &ws.CreatedAt, &ws.UpdatedAt)
	if err != nil {
		return Workspace{}, notFound(err)
	}
	return ws, nil
}

func (s *PostgresStore) ListUserWorkspaces(ctx context.Context, userID string) ([]WorkspaceSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT w.id, w.name, w.slug, w.owner_id, w.join_policy, w.created_at, w.updated_at, wm.role,
			(SELECT COUNT(*) FROM workspace_members c WHERE c.workspace_id = w.id)
		FROM workspaces w
		JOIN workspace_members wm ON wm.workspace_id = w.id AND wm.user_id = $1
		ORDER BY w.name ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var items []WorkspaceSummary
	for rows.Next() {
		var item WorkspaceSummary
		if err := rows.Scan(&item.ID, &item.Name, &item.Slug, &item.OwnerID, &item.JoinPolicy, &item.CreatedAt,
			&item.UpdatedAt, &item.Role, &item.MemberCount); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpdateWorkspace(ctx context.Context, workspaceID, name, joinPolicy string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE workspaces SET name = $2, join_policy = $3, updated_at = NOW() WHERE id = $1
	`, workspaceID, name, joinPolicy)
	if err != nil {
		return fmt.Errorf("update workspace: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM workspaces WHERE id = $1`, workspaceID)
	if err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetWorkspaceMember(ctx context.Context, workspaceID, userID string) (WorkspaceMember, error) {
	var member WorkspaceMember
	var guestExpires sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT wm.workspace_id, wm.user_id, wm.role, wm.guest_expires_at, wm.joined_at, u.display_name, u.email
		FROM workspace_members wm
		JOIN users u ON u.id = wm.user_id
		WHERE wm.workspace_id = $1 AND wm.user_id = $2
	`, workspaceID, userID).Scan(&member.WorkspaceID, &member.UserID, &member.Role, &guestExpires, &member.JoinedAt,
		&member.DisplayName, &member.Email)
	if err != nil {
		return WorkspaceMember{}, notFound(err)
	}
	member.GuestExpiresAt = timePtr(guestExpires)
	return member, nil
}

func (s *PostgresStore) ListWorkspaceMembers(ctx context.Context, workspaceID string) ([]WorkspaceMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT wm.workspace_id, wm.user_id, wm.role, wm.guest_expires_at, wm.joined_at, u.display_name, u.email
		FROM workspace_members wm
		JOIN users u ON u.id = wm.user_id
		WHERE wm.workspace_id = $1
		ORDER BY u.display_name ASC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list workspace members: %w", err)
	}
	defer rows.Close()

	var members []WorkspaceMember
	for rows.Next() {
		var member WorkspaceMember
		var guestExpires sql.NullTime
		if err := rows.Scan(&member.WorkspaceID, &member.UserID, &member.Role, &guestExpires, &member.JoinedAt,
			&member.DisplayName, &member.Email); err != nil {
			return nil, fmt.Errorf("scan workspace member: %w", err)
		}
		member.GuestExpiresAt = timePtr(guestExpires)
		members = append(members, member)
	}
	return members, rows.Err()
}

// UpsertWorkspaceMember inserts a membership or overwrites role and guest expiry.
// Callers decide the final role; ownership never changes here.
func (s *PostgresStore) UpsertWorkspaceMember(ctx context.Context, member WorkspaceMember) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspace_members (workspace_id, user_id, role, guest_expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workspace_id, user_id) DO UPDATE
		SET role = EXCLUDED.role, guest_expires_at = EXCLUDED.guest_expires_at
		WHERE workspace_members.role <> 'owner'
	`, member.WorkspaceID, member.UserID, member.Role, nullTime(member.GuestExpiresAt))
	if err != nil {
		return fmt.Errorf("upsert workspace member: %w", err)
	}
	return nil
}

// AddGuest stores a guest membership and its channel memberships in one
// transaction. A missing or archived channel fails with ErrConflict. It returns
// the channels the guest newly joined.
func (s *PostgresStore) AddGuest(ctx context.Context, member WorkspaceMember, channelIDs []string) ([]string, error) {
	var joined []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, channelID := range channelIDs {
			var archived bool
			err := tx.QueryRowContext(ctx, `
				SELECT is_archived FROM channels WHERE id = $1 AND workspace_id = $2 AND kind <> 'direct' FOR SHARE
			`, channelID, member.WorkspaceID).Scan(&archived)
			if errors.Is(err, sql.ErrNoRows) || archived {
				return ErrConflict
			}
			if err != nil {
				return fmt.Errorf("lock guest channel: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workspace_members (workspace_id, user_id, role, guest_expires_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (workspace_id, user_id) DO UPDATE
			SET role = EXCLUDED.role, guest_expires_at = EXCLUDED.guest_expires_at
			WHERE workspace_members.role = 'guest'
		`, member.WorkspaceID, member.UserID, member.Role, nullTime(member.GuestExpiresAt)); err != nil {
			return fmt.Errorf("upsert guest: %w", err)
		}
		for _, channelID := range channelIDs {
			result, err := tx.ExecContext(ctx, `
				INSERT INTO channel_members (channel_id, user_id, role) VALUES ($1, $2, 'member')
				ON CONFLICT (channel_id, user_id) DO NOTHING
			`, channelID, member.UserID)
			if err != nil {
				return fmt.Errorf("add guest channel: %w", err)
			}
			if rows, _ := result.RowsAffected(); rows > 0 {
				joined = append(joined, channelID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return joined, nil
}

// RemoveWorkspaceMember deletes the membership and every channel membership in
// the workspace. It returns the ids of the channels the user was removed from.
func (s *PostgresStore) RemoveWorkspaceMember(ctx context.Context, workspaceID, userID string) ([]string, error) {
	var channelIDs []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			DELETE FROM channel_members cm
			USING channels c
			WHERE cm.channel_id = c.id AND c.workspace_id = $1 AND cm.user_id = $2
			RETURNING cm.channel_id
		`, workspaceID, userID)
		if err != nil {
			return fmt.Errorf("remove channel memberships: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan channel id: %w", err)
			}
			channelIDs = append(channelIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx, `
			DELETE FROM workspace_members WHERE workspace_id = $1 AND user_id = $2 AND role <> 'owner'
		`, workspaceID, userID)
		if err != nil {
			return fmt.Errorf("remove workspace member: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return channelIDs, nil
}

// TransferOwnership demotes the current owner to admin and promotes the target.
// The target must already be a non-guest member.
func (s *PostgresStore) TransferOwnership(ctx context.Context, workspaceID, fromUserID, toUserID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE workspace_members SET role = 'admin' WHERE workspace_id = $1 AND user_id = $2 AND role = 'owner'
		`, workspaceID, fromUserID)
		if err != nil {
			return fmt.Errorf("demote owner: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return ErrInvalidState
		}
		result, err = tx.ExecContext(ctx, `
			UPDATE workspace_members SET role = 'owner', guest_expires_at = NULL
			WHERE workspace_id = $1 AND user_id = $2 AND role IN ('admin', 'member')
		`, workspaceID, toUserID)
		if err != nil {
			return fmt.Errorf("promote owner: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return ErrInvalidState
		}
		if _, err := tx.ExecContext(ctx, `UPDATE workspaces SET owner_id = $2, updated_at = NOW() WHERE id = $1`, workspaceID, toUserID); err != nil {
			return fmt.Errorf("update workspace owner: %w", err)
		}
		return nil
	})
}

// LoadWorkspaceSubject implements rbac.SubjectLoader.
func (s *PostgresStore) LoadWorkspaceSubject(ctx context.Context, userID, workspaceID string) (rbac.Subject, error) {
	var role sql.NullString
	var guestExpires sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT wm.role, wm.guest_expires_at
		FROM workspaces w
		LEFT JOIN workspace_members wm ON wm.workspace_id = w.id AND wm.user_id = $2
		WHERE w.id = $1
	`, workspaceID, userID).Scan(&role, &guestExpires)
	if err != nil {
		return rbac.Subject{}, notFound(err)
	}
	return rbac.Subject{
		WorkspaceRole:  rbac.WorkspaceRole(role.String),
		GuestExpiresAt: timePtr(guestExpires),
	}, nil
}

// LoadChannelSubject implements rbac.SubjectLoader.
func (s *PostgresStore) LoadChannelSubject(ctx context.Context, userID, channelID string) (rbac.Subject, error) {
	var kind string
	var archived bool
	var workspaceRole, channelRole sql.NullString
	var guestExpires sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT c.kind, c.is_archived, wm.role, wm.guest_expires_at, cm.role
		FROM channels c
		LEFT JOIN workspace_members wm ON wm.workspace_id = c.workspace_id AND wm.user_id = $2
		LEFT JOIN channel_members cm ON cm.channel_id = c.id AND cm.user_id = $2
		WHERE c.id = $1
	`, channelID, userID).Scan(&kind, &archived, &workspaceRole, &guestExpires, &channelRole)
	if err != nil {
		return rbac.Subject{}, notFound(err)
	}
	return rbac.Subject{
		WorkspaceRole:   rbac.WorkspaceRole(workspaceRole.String),
		GuestExpiresAt:  timePtr(guestExpires),
		ChannelKind:     rbac.ChannelKind(kind),
		ChannelArchived: archived,
		ChannelRole:     rbac.ChannelRole(channelRole.String),
	}, nil
}

// ExpiredGuest is a guest removed by ExpireGuests with the channels it lost.
type ExpiredGuest struct {
	WorkspaceID string
	UserID      string
	ChannelIDs  []string
}

// ExpireGuests removes guests whose access window has closed and returns them.
func (s *PostgresStore) ExpireGuests(ctx context.Context, now time.Time) ([]ExpiredGuest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workspace_id, user_id FROM workspace_members
		WHERE role = 'guest' AND guest_expires_at IS NOT NULL AND guest_expires_at <= $1
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired guests: %w", err)
	}
	var expired []ExpiredGuest
	for rows.Next() {
		var guest ExpiredGuest
		if err := rows.Scan(&guest.WorkspaceID, &guest.UserID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired guest: %w", err)
		}
		expired = append(expired, guest)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Guests already deleted stay in the result when a later one fails, so the
	// caller can still evict their sessions.
	removed := expired[:0]
	var firstErr error
	for _, guest := range expired {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		channelIDs, err := s.RemoveWorkspaceMember(ctx, guest.WorkspaceID, guest.UserID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("expire guest %s: %w", guest.UserID, err)
			}
			continue
		}
		guest.ChannelIDs = channelIDs
		removed = append(removed, guest)
	}
	return removed, firstErr
}
