package store

import (
	"context"
	"database/sql"
	"fmt"
)

const channelColumns = `c.id, c.workspace_id, c.name, c.topic, c.kind, c.is_archived, c.last_seq,
	COALESCE(c.direct_key, ''), COALESCE(c.created_by, ''), c.created_at, c.updated_at`

func scanChannel(row interface{ Scan(...any) error }, extra ...any) (Channel, error) {
	var ch Channel
	dest := []any{&ch.ID, &ch.WorkspaceID, &ch.Name, &ch.Topic, &ch.Kind, &ch.IsArchived, &ch.LastSeq,
		&ch.DirectKey, &ch.CreatedBy, &ch.CreatedAt, &ch.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Channel{}, notFound(err)
	}
	return ch, nil
}

func insertChannel(ctx context.Context, tx *sql.Tx, ch Channel) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO channels (id, workspace_id, name, topic, kind, direct_key, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ch.ID, ch.WorkspaceID, ch.Name, ch.Topic, ch.Kind, nullString(ch.DirectKey), nullString(ch.CreatedBy))
	if err != nil {
		return conflictOr(err, "insert channel: %w")
	}
	return nil
}

// CreateChannel inserts the channel and its initial members atomically.
func (s *PostgresStore) CreateChannel(ctx context.Context, ch Channel, members []ChannelMember) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertChannel(ctx, tx, ch); err != nil {
			return err
		}
		for _, member := range members {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO channel_members (channel_id, user_id, role) VALUES ($1, $2, $3)
			`, ch.ID, member.UserID, member.Role); err != nil {
				return fmt.Errorf("insert channel member: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetChannel(ctx context.Context, channelID string) (Channel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels c WHERE c.id = $1`, channelID)
	return scanChannel(row)
}

func (s *PostgresStore) FindDirectChannel(ctx context.Context, workspaceID, directKey string) (Channel, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+channelColumns+` FROM channels c
		WHERE c.workspace_id = $1 AND c.kind = 'direct' AND c.direct_key = $2
	`, workspaceID, directKey)
	return scanChannel(row)
}

// ListWorkspaceChannels returns every channel of the workspace with the caller's
// explicit membership, if any. Permission filtering happens in the caller.
func (s *PostgresStore) ListWorkspaceChannels(ctx context.Context, workspaceID, userID string) ([]ChannelListing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+channelColumns+`, COALESCE(cm.role, ''), COALESCE(cm.last_read_seq, 0), COALESCE(cm.muted, FALSE)
		FROM channels c
		LEFT JOIN channel_members cm ON cm.channel_id = c.id AND cm.user_id = $2
		WHERE c.workspace_id = $1
		ORDER BY c.kind ASC, c.name ASC
	`, workspaceID, userID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var items []ChannelListing
	for rows.Next() {
		var item ChannelListing
		ch, err := scanChannel(rows, &item.MemberRole, &item.LastReadSeq, &item.Muted)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		item.Channel = ch
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListUserChannelIDs returns the channels the user explicitly belongs to in a workspace.
func (s *PostgresStore) ListUserChannelIDs(ctx context.Context, workspaceID, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id FROM channels c
		JOIN channel_members cm ON cm.channel_id = c.id AND cm.user_id = $2
		WHERE c.workspace_id = $1
	`, workspaceID, userID)
	if err != nil {
		return nil, fmt.Errorf("list user channels: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan channel id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) UpdateChannel(ctx context.Context, channelID, name, topic string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE channels SET name = $2, topic = $3, updated_at = NOW() WHERE id = $1
	`, channelID, name, topic)
	if err != nil {
		return conflictOr(err, "update channel: %w")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetChannelArchived(ctx context.Context, channelID string, archived bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE channels SET is_archived = $2, updated_at = NOW() WHERE id = $1
	`, channelID, archived)
	if err != nil {
		return fmt.Errorf("archive channel: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteChannel(ctx context.Context, channelID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE id = $1`, channelID)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetChannelMember(ctx context.Context, channelID, userID string) (ChannelMember, error) {
	var member ChannelMember
	err := s.db.QueryRowContext(ctx, `
		SELECT cm.channel_id, cm.user_id, cm.role, cm.last_read_seq, cm.muted, cm.joined_at, u.display_name
		FROM channel_members cm
		JOIN users u ON u.id = cm.user_id
		WHERE cm.channel_id = $1 AND cm.user_id = $2
	`, channelID, userID).Scan(&member.ChannelID, &member.UserID, &member.Role, &member.LastReadSeq, &member.Muted,
		&member.JoinedAt, &member.DisplayName)
	if err != nil {
		return ChannelMember{}, notFound(err)
	}
	return member, nil
}

func (s *PostgresStore) ListChannelMembers(ctx context.Context, channelID string) ([]ChannelMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cm.channel_id, cm.user_id, cm.role, cm.last_read_seq, cm.muted, cm.joined_at, u.display_name
		FROM channel_members cm
		JOIN users u ON u.id = cm.user_id
		WHERE cm.channel_id = $1
		ORDER BY u.display_name ASC
	`, channelID)
	if err != nil {
		return nil, fmt.Errorf("list channel members: %w", err)
	}
	defer rows.Close()

	var members []ChannelMember
	for rows.Next() {
		var member ChannelMember
		if err := rows.Scan(&member.ChannelID, &member.UserID, &member.Role, &member.LastReadSeq, &member.Muted,
			&member.JoinedAt, &member.DisplayName); err != nil {
			return nil, fmt.Errorf("scan channel member: %w", err)
		}
		members = append(members, member)
	}
	return members, rows.Err()
}

// AddChannelMember inserts a membership. An existing membership is left as is;
// the returned bool reports whether a row was created.
func (s *PostgresStore) AddChannelMember(ctx context.Context, member ChannelMember) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_members (channel_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (channel_id, user_id) DO NOTHING
	`, member.ChannelID, member.UserID, member.Role)
	if err != nil {
		return false, fmt.Errorf("add channel member: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

func (s *PostgresStore) SetChannelMemberRole(ctx context.Context, channelID, userID, role string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE channel_members SET role = $3 WHERE channel_id = $1 AND user_id = $2
	`, channelID, userID, role)
	if err != nil {
		return fmt.Errorf("set channel member role: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RemoveChannelMember(ctx context.Context, channelID, userID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM channel_members WHERE channel_id = $1 AND user_id = $2`, channelID, userID)
	if err != nil {
		return fmt.Errorf("remove channel member: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// AdvanceReadMarker moves the read marker forward, never past the channel head
// and never backwards. It returns the resulting marker.
func (s *PostgresStore) AdvanceReadMarker(ctx context.Context, channelID, userID string, seq int64) (int64, error) {
	var marker int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE channel_members cm
		SET last_read_seq = GREATEST(cm.last_read_seq, LEAST($3, c.last_seq))
		FROM channels c
		WHERE c.id = cm.channel_id AND cm.channel_id = $1 AND cm.user_id = $2
		RETURNING cm.last_read_seq
	`, channelID, userID, seq).Scan(&marker)
	if err != nil {
		return 0, notFound(err)
	}
	return marker, nil
}
