package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

const (
	DefaultMessageLimit = 50
	MaxMessageLimit     = 200
)

var messageSelect = psql.Select(
	"m.id", "m.channel_id", "c.workspace_id", "m.seq", "m.author_id", "u.display_name",
	"COALESCE(m.parent_id, '')", "m.body", "COALESCE(m.client_message_id, '')", "m.reply_count",
	"m.edited_at", "m.deleted_at", "m.created_at",
).From("messages m").
	Join("channels c ON c.id = m.channel_id").
	Join("users u ON u.id = m.author_id")

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var msg Message
	var edited, deleted sql.NullTime
	err := row.Scan(&msg.ID, &msg.ChannelID, &msg.WorkspaceID, &msg.Seq, &msg.AuthorID, &msg.AuthorName,
		&msg.ParentID, &msg.Body, &msg.ClientMessageID, &msg.ReplyCount, &edited, &deleted, &msg.CreatedAt)
	if err != nil {
		return Message{}, notFound(err)
	}
	msg.EditedAt = timePtr(edited)
	msg.DeletedAt = timePtr(deleted)
	return msg, nil
}

func (s *PostgresStore) queryMessages(ctx context.Context, builder sq.SelectBuilder) ([]Message, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build message query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func selectIdempotent(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, msg Message) (Message, error) {
	query, args, err := messageSelect.Where(sq.Eq{
		"m.channel_id":        msg.ChannelID,
		"m.author_id":         msg.AuthorID,
		"m.client_message_id": msg.ClientMessageID,
	}).ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build idempotency query: %w", err)
	}
	return scanMessage(q.QueryRowContext(ctx, query, args...))
}

// InsertMessage allocates the next channel sequence and stores the message in one
// transaction, linking attachmentIDs in the same transaction. When the author
// already sent a message with the same client message id in this channel, the
// stored message is returned with duplicate set.
func (s *PostgresStore) InsertMessage(ctx context.Context, msg Message, attachmentIDs ...string) (Message, bool, error) {
	if msg.ClientMessageID != "" {
		existing, err := selectIdempotent(ctx, s.db, msg)
		if err == nil {
			return existing, true, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Message{}, false, err
		}
	}

	var stored Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var seq int64
		if err := tx.QueryRowContext(ctx, `
			UPDATE channels SET last_seq = last_seq + 1, updated_at = NOW() WHERE id = $1 RETURNING last_seq
		`, msg.ChannelID).Scan(&seq); err != nil {
			return notFound(err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, channel_id, seq, author_id, parent_id, body, client_message_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, msg.ID, msg.ChannelID, seq, msg.AuthorID, nullString(msg.ParentID), msg.Body, nullString(msg.ClientMessageID)); err != nil {
			return err
		}
		if msg.ParentID != "" {
			if _, err := tx.ExecContext(ctx, `UPDATE messages SET reply_count = reply_count + 1 WHERE id = $1`, msg.ParentID); err != nil {
				return fmt.Errorf("bump reply count: %w", err)
			}
		}
		if err := linkAttachments(ctx, tx, msg, attachmentIDs); err != nil {
			return err
		}
		query, args, err := messageSelect.Where(sq.Eq{"m.id": msg.ID}).ToSql()
		if err != nil {
			return fmt.Errorf("build message query: %w", err)
		}
		stored, err = scanMessage(tx.QueryRowContext(ctx, query, args...))
		return err
	})
	if err != nil {
		// Two concurrent sends with the same client message id: the loser reads the winner's row.
		if isUniqueViolation(err) && msg.ClientMessageID != "" {
			existing, lookupErr := selectIdempotent(ctx, s.db, msg)
			if lookupErr != nil {
				return Message{}, false, lookupErr
			}
			return existing, true, nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
			return Message{}, false, err
		}
		return Message{}, false, fmt.Errorf("insert message: %w", err)
	}
	return stored, false, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	query, args, err := messageSelect.Where(sq.Eq{"m.id": messageID}).ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build message query: %w", err)
	}
	return scanMessage(s.db.QueryRowContext(ctx, query, args...))
}

// ListMessages pages a channel timeline in ascending seq order. With BeforeSeq set
// the page closest to BeforeSeq is returned.
func (s *PostgresStore) ListMessages(ctx context.Context, q MessageQuery) ([]Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	if limit > MaxMessageLimit {
		limit = MaxMessageLimit
	}

	builder := messageSelect.Where(sq.Eq{"m.channel_id": q.ChannelID})
	if q.AfterSeq > 0 {
		builder = builder.Where(sq.Gt{"m.seq": q.AfterSeq})
	}
	if q.BeforeSeq > 0 {
		builder = builder.Where(sq.Lt{"m.seq": q.BeforeSeq})
	}
	if q.From != nil {
		builder = builder.Where(sq.GtOrEq{"m.created_at": *q.From})
	}
	if q.To != nil {
		builder = builder.Where(sq.Lt{"m.created_at": *q.To})
	}

	descending := q.BeforeSeq > 0 && q.AfterSeq == 0
	if descending {
		builder = builder.OrderBy("m.seq DESC")
	} else {
		builder = builder.OrderBy("m.seq ASC")
	}
	messages, err := s.queryMessages(ctx, builder.Limit(uint64(limit)))
	if err != nil {
		return nil, err
	}
	if descending {
		for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
			messages[i], messages[j] = messages[j], messages[i]
		}
	}
	return messages, nil
}

// ListThread returns the root message followed by its replies in seq order.
func (s *PostgresStore) ListThread(ctx context.Context, rootID string) ([]Message, error) {
	return s.queryMessages(ctx, messageSelect.
		Where(sq.Or{sq.Eq{"m.id": rootID}, sq.Eq{"m.parent_id": rootID}}).
		OrderBy("m.seq ASC"))
}

func (s *PostgresStore) UpdateMessageBody(ctx context.Context, messageID, body string) (Message, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET body = $2, edited_at = NOW() WHERE id = $1 AND deleted_at IS NULL
	`, messageID, body)
	if err != nil {
		return Message{}, fmt.Errorf("update message: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return Message{}, ErrNotFound
	}
	return s.GetMessage(ctx, messageID)
}

// SoftDeleteMessage clears the body and stamps DeletedAt. Deleting twice is a no-op.
func (s *PostgresStore) SoftDeleteMessage(ctx context.Context, messageID string) (Message, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE messages SET body = '', deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL
		`, messageID)
		if err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM reactions WHERE message_id = $1`, messageID); err != nil {
			return fmt.Errorf("clear reactions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM pins WHERE message_id = $1`, messageID); err != nil {
			return fmt.Errorf("clear pins: %w", err)
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return s.GetMessage(ctx, messageID)
}

func (s *PostgresStore) AddReaction(ctx context.Context, messageID, userID, emoji string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reactions (message_id, user_id, emoji) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, messageID, userID, emoji)
	if err != nil {
		return fmt.Errorf("add reaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveReaction(ctx context.Context, messageID, userID, emoji string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3
	`, messageID, userID, emoji)
	if err != nil {
		return fmt.Errorf("remove reaction: %w", err)
	}
	return nil
}

// ListReactions aggregates reactions per (message, emoji) for the given messages.
func (s *PostgresStore) ListReactions(ctx context.Context, messageIDs []string) ([]ReactionCount, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	query, args, err := psql.Select("message_id", "emoji", "user_id").
		From("reactions").
		Where(sq.Eq{"message_id": messageIDs}).
		OrderBy("message_id", "emoji", "created_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build reactions query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	defer rows.Close()

	var counts []ReactionCount
	for rows.Next() {
		var messageID, emoji, userID string
		if err := rows.Scan(&messageID, &emoji, &userID); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		if n := len(counts); n > 0 && counts[n-1].MessageID == messageID && counts[n-1].Emoji == emoji {
			counts[n-1].Count++
			counts[n-1].UserIDs = append(counts[n-1].UserIDs, userID)
			continue
		}
		counts = append(counts, ReactionCount{MessageID: messageID, Emoji: emoji, Count: 1, UserIDs: []string{userID}})
	}
	return counts, rows.Err()
}

func (s *PostgresStore) PinMessage(ctx context.Context, pin Pin) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pins (channel_id, message_id, pinned_by) VALUES ($1, $2, $3)
		ON CONFLICT (channel_id, message_id) DO NOTHING
	`, pin.ChannelID, pin.MessageID, pin.PinnedBy)
	if err != nil {
		return fmt.Errorf("pin message: %w", err)
	}
	return nil
}

func (s *PostgresStore) UnpinMessage(ctx context.Context, channelID, messageID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM pins WHERE channel_id = $1 AND message_id = $2`, channelID, messageID)
	if err != nil {
		return fmt.Errorf("unpin message: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListPins(ctx context.Context, channelID string) ([]Pin, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, message_id, pinned_by, pinned_at FROM pins WHERE channel_id = $1 ORDER BY pinned_at DESC
	`, channelID)
	if err != nil {
		return nil, fmt.Errorf("list pins: %w", err)
	}
	defer rows.Close()

	var pins []Pin
	for rows.Next() {
		var pin Pin
		if err := rows.Scan(&pin.ChannelID, &pin.MessageID, &pin.PinnedBy, &pin.PinnedAt); err != nil {
			return nil, fmt.Errorf("scan pin: %w", err)
		}
		pins = append(pins, pin)
	}
	return pins, rows.Err()
}
