package store

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

const attachmentColumns = `id, workspace_id, channel_id, COALESCE(message_id, ''), object_key, filename, content_type,
	size_bytes, uploaded_by, created_at`

func scanAttachment(row interface{ Scan(...any) error }) (Attachment, error) {
	var a Attachment
	err := row.Scan(&a.ID, &a.WorkspaceID, &a.ChannelID, &a.MessageID, &a.ObjectKey, &a.Filename, &a.ContentType,
		&a.Size, &a.UploadedBy, &a.CreatedAt)
	if err != nil {
		return Attachment{}, notFound(err)
	}
	return a, nil
}

func (s *PostgresStore) InsertAttachment(ctx context.Context, a Attachment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (id, workspace_id, channel_id, object_key, filename, content_type, size_bytes, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.WorkspaceID, a.ChannelID, a.ObjectKey, a.Filename, a.ContentType, a.Size, a.UploadedBy)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAttachment(ctx context.Context, attachmentID string) (Attachment, error) {
	return scanAttachment(s.db.QueryRowContext(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE id = $1`, attachmentID))
}

// linkAttachments binds unlinked uploads of the message author in the same
// channel to msg. Any attachment that cannot be bound fails with ErrConflict.
func linkAttachments(ctx context.Context, tx *sql.Tx, msg Message, attachmentIDs []string) error {
	if len(attachmentIDs) == 0 {
		return nil
	}
	query, args, err := psql.Update("attachments").
		Set("message_id", msg.ID).
		Where(sq.Eq{"id": attachmentIDs, "channel_id": msg.ChannelID, "uploaded_by": msg.AuthorID, "message_id": nil}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build link query: %w", err)
	}
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("link attachments: %w", err)
	}
	linked, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if linked != int64(len(attachmentIDs)) {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) ListAttachmentsForMessages(ctx context.Context, messageIDs []string) ([]Attachment, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	query, args, err := psql.Select(attachmentColumns).
		From("attachments").
		Where(sq.Eq{"message_id": messageIDs}).
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build attachments query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	var items []Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		items = append(items, a)
	}
	return items, rows.Err()
}
