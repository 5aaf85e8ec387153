package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

const tsQuery = "plainto_tsquery('simple', ?)"

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PgFTS searches the generated tsvector column on messages. It is the fallback
// when Meilisearch is not configured or unhealthy.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) filtered(builder sq.SelectBuilder, q Query) sq.SelectBuilder {
	return builder.
		From("messages m").
		Join("channels c ON c.id = m.channel_id").
		Where(sq.Expr("m.search @@ "+tsQuery, q.Text)).
		Where(sq.Eq{"c.workspace_id": q.WorkspaceID, "m.channel_id": q.ChannelIDs}).
		Where("m.deleted_at IS NULL")
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || len(q.ChannelIDs) == 0 {
		return nil, 0, nil
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	countSQL, countArgs, err := p.filtered(psql.Select("COUNT(*)"), q).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build pgfts count: %w", err)
	}
	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL, args, err := p.filtered(
		psql.Select("m.id", "m.channel_id", "c.workspace_id", "m.author_id", "m.seq", "m.created_at").
			Column(sq.Expr("ts_headline('simple', m.body, "+tsQuery+", 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>')", q.Text)),
		q).
		OrderByClause("ts_rank(m.search, "+tsQuery+") DESC", q.Text).
		OrderBy("m.created_at DESC").
		Limit(uint64(q.normalizedLimit())).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build pgfts query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var createdAt time.Time
		if err := rows.Scan(&r.MessageID, &r.ChannelID, &r.WorkspaceID, &r.AuthorID, &r.Seq, &createdAt, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.CreatedAt = createdAt.UnixMilli()
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadMessages pages live messages in id order for a full reindex.
func (p *PgFTS) LoadMessages(ctx context.Context, afterID string, batch int) ([]MessageRecord, error) {
	query, args, err := psql.Select("m.id", "c.workspace_id", "m.channel_id", "m.author_id", "m.seq", "m.body", "m.created_at").
		From("messages m").
		Join("channels c ON c.id = m.channel_id").
		Where(sq.Gt{"m.id": afterID}).
		Where("m.deleted_at IS NULL").
		OrderBy("m.id ASC").
		Limit(uint64(batch)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build load query: %w", err)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	records := make([]MessageRecord, 0, batch)
	for rows.Next() {
		var r MessageRecord
		var createdAt time.Time
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &r.ChannelID, &r.AuthorID, &r.Seq, &r.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		r.CreatedAt = createdAt.UnixMilli()
		records = append(records, r)
	}
	return records, rows.Err()
}
