package search

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

const reindexBatch = 500

// Backend is a search engine that can also be written to.
type Backend interface {
	Searcher
	Indexer
}

// RecordSource pages every live message for a full reindex.
type RecordSource interface {
	LoadMessages(ctx context.Context, afterID string, batch int) ([]MessageRecord, error)
}

// FallbackSearcher is a Searcher that can also feed a reindex.
type FallbackSearcher interface {
	Searcher
	RecordSource
}

// Service tries the primary backend first and falls back to Postgres FTS.
type Service struct {
	primary  Backend
	fallback FallbackSearcher
	logger   *zap.Logger
}

// NewService creates a search service. primary may be nil when Meilisearch is not configured.
func NewService(primary Backend, fallback FallbackSearcher, logger *zap.Logger) *Service {
	return &Service{primary: primary, fallback: fallback, logger: logger.Named("search")}
}

func (s *Service) primaryReady() bool {
	return s.primary != nil && s.primary.Healthy()
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primaryReady() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "meilisearch"}
		}
		s.logger.Warn("primary search failed, falling back to postgres", zap.Error(err))
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("postgres search failed", zap.Error(err))
		return Response{Results: []Result{}, Query: q.Text, Backend: "postgres"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "postgres"}
}

// IndexMessage pushes one message to the primary index without blocking the caller.
func (s *Service) IndexMessage(record MessageRecord) {
	if !s.primaryReady() {
		return
	}
	go func() {
		if err := s.primary.IndexMessages([]MessageRecord{record}); err != nil {
			s.logger.Warn("index message", zap.String("message_id", record.ID), zap.Error(err))
		}
	}()
}

func (s *Service) DeleteMessage(id string) {
	if !s.primaryReady() {
		return
	}
	go func() {
		if err := s.primary.DeleteMessage(id); err != nil {
			s.logger.Warn("delete message from index", zap.String("message_id", id), zap.Error(err))
		}
	}()
}

// Reindex streams every live message from Postgres into the primary index and
// returns how many were pushed.
func (s *Service) Reindex(ctx context.Context) (int, error) {
	if !s.primaryReady() {
		return 0, fmt.Errorf("reindex: %w", errUnhealthy)
	}
	indexed := 0
	after := ""
	for {
		records, err := s.fallback.LoadMessages(ctx, after, reindexBatch)
		if err != nil {
			return indexed, err
		}
		if len(records) == 0 {
			return indexed, nil
		}
		if err := s.primary.IndexMessages(records); err != nil {
			return indexed, err
		}
		indexed += len(records)
		after = records[len(records)-1].ID
		s.logger.Info("reindex progress", zap.Int("indexed", indexed))
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
