package rbac

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Yiling-J/theine-go"
	"go.uber.org/zap"

	"huddle/api/internal/metrics"
)

const (
	defaultMaxCacheSize = 10000
	defaultCacheTTL     = 30 * time.Second
)

// SubjectLoader reads the membership facts Resolve needs from storage.
type SubjectLoader interface {
	LoadChannelSubject(ctx context.Context, userID, channelID string) (Subject, error)
	LoadWorkspaceSubject(ctx context.Context, userID, workspaceID string) (Subject, error)
}

// Resolver caches loaded subjects, not decisions, so guest expiry is always
// evaluated against the current time. Invalidation bumps a per-user or
// per-channel epoch that is part of the cache key; stale entries age out by TTL.
type Resolver struct {
	loader       SubjectLoader
	cache        *theine.Cache[string, Subject]
	maxCacheSize int64
	cacheTTL     time.Duration
	logger       *zap.Logger
	now          func() time.Time

	mu            sync.Mutex
	globalEpoch   uint64
	userEpochs    map[string]uint64
	channelEpochs map[string]uint64
}

type ResolverOpt func(*Resolver)

// WithMaxCacheSize bounds the number of cached subjects.
func WithMaxCacheSize(size int64) ResolverOpt {
	return func(r *Resolver) {
		r.maxCacheSize = size
	}
}

// WithCacheTTL sets the lifetime of one cached subject. Zero disables caching.
func WithCacheTTL(ttl time.Duration) ResolverOpt {
	return func(r *Resolver) {
		r.cacheTTL = ttl
	}
}

func WithLogger(logger *zap.Logger) ResolverOpt {
	return func(r *Resolver) {
		r.logger = logger
	}
}

func WithClock(now func() time.Time) ResolverOpt {
	return func(r *Resolver) {
		r.now = now
	}
}

func NewResolver(loader SubjectLoader, opts ...ResolverOpt) (*Resolver, error) {
	r := &Resolver{
		loader:        loader,
		maxCacheSize:  defaultMaxCacheSize,
		cacheTTL:      defaultCacheTTL,
		logger:        zap.NewNop(),
		now:           time.Now,
		userEpochs:    make(map[string]uint64),
		channelEpochs: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(r)
	}

	cache, err := theine.NewBuilder[string, Subject](r.maxCacheSize).Build()
	if err != nil {
		return nil, fmt.Errorf("build permission cache: %w", err)
	}
	r.cache = cache
	return r, nil
}

func (r *Resolver) Close() {
	r.cache.Close()
}

// Check resolves a channel-scoped action.
func (r *Resolver) Check(ctx context.Context, userID, channelID string, action Action) (Decision, error) {
	key := r.key("c", userID, channelID)
	subject, err := r.load(ctx, key, func() (Subject, error) {
		return r.loader.LoadChannelSubject(ctx, userID, channelID)
	})
	if err != nil {
		return Decision{}, err
	}
	decision := Resolve(subject, action, r.now())
	if !decision.Allowed {
		r.logger.Debug("permission denied",
			zap.String("user_id", userID),
			zap.String("channel_id", channelID),
			zap.String("action", string(action)),
			zap.String("reason", decision.Reason),
		)
	}
	return decision, nil
}

// CheckWorkspace resolves a workspace-scoped action.
func (r *Resolver) CheckWorkspace(ctx context.Context, userID, workspaceID string, action Action) (Decision, error) {
	key := r.key("w", userID, workspaceID)
	subject, err := r.load(ctx, key, func() (Subject, error) {
		return r.loader.LoadWorkspaceSubject(ctx, userID, workspaceID)
	})
	if err != nil {
		return Decision{}, err
	}
	return Resolve(subject, action, r.now()), nil
}

func (r *Resolver) load(_ context.Context, key string, fetch func() (Subject, error)) (Subject, error) {
	if r.cacheTTL > 0 {
		if subject, ok := r.cache.Get(key); ok {
			metrics.PermissionCacheLookups.WithLabelValues("hit").Inc()
			return subject, nil
		}
	}
	metrics.PermissionCacheLookups.WithLabelValues("miss").Inc()

	subject, err := fetch()
	if err != nil {
		return Subject{}, err
	}
	if r.cacheTTL > 0 {
		r.cache.SetWithTTL(key, subject, 1, r.cacheTTL)
	}
	return subject, nil
}

// InvalidateUser drops every cached subject for userID (workspace role change,
// removal, guest expiry change).
func (r *Resolver) InvalidateUser(userID string) {
	r.mu.Lock()
	r.userEpochs[userID]++
	r.mu.Unlock()
}

// InvalidateChannel drops every cached subject for channelID (archival, kind change, deletion).
func (r *Resolver) InvalidateChannel(channelID string) {
	r.mu.Lock()
	r.channelEpochs[channelID]++
	r.mu.Unlock()
}

// InvalidateAll is used when a whole workspace disappears.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	r.globalEpoch++
	r.mu.Unlock()
}

func (r *Resolver) key(scope, userID, targetID string) string {
	r.mu.Lock()
	global := r.globalEpoch
	userEpoch := r.userEpochs[userID]
	targetEpoch := r.channelEpochs[targetID]
	r.mu.Unlock()

	var b strings.Builder
	b.Grow(len(userID) + len(targetID) + 32)
	b.WriteString(scope)
	b.WriteByte('|')
	b.WriteString(userID)
	b.WriteByte('|')
	b.WriteString(targetID)
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(global, 10))
	b.WriteByte('.')
	b.WriteString(strconv.FormatUint(userEpoch, 10))
	b.WriteByte('.')
	b.WriteString(strconv.FormatUint(targetEpoch, 10))
	return b.String()
}
