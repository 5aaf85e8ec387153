package presence

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix     = "presence:"
	workspacesKey = "presence:workspaces"
)

// RedisTracker keeps one sorted set per workspace scored by last touch, so
// every node sees the same online list.
type RedisTracker struct {
	client *redis.Client
	opts   options
}

var _ Tracker = (*RedisTracker)(nil)

func NewRedisTracker(client *redis.Client, opts ...Option) *RedisTracker {
	return &RedisTracker{client: client, opts: buildOptions(opts)}
}

func (r *RedisTracker) key(workspaceID string) string {
	return keyPrefix + workspaceID
}

func (r *RedisTracker) Touch(ctx context.Context, workspaceID, userID string) error {
	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, r.key(workspaceID), redis.Z{Score: float64(r.opts.now().UnixMilli()), Member: userID})
	pipe.SAdd(ctx, workspacesKey, workspaceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("touch presence: %w", err)
	}
	return nil
}

func (r *RedisTracker) Leave(ctx context.Context, workspaceID, userID string) error {
	if err := r.client.ZRem(ctx, r.key(workspaceID), userID).Err(); err != nil {
		return fmt.Errorf("leave presence: %w", err)
	}
	return nil
}

func (r *RedisTracker) cutoff() string {
	return strconv.FormatInt(r.opts.now().Add(-r.opts.window).UnixMilli(), 10)
}

func (r *RedisTracker) Online(ctx context.Context, workspaceID string) ([]string, error) {
	users, err := r.client.ZRangeByScore(ctx, r.key(workspaceID), &redis.ZRangeBy{
		Min: "(" + r.cutoff(),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list online users: %w", err)
	}
	return users, nil
}

func (r *RedisTracker) Sweep(ctx context.Context) (int, error) {
	workspaces, err := r.client.SMembers(ctx, workspacesKey).Result()
	if err != nil {
		return 0, fmt.Errorf("list presence workspaces: %w", err)
	}
	cutoff := r.cutoff()
	removed := 0
	for _, workspaceID := range workspaces {
		n, err := r.client.ZRemRangeByScore(ctx, r.key(workspaceID), "-inf", cutoff).Result()
		if err != nil {
			return removed, fmt.Errorf("sweep presence: %w", err)
		}
		removed += int(n)
		left, err := r.client.ZCard(ctx, r.key(workspaceID)).Result()
		if err != nil {
			return removed, fmt.Errorf("count presence: %w", err)
		}
		if left == 0 {
			r.client.SRem(ctx, workspacesKey, workspaceID)
		}
	}
	return removed, nil
}
