package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultRedisChannel is the pub/sub channel shared by every node.
const DefaultRedisChannel = "huddle:events"

var errSubscriptionClosed = errors.New("redis subscription closed")

// RedisBroker fans events out across nodes through Redis pub/sub.
type RedisBroker struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger

	readyOnce sync.Once
	ready     chan struct{}
}

func NewRedisBroker(client *redis.Client, logger *zap.Logger) *RedisBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBroker{
		client:  client,
		channel: DefaultRedisChannel,
		logger:  logger,
		ready:   make(chan struct{}),
	}
}

func (b *RedisBroker) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Ready is closed once the first subscription is confirmed by Redis.
func (b *RedisBroker) Ready() <-chan struct{} {
	return b.ready
}

// Run subscribes and resubscribes with exponential backoff until ctx is done.
func (b *RedisBroker) Run(ctx context.Context, handle func(Event)) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0
	policy.MaxInterval = 30 * time.Second

	err := backoff.RetryNotify(func() error {
		err := b.consume(ctx, handle, policy.Reset)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		b.logger.Warn("redis broker subscription lost", zap.Error(err), zap.Duration("retry_in", wait))
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (b *RedisBroker) consume(ctx context.Context, handle func(Event), onSubscribed func()) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	onSubscribed()
	b.readyOnce.Do(func() { close(b.ready) })
	b.logger.Info("redis broker subscribed", zap.String("channel", b.channel))

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return errSubscriptionClosed
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Warn("dropping malformed event", zap.Error(err))
				continue
			}
			handle(ev)
		}
	}
}
