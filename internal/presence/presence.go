// Package presence tracks which users are online in a workspace.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultWindow is how long a touch keeps a user online.
const DefaultWindow = 60 * time.Second

// Tracker records liveness per workspace. Implementations must be safe for
// concurrent use.
type Tracker interface {
	Touch(ctx context.Context, workspaceID, userID string) error
	Leave(ctx context.Context, workspaceID, userID string) error
	Online(ctx context.Context, workspaceID string) ([]string, error)
	// Sweep drops entries older than the window and reports how many were removed.
	Sweep(ctx context.Context) (int, error)
}

type Option func(*options)

type options struct {
	window time.Duration
	now    func() time.Time
}

func WithWindow(window time.Duration) Option {
	return func(o *options) {
		if window > 0 {
			o.window = window
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{window: DefaultWindow, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// MemoryTracker serves single-node deployments.
type MemoryTracker struct {
	opts options

	mu   sync.Mutex
	seen map[string]map[string]time.Time
}

var _ Tracker = (*MemoryTracker)(nil)

func NewMemoryTracker(opts ...Option) *MemoryTracker {
	return &MemoryTracker{opts: buildOptions(opts), seen: make(map[string]map[string]time.Time)}
}

func (m *MemoryTracker) Touch(_ context.Context, workspaceID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := m.seen[workspaceID]
	if users == nil {
		users = make(map[string]time.Time)
		m.seen[workspaceID] = users
	}
	users[userID] = m.opts.now()
	return nil
}

func (m *MemoryTracker) Leave(_ context.Context, workspaceID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if users := m.seen[workspaceID]; users != nil {
		delete(users, userID)
		if len(users) == 0 {
			delete(m.seen, workspaceID)
		}
	}
	return nil
}

func (m *MemoryTracker) Online(_ context.Context, workspaceID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.opts.now().Add(-m.opts.window)
	var online []string
	for userID, at := range m.seen[workspaceID] {
		if at.After(cutoff) {
			online = append(online, userID)
		}
	}
	sort.Strings(online)
	return online, nil
}

func (m *MemoryTracker) Sweep(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.opts.now().Add(-m.opts.window)
	removed := 0
	for workspaceID, users := range m.seen {
		for userID, at := range users {
			if !at.After(cutoff) {
				delete(users, userID)
				removed++
			}
		}
		if len(users) == 0 {
			delete(m.seen, workspaceID)
		}
	}
	return removed, nil
}
