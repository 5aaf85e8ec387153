package realtime

import (
	"context"
	"encoding/json"
	"sync"
)

// Event types carried by the broker.
const (
	EventMessageCreated  = "message.created"
	EventMessageUpdated  = "message.updated"
	EventMessageDeleted  = "message.deleted"
	EventReactionUpdated = "reaction.updated"
	EventChannelMember   = "channel.member"
	EventChannelUpdated  = "channel.updated"
	EventChannelRemoved  = "channel.removed"
	EventTyping          = "typing"
	EventPresence        = "presence"
)

// Event is what the service layer publishes after a mutation commits.
type Event struct {
	Type        string `json:"type"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	ChannelID   string `json:"channel_id,omitempty"`
	// UserID narrows channel.removed to one user. Empty evicts every subscriber.
	UserID  string          `json:"user_id,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent marshals payload into an event envelope.
func NewEvent(eventType, workspaceID, channelID string, payload any) Event {
	return Event{Type: eventType, WorkspaceID: workspaceID, ChannelID: channelID, Payload: mustJSON(payload)}
}

func (e Event) frame() Frame {
	return Frame{Type: e.Type, Payload: e.Payload}
}

// Publisher is the half of a Broker the service layer needs.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Broker moves events between nodes. Every node runs exactly one Run loop
// that feeds its local hub; Publish never delivers locally on its own.
type Broker interface {
	Publisher
	// Run delivers every published event to handle until ctx is done.
	Run(ctx context.Context, handle func(Event)) error
}

// LocalBroker is the single-node broker.
type LocalBroker struct {
	mu       sync.RWMutex
	handlers map[int]func(Event)
	next     int
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{handlers: make(map[int]func(Event))}
}

func (b *LocalBroker) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, handle := range b.handlers {
		handle(ev)
	}
	return nil
}

// Subscribe registers handle and returns a function that removes it.
func (b *LocalBroker) Subscribe(handle func(Event)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = handle
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

func (b *LocalBroker) Run(ctx context.Context, handle func(Event)) error {
	unsubscribe := b.Subscribe(handle)
	defer unsubscribe()
	<-ctx.Done()
	return nil
}
