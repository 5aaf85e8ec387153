package realtime

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultGapTimeout bounds how long a room holds back a message.created event
// while waiting for a lower seq that is still in flight.
const DefaultGapTimeout = 250 * time.Millisecond

type HubOption func(*Hub)

func WithGapTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.gapTimeout = d
		}
	}
}

func WithHubLogger(logger *zap.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// Hub tracks the connections of this node and routes broker events to them.
type Hub struct {
	gapTimeout time.Duration
	logger     *zap.Logger

	mu     sync.Mutex
	rooms  map[string]*room
	users  map[string]map[*Conn]struct{}
	closed bool
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		gapTimeout: DefaultGapTimeout,
		logger:     zap.NewNop(),
		rooms:      make(map[string]*room),
		users:      make(map[string]map[*Conn]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) register(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	conns, ok := h.users[c.userID]
	if !ok {
		conns = make(map[*Conn]struct{})
		h.users[c.userID] = conns
	}
	conns[c] = struct{}{}
	return true
}

// unregister removes c from every room and returns the workspaces it was
// present in.
func (h *Hub) unregister(c *Conn) []string {
	workspaces := c.workspaces()
	for _, channelID := range c.channelIDs() {
		h.leave(c, channelID)
		c.drop(channelID)
	}
	h.mu.Lock()
	if conns, ok := h.users[c.userID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.users, c.userID)
		}
	}
	h.mu.Unlock()
	return workspaces
}

func (h *Hub) join(c *Conn, channelID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[channelID]
	if !ok {
		r = newRoom(channelID, h.gapTimeout)
		h.rooms[channelID] = r
	}
	r.add(c)
	return r
}

func (h *Hub) leave(c *Conn, channelID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[channelID]
	if !ok {
		return
	}
	if r.remove(c) == 0 {
		r.stop()
		delete(h.rooms, channelID)
	}
}

// Dispatch routes one event to local subscribers. It is the handler passed
// to Broker.Run.
func (h *Hub) Dispatch(ev Event) {
	switch ev.Type {
	case EventPresence:
		for _, c := range h.workspaceConns(ev.WorkspaceID) {
			c.enqueue(ev.frame())
		}
	case EventChannelRemoved:
		h.evict(ev)
	default:
		if ev.ChannelID == "" {
			h.logger.Debug("dropping event without channel", zap.String("type", ev.Type))
			return
		}
		h.mu.Lock()
		r, ok := h.rooms[ev.ChannelID]
		h.mu.Unlock()
		if ok {
			r.publish(ev)
		}
	}
}

func (h *Hub) evict(ev Event) {
	h.mu.Lock()
	r, ok := h.rooms[ev.ChannelID]
	h.mu.Unlock()
	if !ok {
		return
	}
	for _, c := range r.members() {
		if ev.UserID != "" && c.userID != ev.UserID {
			continue
		}
		h.leave(c, ev.ChannelID)
		if c.drop(ev.ChannelID) {
			c.enqueue(ev.frame())
		}
	}
}

func (h *Hub) workspaceConns(workspaceID string) []*Conn {
	h.mu.Lock()
	var all []*Conn
	for _, conns := range h.users {
		for c := range conns {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	out := all[:0]
	for _, c := range all {
		if c.inWorkspace(workspaceID) {
			out = append(out, c)
		}
	}
	return out
}

// userPresent reports whether another local connection of userID still has a
// subscription in workspaceID.
func (h *Hub) userPresent(userID, workspaceID string, except *Conn) bool {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.users[userID]))
	for c := range h.users[userID] {
		if c != except {
			conns = append(conns, c)
		}
	}
	h.mu.Unlock()
	for _, c := range conns {
		if c.inWorkspace(workspaceID) {
			return true
		}
	}
	return false
}

// Subscribers counts local connections subscribed to channelID.
func (h *Hub) Subscribers(channelID string) int {
	h.mu.Lock()
	r, ok := h.rooms[channelID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	return len(r.members())
}

// Connections counts open local connections.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, conns := range h.users {
		n += len(conns)
	}
	return n
}

// Close aborts every connection and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var conns []*Conn
	for _, set := range h.users {
		for c := range set {
			conns = append(conns, c)
		}
	}
	for id, r := range h.rooms {
		r.stop()
		delete(h.rooms, id)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.abort()
	}
}

// room serializes delivery for one channel. message.created events are
// released in seq order; a gap is held for at most gapTimeout.
type room struct {
	channelID  string
	gapTimeout time.Duration

	mu        sync.Mutex
	conns     map[*Conn]struct{}
	delivered int64
	// primed is set once a subscriber reported the channel head; from then on
	// delivered == 0 means seq 1 is expected next.
	primed    bool
	pending   map[int64]Event
	gapTimer  *time.Timer
	stopped   bool
}

func newRoom(channelID string, gapTimeout time.Duration) *room {
	return &room{
		channelID:  channelID,
		gapTimeout: gapTimeout,
		conns:      make(map[*Conn]struct{}),
		pending:    make(map[int64]Event),
	}
}

func (r *room) add(c *Conn) {
	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()
}

func (r *room) remove(c *Conn) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c)
	return len(r.conns)
}

func (r *room) members() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		out = append(out, c)
	}
	return out
}

// prime seeds the ordering cursor with the channel head seen at subscribe.
func (r *room) prime(head int64) {
	r.mu.Lock()
	if !r.primed {
		r.primed = true
		if head > r.delivered {
			r.delivered = head
		}
	}
	r.mu.Unlock()
}

func (r *room) stop() {
	r.mu.Lock()
	r.stopped = true
	if r.gapTimer != nil {
		r.gapTimer.Stop()
		r.gapTimer = nil
	}
	r.pending = make(map[int64]Event)
	r.mu.Unlock()
}

func (r *room) publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if ev.Type != EventMessageCreated || ev.Seq <= 0 {
		r.fanout(ev)
		return
	}
	switch {
	case !r.primed || ev.Seq <= r.delivered:
		// No cursor yet or a late event: nothing to wait for.
		r.fanout(ev)
		if ev.Seq > r.delivered {
			r.delivered = ev.Seq
			r.drain()
		}
	case ev.Seq == r.delivered+1:
		r.fanout(ev)
		r.delivered = ev.Seq
		r.drain()
	default:
		r.pending[ev.Seq] = ev
		if r.gapTimer == nil {
			r.gapTimer = time.AfterFunc(r.gapTimeout, r.flushGap)
		}
	}
}

func (r *room) drain() {
	for {
		ev, ok := r.pending[r.delivered+1]
		if !ok {
			break
		}
		delete(r.pending, ev.Seq)
		r.fanout(ev)
		r.delivered = ev.Seq
	}
	for seq := range r.pending {
		if seq <= r.delivered {
			delete(r.pending, seq)
		}
	}
	if len(r.pending) == 0 && r.gapTimer != nil {
		r.gapTimer.Stop()
		r.gapTimer = nil
	}
}

// flushGap gives up on the missing seqs and releases what is held, in order.
func (r *room) flushGap() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gapTimer = nil
	if r.stopped || len(r.pending) == 0 {
		return
	}
	seqs := make([]int64, 0, len(r.pending))
	for seq := range r.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for _, seq := range seqs {
		r.fanout(r.pending[seq])
		delete(r.pending, seq)
	}
	r.delivered = seqs[len(seqs)-1]
}

func (r *room) fanout(ev Event) {
	for c := range r.conns {
		c.deliver(ev)
	}
}
