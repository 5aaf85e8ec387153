package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"huddle/api/internal/metrics"
)

// Conn is one WebSocket connection as seen by the hub. All outbound frames go
// through a bounded queue drained by a single writer goroutine.
type Conn struct {
	id       string
	userID   string
	userName string

	out         chan Frame
	done        chan struct{}
	closeOnce   sync.Once
	aborted     atomic.Bool
	closeSocket func()
	touchedAt   atomic.Int64

	mu       sync.Mutex
	subs     map[string]*subscription
	typingAt map[string]time.Time
}

// subscription buffers events until the replay for a subscribe has been
// queued, then drops message.created events the replay already covered.
type subscription struct {
	workspaceID string
	live        bool
	replayHead  int64
	backlog     []Event
}

func newConn(id string, ident Identity, buffer int, closeSocket func()) *Conn {
	if buffer <= 0 {
		buffer = 256
	}
	var once sync.Once
	return &Conn{
		id:       id,
		userID:   ident.UserID,
		userName: ident.Name,
		out:      make(chan Frame, buffer),
		done:     make(chan struct{}),
		closeSocket: func() {
			once.Do(func() {
				if closeSocket != nil {
					closeSocket()
				}
			})
		},
		subs:     make(map[string]*subscription),
		typingAt: make(map[string]time.Time),
	}
}

// Done is closed when the connection is shutting down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// abort closes the connection without flushing what is still queued.
func (c *Conn) abort() {
	c.aborted.Store(true)
	c.close()
}

// enqueue never blocks. A full queue means the peer is not keeping up and the
// connection is dropped.
func (c *Conn) enqueue(f Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- f:
		return true
	default:
		metrics.WSSlowConsumerDisconnects.Inc()
		c.abort()
		return false
	}
}

func (c *Conn) writeLoop(write func(Frame) error) {
	defer func() {
		if c.aborted.Load() {
			c.closeSocket()
		}
	}()
	for {
		select {
		case f := <-c.out:
			if err := write(f); err != nil {
				c.abort()
				return
			}
		case <-c.done:
			if c.aborted.Load() {
				return
			}
			for {
				select {
				case f := <-c.out:
					if err := write(f); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// prepare registers a pending subscription, replacing any previous one.
func (c *Conn) prepare(channelID string) {
	c.mu.Lock()
	c.subs[channelID] = &subscription{}
	c.mu.Unlock()
}

func (c *Conn) setWorkspace(channelID, workspaceID string) {
	c.mu.Lock()
	if sub, ok := c.subs[channelID]; ok {
		sub.workspaceID = workspaceID
	}
	c.mu.Unlock()
}

// goLive flushes the backlog gathered during replay and switches the
// subscription to direct delivery.
func (c *Conn) goLive(channelID string, replayHead int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[channelID]
	if !ok {
		return
	}
	sub.replayHead = replayHead
	sub.live = true
	backlog := sub.backlog
	sub.backlog = nil
	for _, ev := range backlog {
		if ev.Type == EventMessageCreated && ev.Seq <= replayHead {
			continue
		}
		if !c.enqueue(ev.frame()) {
			return
		}
	}
}

// drop forgets a subscription and reports whether it existed.
func (c *Conn) drop(channelID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[channelID]
	delete(c.subs, channelID)
	delete(c.typingAt, channelID)
	return ok
}

func (c *Conn) deliver(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[ev.ChannelID]
	if !ok {
		return
	}
	if !sub.live {
		sub.backlog = append(sub.backlog, ev)
		if len(sub.backlog) > cap(c.out) {
			metrics.WSSlowConsumerDisconnects.Inc()
			c.abort()
		}
		return
	}
	if ev.Type == EventMessageCreated && ev.Seq <= sub.replayHead {
		return
	}
	c.enqueue(ev.frame())
}

func (c *Conn) channelIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	return ids
}

func (c *Conn) workspaces() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]struct{}, len(c.subs))
	out := make([]string, 0, len(c.subs))
	for _, sub := range c.subs {
		if sub.workspaceID == "" {
			continue
		}
		if _, ok := seen[sub.workspaceID]; ok {
			continue
		}
		seen[sub.workspaceID] = struct{}{}
		out = append(out, sub.workspaceID)
	}
	return out
}

func (c *Conn) inWorkspace(workspaceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		if sub.workspaceID == workspaceID {
			return true
		}
	}
	return false
}

// allowTyping throttles typing events per channel.
func (c *Conn) allowTyping(channelID string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if last, ok := c.typingAt[channelID]; ok && now.Sub(last) < typingThrottle {
		return false
	}
	c.typingAt[channelID] = now
	return true
}

// shouldTouch reports whether presence is due for a refresh.
func (c *Conn) shouldTouch(now time.Time, every time.Duration) bool {
	last := c.touchedAt.Load()
	if last != 0 && now.Sub(time.Unix(0, last)) < every {
		return false
	}
	return c.touchedAt.CompareAndSwap(last, now.UnixNano())
}
