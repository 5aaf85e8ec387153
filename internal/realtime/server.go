package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"
	"golang.org/x/time/rate"

	"huddle/api/internal/metrics"
	"huddle/api/internal/presence"
)

const (
	// TokenCookie is read when neither a bearer header nor a query token is sent.
	TokenCookie = "huddle_token"

	DefaultHeartbeat = 30 * time.Second
	touchInterval    = 15 * time.Second
)

// Identity is the authenticated user behind a connection.
type Identity struct {
	UserID string
	Name   string
}

// ChannelInfo is what the backend reports after a successful access check.
type ChannelInfo struct {
	WorkspaceID string
	LastSeq     int64
}

// Message is a persisted message already rendered to its wire payload.
type Message struct {
	Seq     int64
	Payload json.RawMessage
}

type HistoryQuery struct {
	ChannelID string
	AfterSeq  int64
	BeforeSeq int64
	Limit     int
}

type SendRequest struct {
	ChannelID       string
	ClientMessageID string
	Body            string
	ParentID        string
	AttachmentIDs   []string
}

type SendResult struct {
	MessageID string
	Seq       int64
	Duplicate bool
}

// Backend is implemented by the service layer. Every call re-checks
// permissions for userID.
type Backend interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
	OpenChannel(ctx context.Context, userID, channelID string) (ChannelInfo, error)
	History(ctx context.Context, userID string, q HistoryQuery) ([]Message, error)
	SendMessage(ctx context.Context, userID string, req SendRequest) (SendResult, error)
	CheckTyping(ctx context.Context, userID, channelID string) (ChannelInfo, error)
}

type Options struct {
	SendRate       float64
	SendBurst      int
	OutboundBuffer int
	Heartbeat      time.Duration
	// AllowedOrigins limits browser origins. Empty or "*" allows any.
	AllowedOrigins []string
	// MapError turns a backend error into an error frame code and message.
	MapError func(error) (code, message string)
}

// Server upgrades authenticated requests and runs one read loop per connection.
type Server struct {
	hub       *Hub
	backend   Backend
	publisher Publisher
	presence  presence.Tracker
	logger    *zap.Logger
	opts      Options
	ws        websocket.Server
	nextID    atomic.Uint64
}

type identityKey struct{}

func NewServer(hub *Hub, backend Backend, publisher Publisher, tracker presence.Tracker, logger *zap.Logger, opts Options) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SendRate <= 0 {
		opts.SendRate = 5
	}
	if opts.SendBurst <= 0 {
		opts.SendBurst = 10
	}
	if opts.OutboundBuffer <= 0 {
		opts.OutboundBuffer = 256
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.MapError == nil {
		opts.MapError = func(error) (string, string) { return "INTERNAL", "internal error" }
	}
	s := &Server{
		hub:       hub,
		backend:   backend,
		publisher: publisher,
		presence:  tracker,
		logger:    logger,
		opts:      opts,
	}
	s.ws = websocket.Server{Handshake: s.handshake, Handler: s.serveConn}
	return s
}

// ServeHTTP authenticates before the upgrade so a bad token gets a plain 401.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeHTTPError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	token := requestToken(r)
	if token == "" {
		writeHTTPError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing access token")
		return
	}
	ident, err := s.backend.Authenticate(r.Context(), token)
	if err != nil {
		writeHTTPError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired access token")
		return
	}
	s.ws.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, ident)))
}

func requestToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
		return token
	}
	if cookie, err := r.Cookie(TokenCookie); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}

// handshake accepts clients that send no Origin and checks the rest against
// the configured origins.
func (s *Server) handshake(config *websocket.Config, r *http.Request) error {
	origin, err := websocket.Origin(config, r)
	if err != nil {
		return fmt.Errorf("parse origin: %w", err)
	}
	if origin == nil {
		return nil
	}
	config.Origin = origin
	if len(s.opts.AllowedOrigins) == 0 {
		return nil
	}
	got := strings.TrimRight(origin.String(), "/")
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimRight(allowed, "/"), got) {
			return nil
		}
	}
	return fmt.Errorf("origin %s not allowed", got)
}

func (s *Server) serveConn(ws *websocket.Conn) {
	ident, _ := ws.Request().Context().Value(identityKey{}).(Identity)
	ws.MaxPayloadBytes = maxWireFrameBytes

	ctx, cancel := context.WithCancel(context.Background())
	conn := newConn(fmt.Sprintf("c%d", s.nextID.Add(1)), ident, s.opts.OutboundBuffer, func() { _ = ws.Close() })
	if !s.hub.register(conn) {
		cancel()
		return
	}
	metrics.WSConnections.Inc()
	logger := s.logger.With(zap.String("conn_id", conn.id), zap.String("user_id", conn.userID))
	logger.Debug("websocket connected")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		conn.writeLoop(func(f Frame) error {
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := websocket.JSON.Send(ws, f); err != nil {
				return err
			}
			metrics.WSFrames.WithLabelValues("out", frameLabel(f.Type)).Inc()
			return nil
		})
	}()
	go func() {
		defer wg.Done()
		s.heartbeat(ctx, conn)
	}()

	defer func() {
		workspaces := s.hub.unregister(conn)
		conn.close()
		cancel()
		wg.Wait()
		s.leaveWorkspaces(conn, workspaces)
		metrics.WSConnections.Dec()
		logger.Debug("websocket disconnected")
	}()

	s.readLoop(ctx, ws, conn, logger)
}

func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, conn *Conn, logger *zap.Logger) {
	limiter := rate.NewLimiter(rate.Limit(s.opts.SendRate), s.opts.SendBurst)
	decodeErrors := 0
	for {
		_ = ws.SetReadDeadline(time.Now().Add(readIdleTimeout))
		var data []byte
		err := websocket.Message.Receive(ws, &data)
		switch {
		case errors.Is(err, websocket.ErrFrameTooLarge):
			conn.enqueue(errorFrame("", "PAYLOAD_TOO_LARGE", "frame exceeds size limit"))
			decodeErrors++
			if decodeErrors >= maxDecodeErrorsPerConn {
				logger.Info("closing websocket after repeated oversized frames")
				return
			}
			continue
		case err != nil:
			if !errors.Is(err, io.EOF) {
				select {
				case <-conn.Done():
				default:
					logger.Debug("websocket read ended", zap.Error(err))
				}
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
			decodeErrors++
			conn.enqueue(errorFrame("", "INVALID_FRAME", "frame must be a JSON object with a type"))
			if decodeErrors >= maxDecodeErrorsPerConn {
				logger.Info("closing websocket after repeated decode errors")
				return
			}
			continue
		}
		decodeErrors = 0
		metrics.WSFrames.WithLabelValues("in", frameLabel(frame.Type)).Inc()

		if len(frame.Payload) > maxFramePayloadBytes {
			conn.enqueue(errorFrame(frame.RequestID, "PAYLOAD_TOO_LARGE", "payload exceeds 16 KiB"))
			continue
		}
		s.touch(ctx, conn, false)
		s.handleFrame(ctx, conn, limiter, frame)
	}
}

func (s *Server) handleFrame(ctx context.Context, conn *Conn, limiter *rate.Limiter, frame Frame) {
	switch frame.Type {
	case FramePing:
		conn.enqueue(Frame{Type: FramePong, RequestID: frame.RequestID})
	case FrameSubscribe:
		s.subscribe(ctx, conn, frame)
	case FrameUnsubscribe:
		s.unsubscribe(conn, frame)
	case FrameSend:
		if !limiter.Allow() {
			conn.enqueue(errorFrame(frame.RequestID, "RATE_LIMITED", "sending too fast"))
			return
		}
		s.send(ctx, conn, frame)
	case FrameHistory:
		s.history(ctx, conn, frame)
	case FrameTyping:
		s.typing(ctx, conn, frame)
	default:
		conn.enqueue(errorFrame(frame.RequestID, "UNKNOWN_TYPE", "unknown frame type"))
	}
}

func (s *Server) subscribe(ctx context.Context, conn *Conn, frame Frame) {
	var payload subscribePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil || strings.TrimSpace(payload.ChannelID) == "" {
		conn.enqueue(errorFrame(frame.RequestID, "INVALID_PAYLOAD", "channel_id is required"))
		return
	}
	channelID := strings.TrimSpace(payload.ChannelID)
	lastSeq := max(payload.LastSeq, 0)

	// Join before reading the head so nothing committed after it is missed.
	conn.prepare(channelID)
	r := s.hub.join(conn, channelID)
	fail := func(err error) {
		s.hub.leave(conn, channelID)
		conn.drop(channelID)
		s.sendError(conn, frame.RequestID, err)
	}

	info, err := s.backend.OpenChannel(ctx, conn.userID, channelID)
	if err != nil {
		fail(err)
		return
	}
	r.prime(info.LastSeq)
	known := conn.inWorkspace(info.WorkspaceID)
	conn.setWorkspace(channelID, info.WorkspaceID)

	var replay []Message
	truncated := false
	switch {
	case info.LastSeq <= lastSeq:
	case info.LastSeq-lastSeq <= maxReplayMessages:
		replay, err = s.backend.History(ctx, conn.userID, HistoryQuery{ChannelID: channelID, AfterSeq: lastSeq, Limit: maxReplayMessages})
	default:
		truncated = true
		replay, err = s.backend.History(ctx, conn.userID, HistoryQuery{ChannelID: channelID, BeforeSeq: info.LastSeq + 1, Limit: maxReplayMessages})
	}
	if err != nil {
		fail(err)
		return
	}

	head := info.LastSeq
	for _, msg := range replay {
		head = max(head, msg.Seq)
	}
	conn.enqueue(Frame{
		Type:      FrameSubscribed,
		RequestID: frame.RequestID,
		Payload: mustJSON(subscribedPayload{
			ChannelID:   channelID,
			WorkspaceID: info.WorkspaceID,
			LastSeq:     head,
			Replayed:    len(replay),
			Truncated:   truncated,
		}),
	})
	for _, msg := range replay {
		conn.enqueue(Frame{Type: EventMessageCreated, Payload: msg.Payload})
	}
	conn.goLive(channelID, head)
	s.arrive(ctx, conn, info.WorkspaceID, known)
}

func (s *Server) unsubscribe(conn *Conn, frame Frame) {
	var payload channelPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil || payload.ChannelID == "" {
		conn.enqueue(errorFrame(frame.RequestID, "INVALID_PAYLOAD", "channel_id is required"))
		return
	}
	s.hub.leave(conn, payload.ChannelID)
	conn.drop(payload.ChannelID)
	conn.enqueue(Frame{Type: FrameAck, RequestID: frame.RequestID, Payload: mustJSON(ackPayload{ChannelID: payload.ChannelID})})
}

func (s *Server) send(ctx context.Context, conn *Conn, frame Frame) {
	var payload sendPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil || payload.ChannelID == "" {
		conn.enqueue(errorFrame(frame.RequestID, "INVALID_PAYLOAD", "channel_id and body are required"))
		return
	}
	result, err := s.backend.SendMessage(ctx, conn.userID, SendRequest{
		ChannelID:       payload.ChannelID,
		ClientMessageID: payload.ClientMessageID,
		Body:            payload.Body,
		ParentID:        payload.ParentID,
		AttachmentIDs:   payload.AttachmentIDs,
	})
	if err != nil {
		s.sendError(conn, frame.RequestID, err)
		return
	}
	conn.enqueue(Frame{
		Type:      FrameAck,
		RequestID: frame.RequestID,
		Payload: mustJSON(ackPayload{
			ChannelID: payload.ChannelID,
			MessageID: result.MessageID,
			Seq:       result.Seq,
			Duplicate: result.Duplicate,
		}),
	})
}

func (s *Server) history(ctx context.Context, conn *Conn, frame Frame) {
	var payload historyPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil || payload.ChannelID == "" {
		conn.enqueue(errorFrame(frame.RequestID, "INVALID_PAYLOAD", "channel_id is required"))
		return
	}
	limit := payload.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)

	before := payload.BeforeSeq
	if before <= 0 {
		info, err := s.backend.OpenChannel(ctx, conn.userID, payload.ChannelID)
		if err != nil {
			s.sendError(conn, frame.RequestID, err)
			return
		}
		before = info.LastSeq + 1
	}
	messages, err := s.backend.History(ctx, conn.userID, HistoryQuery{ChannelID: payload.ChannelID, BeforeSeq: before, Limit: limit})
	if err != nil {
		s.sendError(conn, frame.RequestID, err)
		return
	}
	raw := make([]json.RawMessage, 0, len(messages))
	for _, msg := range messages {
		raw = append(raw, msg.Payload)
	}
	hasMore := len(messages) == limit && messages[0].Seq > 1
	conn.enqueue(Frame{
		Type:      FrameAck,
		RequestID: frame.RequestID,
		Payload:   mustJSON(ackPayload{ChannelID: payload.ChannelID, Messages: raw, HasMore: hasMore}),
	})
}

func (s *Server) typing(ctx context.Context, conn *Conn, frame Frame) {
	var payload channelPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil || payload.ChannelID == "" {
		conn.enqueue(errorFrame(frame.RequestID, "INVALID_PAYLOAD", "channel_id is required"))
		return
	}
	if !conn.allowTyping(payload.ChannelID, time.Now()) {
		return
	}
	info, err := s.backend.CheckTyping(ctx, conn.userID, payload.ChannelID)
	if err != nil {
		s.sendError(conn, frame.RequestID, err)
		return
	}
	ev := NewEvent(EventTyping, info.WorkspaceID, payload.ChannelID, TypingPayload{
		ChannelID: payload.ChannelID,
		UserID:    conn.userID,
		UserName:  conn.userName,
	})
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish typing failed", zap.Error(err))
	}
}

func (s *Server) sendError(conn *Conn, requestID string, err error) {
	code, message := s.opts.MapError(err)
	conn.enqueue(errorFrame(requestID, code, message))
}

func (s *Server) heartbeat(ctx context.Context, conn *Conn) {
	ticker := time.NewTicker(s.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case <-ticker.C:
			s.touch(ctx, conn, true)
		}
	}
}

func (s *Server) touch(ctx context.Context, conn *Conn, force bool) {
	if s.presence == nil {
		return
	}
	if !force && !conn.shouldTouch(time.Now(), touchInterval) {
		return
	}
	for _, workspaceID := range conn.workspaces() {
		if err := s.presence.Touch(ctx, workspaceID, conn.userID); err != nil {
			s.logger.Debug("presence touch failed", zap.Error(err))
		}
	}
}

// arrive marks the user online and announces it the first time one of their
// local connections enters the workspace.
func (s *Server) arrive(ctx context.Context, conn *Conn, workspaceID string, known bool) {
	if s.presence == nil {
		return
	}
	if err := s.presence.Touch(ctx, workspaceID, conn.userID); err != nil {
		s.logger.Debug("presence touch failed", zap.Error(err))
	}
	if known || s.hub.userPresent(conn.userID, workspaceID, conn) {
		return
	}
	s.publishPresence(ctx, workspaceID, conn.userID, "online")
}

func (s *Server) leaveWorkspaces(conn *Conn, workspaces []string) {
	if s.presence == nil || len(workspaces) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, workspaceID := range workspaces {
		if s.hub.userPresent(conn.userID, workspaceID, conn) {
			continue
		}
		if err := s.presence.Leave(ctx, workspaceID, conn.userID); err != nil {
			s.logger.Debug("presence leave failed", zap.Error(err))
		}
		s.publishPresence(ctx, workspaceID, conn.userID, "offline")
	}
}

func (s *Server) publishPresence(ctx context.Context, workspaceID, userID, status string) {
	ev := NewEvent(EventPresence, workspaceID, "", PresencePayload{WorkspaceID: workspaceID, UserID: userID, Status: status})
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish presence failed", zap.Error(err))
	}
}

var knownFrameTypes = map[string]struct{}{
	FrameSubscribe: {}, FrameUnsubscribe: {}, FrameSend: {}, FrameHistory: {}, FrameTyping: {}, FramePing: {},
	FrameSubscribed: {}, FrameAck: {}, FrameError: {}, FramePong: {},
	EventMessageCreated: {}, EventMessageUpdated: {}, EventMessageDeleted: {}, EventReactionUpdated: {},
	EventChannelMember: {}, EventChannelUpdated: {}, EventChannelRemoved: {}, EventPresence: {},
}

// frameLabel keeps metric label cardinality bounded.
func frameLabel(frameType string) string {
	if _, ok := knownFrameTypes[frameType]; ok {
		return frameType
	}
	return "unknown"
}

func writeHTTPError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code, "error": message})
}
