// Package realtime fans channel events out to WebSocket subscribers.
package realtime

import (
	"encoding/json"
	"time"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxWireFrameBytes      = 64 * 1024
	maxDecodeErrorsPerConn = 3
	maxReplayMessages      = 200
	defaultHistoryLimit    = 50
	maxHistoryLimit        = 200
	typingThrottle         = 2 * time.Second
	writeTimeout           = 10 * time.Second
	readIdleTimeout        = 90 * time.Second
)

// Client frame types.
const (
	FrameSubscribe   = "channel.subscribe"
	FrameUnsubscribe = "channel.unsubscribe"
	FrameSend        = "message.send"
	FrameHistory     = "message.history"
	FrameTyping      = "typing"
	FramePing        = "ping"
)

// Server-only frame types. Events are forwarded under their own type.
const (
	FrameSubscribed = "subscribed"
	FrameAck        = "ack"
	FrameError      = "error"
	FramePong       = "pong"
)

// Frame is the JSON envelope exchanged in both directions.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type subscribePayload struct {
	ChannelID string `json:"channel_id"`
	LastSeq   int64  `json:"last_seq"`
}

type channelPayload struct {
	ChannelID string `json:"channel_id"`
}

type sendPayload struct {
	ChannelID       string   `json:"channel_id"`
	ClientMessageID string   `json:"client_message_id"`
	Body            string   `json:"body"`
	ParentID        string   `json:"parent_id"`
	AttachmentIDs   []string `json:"attachment_ids"`
}

type historyPayload struct {
	ChannelID string `json:"channel_id"`
	BeforeSeq int64  `json:"before_seq"`
	Limit     int    `json:"limit"`
}

type subscribedPayload struct {
	ChannelID   string `json:"channel_id"`
	WorkspaceID string `json:"workspace_id"`
	LastSeq     int64  `json:"last_seq"`
	Replayed    int    `json:"replayed"`
	Truncated   bool   `json:"truncated"`
}

type ackPayload struct {
	ChannelID string            `json:"channel_id,omitempty"`
	MessageID string            `json:"message_id,omitempty"`
	Seq       int64             `json:"seq,omitempty"`
	Duplicate bool              `json:"duplicate,omitempty"`
	Messages  []json.RawMessage `json:"messages,omitempty"`
	HasMore   bool              `json:"has_more,omitempty"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TypingPayload is published for typing events.
type TypingPayload struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
}

// PresencePayload is published when a user comes online or goes offline.
type PresencePayload struct {
	WorkspaceID string `json:"workspace_id"`
	UserID      string `json:"user_id"`
	Status      string `json:"status"`
}

// RemovedPayload tells a client it lost access to a channel.
type RemovedPayload struct {
	ChannelID string `json:"channel_id"`
	Reason    string `json:"reason,omitempty"`
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

func errorFrame(requestID, code, message string) Frame {
	return Frame{
		Type:      FrameError,
		RequestID: requestID,
		Payload:   mustJSON(errorPayload{Code: code, Message: message}),
	}
}
