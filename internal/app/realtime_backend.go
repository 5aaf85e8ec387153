package app

import (
	"context"
	"encoding/json"

	"huddle/api/internal/rbac"
	"huddle/api/internal/realtime"
	"huddle/api/internal/store"
)

// realtimeBackend exposes the service to the WebSocket server. Every call goes
// through the same permission checks as the REST handlers.
type realtimeBackend struct {
	s *Service
}

var _ realtime.Backend = realtimeBackend{}

func (s *Service) RealtimeBackend() realtime.Backend {
	return realtimeBackend{s: s}
}

func (b realtimeBackend) Authenticate(ctx context.Context, token string) (realtime.Identity, error) {
	session, err := b.s.SessionFromToken(ctx, token)
	if err != nil {
		return realtime.Identity{}, err
	}
	return realtime.Identity{UserID: session.UserID, Name: session.UserName}, nil
}

func (b realtimeBackend) OpenChannel(ctx context.Context, userID, channelID string) (realtime.ChannelInfo, error) {
	return b.channelInfo(ctx, userID, channelID, rbac.ActionChannelRead)
}

func (b realtimeBackend) CheckTyping(ctx context.Context, userID, channelID string) (realtime.ChannelInfo, error) {
	return b.channelInfo(ctx, userID, channelID, rbac.ActionChannelPost)
}

func (b realtimeBackend) channelInfo(ctx context.Context, userID, channelID string, action rbac.Action) (realtime.ChannelInfo, error) {
	if _, err := b.s.requireChannel(ctx, userID, channelID, action); err != nil {
		return realtime.ChannelInfo{}, err
	}
	ch, err := b.s.store.GetChannel(ctx, channelID)
	if err != nil {
		return realtime.ChannelInfo{}, err
	}
	return realtime.ChannelInfo{WorkspaceID: ch.WorkspaceID, LastSeq: ch.LastSeq}, nil
}

func (b realtimeBackend) History(ctx context.Context, userID string, q realtime.HistoryQuery) ([]realtime.Message, error) {
	if _, err := b.s.requireChannel(ctx, userID, q.ChannelID, rbac.ActionChannelRead); err != nil {
		return nil, err
	}
	messages, err := b.s.store.ListMessages(ctx, store.MessageQuery{
		ChannelID: q.ChannelID,
		AfterSeq:  q.AfterSeq,
		BeforeSeq: q.BeforeSeq,
		Limit:     q.Limit,
	})
	if err != nil {
		return nil, err
	}
	views, err := b.s.hydrate(ctx, messages)
	if err != nil {
		return nil, err
	}
	out := make([]realtime.Message, 0, len(views))
	for _, view := range views {
		payload, err := json.Marshal(view)
		if err != nil {
			return nil, err
		}
		out = append(out, realtime.Message{Seq: view.Seq, Payload: payload})
	}
	return out, nil
}

func (b realtimeBackend) SendMessage(ctx context.Context, userID string, req realtime.SendRequest) (realtime.SendResult, error) {
	view, duplicate, err := b.s.PostMessage(ctx, Session{UserID: userID}, req.ChannelID, PostMessageInput{
		Body:            req.Body,
		ParentID:        req.ParentID,
		ClientMessageID: req.ClientMessageID,
		AttachmentIDs:   req.AttachmentIDs,
	})
	if err != nil {
		return realtime.SendResult{}, err
	}
	return realtime.SendResult{MessageID: view.ID, Seq: view.Seq, Duplicate: duplicate}, nil
}

// MapRealtimeError renders a service error as an error frame code and message.
func MapRealtimeError(err error) (string, string) {
	_, code, message, _ := mapError(err)
	return code, message
}
