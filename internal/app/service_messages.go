package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"huddle/api/internal/metrics"
	"huddle/api/internal/rbac"
	"huddle/api/internal/realtime"
	"huddle/api/internal/search"
	"huddle/api/internal/store"
	"huddle/api/internal/util"
)

const (
	maxClientMessageIDLen = 64
	maxEmojiRunes         = 32
	maxAttachmentsPerPost = 10
)

type PostMessageInput struct {
	Body            string   `json:"body"`
	ParentID        string   `json:"parentId"`
	ClientMessageID string   `json:"clientMessageId"`
	AttachmentIDs   []string `json:"attachmentIds"`
}

type MessagePage struct {
	Messages []messageView `json:"messages"`
	HasMore  bool          `json:"hasMore"`
}

type reactionEvent struct {
	MessageID string         `json:"messageId"`
	ChannelID string         `json:"channelId"`
	Reactions []reactionView `json:"reactions"`
}

type pinView struct {
	ChannelID string      `json:"channelId"`
	PinnedBy  string      `json:"pinnedBy"`
	PinnedAt  time.Time   `json:"pinnedAt"`
	Message   messageView `json:"message"`
}

func (s *Service) cleanBody(body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", validationError("body is required")
	}
	if utf8.RuneCountInString(body) > s.cfg.MaxMessageRunes {
		return "", validationError("body is too long")
	}
	return body, nil
}

func cleanEmoji(emoji string) (string, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || utf8.RuneCountInString(emoji) > maxEmojiRunes {
		return "", validationError("invalid emoji")
	}
	for _, r := range emoji {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return "", validationError("invalid emoji")
		}
	}
	return emoji, nil
}

// PostMessage stores a message and fans it out. A retried send with the same
// client message id returns the stored message with duplicate set and is not
// published again.
func (s *Service) PostMessage(ctx context.Context, session Session, channelID string, input PostMessageInput) (messageView, bool, error) {
	if _, err := s.requireChannel(ctx, session.UserID, channelID, rbac.ActionChannelPost); err != nil {
		return messageView{}, false, err
	}
	body, err := s.cleanBody(input.Body)
	if err != nil {
		return messageView{}, false, err
	}
	clientID := strings.TrimSpace(input.ClientMessageID)
	if len(clientID) > maxClientMessageIDLen {
		return messageView{}, false, validationError("clientMessageId is too long")
	}
	if len(input.AttachmentIDs) > maxAttachmentsPerPost {
		return messageView{}, false, validationError("too many attachments")
	}

	var parent store.Message
	if input.ParentID != "" {
		parent, err = s.store.GetMessage(ctx, input.ParentID)
		if errors.Is(err, store.ErrNotFound) {
			return messageView{}, false, validationError("parent message not found")
		}
		if err != nil {
			return messageView{}, false, err
		}
		if parent.ChannelID != channelID || parent.ParentID != "" {
			return messageView{}, false, validationError("replies must reference a top-level message in the same channel")
		}
		if parent.DeletedAt != nil {
			return messageView{}, false, validationError("cannot reply to a deleted message")
		}
	}
	attachmentIDs := uniqueStrings(input.AttachmentIDs)
	for _, id := range attachmentIDs {
		att, err := s.store.GetAttachment(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return messageView{}, false, validationError("attachment " + id + " not found")
		}
		if err != nil {
			return messageView{}, false, err
		}
		if att.ChannelID != channelID || att.UploadedBy != session.UserID || att.MessageID != "" {
			return messageView{}, false, validationError("attachment " + id + " cannot be used here")
		}
	}

	stored, duplicate, err := s.store.InsertMessage(ctx, store.Message{
		ID:              util.NewID("msg"),
		ChannelID:       channelID,
		AuthorID:        session.UserID,
		ParentID:        input.ParentID,
		Body:            body,
		ClientMessageID: clientID,
	}, attachmentIDs...)
	if errors.Is(err, store.ErrConflict) {
		return messageView{}, false, validationError("attachments were already used by another message")
	}
	if err != nil {
		return messageView{}, false, err
	}
	if duplicate {
		views, err := s.hydrate(ctx, []store.Message{stored})
		if err != nil {
			return messageView{}, false, err
		}
		return views[0], true, nil
	}

	metrics.MessagesCreated.Inc()

	views, err := s.hydrate(ctx, []store.Message{stored})
	if err != nil {
		return messageView{}, false, err
	}
	view := views[0]
	ev := realtime.NewEvent(realtime.EventMessageCreated, stored.WorkspaceID, channelID, view)
	ev.Seq = stored.Seq
	s.publish(ctx, ev)

	if stored.ParentID != "" {
		if updated, err := s.store.GetMessage(ctx, stored.ParentID); err == nil {
			s.publishMessage(ctx, realtime.EventMessageUpdated, updated)
		}
	}
	s.index(stored)
	return view, false, nil
}

func (s *Service) index(msg store.Message) {
	if s.search == nil {
		return
	}
	s.search.IndexMessage(search.MessageRecord{
		ID:          msg.ID,
		WorkspaceID: msg.WorkspaceID,
		ChannelID:   msg.ChannelID,
		AuthorID:    msg.AuthorID,
		Seq:         msg.Seq,
		Body:        msg.Body,
		CreatedAt:   msg.CreatedAt.Unix(),
	})
}

func (s *Service) publishMessage(ctx context.Context, eventType string, msg store.Message) {
	views, err := s.hydrate(ctx, []store.Message{msg})
	if err != nil {
		s.logger.Warn("hydrate message failed", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	s.publish(ctx, realtime.NewEvent(eventType, msg.WorkspaceID, msg.ChannelID, views[0]))
}

// hydrate attaches reactions and attachments to messages in one round trip each.
func (s *Service) hydrate(ctx context.Context, messages []store.Message) ([]messageView, error) {
	views := make([]messageView, 0, len(messages))
	if len(messages) == 0 {
		return views, nil
	}
	ids := make([]string, 0, len(messages))
	index := make(map[string]int, len(messages))
	for _, msg := range messages {
		index[msg.ID] = len(views)
		ids = append(ids, msg.ID)
		views = append(views, toMessageView(msg))
	}

	reactions, err := s.store.ListReactions(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, r := range reactions {
		i, ok := index[r.MessageID]
		if !ok {
			continue
		}
		views[i].Reactions = append(views[i].Reactions, reactionView{Emoji: r.Emoji, Count: r.Count, UserIDs: r.UserIDs})
	}

	atts, err := s.store.ListAttachmentsForMessages(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, a := range atts {
		i, ok := index[a.MessageID]
		if !ok {
			continue
		}
		views[i].Attachments = append(views[i].Attachments, toAttachmentView(a))
	}
	return views, nil
}

// ListMessages pages the channel timeline in ascending seq order. HasMore
// reports whether another page exists in the paging direction.
func (s *Service) ListMessages(ctx context.Context, session Session, channelID string, beforeSeq, afterSeq int64, limit int) (MessagePage, error) {
	if _, err := s.requireChannel(ctx, session.UserID, channelID, rbac.ActionChannelRead); err != nil {
		return MessagePage{}, err
	}
	return s.listMessages(ctx, store.MessageQuery{ChannelID: channelID, BeforeSeq: beforeSeq, AfterSeq: afterSeq, Limit: limit})
}

func (s *Service) listMessages(ctx context.Context, q store.MessageQuery) (MessagePage, error) {
	switch {
	case q.Limit <= 0:
		q.Limit = store.DefaultMessageLimit
	case q.Limit > store.MaxMessageLimit:
		q.Limit = store.MaxMessageLimit
	}
	want := q.Limit
	if want < store.MaxMessageLimit {
		q.Limit++
	}
	messages, err := s.store.ListMessages(ctx, q)
	if err != nil {
		return MessagePage{}, err
	}
	// At the store cap a full page is reported as possibly having more.
	hasMore := len(messages) > want || (want == store.MaxMessageLimit && len(messages) == want)
	if len(messages) > want {
		if q.BeforeSeq > 0 && q.AfterSeq == 0 {
			messages = messages[1:]
		} else {
			messages = messages[:want]
		}
	}
	views, err := s.hydrate(ctx, messages)
	if err != nil {
		return MessagePage{}, err
	}
	return MessagePage{Messages: views, HasMore: hasMore}, nil
}

// loadMessage fetches a message and checks action on its channel.
func (s *Service) loadMessage(ctx context.Context, session Session, messageID string, action rbac.Action) (store.Message, rbac.Decision, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return store.Message{}, rbac.Decision{}, err
	}
	decision, err := s.requireChannel(ctx, session.UserID, msg.ChannelID, action)
	if err != nil {
		return store.Message{}, rbac.Decision{}, err
	}
	return msg, decision, nil
}

func (s *Service) Thread(ctx context.Context, session Session, messageID string) ([]messageView, error) {
	msg, _, err := s.loadMessage(ctx, session, messageID, rbac.ActionChannelRead)
	if err != nil {
		return nil, err
	}
	rootID := msg.ID
	if msg.ParentID != "" {
		rootID = msg.ParentID
	}
	messages, err := s.store.ListThread(ctx, rootID)
	if err != nil {
		return nil, err
	}
	return s.hydrate(ctx, messages)
}

func (s *Service) EditMessage(ctx context.Context, session Session, messageID, body string) (messageView, error) {
	msg, _, err := s.loadMessage(ctx, session, messageID, rbac.ActionChannelPost)
	if err != nil {
		return messageView{}, err
	}
	if msg.AuthorID != session.UserID {
		return messageView{}, forbidden("not_author")
	}
	if msg.DeletedAt != nil {
		return messageView{}, domainError(http.StatusConflict, "INVALID_STATE", "Message was deleted", nil)
	}
	if body, err = s.cleanBody(body); err != nil {
		return messageView{}, err
	}
	updated, err := s.store.UpdateMessageBody(ctx, messageID, body)
	if err != nil {
		return messageView{}, err
	}
	views, err := s.hydrate(ctx, []store.Message{updated})
	if err != nil {
		return messageView{}, err
	}
	s.publish(ctx, realtime.NewEvent(realtime.EventMessageUpdated, updated.WorkspaceID, updated.ChannelID, views[0]))
	s.index(updated)
	return views[0], nil
}

// DeleteMessage soft-deletes a message. Authors delete their own messages;
// moderators delete anyone's.
func (s *Service) DeleteMessage(ctx context.Context, session Session, messageID string) error {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	action := rbac.ActionChannelModerate
	if msg.AuthorID == session.UserID {
		action = rbac.ActionChannelPost
	}
	if _, err := s.requireChannel(ctx, session.UserID, msg.ChannelID, action); err != nil {
		return err
	}
	if msg.DeletedAt != nil {
		return nil
	}
	deleted, err := s.store.SoftDeleteMessage(ctx, messageID)
	if err != nil {
		return err
	}
	s.publish(ctx, realtime.NewEvent(realtime.EventMessageDeleted, deleted.WorkspaceID, deleted.ChannelID, toMessageView(deleted)))
	if s.search != nil {
		s.search.DeleteMessage(messageID)
	}
	return nil
}

func (s *Service) React(ctx context.Context, session Session, messageID, emoji string, add bool) ([]reactionView, error) {
	emoji, err := cleanEmoji(emoji)
	if err != nil {
		return nil, err
	}
	msg, _, err := s.loadMessage(ctx, session, messageID, rbac.ActionChannelReact)
	if err != nil {
		return nil, err
	}
	if msg.DeletedAt != nil {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "Message was deleted", nil)
	}
	if add {
		err = s.store.AddReaction(ctx, messageID, session.UserID, emoji)
	} else {
		err = s.store.RemoveReaction(ctx, messageID, session.UserID, emoji)
	}
	if err != nil {
		return nil, err
	}

	counts, err := s.store.ListReactions(ctx, []string{messageID})
	if err != nil {
		return nil, err
	}
	reactions := make([]reactionView, 0, len(counts))
	for _, c := range counts {
		reactions = append(reactions, reactionView{Emoji: c.Emoji, Count: c.Count, UserIDs: c.UserIDs})
	}
	s.publish(ctx, realtime.NewEvent(realtime.EventReactionUpdated, msg.WorkspaceID, msg.ChannelID, reactionEvent{
		MessageID: messageID,
		ChannelID: msg.ChannelID,
		Reactions: reactions,
	}))
	return reactions, nil
}

func (s *Service) Pin(ctx context.Context, session Session, messageID string) error {
	msg, _, err := s.loadMessage(ctx, session, messageID, rbac.ActionChannelModerate)
	if err != nil {
		return err
	}
	if msg.DeletedAt != nil {
		return domainError(http.StatusConflict, "INVALID_STATE", "Message was deleted", nil)
	}
	if err := s.store.PinMessage(ctx, store.Pin{ChannelID: msg.ChannelID, MessageID: msg.ID, PinnedBy: session.UserID}); err != nil {
		return err
	}
	s.publish(ctx, realtime.NewEvent(realtime.EventChannelUpdated, msg.WorkspaceID, msg.ChannelID, map[string]string{
		"channelId": msg.ChannelID, "pinned": msg.ID,
	}))
	return nil
}

func (s *Service) Unpin(ctx context.Context, session Session, messageID string) error {
	msg, _, err := s.loadMessage(ctx, session, messageID, rbac.ActionChannelModerate)
	if err != nil {
		return err
	}
	if err := s.store.UnpinMessage(ctx, msg.ChannelID, msg.ID); err != nil {
		return err
	}
	s.publish(ctx, realtime.NewEvent(realtime.EventChannelUpdated, msg.WorkspaceID, msg.ChannelID, map[string]string{
		"channelId": msg.ChannelID, "unpinned": msg.ID,
	}))
	return nil
}

func (s *Service) ListPins(ctx context.Context, session Session, channelID string) ([]pinView, error) {
	if _, err := s.requireChannel(ctx, session.UserID, channelID, rbac.ActionChannelRead); err != nil {
		return nil, err
	}
	pins, err := s.store.ListPins(ctx, channelID)
	if err != nil {
		return nil, err
	}
	messages := make([]store.Message, 0, len(pins))
	for _, pin := range pins {
		msg, err := s.store.GetMessage(ctx, pin.MessageID)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	views, err := s.hydrate(ctx, messages)
	if err != nil {
		return nil, err
	}
	out := make([]pinView, 0, len(pins))
	for i, pin := range pins {
		out = append(out, pinView{
			ChannelID: pin.ChannelID,
			PinnedBy:  pin.PinnedBy,
			PinnedAt:  pin.PinnedAt,
			Message:   views[i],
		})
	}
	return out, nil
}

// uniqueStrings drops repeated values, keeping first occurrences in order.
func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := values[:0:0]
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
