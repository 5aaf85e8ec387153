package app

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"huddle/api/internal/attachments"
	"huddle/api/internal/canvas"
	"huddle/api/internal/export"
	"huddle/api/internal/rbac"
	"huddle/api/internal/realtime"
	"huddle/api/internal/search"
	"huddle/api/internal/store"
	"huddle/api/internal/util"
)

const maxCanvasHistory = 100

type UploadInput struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

type attachmentURLView struct {
	attachmentView
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Service) UploadAttachment(ctx context.Context, session Session, channelID string, input UploadInput) (attachmentView, error) {
	if s.objects == nil {
		return attachmentView{}, domainError(http.StatusServiceUnavailable, "ATTACHMENTS_UNAVAILABLE", "File uploads are not configured", nil)
	}
	if _, err := s.requireChannel(ctx, session.UserID, channelID, rbac.ActionChannelPost); err != nil {
		return attachmentView{}, err
	}
	if input.Size <= 0 {
		return attachmentView{}, validationError("file is empty")
	}
	if input.Size > attachments.MaxUploadBytes {
		return attachmentView{}, domainError(http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "File exceeds the 25 MiB limit", nil)
	}
	ch, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return attachmentView{}, err
	}

	contentType := strings.TrimSpace(input.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	att := store.Attachment{
		ID:          util.NewID("att"),
		WorkspaceID: ch.WorkspaceID,
		ChannelID:   channelID,
		Filename:    attachments.SanitizeFilename(input.Filename),
		ContentType: contentType,
		Size:        input.Size,
		UploadedBy:  session.UserID,
		CreatedAt:   s.now(),
	}
	att.ObjectKey = attachments.ObjectKey(ch.WorkspaceID, channelID, att.ID, att.Filename)

	if err := s.objects.Put(ctx, att.ObjectKey, input.Body, input.Size, contentType); err != nil {
		return attachmentView{}, err
	}
	if err := s.store.InsertAttachment(ctx, att); err != nil {
		if removeErr := s.objects.Remove(ctx, att.ObjectKey); removeErr != nil {
			s.logger.Warn("remove orphaned object failed", zap.String("key", att.ObjectKey), zap.Error(removeErr))
		}
		return attachmentView{}, err
	}
	return toAttachmentView(att), nil
}

// AttachmentURL returns a short-lived download link for an attachment.
func (s *Service) AttachmentURL(ctx context.Context, session Session, attachmentID string) (attachmentURLView, error) {
	if s.objects == nil {
		return attachmentURLView{}, domainError(http.StatusServiceUnavailable, "ATTACHMENTS_UNAVAILABLE", "File uploads are not configured", nil)
	}
	att, err := s.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		return attachmentURLView{}, err
	}
	if _, err := s.requireChannel(ctx, session.UserID, att.ChannelID, rbac.ActionChannelRead); err != nil {
		return attachmentURLView{}, err
	}
	// Unlinked uploads are private to the uploader.
	if att.MessageID == "" && att.UploadedBy != session.UserID {
		return attachmentURLView{}, notFoundError("Attachment")
	}
	url, err := s.objects.PresignGet(ctx, att.ObjectKey, att.Filename, attachments.DownloadURLTTL)
	if err != nil {
		return attachmentURLView{}, err
	}
	return attachmentURLView{
		attachmentView: toAttachmentView(att),
		URL:            url,
		ExpiresAt:      s.now().Add(attachments.DownloadURLTTL),
	}, nil
}

type SearchInput struct {
	Text      string
	ChannelID string
	Limit     int
	Offset    int
}

// Search runs a message search over the channels the caller may read.
func (s *Service) Search(ctx context.Context, session Session, workspaceID string, input SearchInput) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
	}
	text := strings.TrimSpace(input.Text)
	if text == "" {
		return search.Response{}, validationError("q is required")
	}
	readable, err := s.readableChannelIDs(ctx, session, workspaceID)
	if err != nil {
		return search.Response{}, err
	}
	if input.ChannelID != "" {
		allowed := false
		for _, id := range readable {
			if id == input.ChannelID {
				allowed = true
				break
			}
		}
		if !allowed {
			return search.Response{}, forbidden(rbac.ReasonNotChannelMember)
		}
		readable = []string{input.ChannelID}
	}
	return s.search.Search(ctx, search.Query{
		Text:        text,
		WorkspaceID: workspaceID,
		ChannelIDs:  readable,
		Limit:       input.Limit,
		Offset:      input.Offset,
	}), nil
}

func (s *Service) readableChannelIDs(ctx context.Context, session Session, workspaceID string) ([]string, error) {
	channels, err := s.ListChannels(ctx, session, workspaceID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(channels))
	for _, ch := range channels {
		ids = append(ids, ch.ID)
	}
	return ids, nil
}

func (s *Service) requireCanvas() error {
	if s.canvas == nil {
		return domainError(http.StatusServiceUnavailable, "CANVAS_UNAVAILABLE", "Canvas storage is not configured", nil)
	}
	return nil
}

func (s *Service) GetCanvas(ctx context.Context, session Session, channelID string) (canvas.Canvas, error) {
	if err := s.requireCanvas(); err != nil {
		return canvas.Canvas{}, err
	}
	if _, err := s.requireChannel(ctx, session.UserID, channelID, rbac.ActionChannelRead); err != nil {
		return canvas.Canvas{}, err
	}
	return s.canvas.Get(channelID)
}

// SaveCanvas commits a new revision. Saving an unchanged body is a no-op and
// reports changed=false.
func (s *Service) SaveCanvas(ctx context.Context, session Session, channelID, body, message string) (canvas.Canvas, bool, error) {
	if err := s.requireCanvas(); err != nil {
		return canvas.Canvas{}, false, err
	}
	if _, err := s.requireChannel(ctx, session.UserID, channelID, rbac.ActionChannelPost); err != nil {
		return canvas.Canvas{}, false, err
	}
	current, changed, err := s.canvas.Save(channelID, body, canvas.Author{ID: session.UserID, Name: session.UserName}, strings.TrimSpace(message))
	if err != nil {
		return canvas.Canvas{}, false, err
	}
	if changed {
		if ch, err := s.store.GetChannel(ctx, channelID); err == nil {
			s.publishCanvas(ctx, ch, current)
		}
	}
	return current, changed, nil
}

func (s *Service) CanvasHistory(ctx context.Context, session Session, channelID string, limit int) ([]canvas.Revision, error) {
	if err := s.requireCanvas(); err != nil {
		return nil, err
	}
	if _, err := s.requireChannel(ctx, session.UserID, channelID, rbac.ActionChannelRead); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxCanvasHistory {
		limit = maxCanvasHistory
	}
	return s.canvas.History(channelID, limit)
}

func (s *Service) CanvasRevision(ctx context.Context, session Session, channelID, hash string) (canvas.Canvas, error) {
	if err := s.requireCanvas(); err != nil {
		return canvas.Canvas{}, err
	}
	if _, err := s.requireChannel(ctx, session.UserID, channelID, rbac.ActionChannelRead); err != nil {
		return canvas.Canvas{}, err
	}
	return s.canvas.At(channelID, hash)
}

func (s *Service) publishCanvas(ctx context.Context, ch store.Channel, current canvas.Canvas) {
	s.publish(ctx, realtime.NewEvent(realtime.EventChannelUpdated, ch.WorkspaceID, ch.ID, map[string]any{
		"channelId": ch.ID,
		"canvas":    current.Revision,
	}))
}

func (s *Service) removeCanvas(channelID string) {
	if s.canvas == nil {
		return
	}
	if err := s.canvas.Remove(channelID); err != nil {
		s.logger.Warn("remove canvas failed", zap.String("channel_id", channelID), zap.Error(err))
	}
}

type ExportInput struct {
	Format string
	From   *time.Time
	To     *time.Time
}

// Export renders a channel transcript. Only channel admins may export.
func (s *Service) Export(ctx context.Context, session Session, channelID string, input ExportInput) (*export.Result, error) {
	format, err := export.ParseFormat(input.Format)
	if err != nil {
		return nil, err
	}
	if input.From != nil && input.To != nil && !input.From.Before(*input.To) {
		return nil, validationError("from must be before to")
	}
	if _, err := s.requireChannel(ctx, session.UserID, channelID, rbac.ActionChannelManage); err != nil {
		return nil, err
	}
	result, err := s.exporter.Export(ctx, export.Request{ChannelID: channelID, Format: format, From: input.From, To: input.To})
	if err != nil {
		return nil, err
	}
	s.logger.Info("channel exported",
		zap.String("channel_id", channelID),
		zap.String("format", string(format)),
		zap.Bool("truncated", result.Truncated),
	)
	return result, nil
}
