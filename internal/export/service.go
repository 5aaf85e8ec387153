package export

import (
	"context"
	"fmt"
	"time"

	"huddle/api/internal/store"
)

// Source reads the channel and its timeline.
type Source interface {
	GetChannel(ctx context.Context, channelID string) (store.Channel, error)
	GetWorkspace(ctx context.Context, workspaceID string) (store.Workspace, error)
	ListMessages(ctx context.Context, q store.MessageQuery) ([]store.Message, error)
}

type Service struct {
	source    Source
	renderPDF func(ctx context.Context, html string) ([]byte, error)
	now       func() time.Time
}

func NewService(source Source) *Service {
	return &Service{source: source, renderPDF: renderPDF, now: time.Now}
}

// PDFAvailable reports whether a Chromium binary was found on PATH.
func (s *Service) PDFAvailable() bool {
	return chromiumAvailable()
}

func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	if req.Format != FormatHTML && req.Format != FormatPDF {
		return nil, ErrUnsupportedFormat
	}
	channel, err := s.source.GetChannel(ctx, req.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}
	workspace, err := s.source.GetWorkspace(ctx, channel.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}

	messages, truncated, err := s.collect(ctx, channel, req)
	if err != nil {
		return nil, err
	}

	data := TranscriptData{
		WorkspaceName: workspace.Name,
		ChannelName:   channel.Name,
		Topic:         channel.Topic,
		GeneratedAt:   s.now(),
		From:          req.From,
		To:            req.To,
		Days:          groupByDay(messages),
		Truncated:     truncated,
	}
	html, err := RenderTranscriptHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	base := sanitizeFilename(workspace.Slug + "-" + channel.Name)
	if req.Format == FormatHTML {
		return &Result{Data: []byte(html), Filename: base + ".html", MimeType: "text/html; charset=utf-8", Truncated: truncated}, nil
	}
	pdf, err := s.renderPDF(ctx, html)
	if err != nil {
		return nil, err
	}
	return &Result{Data: pdf, Filename: base + ".pdf", MimeType: "application/pdf", Truncated: truncated}, nil
}

// collect pages backwards from the channel head so a truncated transcript
// keeps the most recent history.
func (s *Service) collect(ctx context.Context, channel store.Channel, req Request) ([]store.Message, bool, error) {
	var pages [][]store.Message
	total := 0
	truncated := false
	before := channel.LastSeq + 1
	for {
		page, err := s.source.ListMessages(ctx, store.MessageQuery{
			ChannelID: channel.ID,
			BeforeSeq: before,
			From:      req.From,
			To:        req.To,
			Limit:     store.MaxMessageLimit,
		})
		if err != nil {
			return nil, false, fmt.Errorf("list messages: %w", err)
		}
		if len(page) == 0 {
			break
		}
		pages = append(pages, page)
		total += len(page)
		if len(page) < store.MaxMessageLimit || page[0].Seq <= 1 {
			break
		}
		if total >= MaxMessages {
			truncated = true
			break
		}
		before = page[0].Seq
	}

	messages := make([]store.Message, 0, total)
	for i := len(pages) - 1; i >= 0; i-- {
		messages = append(messages, pages[i]...)
	}
	return messages, truncated, nil
}

func groupByDay(messages []store.Message) []TranscriptDay {
	var days []TranscriptDay
	for _, msg := range messages {
		created := msg.CreatedAt.UTC()
		day := time.Date(created.Year(), created.Month(), created.Day(), 0, 0, 0, 0, time.UTC)
		if len(days) == 0 || !days[len(days)-1].Date.Equal(day) {
			days = append(days, TranscriptDay{Date: day})
		}
		last := &days[len(days)-1]
		last.Messages = append(last.Messages, TranscriptMessage{
			Seq:       msg.Seq,
			Author:    msg.AuthorName,
			Body:      msg.Body,
			IsReply:   msg.ParentID != "",
			Edited:    msg.EditedAt != nil,
			Deleted:   msg.DeletedAt != nil,
			CreatedAt: msg.CreatedAt,
		})
	}
	return days
}
