package export

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"huddle/api/internal/store"
)

type fakeSource struct {
	channel  store.Channel
	messages []store.Message
	queries  []store.MessageQuery
}

func (f *fakeSource) GetChannel(_ context.Context, id string) (store.Channel, error) {
	if id != f.channel.ID {
		return store.Channel{}, store.ErrNotFound
	}
	return f.channel, nil
}

func (f *fakeSource) GetWorkspace(context.Context, string) (store.Workspace, error) {
	return store.Workspace{ID: "ws_1", Name: "Acme", Slug: "acme"}, nil
}

// ListMessages mimics the store: the page closest to BeforeSeq, ascending.
func (f *fakeSource) ListMessages(_ context.Context, q store.MessageQuery) ([]store.Message, error) {
	f.queries = append(f.queries, q)
	var matched []store.Message
	for _, msg := range f.messages {
		if q.BeforeSeq > 0 && msg.Seq >= q.BeforeSeq {
			continue
		}
		matched = append(matched, msg)
	}
	if len(matched) > q.Limit {
		matched = matched[len(matched)-q.Limit:]
	}
	return matched, nil
}

func seedMessages(n int) []store.Message {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	messages := make([]store.Message, n)
	for i := range messages {
		messages[i] = store.Message{
			ID:         "msg",
			Seq:        int64(i + 1),
			AuthorName: "Avery",
			Body:       "hello",
			CreatedAt:  base.Add(time.Duration(i) * time.Hour),
		}
	}
	return messages
}

func TestExportHTMLGroupsByDay(t *testing.T) {
	messages := seedMessages(30)
	edited := time.Now()
	messages[1].EditedAt = &edited
	messages[2].DeletedAt = &edited
	messages[2].Body = ""
	messages[3].ParentID = messages[0].ID
	messages[4].Body = "<script>alert(1)</script>"

	src := &fakeSource{channel: store.Channel{ID: "ch_1", WorkspaceID: "ws_1", Name: "general", Topic: "Daily chatter", LastSeq: 30}, messages: messages}
	svc := NewService(src)

	result, err := svc.Export(context.Background(), Request{ChannelID: "ch_1", Format: FormatHTML})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	html := string(result.Data)
	if result.Filename != "acme-general.html" || !strings.HasPrefix(result.MimeType, "text/html") {
		t.Fatalf("unexpected result metadata %+v", result)
	}
	for _, want := range []string{"#general", "Acme", "Daily chatter", "(edited)", "This message was deleted.", `class="msg reply"`, "Sunday, March 1, 2026", "Monday, March 2, 2026"} {
		if !strings.Contains(html, want) {
			t.Errorf("transcript missing %q", want)
		}
	}
	if strings.Contains(html, "<script>alert(1)</script>") {
		t.Error("message bodies must be escaped")
	}
	if result.Truncated {
		t.Error("small transcript should not be truncated")
	}
}

func TestExportTruncatesKeepingNewest(t *testing.T) {
	total := MaxMessages + 150
	src := &fakeSource{channel: store.Channel{ID: "ch_1", WorkspaceID: "ws_1", Name: "general", LastSeq: int64(total)}, messages: seedMessages(total)}
	svc := NewService(src)

	days, truncated, err := svc.collect(context.Background(), src.channel, Request{ChannelID: "ch_1"})
	if err != nil {
		t.Fatalf("collect() error = %v", err)
	}
	if !truncated {
		t.Fatal("expected truncation")
	}
	if len(days) != MaxMessages {
		t.Fatalf("expected %d messages, got %d", MaxMessages, len(days))
	}
	if days[len(days)-1].Seq != int64(total) || days[0].Seq != int64(total-MaxMessages+1) {
		t.Fatalf("expected newest window, got %d..%d", days[0].Seq, days[len(days)-1].Seq)
	}
	if src.queries[0].BeforeSeq != int64(total+1) {
		t.Fatalf("first page should start at the channel head, got %d", src.queries[0].BeforeSeq)
	}
}

func TestExportPDFUsesRenderer(t *testing.T) {
	src := &fakeSource{channel: store.Channel{ID: "ch_1", WorkspaceID: "ws_1", Name: "general", LastSeq: 1}, messages: seedMessages(1)}
	svc := NewService(src)
	svc.renderPDF = func(_ context.Context, html string) ([]byte, error) {
		if !strings.Contains(html, "#general") {
			t.Errorf("renderer received unexpected html")
		}
		return []byte("%PDF-1.7"), nil
	}

	result, err := svc.Export(context.Background(), Request{ChannelID: "ch_1", Format: FormatPDF})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if result.MimeType != "application/pdf" || result.Filename != "acme-general.pdf" {
		t.Fatalf("unexpected result %+v", result)
	}

	svc.renderPDF = func(context.Context, string) ([]byte, error) {
		return nil, ErrPDFDependencyMissing
	}
	if _, err := svc.Export(context.Background(), Request{ChannelID: "ch_1", Format: FormatPDF}); !errors.Is(err, ErrPDFDependencyMissing) {
		t.Fatalf("expected ErrPDFDependencyMissing, got %v", err)
	}
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	if _, err := ParseFormat("docx"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatHTML {
		t.Fatalf("empty format should default to html, got %q %v", f, err)
	}
	svc := NewService(&fakeSource{})
	if _, err := svc.Export(context.Background(), Request{ChannelID: "ch_1", Format: "docx"}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"acme general", "acme-general"},
		{"acme-release_v1.2", "acme-release_v12"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "transcript"},
		{strings.Repeat("a", 60), strings.Repeat("a", 50)},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := sanitizeFilename(tt.input); got != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello world", "hello%20world"},
		{"test+sign", "test%2Bsign"},
		{"special<>", "special%3C%3E"},
		{"normal-text.txt", "normal-text.txt"},
		{"é", "%C3%A9"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := percentEncodeForDataURL(tt.input); got != tt.expected {
				t.Errorf("percentEncodeForDataURL(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}
