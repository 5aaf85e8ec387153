package export

import (
	"bytes"
	"html/template"
	"strings"
	"time"
)

var transcriptTemplate = template.Must(template.New("transcript").Funcs(template.FuncMap{
	"formatTime": func(t time.Time) string {
		return t.UTC().Format("15:04")
	},
	"formatDay": func(t time.Time) string {
		return t.UTC().Format("Monday, January 2, 2006")
	},
	"paragraphs": func(body string) []string {
		return strings.Split(body, "\n")
	},
}).Parse(transcriptHTML))

// TranscriptData is the view model for one exported channel.
type TranscriptData struct {
	WorkspaceName string
	ChannelName   string
	Topic         string
	GeneratedAt   time.Time
	From          *time.Time
	To            *time.Time
	Days          []TranscriptDay
	Truncated     bool
}

type TranscriptDay struct {
	Date     time.Time
	Messages []TranscriptMessage
}

type TranscriptMessage struct {
	Seq       int64
	Author    string
	Body      string
	IsReply   bool
	Edited    bool
	Deleted   bool
	CreatedAt time.Time
}

func RenderTranscriptHTML(data TranscriptData) (string, error) {
	var buf bytes.Buffer
	if err := transcriptTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const transcriptHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>#{{.ChannelName}} - {{.WorkspaceName}}</title>
  <style>
    body { font-family: -apple-system, "Segoe UI", Arial, sans-serif; line-height: 1.5; max-width: 820px; margin: 2rem auto; color: #1d1c1d; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; margin-bottom: 0.25rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .day { margin: 1.5rem 0 0.5rem; font-weight: 600; border-bottom: 1px solid #ddd; }
    .msg { margin: 0.4rem 0; }
    .msg.reply { margin-left: 2rem; border-left: 3px solid #ddd; padding-left: 0.75rem; }
    .author { font-weight: 600; }
    .time, .edited { color: #888; font-size: 0.8em; }
    .deleted { color: #999; font-style: italic; }
    p { margin: 0; }
  </style>
</head>
<body>
  <h1>#{{.ChannelName}}</h1>
  <div class="meta">
    {{.WorkspaceName}}{{if .Topic}} | {{.Topic}}{{end}}<br>
    Exported {{.GeneratedAt.UTC.Format "Jan 2, 2006 15:04 MST"}}{{if .From}} | from {{.From.UTC.Format "Jan 2, 2006"}}{{end}}{{if .To}} | to {{.To.UTC.Format "Jan 2, 2006"}}{{end}}
    {{if .Truncated}}<br>Transcript truncated to the most recent messages.{{end}}
  </div>
  {{range .Days}}
  <div class="day">{{formatDay .Date}}</div>
  {{range .Messages}}
  <div class="msg{{if .IsReply}} reply{{end}}" id="m{{.Seq}}">
    <span class="author">{{.Author}}</span> <span class="time">{{formatTime .CreatedAt}}</span>{{if .Edited}} <span class="edited">(edited)</span>{{end}}
    {{if .Deleted}}<p class="deleted">This message was deleted.</p>{{else}}{{range paragraphs .Body}}<p>{{.}}</p>{{end}}{{end}}
  </div>
  {{end}}
  {{else}}
  <p>No messages in this range.</p>
  {{end}}
</body>
</html>`
