package search

import "context"

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Result is a single message hit returned to the caller.
type Result struct {
	MessageID   string `json:"messageId"`
	ChannelID   string `json:"channelId"`
	WorkspaceID string `json:"workspaceId"`
	AuthorID    string `json:"authorId"`
	Seq         int64  `json:"seq"`
	Snippet     string `json:"snippet"`
	CreatedAt   int64  `json:"createdAt"`
}

// Query describes a search request. ChannelIDs is the set of channels the caller
// may read; an empty set matches nothing.
type Query struct {
	Text        string
	WorkspaceID string
	ChannelIDs  []string
	Limit       int
	Offset      int
}

func (q Query) normalizedLimit() int {
	switch {
	case q.Limit <= 0:
		return DefaultLimit
	case q.Limit > MaxLimit:
		return MaxLimit
	default:
		return q.Limit
	}
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

type Indexer interface {
	IndexMessages(records []MessageRecord) error
	DeleteMessage(id string) error
}

// MessageRecord is the document pushed into the search index.
type MessageRecord struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	ChannelID   string `json:"channelId"`
	AuthorID    string `json:"authorId"`
	Seq         int64  `json:"seq"`
	Body        string `json:"body"`
	CreatedAt   int64  `json:"createdAt"`
}
