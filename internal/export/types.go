// Package export renders channel transcripts as HTML or PDF.
package export

import (
	"errors"
	"time"
)

type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// MaxMessages bounds one transcript; older history is cut off first.
const MaxMessages = 10000

type Request struct {
	ChannelID string
	Format    Format
	From      *time.Time
	To        *time.Time
}

type Result struct {
	Data      []byte
	Filename  string
	MimeType  string
	Truncated bool
}

var (
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrPDFDependencyMissing indicates no Chromium binary is available for PDF export.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)

func ParseFormat(value string) (Format, error) {
	switch Format(value) {
	case "", FormatHTML:
		return FormatHTML, nil
	case FormatPDF:
		return FormatPDF, nil
	default:
		return "", ErrUnsupportedFormat
	}
}
