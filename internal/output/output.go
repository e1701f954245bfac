// Package output renders operator-facing listings as tables, JSON, or
// Markdown.
package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/nocloudhq/cloudbridge/internal/ratelimit"
	"github.com/nocloudhq/cloudbridge/internal/store"
)

// Format represents an output format.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// WindowList is a snapshot of the live rate limit windows.
type WindowList struct {
	Enabled bool                    `json:"enabled"`
	Limit   int                     `json:"limit,omitempty"`
	Windows []ratelimit.WindowState `json:"windows"`
}

// Formatter renders listings.
type Formatter interface {
	FormatViolations(violations []store.Violation) (string, error)
	FormatWindows(list WindowList) (string, error)
	FormatUploads(uploads []store.SignedUpload) (string, error)
}

// ParseFormat validates and normalizes a format string.
func ParseFormat(value string) (Format, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "", string(FormatTable):
		return FormatTable, nil
	case string(FormatJSON):
		return FormatJSON, nil
	case string(FormatMarkdown), "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", value)
	}
}

// NewFormatter returns a formatter for the requested format.
func NewFormatter(format Format) Formatter {
	switch format {
	case FormatJSON:
		return &JSONFormatter{Indent: true}
	case FormatMarkdown:
		return &MarkdownFormatter{}
	default:
		return &TableFormatter{}
	}
}

func violationRows(violations []store.Violation) [][]string {
	rows := make([][]string, 0, len(violations))
	for _, v := range violations {
		rows = append(rows, []string{
			v.Key,
			v.Endpoint,
			fmt.Sprint(v.Count),
			formatTime(v.FirstSeenAt),
			formatTime(v.LastSeenAt),
		})
	}
	return rows
}

func windowRows(list WindowList) [][]string {
	rows := make([][]string, 0, len(list.Windows))
	for _, w := range list.Windows {
		used := fmt.Sprint(w.Count)
		if list.Limit > 0 {
			used = fmt.Sprintf("%d/%d", w.Count, list.Limit)
		}
		rows = append(rows, []string{w.Key, used, formatTime(w.StartedAt), formatTime(w.ExpiresAt)})
	}
	return rows
}

func uploadRows(uploads []store.SignedUpload) [][]string {
	rows := make([][]string, 0, len(uploads))
	for _, u := range uploads {
		rows = append(rows, []string{
			u.MediaID,
			u.Player,
			u.ContentType,
			formatBytes(u.Size),
			formatTime(u.IssuedAt),
			formatTime(u.ExpiresAt),
		})
	}
	return rows
}

var (
	violationHeader = []string{"Key", "Last Endpoint", "Count", "First Seen", "Last Seen"}
	windowHeader    = []string{"Key", "Used", "Started", "Expires"}
	uploadHeader    = []string{"Media ID", "Player", "Content Type", "Size", "Issued", "Expires"}
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
