package output

import (
	"strings"

	"github.com/nocloudhq/cloudbridge/internal/store"
)

// MarkdownFormatter renders results as a markdown table.
type MarkdownFormatter struct{}

func (f *MarkdownFormatter) FormatViolations(violations []store.Violation) (string, error) {
	return renderMarkdown("Rate limit violations", violationHeader, violationRows(violations)), nil
}

func (f *MarkdownFormatter) FormatWindows(list WindowList) (string, error) {
	title := "Rate limit windows"
	if !list.Enabled {
		title += " (disabled)"
	}
	return renderMarkdown(title, windowHeader, windowRows(list)), nil
}

func (f *MarkdownFormatter) FormatUploads(uploads []store.SignedUpload) (string, error) {
	return renderMarkdown("Signed uploads", uploadHeader, uploadRows(uploads)), nil
}

func renderMarkdown(title string, header []string, rows [][]string) string {
	var sb strings.Builder
	sb.WriteString("## " + escapeMarkdownCell(title) + "\n\n")
	writeMarkdownRow(&sb, header)

	sep := make([]string, len(header))
	for i := range sep {
		sep[i] = "---"
	}
	writeMarkdownRow(&sb, sep)

	for _, row := range rows {
		writeMarkdownRow(&sb, row)
	}
	if len(rows) == 0 {
		sb.WriteString("\n_none_\n")
	}
	return sb.String()
}

func writeMarkdownRow(sb *strings.Builder, cells []string) {
	escaped := make([]string, len(cells))
	for i, c := range cells {
		escaped[i] = escapeMarkdownCell(c)
	}
	sb.WriteString("| " + strings.Join(escaped, " | ") + " |\n")
}

func escapeMarkdownCell(value string) string {
	return strings.ReplaceAll(value, "|", "\\|")
}
