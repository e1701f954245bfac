package output

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/nocloudhq/cloudbridge/internal/store"
)

// TableFormatter renders results as an ASCII table.
type TableFormatter struct{}

func (f *TableFormatter) FormatViolations(violations []store.Violation) (string, error) {
	if len(violations) == 0 {
		return "(no recorded rate limit violations)", nil
	}
	total := 0
	for _, v := range violations {
		total += v.Count
	}
	footer := fmt.Sprintf("%d key(s), %d rejection(s)", len(violations), total)
	return renderTable(violationHeader, violationRows(violations), footer), nil
}

func (f *TableFormatter) FormatWindows(list WindowList) (string, error) {
	if !list.Enabled {
		return "(rate limiting is disabled)", nil
	}
	if len(list.Windows) == 0 {
		return "(no open rate limit windows)", nil
	}
	return renderTable(windowHeader, windowRows(list), fmt.Sprintf("%d open window(s)", len(list.Windows))), nil
}

func (f *TableFormatter) FormatUploads(uploads []store.SignedUpload) (string, error) {
	if len(uploads) == 0 {
		return "(no signed uploads issued)", nil
	}
	return renderTable(uploadHeader, uploadRows(uploads), fmt.Sprintf("%d upload(s)", len(uploads))), nil
}

func renderTable(header []string, rows [][]string, footer string) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(toRow(header))
	for _, row := range rows {
		t.AppendRow(toRow(row))
	}
	if footer != "" {
		foot := make(table.Row, len(header))
		for i := range foot {
			foot[i] = ""
		}
		foot[len(foot)-1] = footer
		t.AppendFooter(foot)
	}
	return t.Render()
}

func toRow(cells []string) table.Row {
	row := make(table.Row, len(cells))
	for i, c := range cells {
		row[i] = c
	}
	return row
}
