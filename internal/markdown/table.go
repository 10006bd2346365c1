// Package markdown rewrites model output for chat surfaces that render
// plain text: GFM pipe tables get converted or flattened, and think-tag
// spans are shielded from the converters.
package markdown

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// Table handling modes. WeCom bot streams don't render pipe tables, so the
// default converts them to aligned text; "strip" flattens each row into
// "header: value" lines, which reads better on narrow mobile screens.
const (
	TableModeKeep  = "keep"
	TableModeText  = "text"
	TableModeStrip = "strip"
)

// ConvertTables rewrites every GFM pipe table in s according to mode.
// Unknown modes behave like TableModeText. Non-table lines pass through
// untouched.
func ConvertTables(s, mode string) string {
	if mode == TableModeKeep || !strings.Contains(s, "|") {
		return s
	}
	render := renderAligned
	if mode == TableModeStrip {
		render = renderFlattened
	}

	lines := strings.Split(s, "\n")
	var out []string
	for i := 0; i < len(lines); {
		if i+1 < len(lines) && looksLikeRow(lines[i]) && isSeparatorRow(lines[i+1]) {
			rows := [][]string{parseRow(lines[i])}
			j := i + 2
			for j < len(lines) && looksLikeRow(lines[j]) {
				rows = append(rows, parseRow(lines[j]))
				j++
			}
			out = append(out, render(rows)...)
			i = j
			continue
		}
		out = append(out, lines[i])
		i++
	}
	return strings.Join(out, "\n")
}

func looksLikeRow(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "|") || strings.Count(t, "|") >= 2
}

// isSeparatorRow matches the |---|:---:| delimiter line under a header.
func isSeparatorRow(line string) bool {
	t := strings.TrimSpace(line)
	if !strings.Contains(t, "-") || !strings.Contains(t, "|") {
		return false
	}
	for _, r := range t {
		switch r {
		case '|', '-', ':', ' ', '\t':
		default:
			return false
		}
	}
	return true
}

// parseRow splits a pipe-table line into trimmed cells, honoring \| escapes.
func parseRow(line string) []string {
	t := strings.TrimSpace(line)
	t = strings.TrimPrefix(t, "|")
	t = strings.TrimSuffix(t, "|")

	const escaped = "\x00pipe\x00"
	t = strings.ReplaceAll(t, `\|`, escaped)
	parts := strings.Split(t, "|")
	cells := make([]string, len(parts))
	for i, p := range parts {
		cells[i] = strings.TrimSpace(strings.ReplaceAll(p, escaped, "|"))
	}
	return cells
}

// renderAligned pads columns to a common display width. Widths come from
// runewidth so CJK cells line up with ASCII ones.
func renderAligned(rows [][]string) []string {
	widths := columnWidths(rows)

	var out []string
	for i, row := range rows {
		var parts []string
		for j, w := range widths {
			cell := ""
			if j < len(row) {
				cell = row[j]
			}
			parts = append(parts, cell+strings.Repeat(" ", w-runewidth.StringWidth(cell)))
		}
		out = append(out, strings.TrimRight(strings.Join(parts, "  "), " "))
		if i == 0 {
			var dashes []string
			for _, w := range widths {
				dashes = append(dashes, strings.Repeat("-", w))
			}
			out = append(out, strings.Join(dashes, "  "))
		}
	}
	return out
}

// renderFlattened emits "header: value" lines per data row, blank-line
// separated. A header-only table degrades to its cells joined by pipes.
func renderFlattened(rows [][]string) []string {
	header := rows[0]
	if len(rows) == 1 {
		return []string{strings.Join(header, " | ")}
	}
	var out []string
	for i, row := range rows[1:] {
		if i > 0 {
			out = append(out, "")
		}
		for j, cell := range row {
			if cell == "" {
				continue
			}
			name := ""
			if j < len(header) {
				name = header[j]
			}
			if name == "" {
				out = append(out, cell)
			} else {
				out = append(out, name+": "+cell)
			}
		}
	}
	return out
}

func columnWidths(rows [][]string) []int {
	cols := 0
	for _, row := range rows {
		if len(row) > cols {
			cols = len(row)
		}
	}
	widths := make([]int, cols)
	for _, row := range rows {
		for j, cell := range row {
			if w := runewidth.StringWidth(cell); w > widths[j] {
				widths[j] = w
			}
		}
	}
	return widths
}
