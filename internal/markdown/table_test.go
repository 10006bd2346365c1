package markdown

import (
	"strings"
	"testing"
)

func TestConvertTablesText(t *testing.T) {
	in := strings.Join([]string{
		"before",
		"| Name | Score |",
		"|------|-------|",
		"| foo  | 1     |",
		"| barbaz | 22  |",
		"after",
	}, "\n")

	got := ConvertTables(in, TableModeText)
	if strings.Contains(got, "|") {
		t.Errorf("pipes survived conversion:\n%s", got)
	}
	lines := strings.Split(got, "\n")
	if lines[0] != "before" || lines[len(lines)-1] != "after" {
		t.Errorf("surrounding text disturbed:\n%s", got)
	}
	// Header and rows align on column boundaries.
	if !strings.Contains(got, "Name    Score") {
		t.Errorf("header not padded to widest cell:\n%s", got)
	}
	if !strings.Contains(got, "barbaz  22") {
		t.Errorf("widest row mangled:\n%s", got)
	}
}

func TestConvertTablesCJKWidths(t *testing.T) {
	in := strings.Join([]string{
		"| 名称 | 值 |",
		"|------|----|",
		"| 数据库 | ok |",
		"| db   | 良好 |",
	}, "\n")

	got := ConvertTables(in, TableModeText)
	lines := strings.Split(got, "\n")
	if len(lines) != 4 {
		t.Fatalf("lines = %d, want 4 (header, dashes, 2 rows):\n%s", len(lines), got)
	}
	// 数据库 displays at width 6, so "db" must be padded with 4 spaces to
	// put the second column at the same screen offset.
	if !strings.HasPrefix(lines[3], "db    ") {
		t.Errorf("ASCII cell not padded to CJK display width: %q", lines[3])
	}
}

func TestConvertTablesStrip(t *testing.T) {
	in := strings.Join([]string{
		"| Field | Value |",
		"|-------|-------|",
		"| host  | db-1  |",
		"| port  | 5432  |",
	}, "\n")

	got := ConvertTables(in, TableModeStrip)
	want := "Field: host\nValue: db-1\n\nField: port\nValue: 5432"
	if got != want {
		t.Errorf("strip mode:\ngot:\n%s\nwant:\n%s", got, want)
	}
}

func TestConvertTablesKeep(t *testing.T) {
	in := "| a | b |\n|---|---|\n| 1 | 2 |"
	if got := ConvertTables(in, TableModeKeep); got != in {
		t.Errorf("keep mode altered input:\n%s", got)
	}
}

func TestConvertTablesIgnoresNonTables(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"lone pipes", "a | b\nno separator here"},
		{"code with pipes", "x = a | b\ny = c | d"},
		{"plain text", "nothing to see"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ConvertTables(tt.in, TableModeText); got != tt.in {
				t.Errorf("non-table rewritten:\ngot:  %q\nwant: %q", got, tt.in)
			}
		})
	}
}

func TestConvertTablesEscapedPipe(t *testing.T) {
	in := "| cmd | desc |\n|-----|------|\n| a \\| b | or |"
	got := ConvertTables(in, TableModeStrip)
	if !strings.Contains(got, "cmd: a | b") {
		t.Errorf("escaped pipe lost: %q", got)
	}
}

func TestShieldThink(t *testing.T) {
	in := "<think>| not | a | table |</think>\n| a | b |\n|---|---|\n| 1 | 2 |"
	shielded, restore := ShieldThink(in)
	if strings.Contains(shielded, "not") {
		t.Fatalf("think span visible after shield: %q", shielded)
	}

	converted := ConvertTables(shielded, TableModeText)
	got := restore(converted)
	if !strings.Contains(got, "<think>| not | a | table |</think>") {
		t.Errorf("think span not restored verbatim:\n%s", got)
	}
	if strings.Contains(got, "| a | b |") {
		t.Errorf("table outside think span not converted:\n%s", got)
	}
}

func TestShieldThinkUnterminated(t *testing.T) {
	in := "prefix <think>trailing reasoning"
	shielded, restore := ShieldThink(in)
	if strings.Contains(shielded, "trailing") {
		t.Fatalf("unterminated span leaked: %q", shielded)
	}
	if got := restore(shielded); got != in {
		t.Errorf("roundtrip = %q, want %q", got, in)
	}
}

func TestShieldThinkMultipleSpans(t *testing.T) {
	in := "a<think>1</think>b<think>2</think>c"
	shielded, restore := ShieldThink(in)
	if strings.Contains(shielded, "1") || strings.Contains(shielded, "2") {
		t.Fatalf("spans leaked: %q", shielded)
	}
	if got := restore(shielded); got != in {
		t.Errorf("roundtrip = %q, want %q", got, in)
	}
}
