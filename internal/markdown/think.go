package markdown

import (
	"fmt"
	"strings"
)

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

func thinkToken(i int) string {
	return fmt.Sprintf("\x00think:%d\x00", i)
}

// ShieldThink replaces every <think>…</think> span in s with an opaque
// token and returns the shielded text plus a restore function. Run table
// conversion on the shielded text, then restore: the converter never sees
// (and never mangles) chain-of-thought content that happens to contain
// pipes. An unterminated <think> shields through to the end of the text.
func ShieldThink(s string) (string, func(string) string) {
	if !strings.Contains(s, thinkOpen) {
		return s, func(t string) string { return t }
	}

	var spans []string
	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, thinkOpen)
		if start < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])

		var span string
		if end := strings.Index(rest[start:], thinkClose); end >= 0 {
			span = rest[start : start+end+len(thinkClose)]
			rest = rest[start+end+len(thinkClose):]
		} else {
			span = rest[start:]
			rest = ""
		}
		b.WriteString(thinkToken(len(spans)))
		spans = append(spans, span)
	}

	restore := func(t string) string {
		for i, span := range spans {
			t = strings.Replace(t, thinkToken(i), span, 1)
		}
		return t
	}
	return b.String(), restore
}
