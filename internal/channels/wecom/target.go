package wecom

import "strings"

// TargetKind classifies an outbound recipient.
type TargetKind string

const (
	TargetUser  TargetKind = "user"
	TargetParty TargetKind = "party"
	TargetTag   TargetKind = "tag"
	TargetChat  TargetKind = "chat"
)

// Target is a resolved outbound recipient.
type Target struct {
	Kind TargetKind
	ID   string
}

func (t Target) String() string { return string(t.Kind) + ":" + t.ID }

// Platform aliases callers may prepend to a recipient; resolution strips
// them before classifying.
var platformPrefixes = map[string]bool{
	"application": true,
	"platform":    true,
	"ep":          true,
	"wecom":       true,
	"qywx":        true,
}

// ResolveTarget classifies a raw recipient string into exactly one target
// kind. Explicit kind prefixes win; otherwise the id shape decides: WeCom
// chat ids start with "wr"/"wc", department ids are numeric, anything else
// is a user id.
func ResolveTarget(raw string) Target {
	s := strings.TrimSpace(raw)
	for {
		i := strings.Index(s, ":")
		if i <= 0 {
			break
		}
		if !platformPrefixes[strings.ToLower(strings.TrimSpace(s[:i]))] {
			break
		}
		s = strings.TrimSpace(s[i+1:])
	}

	if i := strings.Index(s, ":"); i > 0 {
		head := strings.ToLower(strings.TrimSpace(s[:i]))
		rest := strings.TrimSpace(s[i+1:])
		switch head {
		case "party", "dept":
			return Target{TargetParty, rest}
		case "tag":
			return Target{TargetTag, rest}
		case "group", "chat":
			return Target{TargetChat, rest}
		case "user":
			return Target{TargetUser, rest}
		}
	}

	switch {
	case strings.HasPrefix(s, "wr"), strings.HasPrefix(s, "wc"):
		return Target{TargetChat, s}
	case isAllDigits(s):
		return Target{TargetParty, s}
	default:
		return Target{TargetUser, s}
	}
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
