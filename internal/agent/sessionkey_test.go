package agent

import "testing"

func TestBuildSessionKey(t *testing.T) {
	tests := []struct {
		agentID string
		kind    PeerKind
		peerID  string
		want    string
	}{
		{"default", PeerDirect, "zhangsan", "agent:default:wecom:direct:zhangsan"},
		{"ops", PeerGroup, "wrOgQhDgAA", "agent:ops:wecom:group:wrOgQhDgAA"},
	}
	for _, tt := range tests {
		if got := BuildSessionKey(tt.agentID, tt.kind, tt.peerID); got != tt.want {
			t.Errorf("BuildSessionKey(%q, %q, %q) = %q, want %q",
				tt.agentID, tt.kind, tt.peerID, got, tt.want)
		}
	}
}

func TestParseSessionKey(t *testing.T) {
	tests := []struct {
		key       string
		wantAgent string
		wantRest  string
	}{
		{"agent:ops:wecom:direct:u1", "ops", "wecom:direct:u1"},
		{"agent:default:wecom:group:wr1", "default", "wecom:group:wr1"},
		{"bogus", "", ""},
		{"agent:x", "", ""},
		{"session:ops:wecom:direct:u1", "", ""},
	}
	for _, tt := range tests {
		agentID, rest := ParseSessionKey(tt.key)
		if agentID != tt.wantAgent || rest != tt.wantRest {
			t.Errorf("ParseSessionKey(%q) = (%q, %q), want (%q, %q)",
				tt.key, agentID, rest, tt.wantAgent, tt.wantRest)
		}
	}
}

func TestPeerKindFromChatType(t *testing.T) {
	if got := PeerKindFromChatType("group"); got != PeerGroup {
		t.Errorf("group = %q, want %q", got, PeerGroup)
	}
	if got := PeerKindFromChatType("single"); got != PeerDirect {
		t.Errorf("single = %q, want %q", got, PeerDirect)
	}
	if got := PeerKindFromChatType(""); got != PeerDirect {
		t.Errorf("empty = %q, want %q", got, PeerDirect)
	}
}
