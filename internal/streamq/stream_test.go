package streamq

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestAppendBounded(t *testing.T) {
	tests := []struct {
		name string
		s    string
		add  string
		max  int
		want string
	}{
		{"under cap", "ab", "cd", 10, "abcd"},
		{"exact cap", "ab", "cd", 4, "abcd"},
		{"keeps most recent", "abcdef", "ghij", 4, "ghij"},
		{"cut lands mid-rune", "x", "汉字", 4, "字"}, // 3-byte runes; 4-byte cut advances past the split
		{"all multibyte", "", strings.Repeat("汉", 5), 7, "汉汉"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := appendBounded(tt.s, tt.add, tt.max)
			if got != tt.want {
				t.Errorf("appendBounded(%q, %q, %d) = %q, want %q", tt.s, tt.add, tt.max, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("result %q is not valid UTF-8", got)
			}
			if len(got) > tt.max {
				t.Errorf("result %d bytes exceeds cap %d", len(got), tt.max)
			}
		})
	}
}

func TestVisibleContentCapKeepsMostRecent(t *testing.T) {
	s, _ := newTestStore(t)
	id := s.CreateStream(StreamState{ConversationKey: "conv", BatchKey: "conv"})

	head := strings.Repeat("a", StreamMaxBytes)
	s.AppendContent(id, head)
	s.AppendContent(id, "汉字tail")

	st, ok := s.Get(id)
	if !ok {
		t.Fatal("stream missing")
	}
	if len(st.Content) > StreamMaxBytes {
		t.Errorf("content %d bytes exceeds cap", len(st.Content))
	}
	if !strings.HasSuffix(st.Content, "汉字tail") {
		t.Error("most recent text lost at cap")
	}
	if !utf8.ValidString(st.Content) {
		t.Error("content not valid UTF-8 after truncation")
	}
}

func TestDMContentOutlivesVisibleCap(t *testing.T) {
	s, _ := newTestStore(t)
	id := s.CreateStream(StreamState{ConversationKey: "conv", BatchKey: "conv"})

	chunk := strings.Repeat("b", 10<<10)
	for i := 0; i < 3; i++ { // 30 KiB total
		s.AppendContent(id, chunk)
		s.AppendDM(id, chunk)
	}

	st, _ := s.Get(id)
	if len(st.Content) != StreamMaxBytes {
		t.Errorf("visible content = %d bytes, want capped at %d", len(st.Content), StreamMaxBytes)
	}
	if len(st.DMContent) != 30<<10 {
		t.Errorf("dm content = %d bytes, want the full 30 KiB", len(st.DMContent))
	}
}

func TestFinishedFreezesAppendsButNotSetContent(t *testing.T) {
	s, _ := newTestStore(t)
	id := s.CreateStream(StreamState{ConversationKey: "conv", BatchKey: "conv"})

	s.AppendContent(id, "before")
	s.MarkFinished(id)
	s.AppendContent(id, " after")

	st, _ := s.Get(id)
	if st.Content != "before" {
		t.Errorf("content = %q, want appends frozen after finish", st.Content)
	}
	if !st.Finished {
		t.Error("finished flag lost")
	}

	s.SetContent(id, "fallback prompt")
	st, _ = s.Get(id)
	if st.Content != "fallback prompt" {
		t.Errorf("content = %q, want explicit write to land", st.Content)
	}
	if !st.Finished {
		t.Error("finished is not monotonic")
	}
}

func TestMarkMediaKeyDeduplicates(t *testing.T) {
	s, _ := newTestStore(t)
	id := s.CreateStream(StreamState{ConversationKey: "conv", BatchKey: "conv"})

	if !s.MarkMediaKey(id, "/tmp/report.pdf") {
		t.Error("first sighting should report fresh")
	}
	if s.MarkMediaKey(id, "/tmp/report.pdf") {
		t.Error("second sighting should report already sent")
	}
	if !s.MarkMediaKey(id, "/tmp/other.pdf") {
		t.Error("distinct key treated as duplicate")
	}
}

func TestMarkErrorSetsFallback(t *testing.T) {
	s, _ := newTestStore(t)
	id := s.CreateStream(StreamState{ConversationKey: "conv", BatchKey: "conv"})

	s.MarkError(id, "dispatch failed")
	st, _ := s.Get(id)
	if !st.Finished || st.Err != "dispatch failed" {
		t.Errorf("state = finished:%v err:%q", st.Finished, st.Err)
	}
	if st.FallbackMode != FallbackError {
		t.Errorf("fallback = %q, want error", st.FallbackMode)
	}

	// An earlier fallback mode is preserved.
	id2 := s.CreateStream(StreamState{ConversationKey: "conv", BatchKey: "conv"})
	s.Update(id2, func(st *StreamState) { st.FallbackMode = FallbackTimeout })
	s.MarkError(id2, "late failure")
	st2, _ := s.Get(id2)
	if st2.FallbackMode != FallbackTimeout {
		t.Errorf("fallback overwritten: %q", st2.FallbackMode)
	}
}

func TestGetReturnsCopies(t *testing.T) {
	s, _ := newTestStore(t)
	id := s.CreateStream(StreamState{ConversationKey: "conv", BatchKey: "conv"})
	s.AddImage(id, Image{Base64: "AAA", MD5: "m1"})

	snap, _ := s.Get(id)
	snap.Images[0].MD5 = "tampered"
	snap.MediaKeys["x"] = true

	st, _ := s.Get(id)
	if st.Images[0].MD5 != "m1" {
		t.Error("snapshot mutation leaked into the store")
	}
	if st.MediaKeys["x"] {
		t.Error("snapshot map shared with the store")
	}
}

func TestNewStreamID(t *testing.T) {
	a, b := NewStreamID(), NewStreamID()
	if len(a) != 32 || strings.Contains(a, "-") {
		t.Errorf("stream id %q, want 32 hex chars", a)
	}
	if a == b {
		t.Error("ids collide")
	}
}
