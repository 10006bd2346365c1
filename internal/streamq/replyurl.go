package streamq

import (
	"errors"
	"time"
)

// Reply-URL reuse policies. Production runs multi: the same passive URL
// carries the interim fallback prompt and the final image frame.
type ReplyPolicy string

const (
	ReplyPolicyMulti ReplyPolicy = "multi"
	ReplyPolicyOnce  ReplyPolicy = "once"
)

var (
	ErrNoReplyURL   = errors.New("no reply url stored for stream")
	ErrReplyURLUsed = errors.New("reply url already used")
)

// ReplyState is one stored passive-reply URL.
type ReplyState struct {
	ResponseURL string
	ProxyURL    string
	CreatedAt   time.Time
	UsedAt      time.Time
	LastError   string
}

// PutReplyURL stores the passive-reply URL the platform attached to an
// inbound message. Empty URLs are ignored.
func (s *Store) PutReplyURL(streamID, responseURL, proxyURL string) {
	if responseURL == "" {
		return
	}
	s.replyMu.Lock()
	defer s.replyMu.Unlock()
	s.replies[streamID] = &ReplyState{
		ResponseURL: responseURL,
		ProxyURL:    proxyURL,
		CreatedAt:   s.Now(),
	}
}

// GetReplyURL returns a copy of the stored reply state.
func (s *Store) GetReplyURL(streamID string) (ReplyState, bool) {
	s.replyMu.Lock()
	defer s.replyMu.Unlock()
	r, ok := s.replies[streamID]
	if !ok {
		return ReplyState{}, false
	}
	return *r, true
}

// UseReplyURL runs f with the stored URL. Under the once policy a URL is
// spent by its first use, successful or not. f runs without any store
// lock held; its error is recorded as LastError and returned.
func (s *Store) UseReplyURL(streamID string, f func(ReplyState) error) error {
	s.replyMu.Lock()
	r, ok := s.replies[streamID]
	if !ok {
		s.replyMu.Unlock()
		return ErrNoReplyURL
	}
	if s.ReplyPolicy == ReplyPolicyOnce && !r.UsedAt.IsZero() {
		s.replyMu.Unlock()
		return ErrReplyURLUsed
	}
	r.UsedAt = s.Now()
	snapshot := *r
	s.replyMu.Unlock()

	err := f(snapshot)
	if err != nil {
		s.replyMu.Lock()
		if live, ok := s.replies[streamID]; ok {
			live.LastError = err.Error()
		}
		s.replyMu.Unlock()
	}
	return err
}
