package streamq

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/nextlevelbuilder/wecomclaw/internal/bus"
	"github.com/nextlevelbuilder/wecomclaw/pkg/protocol"
)

const streamShards = 32

type streamShard struct {
	mu      sync.RWMutex
	streams map[string]*StreamState
}

// Store owns every in-memory map behind the Bot channel. Stream slots are
// sharded by id; the conversation machine, msg-id index, ack registry and
// reply URLs each sit behind their own lock. No method holds a lock
// across an HTTP call or agent dispatch.
type Store struct {
	// Tunables; adjust before serving traffic.
	StreamTTL   time.Duration
	PendingTTL  time.Duration
	ReplyURLTTL time.Duration
	ReplyPolicy ReplyPolicy

	// OnFlush receives each batch once its debounce settles and it holds
	// the active slot. Runs off the store's locks. Set before serving.
	OnFlush func(*PendingBatch)
	// Events, when non-nil, receives operational events for the ops feed.
	Events bus.EventPublisher
	// Now is the clock hook; tests freeze it.
	Now func() time.Time

	shards [streamShards]streamShard

	convMu        sync.Mutex
	conversations map[string]*convEntry
	pendings      map[string]*PendingBatch

	msgMu    sync.RWMutex
	msgIndex map[string]string // msgID → streamID, first binding wins

	ackMu      sync.Mutex
	ackStreams map[string][]string // batchKey → ack stream ids

	replyMu sync.Mutex
	replies map[string]*ReplyState
}

// New creates an empty Store with production TTLs.
func New() *Store {
	s := &Store{
		StreamTTL:     10 * time.Minute,
		PendingTTL:    10 * time.Minute,
		ReplyURLTTL:   time.Hour,
		ReplyPolicy:   ReplyPolicyMulti,
		Now:           time.Now,
		conversations: make(map[string]*convEntry),
		pendings:      make(map[string]*PendingBatch),
		msgIndex:      make(map[string]string),
		ackStreams:    make(map[string][]string),
		replies:       make(map[string]*ReplyState),
	}
	for i := range s.shards {
		s.shards[i].streams = make(map[string]*StreamState)
	}
	return s
}

func (s *Store) shard(id string) *streamShard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &s.shards[h.Sum32()%streamShards]
}

// CreateStream registers a fresh stream slot. The id and timestamps are
// assigned here; routing fields are taken from st as given.
func (s *Store) CreateStream(st StreamState) string {
	st.ID = NewStreamID()
	now := s.Now()
	st.CreatedAt, st.UpdatedAt = now, now
	if st.MediaKeys == nil {
		st.MediaKeys = make(map[string]bool)
	}

	sh := s.shard(st.ID)
	sh.mu.Lock()
	sh.streams[st.ID] = &st
	sh.mu.Unlock()

	s.emit(protocol.EventStreamCreated, map[string]string{
		"stream_id":    st.ID,
		"conversation": st.ConversationKey,
	})
	return st.ID
}

// Get returns a copy of the stream state.
func (s *Store) Get(id string) (StreamState, bool) {
	sh := s.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	st, ok := sh.streams[id]
	if !ok {
		return StreamState{}, false
	}
	cp := *st
	cp.Images = append([]Image(nil), st.Images...)
	cp.MediaKeys = make(map[string]bool, len(st.MediaKeys))
	for k, v := range st.MediaKeys {
		cp.MediaKeys[k] = v
	}
	return cp, true
}

// Update runs fn on the live stream under its shard lock and bumps
// UpdatedAt. fn must not block. Reports whether the stream exists.
func (s *Store) Update(id string, fn func(*StreamState)) bool {
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.streams[id]
	if !ok {
		return false
	}
	fn(st)
	st.UpdatedAt = s.Now()
	return true
}

// MarkStarted flags that agent processing for the stream has begun.
func (s *Store) MarkStarted(id string) bool {
	return s.Update(id, func(st *StreamState) { st.Started = true })
}

// MarkFinished ends the stream. Finished is monotonic: nothing unsets it.
func (s *Store) MarkFinished(id string) bool {
	return s.Update(id, func(st *StreamState) { st.Finished = true })
}

// MarkError finishes the stream with an error note.
func (s *Store) MarkError(id, msg string) bool {
	return s.Update(id, func(st *StreamState) {
		st.Finished = true
		st.Err = msg
		if st.FallbackMode == FallbackNone {
			st.FallbackMode = FallbackError
		}
	})
}

// AppendContent grows the visible stream text, keeping the most recent
// StreamMaxBytes. Finished streams are frozen; SetContent is the explicit
// escape used by fallback prompts.
func (s *Store) AppendContent(id, text string) bool {
	return s.Update(id, func(st *StreamState) {
		if st.Finished {
			return
		}
		st.Content = appendBounded(st.Content, text, StreamMaxBytes)
	})
}

// SetContent overwrites the visible text even on a finished stream. Used
// for fallback prompts and ack-stream completion hints.
func (s *Store) SetContent(id, text string) bool {
	return s.Update(id, func(st *StreamState) { st.Content = text })
}

// AppendDM accumulates text for the Application DM fallback, independent
// of the visible-content cap.
func (s *Store) AppendDM(id, text string) bool {
	return s.Update(id, func(st *StreamState) {
		st.DMContent = appendBounded(st.DMContent, text, DMMaxBytes)
	})
}

// AddImage appends an image frame for the final msg_item push.
func (s *Store) AddImage(id string, img Image) bool {
	return s.Update(id, func(st *StreamState) { st.Images = append(st.Images, img) })
}

// MarkMediaKey records a forwarded media identifier. Reports true when
// the key is new — the caller should send exactly then.
func (s *Store) MarkMediaKey(id, key string) bool {
	fresh := false
	ok := s.Update(id, func(st *StreamState) {
		if st.MediaKeys[key] {
			return
		}
		st.MediaKeys[key] = true
		fresh = true
	})
	return ok && fresh
}

// BindMsgID maps an EP message id to the stream answering it. The first
// binding wins so platform retries keep observing the original stream.
func (s *Store) BindMsgID(msgID, streamID string) {
	if msgID == "" {
		return
	}
	s.msgMu.Lock()
	defer s.msgMu.Unlock()
	if _, ok := s.msgIndex[msgID]; ok {
		return
	}
	s.msgIndex[msgID] = streamID
}

// LookupMsgID returns the stream bound to msgID, if any.
func (s *Store) LookupMsgID(msgID string) (string, bool) {
	s.msgMu.RLock()
	defer s.msgMu.RUnlock()
	id, ok := s.msgIndex[msgID]
	return id, ok
}

// AddAckStream registers an ack stream against the batch that swallowed
// its message. The driver drains these at batch completion.
func (s *Store) AddAckStream(batchKey, streamID string) {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	s.ackStreams[batchKey] = append(s.ackStreams[batchKey], streamID)
}

// TakeAckStreams drains and returns the ack streams for a batch.
func (s *Store) TakeAckStreams(batchKey string) []string {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	ids := s.ackStreams[batchKey]
	delete(s.ackStreams, batchKey)
	return ids
}

// CountActive returns the number of unfinished stream slots. Ops gauge.
func (s *Store) CountActive() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, st := range sh.streams {
			if !st.Finished {
				n++
			}
		}
		sh.mu.RUnlock()
	}
	return n
}

func (s *Store) emit(name string, payload any) {
	if s.Events != nil {
		s.Events.Broadcast(bus.Event{Name: name, Payload: payload})
	}
}
