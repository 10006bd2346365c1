package streamq

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/wecomclaw/pkg/protocol"
)

// AdmitStatus tells the webhook handler which placeholder to answer with.
type AdmitStatus string

const (
	AdmitActiveNew    AdmitStatus = "active_new"
	AdmitActiveMerged AdmitStatus = "active_merged"
	AdmitQueuedNew    AdmitStatus = "queued_new"
	AdmitQueuedMerged AdmitStatus = "queued_merged"
)

// Admission is the outcome of queueing one inbound message.
type Admission struct {
	StreamID string
	BatchKey string
	Status   AdmitStatus
}

// Merged reports whether the message was folded into an existing batch.
func (a Admission) Merged() bool {
	return a.Status == AdmitActiveMerged || a.Status == AdmitQueuedMerged
}

// PendingBatch is one debounced group of inbound messages awaiting flush.
// Target and Msg are opaque to the store; the flush handler knows their
// concrete types.
type PendingBatch struct {
	BatchKey        string
	ConversationKey string
	StreamID        string
	Target          any
	Msg             any // first message of the batch
	Contents        []string
	MsgIDs          []string
	CreatedAt       time.Time
	ReadyToFlush    bool

	timer *time.Timer
}

// convEntry tracks one conversation's active batch and its single queued
// follow-up slot. Later arrivals merge into the queued batch instead of
// growing a real queue.
type convEntry struct {
	activeBatchKey string
	activeStreamID string
	queuedBatchKey string
	queuedStreamID string
	nextSeq        int
}

// AdmitRequest carries one inbound message plus the routing fields a
// newly allocated stream slot records.
type AdmitRequest struct {
	ConversationKey string
	Target          any
	Msg             any
	Content         string
	MsgID           string
	Debounce        time.Duration

	UserID   string
	ChatType string
	ChatID   string
	AgentID  string
	TaskKey  string
}

// Admit queues one inbound message. Outcomes:
//
//   - no conversation entry → new active batch, new stream (active_new)
//   - active batch is a promoted follow-up whose stream hasn't started →
//     merge into it (active_merged)
//   - a queued follow-up exists → merge into it (queued_merged)
//   - otherwise → new queued follow-up batch, new stream (queued_new)
//
// The initial batch never absorbs follow-ups: its placeholder answer is
// already committed to the platform, and merging would fold two user
// intents into one reply.
func (s *Store) Admit(req AdmitRequest) Admission {
	s.convMu.Lock()
	defer s.convMu.Unlock()

	entry := s.conversations[req.ConversationKey]
	if entry == nil {
		streamID := s.newBatchStream(req, req.ConversationKey)
		s.startPending(req, req.ConversationKey, streamID)
		s.conversations[req.ConversationKey] = &convEntry{
			activeBatchKey: req.ConversationKey,
			activeStreamID: streamID,
			nextSeq:        1,
		}
		return Admission{StreamID: streamID, BatchKey: req.ConversationKey, Status: AdmitActiveNew}
	}

	if entry.activeBatchKey != req.ConversationKey {
		if p := s.pendings[entry.activeBatchKey]; p != nil && !s.streamStarted(p.StreamID) {
			s.mergeInto(p, req)
			return Admission{StreamID: p.StreamID, BatchKey: p.BatchKey, Status: AdmitActiveMerged}
		}
	}

	if entry.queuedBatchKey != "" {
		if p := s.pendings[entry.queuedBatchKey]; p != nil {
			s.mergeInto(p, req)
			return Admission{StreamID: p.StreamID, BatchKey: p.BatchKey, Status: AdmitQueuedMerged}
		}
		// The queued pending fell to the TTL pruner; requeue below.
		entry.queuedBatchKey, entry.queuedStreamID = "", ""
	}

	batchKey := fmt.Sprintf("%s#q%d", req.ConversationKey, entry.nextSeq)
	entry.nextSeq++
	streamID := s.newBatchStream(req, batchKey)
	s.startPending(req, batchKey, streamID)
	entry.queuedBatchKey, entry.queuedStreamID = batchKey, streamID
	return Admission{StreamID: streamID, BatchKey: batchKey, Status: AdmitQueuedNew}
}

func (s *Store) newBatchStream(req AdmitRequest, batchKey string) string {
	return s.CreateStream(StreamState{
		MsgID:           req.MsgID,
		ConversationKey: req.ConversationKey,
		BatchKey:        batchKey,
		UserID:          req.UserID,
		ChatType:        req.ChatType,
		ChatID:          req.ChatID,
		AgentID:         req.AgentID,
		TaskKey:         req.TaskKey,
	})
}

// startPending registers a new pending batch and arms its debounce.
// Caller holds convMu.
func (s *Store) startPending(req AdmitRequest, batchKey, streamID string) {
	p := &PendingBatch{
		BatchKey:        batchKey,
		ConversationKey: req.ConversationKey,
		StreamID:        streamID,
		Target:          req.Target,
		Msg:             req.Msg,
		Contents:        []string{req.Content},
		CreatedAt:       s.Now(),
	}
	if req.MsgID != "" {
		p.MsgIDs = []string{req.MsgID}
	}
	p.timer = time.AfterFunc(req.Debounce, func() { s.RequestFlush(batchKey) })
	s.pendings[batchKey] = p
}

// mergeInto folds req into an existing pending and re-arms the debounce
// with the newcomer's window. Caller holds convMu.
func (s *Store) mergeInto(p *PendingBatch, req AdmitRequest) {
	p.Contents = append(p.Contents, req.Content)
	if req.MsgID != "" {
		p.MsgIDs = append(p.MsgIDs, req.MsgID)
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	batchKey := p.BatchKey
	p.timer = time.AfterFunc(req.Debounce, func() { s.RequestFlush(batchKey) })
}

func (s *Store) streamStarted(id string) bool {
	st, ok := s.Get(id)
	return ok && st.Started
}

// RequestFlush fires when a batch's debounce settles. The active batch
// flushes immediately; a queued batch is marked ready and flushes when
// the active one finishes. Flush is one-shot.
func (s *Store) RequestFlush(batchKey string) {
	s.convMu.Lock()
	p := s.pendings[batchKey]
	if p == nil {
		s.convMu.Unlock()
		return
	}
	entry := s.conversations[p.ConversationKey]
	if entry == nil || entry.activeBatchKey != batchKey {
		p.ReadyToFlush = true
		s.convMu.Unlock()
		return
	}
	s.removePendingLocked(p)
	s.convMu.Unlock()

	s.dispatch(p)
}

// PendingCount returns the number of batches still debouncing or queued.
// Ops gauge.
func (s *Store) PendingCount() int {
	s.convMu.Lock()
	defer s.convMu.Unlock()
	return len(s.pendings)
}

// removePendingLocked deletes the pending and disarms its timer, making
// the flush one-shot. Caller holds convMu.
func (s *Store) removePendingLocked(p *PendingBatch) {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	delete(s.pendings, p.BatchKey)
}

func (s *Store) dispatch(p *PendingBatch) {
	s.emit(protocol.EventBatchFlushed, map[string]any{
		"batch_key": p.BatchKey,
		"stream_id": p.StreamID,
		"messages":  len(p.Contents),
	})
	if s.OnFlush != nil {
		s.OnFlush(p)
	}
}

// OnStreamFinished advances the conversation queue after a batch's agent
// run completes. With nothing queued the conversation entry is dropped so
// the next message starts fresh; otherwise the queued batch is promoted
// and, if its debounce already settled, flushed right away. Promotion
// leaves a still-pending debounce timer untouched.
func (s *Store) OnStreamFinished(streamID string) {
	st, ok := s.Get(streamID)
	if !ok {
		return
	}

	s.convMu.Lock()
	entry := s.conversations[st.ConversationKey]
	if entry == nil || entry.activeBatchKey != st.BatchKey {
		s.convMu.Unlock()
		return
	}
	if entry.queuedBatchKey == "" {
		delete(s.conversations, st.ConversationKey)
		s.convMu.Unlock()
		s.emit(protocol.EventStreamFinished, map[string]string{"stream_id": streamID})
		return
	}

	promoted := entry.queuedBatchKey
	entry.activeBatchKey, entry.activeStreamID = promoted, entry.queuedStreamID
	entry.queuedBatchKey, entry.queuedStreamID = "", ""

	var flush *PendingBatch
	if p := s.pendings[promoted]; p != nil && p.ReadyToFlush {
		s.removePendingLocked(p)
		flush = p
	}
	s.convMu.Unlock()

	slog.Info("queued batch promoted",
		"conversation", st.ConversationKey,
		"batch", promoted,
		"flush_now", flush != nil)
	s.emit(protocol.EventStreamFinished, map[string]string{"stream_id": streamID})
	s.emit(protocol.EventQueuePromoted, map[string]string{
		"conversation": st.ConversationKey,
		"batch_key":    promoted,
	})

	if flush != nil {
		go s.dispatch(flush)
	}
}
