package streamq

import (
	"context"
	"log/slog"
	"time"
)

// PruneInterval is how often the background pruner sweeps.
const PruneInterval = time.Minute

// StartPruner sweeps expired state until ctx is cancelled. Each sweep
// holds one lock at a time so pruning never stalls webhook admission.
func (s *Store) StartPruner(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(PruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.PruneOnce()
			}
		}
	}()
}

// PruneOnce removes streams idle past StreamTTL, reply URLs past
// ReplyURLTTL, pending batches past PendingTTL, dangling msg-id mappings,
// orphaned ack registrations, and conversation entries whose batches are
// all gone.
func (s *Store) PruneOnce() {
	now := s.Now()
	var streams, replies, pendings, msgs, convs int

	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for id, st := range sh.streams {
			if now.Sub(st.UpdatedAt) > s.StreamTTL {
				delete(sh.streams, id)
				streams++
			}
		}
		sh.mu.Unlock()
	}

	// Live-stream snapshot for the dangling-reference sweeps below.
	live := make(map[string]bool)
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for id := range sh.streams {
			live[id] = true
		}
		sh.mu.RUnlock()
	}

	s.replyMu.Lock()
	for id, r := range s.replies {
		if now.Sub(r.CreatedAt) > s.ReplyURLTTL {
			delete(s.replies, id)
			replies++
		}
	}
	s.replyMu.Unlock()

	// Expired pendings are discarded; conversation slots referencing them
	// are repaired so the queue cannot wedge.
	var flush []*PendingBatch
	s.convMu.Lock()
	for key, p := range s.pendings {
		if now.Sub(p.CreatedAt) <= s.PendingTTL {
			continue
		}
		s.removePendingLocked(p)
		pendings++

		entry := s.conversations[p.ConversationKey]
		if entry == nil {
			continue
		}
		switch key {
		case entry.queuedBatchKey:
			entry.queuedBatchKey, entry.queuedStreamID = "", ""
		case entry.activeBatchKey:
			if entry.queuedBatchKey == "" {
				delete(s.conversations, p.ConversationKey)
				convs++
				break
			}
			entry.activeBatchKey, entry.activeStreamID = entry.queuedBatchKey, entry.queuedStreamID
			entry.queuedBatchKey, entry.queuedStreamID = "", ""
			if q := s.pendings[entry.activeBatchKey]; q != nil && q.ReadyToFlush {
				s.removePendingLocked(q)
				flush = append(flush, q)
			}
		}
	}
	for key, entry := range s.conversations {
		if entry.queuedBatchKey != "" {
			continue
		}
		if _, ok := s.pendings[entry.activeBatchKey]; ok {
			continue
		}
		if live[entry.activeStreamID] {
			continue
		}
		delete(s.conversations, key)
		convs++
	}
	s.convMu.Unlock()

	s.msgMu.Lock()
	for msgID, streamID := range s.msgIndex {
		if !live[streamID] {
			delete(s.msgIndex, msgID)
			msgs++
		}
	}
	s.msgMu.Unlock()

	s.ackMu.Lock()
	for batchKey, ids := range s.ackStreams {
		kept := ids[:0]
		for _, id := range ids {
			if live[id] {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(s.ackStreams, batchKey)
		} else {
			s.ackStreams[batchKey] = kept
		}
	}
	s.ackMu.Unlock()

	for _, p := range flush {
		go s.dispatch(p)
	}

	if streams+replies+pendings+msgs+convs > 0 {
		slog.Debug("pruned expired state",
			"streams", streams,
			"reply_urls", replies,
			"pending_batches", pendings,
			"msg_ids", msgs,
			"conversations", convs)
	}
}
