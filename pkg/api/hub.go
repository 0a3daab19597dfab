// Copyright 2025 Exonum Core Contributors

package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/exonumcore/exonum/pkg/schema"
)

// CommitEvent is what subscribe_block_commit delivers after each commit
// (spec §6): the block header and the precommit set that certified it.
type CommitEvent struct {
	Block      *schema.Block        `json:"block"`
	Precommits []*schema.Precommit `json:"precommits"`
}

// Hub fans out commit events to every currently subscribed HTTP client.
// A subscriber that falls behind is dropped rather than allowed to
// backpressure the commit path — the API is a best-effort observer, not
// a participant in consensus (spec §5 "read-only observers ... never
// block consensus").
type Hub struct {
	mu          sync.Mutex
	subscribers map[chan CommitEvent]struct{}
	log         *logrus.Entry
}

// NewHub builds an empty Hub.
func NewHub(log *logrus.Entry) *Hub {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Hub{subscribers: make(map[chan CommitEvent]struct{}), log: log.WithField("component", "api.hub")}
}

// Publish is wired as the consensus engine's onCommit callback.
func (h *Hub) Publish(block *schema.Block, precommits []*schema.Precommit) {
	ev := CommitEvent{Block: block, Precommits: precommits}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
			h.log.Warn("subscriber channel full, dropping commit event")
		}
	}
}

func (h *Hub) subscribe() chan CommitEvent {
	ch := make(chan CommitEvent, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan CommitEvent) {
	h.mu.Lock()
	delete(h.subscribers, ch)
	h.mu.Unlock()
	close(ch)
}

// handleSubscribeBlocks streams CommitEvents as server-sent events until
// the client disconnects.
func (s *Server) handleSubscribeBlocks(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeJSONError(w, "subscriptions not available", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ch := s.hub.subscribe()
	defer s.hub.unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			w.Write([]byte("data: "))
			w.Write(data)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
