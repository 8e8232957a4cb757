package bus

import (
	"log/slog"
	"sync"

	"github.com/cwrk-planet/chat-service/internal/logger"
)

// Hub is the process-local topic registry every backend delivers through.
type Hub struct {
	mu     sync.RWMutex
	topics map[Topic]*topicSubs

	log *slog.Logger
}

type topicSubs struct {
	// held for a whole broadcast so payloads reach each subscriber in
	// publish order
	deliverMu sync.Mutex
	subs      map[Subscriber]struct{}
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{topics: make(map[Topic]*topicSubs), log: log}
}

// Add registers sub and reports whether it is the first local subscriber of
// the topic.
func (h *Hub) Add(topic Topic, sub Subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	ts, ok := h.topics[topic]
	if !ok {
		ts = &topicSubs{subs: make(map[Subscriber]struct{})}
		h.topics[topic] = ts
	}
	ts.subs[sub] = struct{}{}
	return !ok
}

// Remove unregisters sub and reports whether the topic has no local
// subscribers left. Removing an unknown subscriber is a no-op.
func (h *Hub) Remove(topic Topic, sub Subscriber) (last bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ts, ok := h.topics[topic]
	if !ok {
		return false
	}
	if _, ok := ts.subs[sub]; !ok {
		return false
	}
	delete(ts.subs, sub)
	if len(ts.subs) == 0 {
		delete(h.topics, topic)
		return true
	}
	return false
}

// Broadcast delivers payload to a snapshot of the topic's subscribers and
// returns how many accepted it.
func (h *Hub) Broadcast(topic Topic, payload []byte) int {
	h.mu.RLock()
	ts, ok := h.topics[topic]
	h.mu.RUnlock()
	if !ok {
		return 0
	}

	// h.mu is not held while delivering: a subscriber may unsubscribe
	// itself from inside Deliver.
	ts.deliverMu.Lock()
	defer ts.deliverMu.Unlock()

	h.mu.RLock()
	snapshot := make([]Subscriber, 0, len(ts.subs))
	for s := range ts.subs {
		snapshot = append(snapshot, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range snapshot {
		if err := s.Deliver(payload); err != nil {
			h.log.Debug("bus delivery dropped", "topic", topic, logger.Err(err))
			continue
		}
		delivered++
	}
	return delivered
}

func (h *Hub) Subscribers(topic Topic) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if ts, ok := h.topics[topic]; ok {
		return len(ts.subs)
	}
	return 0
}

func (h *Hub) Topics() []Topic {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Topic, 0, len(h.topics))
	for t := range h.topics {
		out = append(out, t)
	}
	return out
}
