package signaling

import (
	"sync"
)

// EventAnswer is the only event kind published on a session topic.
const EventAnswer = "answer"

const subscriptionBuffer = 8

// Event is pushed to every subscriber of a session topic.
type Event struct {
	Type    string       `json:"event"`
	Payload EventPayload `json:"payload"`
}

// EventPayload carries the answer payload of an EventAnswer.
type EventPayload struct {
	Answer string `json:"answer"`
}

// Hub fans out session events to in-process subscribers.
type Hub struct {
	mu     sync.Mutex
	topics map[string]map[*Subscription]struct{}
}

// Subscription receives events for one session until closed.
type Subscription struct {
	C <-chan Event

	ch        chan Event
	hub       *Hub
	sessionID string
	closeOnce sync.Once
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers interest in events for sessionID.
func (h *Hub) Subscribe(sessionID string) *Subscription {
	ch := make(chan Event, subscriptionBuffer)
	sub := &Subscription{C: ch, ch: ch, hub: h, sessionID: sessionID}

	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[sessionID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.topics[sessionID] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

// Publish delivers event to every current subscriber of sessionID without
// blocking. A subscriber with a full buffer misses the event and is expected
// to recover it by polling the stored record. It returns the delivery count.
func (h *Hub) Publish(sessionID string, event Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for sub := range h.topics[sessionID] {
		select {
		case sub.ch <- event:
			delivered++
		default:
		}
	}
	return delivered
}

// Subscribers returns the number of open subscriptions across all sessions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, subs := range h.topics {
		n += len(subs)
	}
	return n
}

// Close unregisters the subscription and closes C.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		h := s.hub
		h.mu.Lock()
		defer h.mu.Unlock()
		if subs, ok := h.topics[s.sessionID]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(h.topics, s.sessionID)
			}
		}
		close(s.ch)
	})
}
