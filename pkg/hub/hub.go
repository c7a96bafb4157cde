package hub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/astromechza/textsync/pkg/coordinator"
	"github.com/astromechza/textsync/pkg/presence"
)

const DefaultBuffer = 256

// Event is one thing a subscriber hears about a document: either an accepted change or the new presence list.
type Event struct {
	DocumentID string
	Change     *coordinator.Change
	Presence   []presence.Presence
}

// Subscriber is the receiving side of one connection. Events arrive in publish order per document.
type Subscriber struct {
	ID     string
	events chan Event
	done   chan struct{}
	once   sync.Once
}

func (s *Subscriber) Events() <-chan Event {
	return s.events
}

// Done is closed once the subscriber has been dropped for falling behind.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

func (s *Subscriber) drop() {
	s.once.Do(func() { close(s.done) })
}

// Hub fans changes out to the subscribers of each document. Publishing never blocks: a subscriber whose buffer is
// full is dropped, and its connection is expected to close so the client resyncs on reconnect.
type Hub struct {
	buffer int
	logger *slog.Logger

	mu   sync.RWMutex
	docs map[string]map[string]*Subscriber
}

func New(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{buffer: buffer, logger: logger, docs: make(map[string]map[string]*Subscriber)}
}

func (h *Hub) NewSubscriber(id string) *Subscriber {
	return &Subscriber{ID: id, events: make(chan Event, h.buffer), done: make(chan struct{})}
}

func (h *Hub) Subscribe(documentID string, s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.docs[documentID]
	if !ok {
		subs = make(map[string]*Subscriber)
		h.docs[documentID] = subs
	}
	subs[s.ID] = s
}

func (h *Hub) Unsubscribe(documentID string, s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(documentID, s.ID)
}

func (h *Hub) unsubscribeLocked(documentID, id string) {
	subs, ok := h.docs[documentID]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(h.docs, documentID)
	}
}

// Remove unsubscribes s from every document and returns those documents.
func (h *Hub) Remove(s *Subscriber) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for documentID, subs := range h.docs {
		if _, ok := subs[s.ID]; ok {
			out = append(out, documentID)
			h.unsubscribeLocked(documentID, s.ID)
		}
	}
	return out
}

func (h *Hub) Subscribers(documentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.docs[documentID])
}

// Publish delivers change to every subscriber of its document except the connection it came from.
func (h *Hub) Publish(_ context.Context, change coordinator.Change) error {
	h.dispatch(Event{DocumentID: change.DocumentID, Change: &change}, change.Origin)
	return nil
}

// PublishPresence delivers the presence list of a document to all of its subscribers.
func (h *Hub) PublishPresence(documentID string, users []presence.Presence) {
	h.dispatch(Event{DocumentID: documentID, Presence: users}, "")
}

func (h *Hub) dispatch(ev Event, skip string) {
	var slow []*Subscriber
	h.mu.RLock()
	for id, s := range h.docs[ev.DocumentID] {
		if id == skip {
			continue
		}
		select {
		case s.events <- ev:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()
	if len(slow) == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range slow {
		for documentID, subs := range h.docs {
			if subs[s.ID] == s {
				h.unsubscribeLocked(documentID, s.ID)
			}
		}
		s.drop()
		h.logger.Warn("dropped slow subscriber", "subscriber", s.ID, "document", ev.DocumentID)
	}
}
