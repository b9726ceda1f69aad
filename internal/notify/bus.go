package notify

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Bus is an in-process Channel + Publisher: a mutex-guarded map of
// session id -> subscribers. Delivery is synchronous per handler; handlers
// are expected to be fast or hand off to their own goroutine.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[int]Handler
	nextID int
	closed bool
}

// NewBus creates an in-process notification bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]Handler)}
}

type busSubscription struct {
	bus       *Bus
	sessionID string
	id        int
}

func (s *busSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if handlers, ok := s.bus.subs[s.sessionID]; ok {
		delete(handlers, s.id)
		if len(handlers) == 0 {
			delete(s.bus.subs, s.sessionID)
		}
	}
	return nil
}

// Subscribe registers a handler for one session's events.
func (b *Bus) Subscribe(sessionID string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus closed")
	}
	b.nextID++
	handlers, ok := b.subs[sessionID]
	if !ok {
		handlers = make(map[int]Handler)
		b.subs[sessionID] = handlers
	}
	handlers[b.nextID] = h

	log.Debug().Str("sessionId", sessionID).Int("subscribers", len(handlers)).Msg("Sync subscriber added")
	return &busSubscription{bus: b, sessionID: sessionID, id: b.nextID}, nil
}

// Publish delivers an event to every subscriber of its session.
func (b *Bus) Publish(ev Event) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[ev.SessionID]))
	for _, h := range b.subs[ev.SessionID] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
	return nil
}

// SubscriberCount returns the number of handlers for a session.
func (b *Bus) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}

// Close drops all subscriptions; further Subscribe calls fail.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]map[int]Handler)
	return nil
}
