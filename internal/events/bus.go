package events

import (
	"fmt"
	"sync"

	"exit_engine/internal/core"
)

// Handler consumes a published event. Handlers run on the publisher's
// goroutine; anything slow should hand off to its own worker.
type Handler func(Event)

type subscription struct {
	id uint64
	fn Handler
}

// Bus is a synchronous publish/subscribe dispatcher. A handler panic is
// recovered and logged so one bad subscriber cannot break delivery to the
// rest.
type Bus struct {
	mu     sync.RWMutex
	logger core.ILogger
	nextID uint64
	global []subscription
	typed  map[EventType][]subscription
	user   map[string]map[EventType][]subscription
}

// NewBus creates an event bus.
func NewBus(logger core.ILogger) *Bus {
	return &Bus{
		logger: logger,
		typed:  make(map[EventType][]subscription),
		user:   make(map[string]map[EventType][]subscription),
	}
}

// SubscribeAll registers a handler for every event. The returned function
// removes the subscription.
func (b *Bus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next()
	b.global = append(b.global, subscription{id: id, fn: h})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.global = remove(b.global, id)
	}
}

// Subscribe registers a handler for one or more event types. The returned
// function removes the subscription from every type it was added to.
func (b *Bus) Subscribe(h Handler, types ...EventType) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next()
	for _, t := range types {
		b.typed[t] = append(b.typed[t], subscription{id: id, fn: h})
	}
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, t := range types {
			b.typed[t] = remove(b.typed[t], id)
		}
	}
}

// SubscribeUser registers a handler invoked only for events carrying the
// given user ID.
func (b *Bus) SubscribeUser(userID string, h Handler, types ...EventType) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next()
	byType := b.user[userID]
	if byType == nil {
		byType = make(map[EventType][]subscription)
		b.user[userID] = byType
	}
	for _, t := range types {
		byType[t] = append(byType[t], subscription{id: id, fn: h})
	}
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		byType, ok := b.user[userID]
		if !ok {
			return
		}
		for _, t := range types {
			byType[t] = remove(byType[t], id)
		}
	}
}

// RemoveUserHandlers drops every handler scoped to the user.
func (b *Bus) RemoveUserHandlers(userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.user, userID)
}

// Publish delivers the event to global handlers, then handlers of its
// type, then handlers scoped to its user, synchronously and in
// registration order within each group.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	handlers := make([]subscription, 0, len(b.global)+len(b.typed[e.Type])+4)
	handlers = append(handlers, b.global...)
	handlers = append(handlers, b.typed[e.Type]...)
	if e.UserID != "" {
		if byType, ok := b.user[e.UserID]; ok {
			handlers = append(handlers, byType[e.Type]...)
		}
	}
	b.mu.RUnlock()

	for _, s := range handlers {
		b.invoke(s.fn, e)
	}
}

// PublishMany delivers events in order.
func (b *Bus) PublishMany(events []Event) {
	for _, e := range events {
		b.Publish(e)
	}
}

func (b *Bus) invoke(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			if b.logger != nil {
				b.logger.Error("Event handler panic",
					"event_type", string(e.Type),
					"event_id", e.ID,
					"panic", fmt.Sprintf("%v", r))
			}
		}
	}()
	h(e)
}

func (b *Bus) next() uint64 {
	b.nextID++
	return b.nextID
}

func remove(subs []subscription, id uint64) []subscription {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}
