// Package events provides the observer bus through which the sync engine
// notifies interested components (status displays, view refreshers) without
// them polling the queue. Subscribers register callbacks and receive every
// published event matching their filter; unsubscribing releases the slot.
package events

import (
	"log/slog"
	"sync"
)

// Type identifies the kind of event being published.
type Type string

const (
	SyncStarted   Type = "sync_started"
	SyncCompleted Type = "sync_completed"
	SyncFailed    Type = "sync_failed"
	EntityUpdated Type = "entity_updated"
)

// Event carries one notification. EntityType and EntityID are set for
// EntityUpdated events; Reason is set for SyncFailed.
type Event struct {
	Type       Type
	EntityType string
	EntityID   string
	Reason     string
}

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(Event)

type subscription struct {
	types   map[Type]bool // nil means all types
	entity  string        // non-empty restricts EntityUpdated to one entity type
	handler Handler
}

// Bus is a fan-out registry of event subscribers. Safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscription
	logger *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[int]*subscription),
		logger: logger.With("component", "events"),
	}
}

// Subscribe registers a handler for the given event types (all types when
// none are given). The returned function removes the subscription.
func (b *Bus) Subscribe(handler Handler, types ...Type) (unsubscribe func()) {
	var filter map[Type]bool
	if len(types) > 0 {
		filter = make(map[Type]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}
	return b.add(&subscription{types: filter, handler: handler})
}

// SubscribeEntity registers a handler for EntityUpdated events of a single
// entity type. High-frequency consumers (vote tally displays) use this to
// avoid filtering in every callback.
func (b *Bus) SubscribeEntity(entityType string, handler func(entityType, entityID string)) (unsubscribe func()) {
	return b.add(&subscription{
		types:  map[Type]bool{EntityUpdated: true},
		entity: entityType,
		handler: func(e Event) {
			handler(e.EntityType, e.EntityID)
		},
	})
}

func (b *Bus) add(sub *subscription) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish delivers the event to every matching subscriber.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	matched := make([]Handler, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[e.Type] {
			continue
		}
		if sub.entity != "" && sub.entity != e.EntityType {
			continue
		}
		matched = append(matched, sub.handler)
	}
	b.mu.RUnlock()

	for _, h := range matched {
		h(e)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
