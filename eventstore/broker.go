package eventstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"example.com/backstage/cqrs/domain"
)

// Handler receives published events.
type Handler func(ctx context.Context, event domain.Event) error

type subscription struct {
	id      int
	handler Handler
}

// Broker delivers published events synchronously, in order, to
// type-specific subscribers first and global subscribers second.
type Broker struct {
	mu     sync.RWMutex
	nextID int
	byType map[string][]subscription
	global []subscription
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{byType: make(map[string][]subscription)}
}

// Subscribe registers a handler for one event type
func (b *Broker) Subscribe(eventType string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.byType[eventType] = append(b.byType[eventType], subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.byType[eventType] = removeSubscription(b.byType[eventType], id)
		if len(b.byType[eventType]) == 0 {
			delete(b.byType, eventType)
		}
	}
}

// SubscribeAll registers a handler for every event
func (b *Broker) SubscribeAll(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.global = append(b.global, subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.global = removeSubscription(b.global, id)
	}
}

// Publish delivers events to subscribers. A failing subscriber does not stop
// delivery to the others; every failure is logged and returned.
func (b *Broker) Publish(ctx context.Context, events ...domain.Event) []error {
	var errs []error
	for _, event := range events {
		b.mu.RLock()
		handlers := make([]subscription, 0, len(b.byType[event.Type])+len(b.global))
		handlers = append(handlers, b.byType[event.Type]...)
		handlers = append(handlers, b.global...)
		b.mu.RUnlock()

		for _, sub := range handlers {
			if err := deliver(ctx, sub.handler, event); err != nil {
				log.Error().
					Err(err).
					Str("eventID", event.ID).
					Str("eventType", event.Type).
					Str("aggregateID", event.AggregateID).
					Msg("Subscriber failed to handle event")
				errs = append(errs, fmt.Errorf("subscriber %d on %s: %w", sub.id, event.Type, err))
			}
		}
	}
	return errs
}

func deliver(ctx context.Context, handler Handler, event domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return handler(ctx, event.Clone())
}

func removeSubscription(subs []subscription, id int) []subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}
