package eventstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/backstage/cqrs/domain"
)

func newEvent(aggregateID, eventType string, version int, payload domain.Payload) domain.Event {
	ev := domain.NewEvent(aggregateID, "order", eventType, payload)
	ev.Version = version
	return ev
}

func TestMemoryStoreAppendAndReadByAggregate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Append(ctx,
		newEvent("order-1", "OrderCreated", 1, domain.Payload{"total": 100.0}),
		newEvent("order-2", "OrderCreated", 1, nil),
		newEvent("order-1", "OrderPaid", 2, nil),
	))

	events, err := store.EventsForAggregate(ctx, "order-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, 1, events[0].Version)
	require.Equal(t, 2, events[1].Version)

	events, err = store.EventsForAggregate(ctx, "order-1", 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "OrderPaid", events[0].Type)
}

func TestMemoryStoreEventsAreImmutable(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	payload := domain.Payload{"total": 100.0}
	ev := newEvent("order-1", "OrderCreated", 1, payload)
	require.NoError(t, store.Append(ctx, ev))

	// mutate the caller's copy and a returned copy
	ev.Payload["total"] = 1.0
	events, err := store.EventsForAggregate(ctx, "order-1", 0)
	require.NoError(t, err)
	events[0].Payload["total"] = 2.0

	events, err = store.EventsForAggregate(ctx, "order-1", 0)
	require.NoError(t, err)
	require.Equal(t, 100.0, events[0].Payload["total"])
}

func TestMemoryStoreEventsByTypeAndAllEvents(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	old := newEvent("order-1", "OrderCreated", 1, nil)
	old.OccurredAt = time.Now().Add(-time.Hour)
	require.NoError(t, store.Append(ctx, old, newEvent("order-2", "OrderCreated", 1, nil), newEvent("order-2", "OrderPaid", 2, nil)))

	created, err := store.EventsByType(ctx, "OrderCreated", time.Time{})
	require.NoError(t, err)
	require.Len(t, created, 2)

	recent, err := store.EventsByType(ctx, "OrderCreated", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "order-2", recent[0].AggregateID)

	all, err := store.AllEvents(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, 1, all[0].Position)
	require.Equal(t, 3, all[2].Position)

	page, err := store.AllEvents(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, 2, page[0].Position)
	require.Equal(t, "order-2", page[0].Event.AggregateID)
}

func TestMemoryStoreSnapshotOverwrites(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, found, err := store.Snapshot(ctx, "order-1")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, store.SaveSnapshot(ctx, domain.Snapshot{AggregateID: "order-1", Version: 2, State: domain.State{"n": 2.0}}))
	require.NoError(t, store.SaveSnapshot(ctx, domain.Snapshot{AggregateID: "order-1", Version: 4, State: domain.State{"n": 4.0}}))

	snap, found, err := store.Snapshot(ctx, "order-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 4, snap.Version)
	require.Equal(t, 4.0, snap.State["n"])
}
