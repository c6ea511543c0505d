package repository

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"example.com/backstage/cqrs/domain"
	"example.com/backstage/cqrs/eventstore"
)

func orderAppliers(repo *Repository) {
	repo.RegisterApplier("order", "OrderCreated", func(state domain.State, e domain.Event) domain.State {
		next := state.Clone()
		next["status"] = "created"
		next["total"] = e.Payload["total"]
		return next
	})
	repo.RegisterApplier("order", "ItemAdded", func(state domain.State, e domain.Event) domain.State {
		next := state.Clone()
		next["total"] = next.Float("total") + e.Payload.Float("price")
		next["items"] = next.Float("items") + 1
		return next
	})
}

func event(eventType string, payload domain.Payload) domain.Event {
	return domain.NewEvent("order-1", "order", eventType, payload)
}

func TestLoadOrderScenario(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	repo := New(store, 0)
	orderAppliers(repo)

	require.NoError(t, repo.Save(ctx, "order-1", "order", []domain.Event{event("OrderCreated", domain.Payload{"total": 100.0})}, 0))

	agg, err := repo.Load(ctx, "order-1", "order")
	require.NoError(t, err)
	require.Equal(t, 1, agg.Version)
	require.Equal(t, domain.State{"status": "created", "total": 100.0}, agg.State)
}

func TestSaveStampsContiguousVersions(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	repo := New(store, 0)

	require.NoError(t, repo.Save(ctx, "order-1", "order", []domain.Event{event("OrderCreated", nil), event("ItemAdded", nil)}, 0))
	require.NoError(t, repo.Save(ctx, "order-1", "order", []domain.Event{event("ItemAdded", nil)}, 2))

	events, err := store.EventsForAggregate(ctx, "order-1", 0)
	require.NoError(t, err)
	for i, e := range events {
		require.Equal(t, i+1, e.Version)
	}

	v, ok := repo.Version("order-1")
	require.True(t, ok)
	require.Equal(t, 3, v)
}

func TestSaveRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	repo := New(store, 0)

	require.NoError(t, repo.Save(ctx, "order-1", "order", []domain.Event{event("OrderCreated", nil)}, 0))
	before := store.Len()

	err := repo.Save(ctx, "order-1", "order", []domain.Event{event("ItemAdded", nil)}, 0)
	require.ErrorIs(t, err, domain.ErrConcurrencyConflict)

	var conflict *domain.ConcurrencyError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, 0, conflict.Expected)
	require.Equal(t, 1, conflict.Actual)
	require.Equal(t, before, store.Len())
}

func TestSaveRejectsNonContiguousEvents(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	repo := New(store, 0)

	bad := event("OrderCreated", nil)
	bad.Version = 3
	err := repo.Save(ctx, "order-1", "order", []domain.Event{bad}, 0)
	require.ErrorIs(t, err, domain.ErrInvalidVersion)
	require.Equal(t, 0, store.Len())
}

func TestConcurrentSavesExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	repo := New(store, 0)
	require.NoError(t, repo.Save(ctx, "order-1", "order", []domain.Event{event("OrderCreated", nil)}, 0))

	const writers = 16
	var wg sync.WaitGroup
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- repo.Save(ctx, "order-1", "order", []domain.Event{event("ItemAdded", nil)}, 1)
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, domain.ErrConcurrencyConflict)
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 2, store.Len())
}

func TestVersionFallsBackToStoreForUnseenAggregate(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	require.NoError(t, New(store, 0).Save(ctx, "order-1", "order", []domain.Event{event("OrderCreated", nil)}, 0))

	// a fresh repository over the same store, as after a restart
	repo := New(store, 0)
	err := repo.Save(ctx, "order-1", "order", []domain.Event{event("ItemAdded", nil)}, 0)
	require.ErrorIs(t, err, domain.ErrConcurrencyConflict)
	require.NoError(t, repo.Save(ctx, "order-1", "order", []domain.Event{event("ItemAdded", nil)}, 1))
}

func TestSnapshotWrittenOnInterval(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	repo := New(store, 2)
	orderAppliers(repo)

	require.NoError(t, repo.Save(ctx, "order-1", "order", []domain.Event{event("OrderCreated", domain.Payload{"total": 10.0})}, 0))
	_, found, err := store.Snapshot(ctx, "order-1")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, repo.Save(ctx, "order-1", "order", []domain.Event{event("ItemAdded", domain.Payload{"price": 5.0})}, 1))
	snap, found, err := store.Snapshot(ctx, "order-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 2, snap.Version)
	require.Equal(t, 15.0, snap.State["total"])

	require.NoError(t, repo.Save(ctx, "order-1", "order", []domain.Event{event("ItemAdded", domain.Payload{"price": 1.0})}, 2))
	snap, _, err = store.Snapshot(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, 2, snap.Version)
}

func TestSnapshotReplayEquivalence(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	repo := New(store, 3)
	orderAppliers(repo)

	require.NoError(t, repo.Save(ctx, "order-1", "order", []domain.Event{event("OrderCreated", domain.Payload{"total": 1.0})}, 0))
	for v := 1; v < 8; v++ {
		require.NoError(t, repo.Save(ctx, "order-1", "order", []domain.Event{event("ItemAdded", domain.Payload{"price": float64(v)})}, v))
	}

	viaSnapshot, err := repo.Load(ctx, "order-1", "order")
	require.NoError(t, err)

	// replay over a store copy without snapshots
	plain := eventstore.NewMemoryStore()
	events, err := store.EventsForAggregate(ctx, "order-1", 0)
	require.NoError(t, err)
	require.NoError(t, plain.Append(ctx, events...))
	fresh := New(plain, 0)
	orderAppliers(fresh)
	fromScratch, err := fresh.Load(ctx, "order-1", "order")
	require.NoError(t, err)

	require.Equal(t, fromScratch.Version, viaSnapshot.Version)
	require.Equal(t, fromScratch.State, viaSnapshot.State)

	snap, found, err := store.Snapshot(ctx, "order-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 6, snap.Version)
	require.LessOrEqual(t, snap.Version, viaSnapshot.Version)
}

func TestLoadSkipsEventsWithoutApplier(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	repo := New(store, 0)
	orderAppliers(repo)

	require.NoError(t, repo.Save(ctx, "order-1", "order", []domain.Event{
		event("OrderCreated", domain.Payload{"total": 3.0}),
		event("SomethingUnrelated", nil),
	}, 0))

	agg, err := repo.Load(ctx, "order-1", "order")
	require.NoError(t, err)
	require.Equal(t, 2, agg.Version)
	require.Equal(t, 3.0, agg.State["total"])
}

// stallingStore blocks the next EventsForAggregate after it has read the log
type stallingStore struct {
	*eventstore.MemoryStore
	stall   chan struct{}
	read    chan struct{}
	release chan struct{}
}

func (s *stallingStore) EventsForAggregate(ctx context.Context, aggregateID string, afterVersion int) ([]domain.Event, error) {
	events, err := s.MemoryStore.EventsForAggregate(ctx, aggregateID, afterVersion)
	select {
	case <-s.stall:
		close(s.read)
		<-s.release
	default:
	}
	return events, err
}

func TestSlowLoadDoesNotRollBackVersion(t *testing.T) {
	ctx := context.Background()
	store := &stallingStore{
		MemoryStore: eventstore.NewMemoryStore(),
		stall:       make(chan struct{}, 1),
		read:        make(chan struct{}),
		release:     make(chan struct{}),
	}
	repo := New(store, 0)
	orderAppliers(repo)

	store.stall <- struct{}{}
	var stale domain.Aggregate
	var loadErr error
	loaded := make(chan struct{})
	go func() {
		defer close(loaded)
		stale, loadErr = repo.Load(ctx, "order-1", "order")
	}()
	<-store.read

	require.NoError(t, repo.Save(ctx, "order-1", "order", []domain.Event{event("OrderCreated", nil)}, 0))

	close(store.release)
	<-loaded
	require.NoError(t, loadErr)
	require.Equal(t, 0, stale.Version)

	version, ok := repo.Version("order-1")
	require.True(t, ok)
	require.Equal(t, 1, version)

	err := repo.Save(ctx, "order-1", "order", []domain.Event{event("OrderCreated", nil)}, 0)
	require.ErrorIs(t, err, domain.ErrConcurrencyConflict)

	events, err := store.MemoryStore.EventsForAggregate(ctx, "order-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
}
