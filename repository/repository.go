// Package repository rebuilds aggregate state from the event log and guards
// writes with optimistic concurrency.
package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"example.com/backstage/cqrs/domain"
	"example.com/backstage/cqrs/eventstore"
)

// Applier folds one event into aggregate state. Appliers are pure and are
// used only for replay.
type Applier func(state domain.State, event domain.Event) domain.State

// Repository loads and saves aggregates over a Store.
type Repository struct {
	store            eventstore.Store
	snapshotInterval int

	mu       sync.Mutex
	appliers map[string]map[string]Applier
	versions map[string]int
	locks    map[string]*sync.Mutex
}

// New creates a repository. A snapshotInterval of 0 disables snapshots.
func New(store eventstore.Store, snapshotInterval int) *Repository {
	return &Repository{
		store:            store,
		snapshotInterval: snapshotInterval,
		appliers:         make(map[string]map[string]Applier),
		versions:         make(map[string]int),
		locks:            make(map[string]*sync.Mutex),
	}
}

// RegisterApplier registers the fold function for an event type of an
// aggregate type, replacing any previous one.
func (r *Repository) RegisterApplier(aggregateType, eventType string, applier Applier) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.appliers[aggregateType] == nil {
		r.appliers[aggregateType] = make(map[string]Applier)
	}
	r.appliers[aggregateType][eventType] = applier
}

// Load rebuilds an aggregate from its latest snapshot and the events after it.
func (r *Repository) Load(ctx context.Context, aggregateID, aggregateType string) (domain.Aggregate, error) {
	agg, err := r.replay(ctx, aggregateID, aggregateType)
	if err != nil {
		return domain.Aggregate{}, err
	}

	// A replay that raced a Save may be behind; never lower the cached version.
	r.mu.Lock()
	if cached, ok := r.versions[aggregateID]; !ok || agg.Version > cached {
		r.versions[aggregateID] = agg.Version
	}
	r.mu.Unlock()

	return agg, nil
}

// Save appends events if the aggregate is still at expectedVersion. Events
// without a version are stamped expectedVersion+1, +2, ... in order.
func (r *Repository) Save(ctx context.Context, aggregateID, aggregateType string, events []domain.Event, expectedVersion int) error {
	if len(events) == 0 {
		return nil
	}

	lock := r.lockFor(aggregateID)
	lock.Lock()
	defer lock.Unlock()

	current, err := r.currentVersion(ctx, aggregateID)
	if err != nil {
		return err
	}
	if current != expectedVersion {
		log.Warn().
			Str("aggregateID", aggregateID).
			Int("expected", expectedVersion).
			Int("actual", current).
			Msg("Rejected save on stale version")
		return &domain.ConcurrencyError{AggregateID: aggregateID, Expected: expectedVersion, Actual: current}
	}

	stamped := make([]domain.Event, len(events))
	for i, event := range events {
		want := expectedVersion + i + 1
		if event.Version == 0 {
			event.Version = want
		}
		if event.Version != want {
			return fmt.Errorf("%w: event %d of aggregate %s has version %d, want %d",
				domain.ErrInvalidVersion, i, aggregateID, event.Version, want)
		}
		if event.AggregateID == "" {
			event.AggregateID = aggregateID
		}
		if event.AggregateType == "" {
			event.AggregateType = aggregateType
		}
		stamped[i] = event
	}

	if err := r.store.Append(ctx, stamped...); err != nil {
		return fmt.Errorf("failed to append events: %w", err)
	}

	newVersion := stamped[len(stamped)-1].Version
	r.mu.Lock()
	r.versions[aggregateID] = newVersion
	r.mu.Unlock()

	if r.snapshotInterval > 0 && newVersion%r.snapshotInterval == 0 {
		if err := r.snapshot(ctx, aggregateID, aggregateType); err != nil {
			// the events are durable; a missing snapshot only costs replay time
			log.Error().Err(err).Str("aggregateID", aggregateID).Msg("Failed to write snapshot")
		}
	}

	return nil
}

// Version returns the cached version of an aggregate.
func (r *Repository) Version(aggregateID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.versions[aggregateID]
	return v, ok
}

func (r *Repository) snapshot(ctx context.Context, aggregateID, aggregateType string) error {
	agg, err := r.replay(ctx, aggregateID, aggregateType)
	if err != nil {
		return err
	}

	if err := r.store.SaveSnapshot(ctx, domain.Snapshot{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Version:       agg.Version,
		State:         agg.State,
		Timestamp:     time.Now().UTC(),
	}); err != nil {
		return err
	}

	log.Debug().Str("aggregateID", aggregateID).Int("version", agg.Version).Msg("Snapshot saved")
	return nil
}

func (r *Repository) replay(ctx context.Context, aggregateID, aggregateType string) (domain.Aggregate, error) {
	agg := domain.Aggregate{ID: aggregateID, Type: aggregateType, State: domain.State{}}

	snap, found, err := r.store.Snapshot(ctx, aggregateID)
	if err != nil {
		return domain.Aggregate{}, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if found {
		agg.State = snap.State
		if agg.State == nil {
			agg.State = domain.State{}
		}
		agg.Version = snap.Version
	}

	events, err := r.store.EventsForAggregate(ctx, aggregateID, agg.Version)
	if err != nil {
		return domain.Aggregate{}, fmt.Errorf("failed to load events: %w", err)
	}

	r.mu.Lock()
	appliers := r.appliers[aggregateType]
	r.mu.Unlock()

	for _, event := range events {
		if apply, ok := appliers[event.Type]; ok {
			agg.State = apply(agg.State, event)
		}
		agg.Version = event.Version
	}

	return agg, nil
}

func (r *Repository) currentVersion(ctx context.Context, aggregateID string) (int, error) {
	r.mu.Lock()
	v, ok := r.versions[aggregateID]
	r.mu.Unlock()
	if ok {
		return v, nil
	}

	// not loaded by this process yet
	events, err := r.store.EventsForAggregate(ctx, aggregateID, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to read current version: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Version, nil
}

func (r *Repository) lockFor(aggregateID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.locks[aggregateID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[aggregateID] = lock
	}
	return lock
}
