package projections

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"example.com/backstage/cqrs/domain"
	"example.com/backstage/cqrs/eventstore"
)

func orderEvent(aggregateID, eventType string, version int, total float64) domain.Event {
	ev := domain.NewEvent(aggregateID, "order", eventType, domain.Payload{"total": total})
	ev.Version = version
	return ev
}

func revenueProjection() Definition {
	return Definition{
		Name:         "revenue",
		EventTypes:   []string{"OrderCreated", "OrderCancelled"},
		InitialState: domain.State{"total": 0.0, "orders": 0.0},
		Handler: func(event domain.Event, state domain.State) (domain.State, error) {
			switch event.Type {
			case "OrderCreated":
				state["total"] = state.Float("total") + event.Payload.Float("total")
				state["orders"] = state.Float("orders") + 1
			case "OrderCancelled":
				state["total"] = state.Float("total") - event.Payload.Float("total")
				state["orders"] = state.Float("orders") - 1
			}
			return state, nil
		},
	}
}

func countingProjection(name string) Definition {
	return Definition{
		Name:       name,
		EventTypes: []string{Wildcard},
		Handler: func(event domain.Event, state domain.State) (domain.State, error) {
			state["count"] = state.Float("count") + 1
			return state, nil
		},
	}
}

func TestApplyFoldsMatchingEvents(t *testing.T) {
	ctx := context.Background()
	m := NewManager(0)
	require.NoError(t, m.Register(revenueProjection()))
	require.NoError(t, m.Register(countingProjection("all")))

	require.Empty(t, m.Apply(ctx, orderEvent("o-1", "OrderCreated", 1, 100)))
	require.Empty(t, m.Apply(ctx, orderEvent("o-1", "OrderShipped", 2, 0)))
	require.Empty(t, m.Apply(ctx, orderEvent("o-2", "OrderCreated", 1, 50)))

	state, ok := m.State("revenue")
	require.True(t, ok)
	require.Equal(t, 150.0, state["total"])
	require.Equal(t, 2.0, state["orders"])

	position, _ := m.Position("revenue")
	require.Equal(t, 2, position)
	position, _ = m.Position("all")
	require.Equal(t, 3, position)

	require.Equal(t, []string{"all", "revenue"}, m.Names())
	require.Equal(t, []string{"all"}, m.Interested("OrderShipped"))
}

func TestRegisterRejectsDuplicatesAndInvalidDefinitions(t *testing.T) {
	m := NewManager(0)
	require.NoError(t, m.Register(revenueProjection()))
	require.Error(t, m.Register(revenueProjection()))
	require.Error(t, m.Register(Definition{Name: "x", EventTypes: []string{"A"}}))
	require.Error(t, m.Register(Definition{Name: "x", Handler: revenueProjection().Handler}))
	require.Error(t, m.Register(Definition{EventTypes: []string{"A"}, Handler: revenueProjection().Handler}))
}

func TestFailingProjectionIsIsolated(t *testing.T) {
	ctx := context.Background()
	m := NewManager(0)
	require.NoError(t, m.Register(countingProjection("healthy")))
	require.NoError(t, m.Register(Definition{
		Name:       "broken",
		EventTypes: []string{Wildcard},
		Handler: func(event domain.Event, state domain.State) (domain.State, error) {
			state["touched"] = true
			return nil, errors.New("read model offline")
		},
	}))
	require.NoError(t, m.Register(Definition{
		Name:       "panicky",
		EventTypes: []string{Wildcard},
		Handler: func(event domain.Event, state domain.State) (domain.State, error) {
			panic("index out of range")
		},
	}))

	errs := m.Apply(ctx, orderEvent("o-1", "OrderCreated", 1, 10))
	require.Len(t, errs, 2)

	state, _ := m.State("healthy")
	require.Equal(t, 1.0, state["count"])

	state, _ = m.State("broken")
	require.Empty(t, state)
	position, _ := m.Position("broken")
	require.Zero(t, position)
}

func TestStateIsACopy(t *testing.T) {
	m := NewManager(0)
	require.NoError(t, m.Register(revenueProjection()))

	state, _ := m.State("revenue")
	state["total"] = 999.0

	state, _ = m.State("revenue")
	require.Equal(t, 0.0, state["total"])
}

func TestRebuildMatchesIncrementalState(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	m := NewManager(2)
	require.NoError(t, m.Register(revenueProjection()))
	store.SubscribeAll(m.Subscriber())

	events := []domain.Event{
		orderEvent("o-1", "OrderCreated", 1, 100),
		orderEvent("o-2", "OrderCreated", 1, 40),
		orderEvent("o-1", "OrderShipped", 2, 0),
		orderEvent("o-2", "OrderCancelled", 2, 40),
		orderEvent("o-3", "OrderCreated", 1, 7.5),
	}
	for _, ev := range events {
		require.NoError(t, store.Append(ctx, ev))
		require.Empty(t, store.Publish(ctx, ev))
	}

	incremental, _ := m.State("revenue")
	incrementalPosition, _ := m.Position("revenue")

	require.NoError(t, m.Rebuild(ctx, "revenue", store))

	rebuilt, _ := m.State("revenue")
	rebuiltPosition, _ := m.Position("revenue")
	require.Equal(t, incremental, rebuilt)
	require.Equal(t, incrementalPosition, rebuiltPosition)
	require.Equal(t, 107.5, rebuilt["total"])
}

func TestRebuildRecoversFromStaleState(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	m := NewManager(0)
	require.NoError(t, m.Register(revenueProjection()))

	require.NoError(t, store.Append(ctx, orderEvent("o-1", "OrderCreated", 1, 30)))
	// Applied twice to simulate a projection that drifted.
	m.Apply(ctx, orderEvent("o-1", "OrderCreated", 1, 30))
	m.Apply(ctx, orderEvent("o-1", "OrderCreated", 1, 30))

	require.NoError(t, m.Rebuild(ctx, "revenue", store))
	state, _ := m.State("revenue")
	require.Equal(t, 30.0, state["total"])
}

func TestRebuildUnknownProjection(t *testing.T) {
	m := NewManager(0)
	err := m.Rebuild(context.Background(), "missing", eventstore.NewMemoryStore())
	require.ErrorIs(t, err, ErrUnknownProjection)
}

func TestSubscriberJoinsErrors(t *testing.T) {
	m := NewManager(0)
	require.NoError(t, m.Register(Definition{
		Name:       "broken",
		EventTypes: []string{"OrderCreated"},
		Handler: func(event domain.Event, state domain.State) (domain.State, error) {
			return nil, errors.New("nope")
		},
	}))

	err := m.Subscriber()(context.Background(), orderEvent("o-1", "OrderCreated", 1, 1))
	require.ErrorContains(t, err, "nope")
	require.NoError(t, m.Subscriber()(context.Background(), orderEvent("o-1", "Other", 2, 1)))
}
