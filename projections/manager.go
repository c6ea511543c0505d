package projections

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"example.com/backstage/cqrs/domain"
	"example.com/backstage/cqrs/eventstore"
)

// Wildcard subscribes a projection to every event type.
const Wildcard = "*"

// ErrUnknownProjection is returned for names that were never registered.
var ErrUnknownProjection = errors.New("projection not registered")

// Handler folds one event into a projection's state. It receives a copy of
// the current state and must return the next one.
type Handler func(event domain.Event, state domain.State) (domain.State, error)

// Definition describes a read model.
type Definition struct {
	Name         string
	EventTypes   []string
	Handler      Handler
	InitialState domain.State
}

type projection struct {
	mu       sync.Mutex
	def      Definition
	types    map[string]bool
	state    domain.State
	position int
}

func (p *projection) handles(eventType string) bool {
	return p.types[Wildcard] || p.types[eventType]
}

// apply folds an event under the projection lock. A failing handler leaves
// state and position untouched.
func (p *projection) apply(event domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("projection %s panicked on %s: %v", p.def.Name, event.Type, r)
		}
	}()

	next, err := p.def.Handler(event, p.state.Clone())
	if err != nil {
		return fmt.Errorf("projection %s failed on %s: %w", p.def.Name, event.Type, err)
	}
	if next == nil {
		next = domain.State{}
	}
	p.state = next
	p.position++
	return nil
}

// Manager keeps projection states current with published events.
type Manager struct {
	mu          sync.RWMutex
	projections map[string]*projection
	batchSize   int
}

// NewManager creates an empty manager. batchSize bounds how many events a
// rebuild reads per round trip; zero uses 500.
func NewManager(batchSize int) *Manager {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Manager{
		projections: make(map[string]*projection),
		batchSize:   batchSize,
	}
}

// Register adds a projection seeded with its initial state
func (m *Manager) Register(def Definition) error {
	if def.Name == "" {
		return errors.New("projection requires a name")
	}
	if def.Handler == nil {
		return fmt.Errorf("projection %s has no handler", def.Name)
	}
	if len(def.EventTypes) == 0 {
		return fmt.Errorf("projection %s subscribes to no event types", def.Name)
	}

	types := make(map[string]bool, len(def.EventTypes))
	for _, t := range def.EventTypes {
		types[t] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.projections[def.Name]; exists {
		return fmt.Errorf("projection %s already registered", def.Name)
	}
	m.projections[def.Name] = &projection{
		def:   def,
		types: types,
		state: initialState(def),
	}
	return nil
}

// Apply folds an event into every interested projection. Failures are
// isolated per projection and returned together.
func (m *Manager) Apply(ctx context.Context, event domain.Event) []error {
	var errs []error
	for _, p := range m.matching(event.Type) {
		p.mu.Lock()
		err := p.apply(event)
		p.mu.Unlock()

		if err != nil {
			log.Error().Err(err).
				Str("projection", p.def.Name).
				Str("eventType", event.Type).
				Str("aggregateID", event.AggregateID).
				Msg("Projection failed to apply event")
			errs = append(errs, err)
		}
	}
	return errs
}

// Subscriber adapts Apply to an event store subscription.
func (m *Manager) Subscriber() eventstore.Handler {
	return func(ctx context.Context, event domain.Event) error {
		return errors.Join(m.Apply(ctx, event)...)
	}
}

// Rebuild resets a projection and replays the whole event log into it.
// Live events for the projection wait until the rebuild finishes.
func (m *Manager) Rebuild(ctx context.Context, name string, store eventstore.Store) error {
	m.mu.RLock()
	p, ok := m.projections[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProjection, name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	previousState, previousPosition := p.state, p.position
	p.state = initialState(p.def)
	p.position = 0

	after, replayed, failed := 0, 0, 0
	for {
		if err := ctx.Err(); err != nil {
			p.state, p.position = previousState, previousPosition
			return err
		}

		records, err := store.AllEvents(ctx, after, m.batchSize)
		if err != nil {
			p.state, p.position = previousState, previousPosition
			return fmt.Errorf("failed to read events for projection %s: %w", name, err)
		}

		for _, rec := range records {
			after = rec.Position
			if !p.handles(rec.Event.Type) {
				continue
			}
			replayed++
			if err := p.apply(rec.Event); err != nil {
				failed++
				log.Warn().Err(err).Str("projection", name).Int("position", rec.Position).Msg("Skipping event during rebuild")
			}
		}

		if len(records) < m.batchSize {
			break
		}
	}

	log.Info().Str("projection", name).Int("replayed", replayed).Int("failed", failed).Msg("Projection rebuilt")
	return nil
}

// State returns a copy of a projection's state
func (m *Manager) State(name string) (domain.State, bool) {
	p, ok := m.get(name)
	if !ok {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Clone(), true
}

// Position returns how many events a projection has applied
func (m *Manager) Position(name string) (int, bool) {
	p, ok := m.get(name)
	if !ok {
		return 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position, true
}

// Names lists registered projections in name order
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.projections))
	for name := range m.projections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Interested lists the projections that react to an event type
func (m *Manager) Interested(eventType string) []string {
	var names []string
	for _, p := range m.matching(eventType) {
		names = append(names, p.def.Name)
	}
	return names
}

func (m *Manager) get(name string) (*projection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projections[name]
	return p, ok
}

func (m *Manager) matching(eventType string) []*projection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*projection
	for _, p := range m.projections {
		if p.handles(eventType) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].def.Name < out[j].def.Name })
	return out
}

func initialState(def Definition) domain.State {
	if def.InitialState == nil {
		return domain.State{}
	}
	return def.InitialState.Clone()
}
