package saga

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"example.com/backstage/cqrs/domain"
)

// ErrUnknownSaga is returned by Start for an unregistered definition.
var ErrUnknownSaga = errors.New("saga not registered")

// DefaultRetention is the number of finished instances kept for inspection.
const DefaultRetention = 1000

// Option configures a Manager.
type Option func(*Manager)

// WithBackoff replaces the delay between step retries. attempt is zero-based.
func WithBackoff(backoff func(attempt int) time.Duration) Option {
	return func(m *Manager) {
		m.backoff = backoff
	}
}

// WithRetention caps how many finished instances are kept. Running
// instances are always kept. Zero keeps everything.
func WithRetention(n int) Option {
	return func(m *Manager) {
		m.retention = n
	}
}

// Manager runs saga instances and keeps their state for inspection.
type Manager struct {
	mu          sync.RWMutex
	definitions map[string]Definition
	instances   map[string]Context
	finished    []string

	retention int
	backoff   func(attempt int) time.Duration
	now       func() time.Time
}

// NewManager creates a saga manager
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		definitions: make(map[string]Definition),
		instances:   make(map[string]Context),
		retention:   DefaultRetention,
		backoff:     DefaultBackoff,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DefaultBackoff waits 1s, 2s, 4s... up to 30s between step attempts.
func DefaultBackoff(attempt int) time.Duration {
	if attempt > 5 {
		return 30 * time.Second
	}
	d := time.Second << attempt
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// Register adds or replaces a saga definition
func (m *Manager) Register(def Definition) error {
	if def.ID == "" {
		return errors.New("saga definition requires an id")
	}
	seen := make(map[string]bool, len(def.Steps))
	for i, step := range def.Steps {
		if step.Name == "" {
			return fmt.Errorf("saga %s: step %d has no name", def.ID, i)
		}
		if step.Execute == nil {
			return fmt.Errorf("saga %s: step %s has no execute function", def.ID, step.Name)
		}
		if seen[step.Name] {
			return fmt.Errorf("saga %s: duplicate step %s", def.ID, step.Name)
		}
		seen[step.Name] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.definitions[def.ID] = def
	return nil
}

// Start runs a new instance of the saga to completion and returns its final
// state. A failed saga is reported through the returned Context's Status and
// Err; the error return is reserved for sagas that could not start.
func (m *Manager) Start(ctx context.Context, sagaID string, data domain.Payload) (Context, error) {
	m.mu.RLock()
	def, ok := m.definitions[sagaID]
	m.mu.RUnlock()
	if !ok {
		return Context{}, fmt.Errorf("%w: %s", ErrUnknownSaga, sagaID)
	}

	sc := &Context{
		SagaID:         sagaID,
		InstanceID:     uuid.New().String(),
		Data:           data.Clone(),
		CompletedSteps: []string{},
		Status:         StatusRunning,
		StartedAt:      m.now(),
	}
	if sc.Data == nil {
		sc.Data = domain.Payload{}
	}
	m.store(sc)

	log.Info().Str("sagaID", sagaID).Str("instanceID", sc.InstanceID).Msg("Saga started")

	for i, step := range def.Steps {
		sc.CurrentStep = i
		m.store(sc)

		if err := m.runStep(ctx, step, sc); err != nil {
			sc.fail(fmt.Errorf("step %s failed: %w", step.Name, err))
			log.Error().Err(err).Str("sagaID", sagaID).Str("instanceID", sc.InstanceID).Str("step", step.Name).Msg("Saga step failed, compensating")
			m.compensate(ctx, def, sc)
			return m.finish(sc, StatusFailed), nil
		}
		sc.CompletedSteps = append(sc.CompletedSteps, step.Name)
	}

	final := m.finish(sc, StatusCompleted)
	log.Info().Str("sagaID", sagaID).Str("instanceID", sc.InstanceID).Msg("Saga completed")

	if def.OnComplete != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Str("sagaID", sagaID).Interface("panic", r).Msg("Saga completion callback panicked")
				}
			}()
			def.OnComplete(ctx, sc)
		}()
	}
	return final, nil
}

// Instance returns a copy of an instance's state
func (m *Manager) Instance(instanceID string) (Context, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc, ok := m.instances[instanceID]
	if !ok {
		return Context{}, false
	}
	return sc.Clone(), true
}

// Instances returns every retained instance, oldest first
func (m *Manager) Instances() []Context {
	return m.list(func(Status) bool { return true })
}

// ActiveInstances returns running and compensating instances
func (m *Manager) ActiveInstances() []Context {
	return m.list(func(s Status) bool { return !s.Terminal() })
}

func (m *Manager) list(keep func(Status) bool) []Context {
	m.mu.RLock()
	out := make([]Context, 0, len(m.instances))
	for _, sc := range m.instances {
		if keep(sc.Status) {
			out = append(out, sc.Clone())
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (m *Manager) runStep(ctx context.Context, step Step, sc *Context) error {
	var err error
	for attempt := 0; attempt <= step.Retries; attempt++ {
		if attempt > 0 {
			if werr := wait(ctx, m.backoff(attempt-1)); werr != nil {
				return werr
			}
		}

		if err = m.execute(ctx, step, sc); err == nil {
			return nil
		}
		log.Warn().Err(err).
			Str("sagaID", sc.SagaID).
			Str("instanceID", sc.InstanceID).
			Str("step", step.Name).
			Int("attempt", attempt+1).
			Int("maxAttempts", step.Retries+1).
			Msg("Saga step attempt failed")
	}
	return err
}

func (m *Manager) execute(ctx context.Context, step Step, sc *Context) error {
	if step.Timeout <= 0 {
		return call(ctx, step.Execute, sc)
	}

	stepCtx, cancel := context.WithTimeout(ctx, step.Timeout)
	defer cancel()

	// An abandoned attempt keeps its own copy, so its late writes never
	// reach the instance.
	attempt := sc.Clone()
	done := make(chan error, 1)
	go func() {
		done <- call(stepCtx, step.Execute, &attempt)
	}()

	select {
	case err := <-done:
		sc.Data = attempt.Data
		return err
	case <-stepCtx.Done():
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s after %s", domain.ErrStepTimeout, step.Name, step.Timeout)
	}
}

// compensate undoes completed steps in reverse completion order. Failures
// are recorded and skipped.
func (m *Manager) compensate(ctx context.Context, def Definition, sc *Context) {
	sc.Status = StatusCompensating
	m.store(sc)

	steps := make(map[string]Step, len(def.Steps))
	for _, step := range def.Steps {
		steps[step.Name] = step
	}

	// Compensation runs even when the caller has given up.
	ctx = context.WithoutCancel(ctx)

	for i := len(sc.CompletedSteps) - 1; i >= 0; i-- {
		step := steps[sc.CompletedSteps[i]]
		if step.Compensate == nil {
			continue
		}
		if err := call(ctx, step.Compensate, sc); err != nil {
			log.Error().Err(err).
				Str("sagaID", sc.SagaID).
				Str("instanceID", sc.InstanceID).
				Str("step", step.Name).
				Msg("Saga compensation failed")
			sc.CompensationErrors = append(sc.CompensationErrors, fmt.Sprintf("%s: %v", step.Name, err))
		}
	}
}

func (m *Manager) finish(sc *Context, status Status) Context {
	now := m.now()
	sc.Status = status
	sc.FinishedAt = &now
	snapshot := m.store(sc)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, sc.InstanceID)
	if m.retention > 0 {
		for len(m.finished) > m.retention {
			delete(m.instances, m.finished[0])
			m.finished = m.finished[1:]
		}
	}
	return snapshot
}

func (m *Manager) store(sc *Context) Context {
	snapshot := sc.Clone()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[sc.InstanceID] = snapshot
	return snapshot.Clone()
}

func call(ctx context.Context, fn StepFunc, sc *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panic: %v", r)
		}
	}()
	return fn(ctx, sc)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
