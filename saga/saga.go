package saga

import (
	"context"
	"time"

	"example.com/backstage/cqrs/domain"
)

// Status is the lifecycle state of a saga instance.
type Status string

const (
	StatusRunning      Status = "running"
	StatusCompensating Status = "compensating"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// Terminal reports whether the instance has finished.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StepFunc executes or compensates a step. The context is cancelled when the
// step's timeout passes; a step that ignores it keeps running in the
// background after the manager has stopped waiting for it.
type StepFunc func(ctx context.Context, sc *Context) error

// Step is one unit of a saga.
type Step struct {
	Name       string
	Execute    StepFunc
	Compensate StepFunc
	// Retries is the number of extra attempts after the first failure.
	Retries int
	// Timeout bounds a single attempt. Zero means no limit.
	Timeout time.Duration
}

// Definition is a named, ordered list of steps.
type Definition struct {
	ID         string
	Steps      []Step
	OnComplete func(ctx context.Context, sc *Context)
}

// Context is the state of one saga instance. Steps read and write Data.
type Context struct {
	SagaID         string         `json:"saga_id"`
	InstanceID     string         `json:"instance_id"`
	Data           domain.Payload `json:"data"`
	CompletedSteps []string       `json:"completed_steps"`
	CurrentStep    int            `json:"current_step"`
	Status         Status         `json:"status"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`

	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
	// CompensationErrors lists compensations that failed. They do not
	// change the outcome.
	CompensationErrors []string `json:"compensation_errors,omitempty"`
}

// Clone returns a copy that shares nothing mutable with c.
func (c *Context) Clone() Context {
	out := *c
	out.Data = c.Data.Clone()
	out.CompletedSteps = append([]string(nil), c.CompletedSteps...)
	out.CompensationErrors = append([]string(nil), c.CompensationErrors...)
	if c.FinishedAt != nil {
		t := *c.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

func (c *Context) fail(err error) {
	c.Err = err
	c.Error = err.Error()
}
