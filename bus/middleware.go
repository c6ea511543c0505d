package bus

import (
	"context"
	"errors"

	"example.com/backstage/cqrs/domain"
)

// ErrNextCalledTwice is returned when a middleware calls next more than once.
var ErrNextCalledTwice = errors.New("middleware called next more than once")

// Next continues the middleware chain.
type Next func() error

// dispatchContext is the state shared by command and query middleware.
type dispatchContext struct {
	ctx         context.Context
	values      map[string]any
	aborted     bool
	abortReason string
}

// Context returns the context handlers receive.
func (d *dispatchContext) Context() context.Context {
	return d.ctx
}

// SetContext replaces the context passed downstream.
func (d *dispatchContext) SetContext(ctx context.Context) {
	d.ctx = ctx
}

// Abort stops the chain. Downstream middleware and the handler are not run.
func (d *dispatchContext) Abort(reason string) {
	d.aborted = true
	d.abortReason = reason
}

// Aborted reports whether Abort was called.
func (d *dispatchContext) Aborted() bool {
	return d.aborted
}

// AbortReason returns the reason given to Abort.
func (d *dispatchContext) AbortReason() string {
	return d.abortReason
}

// Set stores a value for later middleware or the handler.
func (d *dispatchContext) Set(key string, value any) {
	if d.values == nil {
		d.values = make(map[string]any)
	}
	d.values[key] = value
}

// Get returns a value stored with Set.
func (d *dispatchContext) Get(key string) (any, bool) {
	v, ok := d.values[key]
	return v, ok
}

// CommandContext is threaded through command middleware for one attempt.
type CommandContext struct {
	dispatchContext
	Command domain.Command
	// Attempt is zero-based.
	Attempt int
}

// QueryContext is threaded through query middleware.
type QueryContext struct {
	dispatchContext
	Query domain.Query
}

// CommandMiddleware wraps command handling. It must call next at most once,
// or call Abort to short-circuit.
type CommandMiddleware func(mc *CommandContext, next Next) error

// QueryMiddleware wraps query handling with the same contract.
type QueryMiddleware func(qc *QueryContext, next Next) error

type aborter interface {
	Aborted() bool
}

func runChain[C aborter, M ~func(C, Next) error](c C, middlewares []M, final func() error) error {
	var run func(i int) error
	run = func(i int) error {
		if c.Aborted() {
			return nil
		}
		if i == len(middlewares) {
			return final()
		}

		called := false
		return middlewares[i](c, func() error {
			if called {
				return ErrNextCalledTwice
			}
			called = true
			return run(i + 1)
		})
	}
	return run(0)
}
