package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"example.com/backstage/cqrs/domain"
)

type createOrderPayload struct {
	Total    float64 `json:"total" validate:"gt=0"`
	Customer string  `json:"customer" validate:"required"`
}

func TestPayloadValidatorAbortsInvalidCommands(t *testing.T) {
	b, q := testCommandBus(2)
	var calls int32
	b.Register("CreateOrder", okHandler(&calls))

	v := NewPayloadValidator()
	v.Register("CreateOrder", createOrderPayload{})
	b.Use(v.Middleware())

	result := b.Dispatch(context.Background(), domain.NewCommand("CreateOrder", "o", domain.Payload{"total": -1.0}))
	require.False(t, result.Success)
	require.ErrorIs(t, result.Err, domain.ErrAborted)
	require.Contains(t, result.Err.Error(), "Total failed on gt")
	require.Zero(t, calls)
	require.Equal(t, 0, q.Size())

	result = b.Dispatch(context.Background(), domain.NewCommand("CreateOrder", "o", domain.Payload{"total": 5.0, "customer": "ada"}))
	require.True(t, result.Success)
	require.EqualValues(t, 1, calls)
}

func TestPayloadValidatorIgnoresUnregisteredTypes(t *testing.T) {
	v := NewPayloadValidator()
	require.NoError(t, v.Validate(domain.NewCommand("Other", "o", nil)))
}

func TestRecoveryAndLoggingMiddleware(t *testing.T) {
	b, q := testCommandBus(0)
	b.Use(CommandLogging(), CommandRecovery(), CommandTracing(nil))
	b.Register("Panics", func(ctx context.Context, cmd domain.Command, mc *CommandContext) (domain.CommandResult, error) {
		panic("boom")
	})

	result := b.Dispatch(context.Background(), domain.NewCommand("Panics", "o", nil))
	require.False(t, result.Success)
	require.Contains(t, result.Err.Error(), "panic handling Panics: boom")
	require.Equal(t, 1, q.Size())
}

func TestQueryMiddlewarePassThrough(t *testing.T) {
	b := NewQueryBus(QueryBusConfig{}, nil)
	b.Use(QueryLogging(), QueryTracing(nil))
	b.Register("orders", func(ctx context.Context, q domain.Query, qc *QueryContext) (any, error) {
		return 42, nil
	})

	res, err := b.Dispatch(context.Background(), domain.NewQuery("orders", nil))
	require.NoError(t, err)
	require.Equal(t, 42, res.Data)
}
