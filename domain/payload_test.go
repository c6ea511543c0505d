package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPayloadCloneIsDeep(t *testing.T) {
	original := Payload{
		"total": 100.0,
		"customer": map[string]any{
			"name": "ada",
		},
		"lines": []any{map[string]any{"sku": "a"}},
	}

	clone := original.Clone()
	clone["customer"].(map[string]any)["name"] = "grace"
	clone["lines"].([]any)[0].(map[string]any)["sku"] = "b"
	clone["total"] = 1.0

	require.Equal(t, "ada", original["customer"].(map[string]any)["name"])
	require.Equal(t, "a", original["lines"].([]any)[0].(map[string]any)["sku"])
	require.Equal(t, 100.0, original["total"])
}

func TestPayloadCloneNil(t *testing.T) {
	var p Payload
	require.Nil(t, p.Clone())
}

func TestDecodePayload(t *testing.T) {
	type order struct {
		Total    float64 `json:"total"`
		Customer string  `json:"customer"`
	}

	var o order
	err := DecodePayload(Payload{"total": 42.5, "customer": "ada"}, &o)
	require.NoError(t, err)
	require.Equal(t, order{Total: 42.5, Customer: "ada"}, o)

	err = DecodePayload(Payload{"total": "not-a-number"}, &o)
	require.Error(t, err)
}

func TestEncodePayload(t *testing.T) {
	p, err := EncodePayload(struct {
		SKU string `json:"sku"`
		Qty int    `json:"qty"`
	}{SKU: "x", Qty: 2})
	require.NoError(t, err)
	require.Equal(t, "x", p.String("sku"))
	require.Equal(t, 2.0, p.Float("qty"))
}

func TestErrorsMatchSentinels(t *testing.T) {
	var err error = &ConcurrencyError{AggregateID: "a", Expected: 1, Actual: 2}
	require.True(t, errors.Is(err, ErrConcurrencyConflict))
	require.Contains(t, err.Error(), "expected version 1, actual 2")

	err = &AbortError{Reason: "forbidden"}
	require.True(t, errors.Is(err, ErrAborted))
	require.Equal(t, "dispatch aborted: forbidden", err.Error())
}

func TestNewCommandDefaults(t *testing.T) {
	cmd := NewCommand("CreateOrder", "order-1", Payload{"total": 1.0}, WithIdempotencyKey("k"), WithMaxRetries(2))
	require.NotEmpty(t, cmd.ID)
	require.Equal(t, cmd.ID, cmd.Metadata.CorrelationID)
	require.Equal(t, "k", cmd.Metadata.IdempotencyKey)
	require.Equal(t, 2, *cmd.Metadata.MaxRetries)

	ev := NewEvent("order-1", "order", "OrderCreated", nil).CausedBy(cmd)
	require.Equal(t, cmd.ID, ev.Metadata.CausationID)
	require.Equal(t, cmd.Metadata.CorrelationID, ev.Metadata.CorrelationID)
}
