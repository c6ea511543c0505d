package handlers

import (
	"context"
	"fmt"

	"example.com/backstage/cqrs/domain"
	"example.com/backstage/cqrs/saga"
	"example.com/backstage/cqrs/utils"
)

// CheckoutSaga creates, pays and ships an order across the order and
// delivery note aggregates
const CheckoutSaga = "checkout"

// Dispatcher sends commands. The engine implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd domain.Command) domain.CommandResult
}

// CheckoutData is the initial data of a checkout saga
type CheckoutData struct {
	OrderID        string      `json:"order_id" validate:"required,aggregate_id"`
	Customer       string      `json:"customer" validate:"required"`
	Total          float64     `json:"total" validate:"gt=0"`
	Items          []OrderItem `json:"items" validate:"required,min=1,dive"`
	OrganizationID string      `json:"organization_id" validate:"required"`
}

// Checkout builds the checkout saga definition
func Checkout(d Dispatcher) saga.Definition {
	return saga.Definition{
		ID: CheckoutSaga,
		Steps: []saga.Step{
			{
				Name:    "create_order",
				Retries: 2,
				Execute: func(ctx context.Context, sc *saga.Context) error {
					data, err := checkoutData(sc)
					if err != nil {
						return err
					}
					normalized, err := domain.EncodePayload(data)
					if err != nil {
						return err
					}
					sc.Data["items"] = normalized["items"]
					return send(ctx, d, sc, domain.NewCommand(CreateOrder, data.OrderID, domain.Payload{
						"customer": data.Customer,
						"total":    data.Total,
						"items":    sc.Data["items"],
					}))
				},
				Compensate: func(ctx context.Context, sc *saga.Context) error {
					return send(ctx, d, sc, domain.NewCommand(CancelOrder, sc.Data.String("order_id"), domain.Payload{
						"reason": "checkout failed",
					}))
				},
			},
			{
				Name:    "pay_order",
				Retries: 2,
				Execute: func(ctx context.Context, sc *saga.Context) error {
					return send(ctx, d, sc, domain.NewCommand(PayOrder, sc.Data.String("order_id"), domain.Payload{
						"amount":      sc.Data.Float("total"),
						"payment_ref": sc.InstanceID,
					}))
				},
				Compensate: func(ctx context.Context, sc *saga.Context) error {
					return send(ctx, d, sc, domain.NewCommand(RefundOrder, sc.Data.String("order_id"), domain.Payload{
						"reason": "checkout failed",
					}))
				},
			},
			{
				Name:    "prepare_delivery",
				Retries: 2,
				Execute: func(ctx context.Context, sc *saga.Context) error {
					orderID := sc.Data.String("order_id")
					noteID := "dn-" + orderID
					err := send(ctx, d, sc, domain.NewCommand(CreateDeliveryNote, noteID, domain.Payload{
						"organization_id": sc.Data.String("organization_id"),
						"order_id":        orderID,
					}))
					if err != nil {
						return err
					}
					sc.Data["delivery_note_id"] = noteID
					return send(ctx, d, sc, domain.NewCommand(AddDeliveryItems, noteID, domain.Payload{
						"delivery_items": deliveryItemsFor(sc.Data["items"]),
					}))
				},
				Compensate: func(ctx context.Context, sc *saga.Context) error {
					return send(ctx, d, sc, domain.NewCommand(VoidDeliveryNote, sc.Data.String("delivery_note_id"), domain.Payload{
						"reason": "checkout failed",
					}))
				},
			},
			{
				Name: "ship_order",
				Execute: func(ctx context.Context, sc *saga.Context) error {
					return send(ctx, d, sc, domain.NewCommand(ShipOrder, sc.Data.String("order_id"), domain.Payload{
						"delivery_note_id": sc.Data.String("delivery_note_id"),
					}))
				},
			},
		},
	}
}

func checkoutData(sc *saga.Context) (CheckoutData, error) {
	var data CheckoutData
	if err := domain.DecodePayload(sc.Data, &data); err != nil {
		return data, err
	}
	if err := utils.ValidateStruct(data); err != nil {
		return data, fmt.Errorf("invalid checkout data: %s", utils.ValidationMessage(err))
	}
	return data, nil
}

// send dispatches a command correlated to the saga instance. Commands are
// keyed by instance so a retried step does not apply twice.
func send(ctx context.Context, d Dispatcher, sc *saga.Context, cmd domain.Command) error {
	cmd.Metadata.CorrelationID = sc.InstanceID
	cmd.Metadata.IdempotencyKey = sc.InstanceID + ":" + cmd.Type + ":" + cmd.AggregateID

	result := d.Dispatch(ctx, cmd)
	if !result.Success {
		return fmt.Errorf("%s on %s: %w", cmd.Type, cmd.AggregateID, result.Err)
	}
	return nil
}

func deliveryItemsFor(items any) []any {
	list, _ := items.([]any)
	out := make([]any, 0, len(list))
	for _, raw := range list {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, map[string]any{
			"sku":      item["sku"],
			"quantity": item["quantity"],
		})
	}
	return out
}
