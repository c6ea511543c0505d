package handlers

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"example.com/backstage/cqrs/domain"
)

// Order aggregate, commands and events
const (
	OrderAggregate = "order"

	CreateOrder = "CreateOrder"
	PayOrder    = "PayOrder"
	RefundOrder = "RefundOrder"
	ShipOrder   = "ShipOrder"
	CancelOrder = "CancelOrder"

	OrderCreated   = "OrderCreated"
	OrderPaid      = "OrderPaid"
	OrderRefunded  = "OrderRefunded"
	OrderShipped   = "OrderShipped"
	OrderCancelled = "OrderCancelled"
)

// Order statuses
const (
	StatusCreated   = "created"
	StatusPaid      = "paid"
	StatusRefunded  = "refunded"
	StatusShipped   = "shipped"
	StatusCancelled = "cancelled"
)

// ErrRejected marks commands refused by business rules.
var ErrRejected = errors.New("command rejected")

// Command structs
type OrderItem struct {
	SKU      string  `json:"sku" validate:"required"`
	Quantity int     `json:"quantity" validate:"gt=0"`
	Price    float64 `json:"price" validate:"gte=0"`
}

type CreateOrderCommand struct {
	Customer string      `json:"customer" validate:"required"`
	Total    float64     `json:"total" validate:"gt=0"`
	Items    []OrderItem `json:"items" validate:"dive"`
}

type PayOrderCommand struct {
	Amount     float64 `json:"amount" validate:"gt=0"`
	PaymentRef string  `json:"payment_ref" validate:"required"`
}

type RefundOrderCommand struct {
	Reason string `json:"reason" validate:"required"`
}

type ShipOrderCommand struct {
	DeliveryNoteID string `json:"delivery_note_id" validate:"required,aggregate_id"`
}

type CancelOrderCommand struct {
	Reason string `json:"reason" validate:"required"`
}

// OrderHandler decides order commands against the current aggregate state.
type OrderHandler struct{}

// NewOrderHandler creates a new order handler
func NewOrderHandler() *OrderHandler {
	return &OrderHandler{}
}

// HandleCreateOrder opens a new order
func (h *OrderHandler) HandleCreateOrder(agg domain.Aggregate, cmd domain.Command) ([]domain.Event, error) {
	log.Info().Str("aggregateID", cmd.AggregateID).Msg("Handling CreateOrder command")

	if agg.Exists() {
		return nil, rejected("order %s already exists", agg.ID)
	}

	var c CreateOrderCommand
	if err := domain.DecodePayload(cmd.Payload, &c); err != nil {
		return nil, err
	}

	payload, err := domain.EncodePayload(c)
	if err != nil {
		return nil, err
	}
	return []domain.Event{agg.NextEvent(OrderCreated, payload)}, nil
}

// HandlePayOrder records a payment covering the order total
func (h *OrderHandler) HandlePayOrder(agg domain.Aggregate, cmd domain.Command) ([]domain.Event, error) {
	log.Info().Str("aggregateID", cmd.AggregateID).Msg("Handling PayOrder command")

	if err := requireStatus(agg, StatusCreated); err != nil {
		return nil, err
	}

	var c PayOrderCommand
	if err := domain.DecodePayload(cmd.Payload, &c); err != nil {
		return nil, err
	}
	if total := agg.State.Float("total"); c.Amount < total {
		return nil, rejected("payment of %.2f does not cover order total %.2f", c.Amount, total)
	}

	return []domain.Event{agg.NextEvent(OrderPaid, domain.Payload{
		"amount":      c.Amount,
		"payment_ref": c.PaymentRef,
	})}, nil
}

// HandleRefundOrder returns the payment of an unshipped order
func (h *OrderHandler) HandleRefundOrder(agg domain.Aggregate, cmd domain.Command) ([]domain.Event, error) {
	log.Info().Str("aggregateID", cmd.AggregateID).Msg("Handling RefundOrder command")

	if err := requireStatus(agg, StatusPaid); err != nil {
		return nil, err
	}

	var c RefundOrderCommand
	if err := domain.DecodePayload(cmd.Payload, &c); err != nil {
		return nil, err
	}

	return []domain.Event{agg.NextEvent(OrderRefunded, domain.Payload{
		"amount": agg.State.Float("paid_amount"),
		"reason": c.Reason,
	})}, nil
}

// HandleShipOrder hands a paid order over to a delivery note
func (h *OrderHandler) HandleShipOrder(agg domain.Aggregate, cmd domain.Command) ([]domain.Event, error) {
	log.Info().Str("aggregateID", cmd.AggregateID).Msg("Handling ShipOrder command")

	if err := requireStatus(agg, StatusPaid); err != nil {
		return nil, err
	}

	var c ShipOrderCommand
	if err := domain.DecodePayload(cmd.Payload, &c); err != nil {
		return nil, err
	}

	return []domain.Event{agg.NextEvent(OrderShipped, domain.Payload{
		"delivery_note_id": c.DeliveryNoteID,
	})}, nil
}

// HandleCancelOrder cancels an order that has not shipped
func (h *OrderHandler) HandleCancelOrder(agg domain.Aggregate, cmd domain.Command) ([]domain.Event, error) {
	log.Info().Str("aggregateID", cmd.AggregateID).Msg("Handling CancelOrder command")

	if err := requireStatus(agg, StatusCreated, StatusRefunded); err != nil {
		return nil, err
	}

	var c CancelOrderCommand
	if err := domain.DecodePayload(cmd.Payload, &c); err != nil {
		return nil, err
	}

	return []domain.Event{agg.NextEvent(OrderCancelled, domain.Payload{"reason": c.Reason})}, nil
}

func applyOrderCreated(state domain.State, event domain.Event) domain.State {
	next := state.Clone()
	next["status"] = StatusCreated
	next["customer"] = event.Payload.String("customer")
	next["total"] = event.Payload.Float("total")
	next["items"] = event.Payload.Clone()["items"]
	return next
}

func applyOrderPaid(state domain.State, event domain.Event) domain.State {
	next := state.Clone()
	next["status"] = StatusPaid
	next["paid_amount"] = event.Payload.Float("amount")
	next["payment_ref"] = event.Payload.String("payment_ref")
	return next
}

func applyOrderRefunded(state domain.State, event domain.Event) domain.State {
	next := state.Clone()
	next["status"] = StatusRefunded
	next["refund_reason"] = event.Payload.String("reason")
	return next
}

func applyOrderShipped(state domain.State, event domain.Event) domain.State {
	next := state.Clone()
	next["status"] = StatusShipped
	next["delivery_note_id"] = event.Payload.String("delivery_note_id")
	return next
}

func applyOrderCancelled(state domain.State, event domain.Event) domain.State {
	next := state.Clone()
	next["status"] = StatusCancelled
	next["cancel_reason"] = event.Payload.String("reason")
	return next
}

func requireStatus(agg domain.Aggregate, allowed ...string) error {
	if !agg.Exists() {
		return rejected("order %s does not exist", agg.ID)
	}
	status := agg.State.String("status")
	for _, s := range allowed {
		if status == s {
			return nil
		}
	}
	return rejected("order %s is %s", agg.ID, status)
}

func rejected(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRejected, fmt.Sprintf(format, args...))
}
