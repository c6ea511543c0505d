// Package handlers is the order and delivery note domain served by the
// engine: command deciders, appliers, queries, the order_summary read model
// and the checkout saga.
package handlers

import (
	"fmt"

	"example.com/backstage/cqrs/bus"
	"example.com/backstage/cqrs/engine"
)

// Register wires the domain into an engine. Payload schemas are added to
// validator when it is not nil.
func Register(e *engine.Engine, validator *bus.PayloadValidator) error {
	orders := NewOrderHandler()
	deliveries := NewDeliveryHandler()
	repo := e.Repository()

	commands := []struct {
		commandType   string
		aggregateType string
		decide        engine.Decider
		schema        any
	}{
		{CreateOrder, OrderAggregate, orders.HandleCreateOrder, CreateOrderCommand{}},
		{PayOrder, OrderAggregate, orders.HandlePayOrder, PayOrderCommand{}},
		{RefundOrder, OrderAggregate, orders.HandleRefundOrder, RefundOrderCommand{}},
		{ShipOrder, OrderAggregate, orders.HandleShipOrder, ShipOrderCommand{}},
		{CancelOrder, OrderAggregate, orders.HandleCancelOrder, CancelOrderCommand{}},
		{CreateDeliveryNote, DeliveryAggregate, deliveries.HandleCreateDeliveryNote, CreateDeliveryNoteCommand{}},
		{AddDeliveryItems, DeliveryAggregate, deliveries.HandleAddDeliveryItems, AddDeliveryItemsCommand{}},
		{RemoveDeliveryItem, DeliveryAggregate, deliveries.HandleRemoveDeliveryItem, RemoveDeliveryItemCommand{}},
		{VoidDeliveryNote, DeliveryAggregate, deliveries.HandleVoidDeliveryNote, VoidDeliveryNoteCommand{}},
	}
	for _, c := range commands {
		e.RegisterCommandHandler(c.commandType, engine.AggregateHandler(repo, c.aggregateType, c.decide))
		if validator != nil {
			validator.Register(c.commandType, c.schema)
		}
	}

	e.RegisterApplier(OrderAggregate, OrderCreated, applyOrderCreated)
	e.RegisterApplier(OrderAggregate, OrderPaid, applyOrderPaid)
	e.RegisterApplier(OrderAggregate, OrderRefunded, applyOrderRefunded)
	e.RegisterApplier(OrderAggregate, OrderShipped, applyOrderShipped)
	e.RegisterApplier(OrderAggregate, OrderCancelled, applyOrderCancelled)
	e.RegisterApplier(DeliveryAggregate, DeliveryNoteCreated, applyDeliveryNoteCreated)
	e.RegisterApplier(DeliveryAggregate, DeliveryItemsAdded, applyDeliveryItemsAdded)
	e.RegisterApplier(DeliveryAggregate, DeliveryItemRemoved, applyDeliveryItemRemoved)
	e.RegisterApplier(DeliveryAggregate, DeliveryNoteVoided, applyDeliveryNoteVoided)

	queries := NewQueryHandler(repo, e.Projections())
	e.RegisterQueryHandler(OrderDetailsQuery, queries.HandleOrderDetails)
	e.RegisterQueryHandler(DeliveryNoteQuery, queries.HandleDeliveryNote)
	e.RegisterQueryHandler(OrderSummaryQuery, queries.HandleOrderSummary)

	if err := e.RegisterProjection(OrderSummary()); err != nil {
		return fmt.Errorf("failed to register projection: %w", err)
	}
	if err := e.RegisterSaga(Checkout(e)); err != nil {
		return fmt.Errorf("failed to register saga: %w", err)
	}
	return nil
}
