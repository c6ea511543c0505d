package handlers

import (
	"example.com/backstage/cqrs/domain"
	"example.com/backstage/cqrs/projections"
)

// OrderSummaryProjection is the read model name
const OrderSummaryProjection = "order_summary"

// OrderSummary counts orders per status and tracks net revenue
func OrderSummary() projections.Definition {
	return projections.Definition{
		Name:       OrderSummaryProjection,
		EventTypes: []string{OrderCreated, OrderPaid, OrderRefunded, OrderShipped, OrderCancelled},
		InitialState: domain.State{
			"orders":    0.0,
			"revenue":   0.0,
			"by_status": map[string]any{},
			"statuses":  map[string]any{},
		},
		Handler: projectOrderSummary,
	}
}

func projectOrderSummary(event domain.Event, state domain.State) (domain.State, error) {
	byStatus := asMap(state["by_status"])
	statuses := asMap(state["statuses"])

	var status string
	switch event.Type {
	case OrderCreated:
		state["orders"] = state.Float("orders") + 1
		status = StatusCreated
	case OrderPaid:
		state["revenue"] = state.Float("revenue") + event.Payload.Float("amount")
		status = StatusPaid
	case OrderRefunded:
		state["revenue"] = state.Float("revenue") - event.Payload.Float("amount")
		status = StatusRefunded
	case OrderShipped:
		status = StatusShipped
	case OrderCancelled:
		status = StatusCancelled
	default:
		return state, nil
	}

	if previous, ok := statuses[event.AggregateID].(string); ok {
		byStatus[previous] = domain.Payload(byStatus).Float(previous) - 1
	}
	byStatus[status] = domain.Payload(byStatus).Float(status) + 1
	statuses[event.AggregateID] = status

	state["by_status"] = byStatus
	state["statuses"] = statuses
	return state, nil
}

func asMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case domain.Payload:
		return m
	}
	return map[string]any{}
}
