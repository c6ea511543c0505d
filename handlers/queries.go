package handlers

import (
	"context"
	"fmt"

	"example.com/backstage/cqrs/bus"
	"example.com/backstage/cqrs/domain"
	"example.com/backstage/cqrs/projections"
	"example.com/backstage/cqrs/repository"
)

// Query types
const (
	OrderDetailsQuery = "order_details"
	DeliveryNoteQuery = "delivery_note"
	OrderSummaryQuery = "order_summary"
)

// ErrNotFound is returned by queries for aggregates without events.
var ErrNotFound = domain.ErrNotFound

// QueryHandler answers read requests from aggregates and projections
type QueryHandler struct {
	repo        *repository.Repository
	projections *projections.Manager
}

// NewQueryHandler creates a new query handler
func NewQueryHandler(repo *repository.Repository, pm *projections.Manager) *QueryHandler {
	return &QueryHandler{repo: repo, projections: pm}
}

// HandleOrderDetails returns one order. Params: id.
func (h *QueryHandler) HandleOrderDetails(ctx context.Context, q domain.Query, qc *bus.QueryContext) (any, error) {
	return h.loadAggregate(ctx, q.Params.String("id"), OrderAggregate)
}

// HandleDeliveryNote returns one delivery note. Params: id.
func (h *QueryHandler) HandleDeliveryNote(ctx context.Context, q domain.Query, qc *bus.QueryContext) (any, error) {
	return h.loadAggregate(ctx, q.Params.String("id"), DeliveryAggregate)
}

// HandleOrderSummary returns the order_summary read model without the
// per-order status index
func (h *QueryHandler) HandleOrderSummary(ctx context.Context, q domain.Query, qc *bus.QueryContext) (any, error) {
	state, ok := h.projections.State(OrderSummaryProjection)
	if !ok {
		return nil, fmt.Errorf("%w: projection %s", ErrNotFound, OrderSummaryProjection)
	}
	delete(state, "statuses")
	return state, nil
}

func (h *QueryHandler) loadAggregate(ctx context.Context, id, aggregateType string) (domain.Aggregate, error) {
	if id == "" {
		return domain.Aggregate{}, fmt.Errorf("query param id is required")
	}
	agg, err := h.repo.Load(ctx, id, aggregateType)
	if err != nil {
		return domain.Aggregate{}, err
	}
	if !agg.Exists() {
		return domain.Aggregate{}, fmt.Errorf("%w: %s %s", ErrNotFound, aggregateType, id)
	}
	return agg, nil
}
