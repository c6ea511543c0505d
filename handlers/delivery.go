package handlers

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"example.com/backstage/cqrs/domain"
)

// Delivery note aggregate, commands and events
const (
	DeliveryAggregate = "delivery_note"

	CreateDeliveryNote = "CreateDeliveryNote"
	AddDeliveryItems   = "AddDeliveryItems"
	RemoveDeliveryItem = "RemoveDeliveryItem"
	VoidDeliveryNote   = "VoidDeliveryNote"

	DeliveryNoteCreated = "DeliveryNoteCreated"
	DeliveryItemsAdded  = "DeliveryItemsAdded"
	DeliveryItemRemoved = "DeliveryItemRemoved"
	DeliveryNoteVoided  = "DeliveryNoteVoided"
)

// DeliveryItem is one line of a delivery note
type DeliveryItem struct {
	ID       string `json:"id"`
	SKU      string `json:"sku" validate:"required"`
	Quantity int    `json:"quantity" validate:"gt=0"`
}

// Command structs
type CreateDeliveryNoteCommand struct {
	OrganizationID string `json:"organization_id" validate:"required"`
	OrderID        string `json:"order_id"`
}

type AddDeliveryItemsCommand struct {
	DeliveryItems []DeliveryItem `json:"delivery_items" validate:"required,min=1,dive"`
}

type RemoveDeliveryItemCommand struct {
	ItemID string `json:"item_id" validate:"required"`
}

type VoidDeliveryNoteCommand struct {
	Reason string `json:"reason" validate:"required"`
}

// DeliveryHandler decides delivery note commands
type DeliveryHandler struct{}

// NewDeliveryHandler creates a new delivery handler
func NewDeliveryHandler() *DeliveryHandler {
	return &DeliveryHandler{}
}

// HandleCreateDeliveryNote creates a new delivery note
func (h *DeliveryHandler) HandleCreateDeliveryNote(agg domain.Aggregate, cmd domain.Command) ([]domain.Event, error) {
	log.Info().Str("aggregateID", cmd.AggregateID).Msg("Handling CreateDeliveryNote command")

	if agg.Exists() {
		return nil, rejected("delivery note already exists with ID %s", agg.ID)
	}

	var c CreateDeliveryNoteCommand
	if err := domain.DecodePayload(cmd.Payload, &c); err != nil {
		return nil, err
	}

	return []domain.Event{agg.NextEvent(DeliveryNoteCreated, domain.Payload{
		"organization_id": c.OrganizationID,
		"order_id":        c.OrderID,
	})}, nil
}

// HandleAddDeliveryItems adds items to a delivery note
func (h *DeliveryHandler) HandleAddDeliveryItems(agg domain.Aggregate, cmd domain.Command) ([]domain.Event, error) {
	log.Info().Str("aggregateID", cmd.AggregateID).Msg("Handling AddDeliveryItems command")

	if err := requireOpenNote(agg); err != nil {
		return nil, err
	}

	var c AddDeliveryItemsCommand
	if err := domain.DecodePayload(cmd.Payload, &c); err != nil {
		return nil, err
	}
	for i := range c.DeliveryItems {
		if c.DeliveryItems[i].ID == "" {
			c.DeliveryItems[i].ID = uuid.New().String()
		}
	}

	payload, err := domain.EncodePayload(c)
	if err != nil {
		return nil, err
	}
	return []domain.Event{agg.NextEvent(DeliveryItemsAdded, payload)}, nil
}

// HandleRemoveDeliveryItem removes an item from a delivery note
func (h *DeliveryHandler) HandleRemoveDeliveryItem(agg domain.Aggregate, cmd domain.Command) ([]domain.Event, error) {
	log.Info().Str("aggregateID", cmd.AggregateID).Msg("Handling RemoveDeliveryItem command")

	if err := requireOpenNote(agg); err != nil {
		return nil, err
	}

	var c RemoveDeliveryItemCommand
	if err := domain.DecodePayload(cmd.Payload, &c); err != nil {
		return nil, err
	}
	if _, ok := deliveryItems(agg.State)[c.ItemID]; !ok {
		return nil, rejected("delivery note %s has no item %s", agg.ID, c.ItemID)
	}

	return []domain.Event{agg.NextEvent(DeliveryItemRemoved, domain.Payload{"id": c.ItemID})}, nil
}

// HandleVoidDeliveryNote voids a delivery note so nothing ships on it
func (h *DeliveryHandler) HandleVoidDeliveryNote(agg domain.Aggregate, cmd domain.Command) ([]domain.Event, error) {
	log.Info().Str("aggregateID", cmd.AggregateID).Msg("Handling VoidDeliveryNote command")

	if err := requireOpenNote(agg); err != nil {
		return nil, err
	}

	var c VoidDeliveryNoteCommand
	if err := domain.DecodePayload(cmd.Payload, &c); err != nil {
		return nil, err
	}

	return []domain.Event{agg.NextEvent(DeliveryNoteVoided, domain.Payload{"reason": c.Reason})}, nil
}

func applyDeliveryNoteCreated(state domain.State, event domain.Event) domain.State {
	next := state.Clone()
	next["organization_id"] = event.Payload.String("organization_id")
	next["order_id"] = event.Payload.String("order_id")
	next["items"] = map[string]any{}
	next["voided"] = false
	return next
}

func applyDeliveryItemsAdded(state domain.State, event domain.Event) domain.State {
	next := state.Clone()
	items := deliveryItems(next)
	added, _ := event.Payload["delivery_items"].([]any)
	for _, raw := range added {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if id, _ := item["id"].(string); id != "" {
			items[id] = map[string]any(domain.Payload(item).Clone())
		}
	}
	next["items"] = items
	return next
}

func applyDeliveryItemRemoved(state domain.State, event domain.Event) domain.State {
	next := state.Clone()
	items := deliveryItems(next)
	delete(items, event.Payload.String("id"))
	next["items"] = items
	return next
}

func applyDeliveryNoteVoided(state domain.State, event domain.Event) domain.State {
	next := state.Clone()
	next["voided"] = true
	next["void_reason"] = event.Payload.String("reason")
	return next
}

func deliveryItems(state domain.State) map[string]any {
	switch items := state["items"].(type) {
	case map[string]any:
		return items
	case domain.Payload:
		return items
	}
	return map[string]any{}
}

func requireOpenNote(agg domain.Aggregate) error {
	if !agg.Exists() {
		return rejected("delivery note %s does not exist", agg.ID)
	}
	if voided, _ := agg.State["voided"].(bool); voided {
		return rejected("delivery note %s is voided", agg.ID)
	}
	return nil
}
