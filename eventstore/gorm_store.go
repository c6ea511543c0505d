package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/backstage/cqrs/domain"
	"example.com/backstage/cqrs/models"
)

// GormEventStore implements EventStore using GORM
type GormEventStore struct {
	*Broker
	db *gorm.DB
}

// NewGormEventStore creates a new GORM event store
func NewGormEventStore(db *gorm.DB) *GormEventStore {
	return &GormEventStore{Broker: NewBroker(), db: db}
}

// Migrate creates the event and snapshot tables
func (s *GormEventStore) Migrate() error {
	return s.db.AutoMigrate(&models.Event{}, &models.Snapshot{})
}

// Append saves events in a single transaction
func (s *GormEventStore) Append(ctx context.Context, events ...domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, event := range events {
			dbEvent, err := toModel(event)
			if err != nil {
				return err
			}

			if err := tx.Create(&dbEvent).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return &domain.ConcurrencyError{
						AggregateID: event.AggregateID,
						Expected:    event.Version - 1,
						Actual:      event.Version,
					}
				}
				return fmt.Errorf("failed to save event: %w", err)
			}

			log.Debug().
				Str("aggregateID", event.AggregateID).
				Str("eventType", event.Type).
				Int("version", event.Version).
				Msg("Event saved")
		}
		return nil
	})
}

// EventsForAggregate gets the events of an aggregate after a version
func (s *GormEventStore) EventsForAggregate(ctx context.Context, aggregateID string, afterVersion int) ([]domain.Event, error) {
	var dbEvents []models.Event
	if err := s.db.WithContext(ctx).
		Where("aggregate_id = ? AND version > ?", aggregateID, afterVersion).
		Order("version ASC").
		Find(&dbEvents).Error; err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	return fromModels(dbEvents)
}

// EventsByType gets events of one type
func (s *GormEventStore) EventsByType(ctx context.Context, eventType string, since time.Time) ([]domain.Event, error) {
	query := s.db.WithContext(ctx).Where("event_type = ?", eventType)
	if !since.IsZero() {
		query = query.Where("timestamp >= ?", since)
	}

	var dbEvents []models.Event
	if err := query.Order("id ASC").Find(&dbEvents).Error; err != nil {
		return nil, fmt.Errorf("failed to get events by type: %w", err)
	}
	return fromModels(dbEvents)
}

// AllEvents scans the global log by row id
func (s *GormEventStore) AllEvents(ctx context.Context, afterPosition, limit int) ([]Record, error) {
	query := s.db.WithContext(ctx).Where("id > ?", afterPosition).Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var dbEvents []models.Event
	if err := query.Find(&dbEvents).Error; err != nil {
		return nil, fmt.Errorf("failed to scan events: %w", err)
	}

	records := make([]Record, len(dbEvents))
	for i, dbEvent := range dbEvents {
		event, err := fromModel(dbEvent)
		if err != nil {
			return nil, err
		}
		records[i] = Record{Position: int(dbEvent.ID), Event: event}
	}
	return records, nil
}

// SaveSnapshot upserts the latest snapshot of an aggregate
func (s *GormEventStore) SaveSnapshot(ctx context.Context, snapshot domain.Snapshot) error {
	state, err := json.Marshal(snapshot.State)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot state: %w", err)
	}

	row := models.Snapshot{
		AggregateID:   snapshot.AggregateID,
		AggregateType: snapshot.AggregateType,
		Version:       snapshot.Version,
		State:         state,
		Timestamp:     snapshot.Timestamp,
	}

	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "aggregate_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"aggregate_type", "version", "state", "timestamp", "updated_at"}),
	}).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Snapshot loads the latest snapshot of an aggregate
func (s *GormEventStore) Snapshot(ctx context.Context, aggregateID string) (domain.Snapshot, bool, error) {
	var row models.Snapshot
	err := s.db.WithContext(ctx).Where("aggregate_id = ?", aggregateID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Snapshot{}, false, nil
	}
	if err != nil {
		return domain.Snapshot{}, false, fmt.Errorf("failed to load snapshot: %w", err)
	}

	var state domain.State
	if err := json.Unmarshal(row.State, &state); err != nil {
		return domain.Snapshot{}, false, fmt.Errorf("failed to unmarshal snapshot state: %w", err)
	}

	return domain.Snapshot{
		AggregateID:   row.AggregateID,
		AggregateType: row.AggregateType,
		Version:       row.Version,
		State:         state,
		Timestamp:     row.Timestamp,
	}, true, nil
}

func toModel(event domain.Event) (models.Event, error) {
	data, err := json.Marshal(event.Payload)
	if err != nil {
		return models.Event{}, fmt.Errorf("failed to marshal event data: %w", err)
	}
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return models.Event{}, fmt.Errorf("failed to marshal event metadata: %w", err)
	}

	return models.Event{
		EventID:       event.ID,
		AggregateID:   event.AggregateID,
		AggregateType: event.AggregateType,
		EventType:     event.Type,
		Data:          data,
		Metadata:      metadata,
		Version:       event.Version,
		Timestamp:     event.OccurredAt,
	}, nil
}

func fromModel(dbEvent models.Event) (domain.Event, error) {
	event := domain.Event{
		ID:            dbEvent.EventID,
		AggregateID:   dbEvent.AggregateID,
		AggregateType: dbEvent.AggregateType,
		Type:          dbEvent.EventType,
		Version:       dbEvent.Version,
		OccurredAt:    dbEvent.Timestamp,
	}

	if len(dbEvent.Data) > 0 {
		if err := json.Unmarshal(dbEvent.Data, &event.Payload); err != nil {
			return domain.Event{}, fmt.Errorf("failed to unmarshal event data: %w", err)
		}
	}
	if len(dbEvent.Metadata) > 0 {
		if err := json.Unmarshal(dbEvent.Metadata, &event.Metadata); err != nil {
			return domain.Event{}, fmt.Errorf("failed to unmarshal event metadata: %w", err)
		}
	}
	return event, nil
}

func fromModels(dbEvents []models.Event) ([]domain.Event, error) {
	events := make([]domain.Event, len(dbEvents))
	for i, dbEvent := range dbEvents {
		event, err := fromModel(dbEvent)
		if err != nil {
			return nil, err
		}
		events[i] = event
	}
	return events, nil
}
