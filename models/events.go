package models

import (
	"time"
)

// Event represents a domain event in the database. The auto-increment ID is
// the event's position in the global log.
type Event struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	EventID       string    `gorm:"uniqueIndex" json:"event_id"`
	AggregateID   string    `gorm:"uniqueIndex:idx_events_aggregate_version" json:"aggregate_id"`
	AggregateType string    `json:"aggregate_type"`
	EventType     string    `gorm:"index" json:"event_type"`
	Data          []byte    `json:"data"`
	Metadata      []byte    `json:"metadata"`
	Version       int       `gorm:"uniqueIndex:idx_events_aggregate_version" json:"version"`
	Timestamp     time.Time `gorm:"index" json:"timestamp"`
	CreatedAt     time.Time `json:"created_at"`
}

// Snapshot holds the latest folded state of an aggregate.
type Snapshot struct {
	AggregateID   string    `gorm:"primaryKey" json:"aggregate_id"`
	AggregateType string    `json:"aggregate_type"`
	Version       int       `json:"version"`
	State         []byte    `json:"state"`
	Timestamp     time.Time `json:"timestamp"`
	UpdatedAt     time.Time `json:"updated_at"`
}
