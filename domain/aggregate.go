package domain

// Aggregate is the state of an aggregate rebuilt from its events.
type Aggregate struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	State   State  `json:"state"`
	Version int    `json:"version"`
}

// Exists reports whether any event has been applied to the aggregate.
func (a Aggregate) Exists() bool {
	return a.Version > 0
}

// NextEvent creates an event for this aggregate. The version is left for the
// repository to assign.
func (a Aggregate) NextEvent(eventType string, payload Payload) Event {
	return NewEvent(a.ID, a.Type, eventType, payload)
}
