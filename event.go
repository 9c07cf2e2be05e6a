package eventlog

import "time"

// EventToStore represents an event that is to be appended to the event log
type EventToStore struct {
	Event any

	// Optional
	ID                 string
	CausationEventID   string
	CorrelationEventID string
	Meta               map[string]string
	OccurredOn         time.Time
}

// StoredEvent holds committed event data and meta data
type StoredEvent struct {
	Event any
	Meta  map[string]string

	ID                 string
	GlobalPosition     uint64
	Type               string
	CausationEventID   *string
	CorrelationEventID *string
	StreamID           string
	StreamPosition     int
	OccurredOn         time.Time
}
