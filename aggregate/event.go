package aggregate

import "time"

// Event represents a domain event produced by or applied to an aggregate
type Event struct {
	ID         string
	E          any
	OccurredOn time.Time

	CausationEventID   *string
	CorrelationEventID *string
	Meta               map[string]string
}
