package aggregate

import (
	"context"
	"errors"

	"github.com/aneshas/eventlog"
)

// ErrAggregateNotFound is returned by ByID when no events exist for the
// aggregate's stream
var ErrAggregateNotFound = errors.New("aggregate not found")

// Rooter is implemented by aggregates embedding Root
type Rooter interface {
	Rehydrate(aggregatePtr any, events ...Event)
	StringID() string
	Events() []Event
	Version() int
}

// EventLog is the slice of the event log the aggregate store needs
type EventLog interface {
	AppendStream(ctx context.Context, stream string, expected eventlog.ExpectedVersion, events []eventlog.EventToStore) (*eventlog.AppendResult, error)
	ReadStream(ctx context.Context, stream string) ([]eventlog.StoredEvent, error)
}

// NewStore constructs a new event sourced aggregate store
func NewStore[T Rooter](log EventLog) *Store[T] {
	return &Store[T]{
		log: log,
	}
}

// Store represents an event sourced aggregate store
type Store[T Rooter] struct {
	log EventLog
}

// Save appends the aggregate's uncommitted events to its stream, guarded
// with the version the aggregate was rehydrated at - concurrent saves of
// the same aggregate surface as eventlog.ErrConcurrencyCheckFailed.
// Optional meta data, causation and correlation ids are picked up from
// the context (see CtxWithMeta and friends)
func (s *Store[T]) Save(ctx context.Context, aggregate T) error {
	var events []eventlog.EventToStore

	for _, evt := range aggregate.Events() {
		events = append(events, eventlog.EventToStore{
			Event:              evt.E,
			ID:                 evt.ID,
			OccurredOn:         evt.OccurredOn,
			CausationEventID:   causationIDFromCtx(ctx),
			CorrelationEventID: correlationIDFromCtx(ctx),
			Meta:               metaFromCtx(ctx),
		})
	}

	if len(events) == 0 {
		return nil
	}

	_, err := s.log.AppendStream(
		ctx,
		aggregate.StringID(),
		eventlog.Exact(aggregate.Version()),
		events,
	)

	return err
}

// ByID finds the aggregate's events by its id and rehydrates the provided
// aggregate instance from them
func (s *Store[T]) ByID(ctx context.Context, id string, into T) error {
	storedEvents, err := s.log.ReadStream(ctx, id)
	if err != nil {
		if errors.Is(err, eventlog.ErrStreamNotFound) {
			return ErrAggregateNotFound
		}

		return err
	}

	var events []Event

	for _, evt := range storedEvents {
		events = append(events, Event{
			ID:                 evt.ID,
			E:                  evt.Event,
			OccurredOn:         evt.OccurredOn,
			CausationEventID:   evt.CausationEventID,
			CorrelationEventID: evt.CorrelationEventID,
			Meta:               evt.Meta,
		})
	}

	into.Rehydrate(into, events...)

	return nil
}
