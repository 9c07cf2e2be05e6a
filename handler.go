package eventlog

import (
	"context"
	"errors"
	"fmt"
)

// CommandLog is the slice of the event log a CommandHandler needs.
// EventLog satisfies it
type CommandLog interface {
	StreamReader

	AppendStream(ctx context.Context, stream string, expected ExpectedVersion, events []EventToStore) (*AppendResult, error)
}

// Decide is a pure decision function - it inspects current state and
// produces the events to append. It must not have side effects.
// Returned errors are business rule violations and propagate to the
// caller unmodified
type Decide[T any] func(state T) ([]EventToStore, error)

// NewCommandHandler constructs a command handler for one entity type.
// streamName maps an entity id to its stream name (eg. "guestStay-<id>")
func NewCommandHandler[T any](fold Fold[T], streamName func(id string) string) *CommandHandler[T] {
	return &CommandHandler[T]{
		fold:       fold,
		streamName: streamName,
	}
}

// CommandHandler composes the fold engine and the stream writer into a
// read-decide-append cycle for a single logical entity
type CommandHandler[T any] struct {
	fold       Fold[T]
	streamName func(id string) string
}

// Handle runs one read-decide-append cycle: it folds the entity's stream
// into state, calls decide and appends the produced events guarded with
// the stream version observed during the read. A concurrent writer
// therefore surfaces as ErrConcurrencyCheckFailed instead of silently
// winning, and the caller may retry the whole cycle (see HandleRetry).
// Returns a nil result without appending if decide produces no events
func (h *CommandHandler[T]) Handle(ctx context.Context, log CommandLog, id string, decide Decide[T]) (*AppendResult, error) {
	stream := h.streamName(id)

	state := h.fold.InitialState()
	version := 0

	evts, err := log.ReadStream(ctx, stream)
	if err != nil {
		if !errors.Is(err, ErrStreamNotFound) {
			return nil, err
		}
	} else {
		for _, evt := range evts {
			state = h.fold.Evolve(state, evt)
		}

		version = evts[len(evts)-1].StreamPosition
	}

	newEvents, err := decide(state)
	if err != nil {
		return nil, err
	}

	if len(newEvents) == 0 {
		return nil, nil
	}

	return log.AppendStream(ctx, stream, Exact(version), newEvents)
}

// HandleRetry runs Handle and replays the whole cycle on concurrency
// conflicts up to the given number of retries. Business rule errors are
// never retried
func (h *CommandHandler[T]) HandleRetry(ctx context.Context, log CommandLog, id string, decide Decide[T], retries int) (*AppendResult, error) {
	var lastErr error

	for attempt := 0; attempt <= retries; attempt++ {
		result, err := h.Handle(ctx, log, id, decide)
		if err == nil {
			return result, nil
		}

		if !errors.Is(err, ErrConcurrencyCheckFailed) {
			return nil, err
		}

		lastErr = err
	}

	return nil, fmt.Errorf("retries exhausted: %w", lastErr)
}
