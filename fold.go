package eventlog

import (
	"context"
	"errors"
)

// StreamReader reads a single stream in ascending stream position order.
// EventLog satisfies it
type StreamReader interface {
	ReadStream(ctx context.Context, stream string) ([]StoredEvent, error)
}

// Fold defines how a stream of events is reduced to caller-defined state
type Fold[T any] struct {
	// InitialState produces the state the fold starts from
	InitialState func() T

	// Evolve is a pure transition function applied once per event in
	// stream order
	Evolve func(state T, evt StoredEvent) T
}

// AggregateStream reads all events of a stream and folds them into state.
// The second return value reports whether the stream exists - a missing or
// empty stream yields (zero, false, nil) rather than an error so that the
// caller decides whether that means a new entity
func AggregateStream[T any](ctx context.Context, r StreamReader, stream string, fold Fold[T]) (T, bool, error) {
	var zero T

	evts, err := r.ReadStream(ctx, stream)
	if err != nil {
		if errors.Is(err, ErrStreamNotFound) {
			return zero, false, nil
		}

		return zero, false, err
	}

	state := fold.InitialState()

	for _, evt := range evts {
		state = fold.Evolve(state, evt)
	}

	return state, true, nil
}
