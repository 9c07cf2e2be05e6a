// Package relay adapts externally pushed event payloads (eg. from a change
// data capture relay posting committed events over HTTP) to in-process
// projection handlers, translating handler outcomes to the relay's
// retry policy
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aneshas/eventlog"
	"github.com/relvacode/iso8601"
)

var (
	// ErrRetry instructs the relay to redeliver the event later.
	// It is also the fallback policy for any unclassified handler error
	ErrRetry = errors.New("retry delivery")

	// ErrKeepItGoing instructs the relay to move on to the next event
	// despite the failure
	ErrKeepItGoing = errors.New("keep it going")
)

// SuccessResp is the success policy response
var SuccessResp = `{
  "result": {
    "success": {}
  }
}`

// RetryResp is the retry policy response
var RetryResp = `{
  "result": {
    "error": {
      "policy": "must_retry",
      "class": "must retry it",
      "description": "must retry it"
    }
  }
}`

// KeepGoingResp is the keep going policy response
var KeepGoingResp = `{
  "result": {
    "error": {
      "policy": "keep_going",
      "class": "keep it going",
      "description": "keep it going"
    }
  }
}`

// Handler handles a single pushed event
type Handler func(evt eventlog.StoredEvent) error

// New constructs a new push projection relay
func New(dec Decoder) *Relay {
	return &Relay{dec: dec}
}

// Decoder is an interface for decoding pushed events
type Decoder interface {
	Decode(*eventlog.EncodedEvt) (any, error)
}

// Relay decodes pushed event payloads and hands them to projection handlers
type Relay struct {
	dec Decoder
}

// Req is the relayed projection request
type Req struct {
	Payload Payload `json:"payload"`
}

// Payload is the relayed projection request payload - a json envelope
// mirroring a stored event
type Payload struct {
	Event              string  `json:"data"`
	Meta               *string `json:"meta"`
	ID                 string  `json:"id"`
	GlobalPosition     uint64  `json:"global_position"`
	Type               string  `json:"type"`
	CausationEventID   *string `json:"causation_event_id"`
	CorrelationEventID *string `json:"correlation_event_id"`
	StreamID           string  `json:"stream_id"`
	StreamPosition     int     `json:"stream_position"`
	OccurredOn         string  `json:"occurred_on"`
}

// Project decodes the pushed payload and applies the handler.
// Events whose type is not registered with the decoder are acknowledged
// and skipped. Malformed payloads resolve to the retry policy
func (r *Relay) Project(_ context.Context, handler Handler, data []byte) error {
	var event Req

	err := json.Unmarshal(data, &event)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRetry, err)
	}

	decoded, err := r.dec.Decode(&eventlog.EncodedEvt{
		Data: event.Payload.Event,
		Type: event.Payload.Type,
	})
	if err != nil {
		if errors.Is(err, eventlog.ErrEventNotRegistered) {
			return nil
		}

		return fmt.Errorf("%w: %v", ErrRetry, err)
	}

	occurredOn, err := iso8601.ParseString(event.Payload.OccurredOn)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRetry, err)
	}

	var meta map[string]string

	if event.Payload.Meta != nil {
		err = json.Unmarshal([]byte(*event.Payload.Meta), &meta)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRetry, err)
		}
	}

	return handler(eventlog.StoredEvent{
		Event:              decoded,
		ID:                 event.Payload.ID,
		Meta:               meta,
		GlobalPosition:     event.Payload.GlobalPosition,
		Type:               event.Payload.Type,
		CausationEventID:   event.Payload.CausationEventID,
		CorrelationEventID: event.Payload.CorrelationEventID,
		StreamID:           event.Payload.StreamID,
		StreamPosition:     event.Payload.StreamPosition,
		OccurredOn:         occurredOn,
	})
}
