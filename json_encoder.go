package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

// ErrEventNotRegistered indicates that the encoder has no type registered
// for the event it was asked to decode
var ErrEventNotRegistered = errors.New("event type not registered with encoder")

// NewJSONEncoder constructs a json encoder for the provided event types
func NewJSONEncoder(evts ...any) *JSONEncoder {
	enc := JSONEncoder{
		types: make(map[string]reflect.Type),
	}

	for _, evt := range evts {
		t := reflect.TypeOf(evt)
		enc.types[t.Name()] = t
	}

	return &enc
}

// JSONEncoder provides default json Encoder implementation
// It will marshal and unmarshal events to/from json and store the type name
type JSONEncoder struct {
	types map[string]reflect.Type
}

// Encode marshals incoming event to it's json representation
func (e *JSONEncoder) Encode(evtData any) (*EncodedEvt, error) {
	data, err := json.Marshal(evtData)
	if err != nil {
		return nil, err
	}

	return &EncodedEvt{
		Type: reflect.TypeOf(evtData).Name(),
		Data: string(data),
	}, nil
}

// Decode unmarshals incoming event to it's corresponding go type
func (e *JSONEncoder) Decode(evt *EncodedEvt) (any, error) {
	t, ok := e.types[evt.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEventNotRegistered, evt.Type)
	}

	v := reflect.New(t)

	err := json.Unmarshal([]byte(evt.Data), v.Interface())
	if err != nil {
		return nil, err
	}

	return v.Elem().Interface(), nil
}
