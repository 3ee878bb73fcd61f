package core

import (
	"context"
	"encoding/json"
)

// Frame is a raw encoded Envelope.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Envelope is the wire frame carried by every signaling transport.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewFrame(event string, payload any) (Frame, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// Signaler is the client side of the relay: named events with JSON payloads.
//
// Handlers registered on one Signaler are invoked sequentially, in the order
// the relay delivered the events. A handler must not block for long; the call
// session only queues the event and returns.
type Signaler interface {
	Emit(ctx context.Context, event string, payload any) error
	On(event string, fn func(data json.RawMessage)) (off func())
}
