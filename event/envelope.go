package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrMalformedEnvelope = errors.New("event: malformed envelope")
	ErrUnknownType       = errors.New("event: unknown event type")
)

// Envelope is the typed wrapper for every relayed event. Data's shape is
// determined by Type.
type Envelope struct {
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// New marshals payload into an envelope of kind t stamped with the current
// time in milliseconds.
func New(t Type, payload any) (Envelope, error) {
	if !t.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("event: marshal %s payload: %w", t, err)
	}
	return Envelope{Type: t, Data: data, Timestamp: time.Now().UnixMilli()}, nil
}

func Encode(env Envelope) (string, error) {
	if !env.Type.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if len(env.Data) == 0 {
		env.Data = json.RawMessage("null")
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("event: encode: %w", err)
	}
	return string(b), nil
}

// Decode parses a broker payload. Envelopes of unknown type are rejected here
// so nothing downstream ever sees them.
func Decode(payload string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	if !env.Type.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return env, nil
}

func DecodeData[T any](env Envelope) (T, error) {
	var out T
	if len(env.Data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return out, fmt.Errorf("event: decode %s payload: %w", env.Type, err)
	}
	return out, nil
}
