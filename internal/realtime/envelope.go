// Package realtime содержит реестр соединений и мультиплексор комнат.
// Здесь нет авторизации и бизнес-правил: только членство и доставка.
package realtime

import (
	"encoding/json"
	"fmt"
)

// Envelope - кадр протокола в обе стороны: {"event": "...", "data": {...}}
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func Encode(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", event, err)
	}
	return frame, nil
}

func Decode(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("invalid frame: missing event")
	}
	return &env, nil
}
