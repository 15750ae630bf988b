// Package delivery decides, for each outbound message, whether a doctor is
// reached live, has already received it, or must have it cached for replay.
package delivery

import (
	"encoding/json"
	"time"
)

// Event names carried in the "event" field of frames sent to doctors.
const (
	EventPatientAssigned = "patient_assigned"
	EventConnected       = "connected"
	EventPong            = "pong"
)

// Message is an outbound notification. Messages are treated as immutable
// once built; the same value may be sent to several connections and cached.
type Message struct {
	ID        string         `json:"message_id,omitempty"`
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// NewMessage stamps a message with the current UTC time.
func NewMessage(eventType string, payload map[string]any) Message {
	return Message{
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Frame is the JSON object written to a doctor socket.
type Frame struct {
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	MessageID string         `json:"message_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Replayed  bool           `json:"replayed,omitempty"`
}

// Frame renders m for the wire.
func (m Message) Frame() Frame {
	return Frame{
		Event:     m.EventType,
		Timestamp: m.Timestamp,
		MessageID: m.ID,
		Data:      m.Payload,
	}
}

// Encode marshals the live frame for m.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m.Frame())
}

// EncodeReplay marshals m as a replayed frame so clients can tell catch-up
// traffic from live pushes.
func (m Message) EncodeReplay() ([]byte, error) {
	f := m.Frame()
	f.Replayed = true
	return json.Marshal(f)
}
