// Package feed subscribes to the server's table-scoped change streams.
package feed

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies the kind of row change carried by a feed message.
type EventType string

const (
	EventInsert EventType = "row.insert"
	EventUpdate EventType = "row.update"
	EventDelete EventType = "row.delete"
)

// Message is the wire envelope for one feed frame.
type Message struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// RowEvent is a typed change to one row of a subscribed table, with the
// field maps before and after the change. Inserts carry only After, deletes
// only Before.
type RowEvent struct {
	Type      EventType
	Table     string
	Timestamp time.Time
	Before    map[string]any
	After     map[string]any
}

// rowPayload is the payload carried by row.* messages.
type rowPayload struct {
	Table  string         `json:"table"`
	Before map[string]any `json:"before,omitempty"`
	After  map[string]any `json:"after,omitempty"`
}

// decodeEvent parses one feed frame into a RowEvent.
func decodeEvent(data []byte) (RowEvent, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return RowEvent{}, fmt.Errorf("decoding feed message: %w", err)
	}

	switch msg.Type {
	case EventInsert, EventUpdate, EventDelete:
	default:
		return RowEvent{}, fmt.Errorf("unknown feed message type %q", msg.Type)
	}

	var payload rowPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return RowEvent{}, fmt.Errorf("decoding feed payload: %w", err)
	}

	return RowEvent{
		Type:      msg.Type,
		Table:     payload.Table,
		Timestamp: msg.Timestamp,
		Before:    payload.Before,
		After:     payload.After,
	}, nil
}
