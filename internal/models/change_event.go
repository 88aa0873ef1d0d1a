package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Event kinds carried on the client stream. Connected, Heartbeat and Error
// are synthesized by the bridge; Updated carries data from the database
// trigger.
const (
	KindConnected = "connected"
	KindUpdated   = "updated"
	KindHeartbeat = "heartbeat"
	KindError     = "error"
)

// Operations reported by the database trigger (TG_OP values).
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// ChangeEvent is one framed event on the client stream. It is transient:
// never stored, never replayed. Consumers treat Updated events as
// invalidation signals and refetch state through the read endpoint; the
// payload fields exist for logging only.
type ChangeEvent struct {
	Kind       string                 `json:"kind"`
	Operation  string                 `json:"operation,omitempty"`
	RecordID   string                 `json:"record_id,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	Timestamp  int64                  `json:"timestamp"`
	Message    string                 `json:"message,omitempty"`
}

// Connected returns the event sent once when a stream session is established.
func Connected() ChangeEvent {
	return ChangeEvent{Kind: KindConnected, Timestamp: time.Now().Unix()}
}

// Heartbeat returns a keep-alive event.
func Heartbeat() ChangeEvent {
	return ChangeEvent{Kind: KindHeartbeat, Timestamp: time.Now().Unix()}
}

// ErrorEvent returns a terminal error event with a client-safe message.
func ErrorEvent(message string) ChangeEvent {
	return ChangeEvent{Kind: KindError, Timestamp: time.Now().Unix(), Message: message}
}

// notificationPayload is the JSON contract with the database trigger.
type notificationPayload struct {
	Operation  string                 `json:"operation"`
	RecordID   json.Number            `json:"record_id"`
	Timestamp  int64                  `json:"timestamp"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// ParseNotification parses a raw pg_notify payload into an Updated event.
// A non-nil error means the payload is malformed and must be dropped; it
// never terminates the session that received it.
func ParseNotification(data []byte) (ChangeEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var payload notificationPayload
	if err := dec.Decode(&payload); err != nil {
		return ChangeEvent{}, fmt.Errorf("failed to parse notification payload: %w", err)
	}

	switch payload.Operation {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return ChangeEvent{}, fmt.Errorf("unknown operation %q in notification payload", payload.Operation)
	}

	if payload.RecordID == "" {
		return ChangeEvent{}, fmt.Errorf("notification payload missing record_id")
	}

	timestamp := payload.Timestamp
	if timestamp == 0 {
		timestamp = time.Now().Unix()
	}

	return ChangeEvent{
		Kind:       KindUpdated,
		Operation:  payload.Operation,
		RecordID:   payload.RecordID.String(),
		Attributes: payload.Attributes,
		Timestamp:  timestamp,
	}, nil
}
