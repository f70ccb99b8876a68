package hotreload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Event actions sent to browser clients.
const (
	ActionBuilding = "building"
	ActionBuilt    = "built"
	ActionSync     = "sync"
)

// Event is a compile status notification.
type Event struct {
	Action   string    `json:"action"`
	Hash     string    `json:"hash,omitempty"`
	Time     int64     `json:"time,omitempty"`
	Errors   []string  `json:"errors"`
	Warnings []string  `json:"warnings"`
	At       time.Time `json:"-"`
}

// Building returns the event published when a compile starts.
func Building() Event {
	return Event{Action: ActionBuilding, At: time.Now()}
}

// Built returns the event published when a compile finishes. took is
// reported to clients in milliseconds.
func Built(hash string, took time.Duration, errs, warnings []string) Event {
	return Event{
		Action:   ActionBuilt,
		Hash:     hash,
		Time:     took.Milliseconds(),
		Errors:   nonNil(errs),
		Warnings: nonNil(warnings),
		At:       time.Now(),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// formatSSEEvent formats an SSE event with the given type and JSON-encoded data.
func formatSSEEvent(eventType string, data interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal SSE event data: %w", err)
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "event: %s\ndata: %s\n\n", eventType, jsonData)
	return buf.Bytes(), nil
}

// formatHeartbeat returns a SSE heartbeat comment.
func formatHeartbeat() []byte {
	return []byte(":heartbeat\n\n")
}
