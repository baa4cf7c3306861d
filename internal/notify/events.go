// Package notify propagates data-update events between local clients of the
// agent (WebSocket hub) and listens for updates pushed by the server (event
// stream).
package notify

import (
	"encoding/json"
	"time"
)

// Event types carried over the hub and the server stream.
const (
	TypeDataUpdated  = "DATA_UPDATED"
	TypeSyncStarted  = "SYNC_STARTED"
	TypeSyncFinished = "SYNC_FINISHED"
	TypeSyncFailed   = "SYNC_FAILED"
)

// Event is the envelope published to hub subscribers.
type Event struct {
	Type      string          `json:"type"`
	Entity    string          `json:"entity,omitempty"`
	Action    string          `json:"action,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// DataUpdated builds a DATA_UPDATED event for a collection.
func DataUpdated(collection, action string, data json.RawMessage) Event {
	return Event{
		Type:      TypeDataUpdated,
		Entity:    collection,
		Action:    action,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
}
