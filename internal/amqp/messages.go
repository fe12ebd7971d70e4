package amqp

import (
	"encoding/json"
	"time"
)

// LogSyncMessage tells the worker a refuel log needs exporting. It carries
// only the ID and version; the worker fetches the full record through the
// API. Deleted marks a removal so the worker drops the exported row.
type LogSyncMessage struct {
	ID        int64     `json:"id"`
	Version   int64     `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Deleted   bool      `json:"deleted,omitempty"`
}

// NewLogSyncMessage creates a sync message with just ID and version
func NewLogSyncMessage(id, version int64) *LogSyncMessage {
	return &LogSyncMessage{
		ID:        id,
		Version:   version,
		Timestamp: time.Now(),
	}
}

// NewLogDeleteMessage creates a message marking a log removal
func NewLogDeleteMessage(id int64) *LogSyncMessage {
	return &LogSyncMessage{
		ID:        id,
		Timestamp: time.Now(),
		Deleted:   true,
	}
}

// ToJSON converts the message to JSON bytes
func (m *LogSyncMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// LogSyncMessageFromJSON creates a message from JSON bytes
func LogSyncMessageFromJSON(data []byte) (*LogSyncMessage, error) {
	var msg LogSyncMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
