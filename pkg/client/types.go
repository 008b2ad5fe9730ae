package client

import "time"

// ConnectionInfo describes one tracked connection.
type ConnectionInfo struct {
	ID         string    `json:"id"`
	Categories []string  `json:"categories"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeen   time.Time `json:"last_seen"`
}

// Event is one lifecycle journal entry.
type Event struct {
	At           time.Time `json:"at"`
	Service      string    `json:"service"`
	Category     string    `json:"category"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	PID          int       `json:"pid,omitempty"`
	RestartCount uint32    `json:"restart_count"`
	Reason       string    `json:"reason,omitempty"`
}

// StreamEvent is one live transition from the event stream. At is unix
// seconds.
type StreamEvent struct {
	Service      string `json:"service"`
	Category     string `json:"category"`
	From         string `json:"from"`
	To           string `json:"to"`
	PID          int    `json:"pid,omitempty"`
	RestartCount uint32 `json:"restart_count"`
	Reason       string `json:"reason,omitempty"`
	At           int64  `json:"at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type connResponse struct {
	ConnectionID string `json:"connection_id"`
}

type eventsResponse struct {
	Events []Event `json:"events"`
}

type activityRequest struct {
	ConnectionID string `json:"connection_id"`
	Category     string `json:"category"`
}
