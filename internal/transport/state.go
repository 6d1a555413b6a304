package transport

import "time"

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// State is the connection state published to subscribers.
type State struct {
	Status          Status    `json:"status"`
	Error           string    `json:"error,omitempty"`
	URL             string    `json:"url,omitempty"`
	LastConnectedAt time.Time `json:"last_connected_at,omitempty"`
}

func (s State) Connected() bool { return s.Status == StatusConnected }
