package types

import (
	"github.com/coder/websocket"
)

// Event is the wire format for every message the relay sends, and for the
// well-formed subset of what clients send. The Type field discriminates;
// unused fields are omitted from the JSON encoding.
type Event struct {
	Type     string          `json:"type"`
	ClientID string          `json:"clientId,omitempty"`
	Status   string          `json:"status,omitempty"`
	Target   string          `json:"target,omitempty"`
	Message  string          `json:"message,omitempty"`
	Sender   string          `json:"sender,omitempty"`
	Caller   string          `json:"caller,omitempty"`
	Users    []PresenceEntry `json:"users,omitempty"`
}

// PresenceEntry is one row of the merged presence view: a connection or
// control-plane endpoint id and its announced availability.
type PresenceEntry struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// WebSocketConnection wraps one client's socket together with its identity
// and the buffered outbound queue drained by the connection's write pump.
// The socket handle is owned by the registry entry; nothing outside the
// connection's own goroutines performs I/O on it.
type WebSocketConnection struct {
	Conn     *websocket.Conn
	ClientID string
	Send     chan []byte
}

type ServerStats struct {
	ConnectedClients    int `json:"connected_clients"`
	OnlineClients       int `json:"online_clients"`
	EventBufferLength   int `json:"event_buffer_length"`
	EventBufferCapacity int `json:"event_buffer_capacity"`
}
