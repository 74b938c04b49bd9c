package client

// Event mirrors the relay's wire format: a flat JSON object with a type
// discriminator and per-kind fields.
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

// PresenceEntry is one user in a users_update event.
type PresenceEntry struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ClientConfig holds configuration for the signaling client.
type ClientConfig struct {
	ServerURL string
	// Username is used as the default sender for chat messages.
	Username  string
	UserAgent string
}
