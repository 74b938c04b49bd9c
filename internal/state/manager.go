package state

import (
	"sort"
	"sync"

	"sigrelay/internal/types"
)

// DefaultStatus is the presence status a connection carries until it sends
// its first status_update.
const DefaultStatus = "Offline"

// Broadcast is one fan-out request queued for the broadcast loop. Exclude,
// when non-empty, names a connection id that must be skipped.
type Broadcast struct {
	Event   types.Event
	Exclude string
}

// Manager is the connection registry: the only mutable shared state in the
// relay. It maps connection ids to their socket wrappers and announced
// presence statuses, and owns the buffered event channel the broadcast loop
// drains. All methods are safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	clients  map[string]*types.WebSocketConnection
	statuses map[string]string
	events   chan Broadcast
}

func NewManager() *Manager {
	return &Manager{
		clients:  make(map[string]*types.WebSocketConnection),
		statuses: make(map[string]string),
		events:   make(chan Broadcast, 100),
	}
}

// Add registers a new connection with the default status. The id must not
// already be present; ids are generated collision-free at accept time, so a
// duplicate indicates a caller bug.
func (m *Manager) Add(id string, conn *types.WebSocketConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.clients[id]; exists {
		return ErrDuplicateClient
	}
	m.clients[id] = conn
	m.statuses[id] = DefaultStatus
	return nil
}

// Remove deletes the connection and returns its last announced status so the
// caller can broadcast an accurate departure event.
func (m *Manager) Remove(id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.clients[id]; !exists {
		return "", ErrClientNotFound
	}
	previous := m.statuses[id]
	delete(m.clients, id)
	delete(m.statuses, id)
	return previous, nil
}

// SetStatus records a connection's announced presence and returns the status
// it replaced.
func (m *Manager) SetStatus(id, status string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.clients[id]; !exists {
		return "", ErrClientNotFound
	}
	previous := m.statuses[id]
	m.statuses[id] = status
	return previous, nil
}

// Snapshot returns a copy of the registry's (id, status) pairs, sorted by id
// for consistent ordering. Safe to iterate while the registry mutates.
func (m *Manager) Snapshot() []types.PresenceEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]types.PresenceEntry, 0, len(m.statuses))
	for id, status := range m.statuses {
		entries = append(entries, types.PresenceEntry{ID: id, Status: status})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ID < entries[j].ID
	})

	return entries
}

func (m *Manager) Client(id string) (*types.WebSocketConnection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, exists := m.clients[id]
	return client, exists
}

// Clients returns a copy of the connection map so the broadcast loop can
// fan out without holding the lock across socket queue operations.
func (m *Manager) Clients() map[string]*types.WebSocketConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	clients := make(map[string]*types.WebSocketConnection, len(m.clients))
	for k, v := range m.clients {
		clients[k] = v
	}
	return clients
}

// Publish queues an event for fan-out. Non-blocking: if the event buffer is
// full the event is dropped, delivery is best effort.
func (m *Manager) Publish(event types.Event, exclude string) {
	select {
	case m.events <- Broadcast{Event: event, Exclude: exclude}:
	default:
	}
}

func (m *Manager) Events() <-chan Broadcast {
	return m.events
}

func (m *Manager) Stats() types.ServerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	online := 0
	for _, status := range m.statuses {
		if status != DefaultStatus {
			online++
		}
	}

	return types.ServerStats{
		ConnectedClients:    len(m.clients),
		OnlineClients:       online,
		EventBufferLength:   len(m.events),
		EventBufferCapacity: cap(m.events),
	}
}
