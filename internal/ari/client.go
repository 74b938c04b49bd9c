// Package ari is the adapter for the Asterisk REST Interface control plane.
// It keeps one long-lived events websocket open (reconnecting forever) and
// exposes a single read-only query for the current endpoint list. A control
// plane outage is never fatal to the relay.
package ari

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"sigrelay/internal/types"
	"sigrelay/pkg/protocol"
)

// ReconnectInterval is the fixed back-off between connection attempts.
// Package-level so tests can shorten it.
var ReconnectInterval = 5 * time.Second

// Connection states for the events websocket.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
)

// Endpoint is the subset of Asterisk's endpoint resource the relay reads.
type Endpoint struct {
	Technology string `json:"technology"`
	Resource   string `json:"resource"`
	State      string `json:"state"`
}

// ariEvent is the envelope of messages arriving on the events websocket.
type ariEvent struct {
	Type        string `json:"type"`
	Application string `json:"application,omitempty"`
}

type Client struct {
	baseURL  string
	username string
	password string
	app      string
	httpc    *http.Client

	mu    sync.RWMutex
	state string
}

func NewClient(baseURL, username, password, app string) *Client {
	return &Client{
		baseURL:  baseURL,
		username: username,
		password: password,
		app:      app,
		httpc:    &http.Client{Timeout: 10 * time.Second},
		state:    StateDisconnected,
	}
}

func (c *Client) State() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(state string) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// Run maintains the events websocket until ctx is cancelled. Every failure,
// during dialing or after being connected, schedules another attempt after
// ReconnectInterval.
func (c *Client) Run(ctx context.Context) {
	for {
		if err := c.connectAndListen(ctx); err != nil && ctx.Err() == nil {
			log.Printf("ari: connection lost: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(ReconnectInterval):
		}
	}
}

func (c *Client) connectAndListen(ctx context.Context) error {
	c.setState(StateConnecting)

	wsURL, err := c.eventsURL()
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("dial events websocket: %w", err)
	}

	c.setState(StateConnected)
	log.Printf("ari: connected to %s (app %s)", c.baseURL, c.app)

	defer func() {
		c.setState(StateDisconnected)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("events websocket read: %w", err)
		}
		var ev ariEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		if ev.Type == "StasisStart" {
			log.Printf("ari: StasisStart for app %s", ev.Application)
		}
	}
}

// eventsURL derives the ws:// events URL from the configured base URL. The
// api_key query parameter is ARI's user:password authentication form.
func (c *Client) eventsURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse ARI URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ari/events"
	q := u.Query()
	q.Set("app", c.app)
	q.Set("api_key", c.username+":"+c.password)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ListEndpoints returns the control plane's current endpoints mapped to
// presence entries. While the events websocket is down it returns an empty
// list and no error; presence then degrades to locally announced statuses.
func (c *Client) ListEndpoints(ctx context.Context) ([]types.PresenceEntry, error) {
	if c.State() != StateConnected {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ari/endpoints", nil)
	if err != nil {
		return nil, fmt.Errorf("build endpoints request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query endpoints: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("endpoints query returned %s", resp.Status)
	}

	var endpoints []Endpoint
	if err := json.NewDecoder(resp.Body).Decode(&endpoints); err != nil {
		return nil, fmt.Errorf("decode endpoints: %w", err)
	}

	entries := make([]types.PresenceEntry, 0, len(endpoints))
	for _, ep := range endpoints {
		status := protocol.StatusOffline
		if ep.State == "online" {
			status = protocol.StatusOnline
		}
		entries = append(entries, types.PresenceEntry{ID: ep.Resource, Status: status})
	}
	return entries, nil
}
