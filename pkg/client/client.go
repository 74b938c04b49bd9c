package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/segmentio/ksuid"

	cidpkg "sigrelay/internal/cid"
	"sigrelay/pkg/protocol"
)

// buildDialHeaders constructs the HTTP header map used for websocket.Dial.
// Extracted to allow unit testing of header propagation.
func buildDialHeaders(ctx context.Context, userAgent string) map[string][]string {
	headers := map[string][]string{"User-Agent": {userAgent}}
	cidpkg.AddHeaderFromContext(headers, ctx)
	return headers
}

// SignalClient is a Go client for the signaling relay.
type SignalClient struct {
	conn         *websocket.Conn
	clientID     string
	config       ClientConfig
	connected    bool
	eventHandler EventHandler
}

// EventHandler defines callbacks for handling server events.
type EventHandler interface {
	OnConnected()
	OnDisconnected()
	OnWelcome(clientID string)
	OnStatusUpdate(clientID, status string)
	OnUsersUpdate(users []PresenceEntry)
	OnChatMessage(sender, target, message string)
	OnCallIncoming(caller, target string)
	OnTransferRequest(target string)
	OnError(message string)
	OnServerEvent(eventType string, event Event)
}

// DefaultEventHandler provides a basic implementation of EventHandler.
type DefaultEventHandler struct{}

func (h *DefaultEventHandler) OnConnected()    { log.Printf("Connected to relay") }
func (h *DefaultEventHandler) OnDisconnected() { log.Printf("Disconnected from relay") }
func (h *DefaultEventHandler) OnWelcome(clientID string) {
	log.Printf("Welcome: assigned id %s", clientID)
}
func (h *DefaultEventHandler) OnStatusUpdate(clientID, status string) {
	log.Printf("%s is now %s", clientID, status)
}
func (h *DefaultEventHandler) OnUsersUpdate(users []PresenceEntry) {
	log.Printf("Presence update: %d users", len(users))
}
func (h *DefaultEventHandler) OnChatMessage(sender, target, message string) {
	log.Printf("Chat %s -> %s: %s", sender, target, message)
}
func (h *DefaultEventHandler) OnCallIncoming(caller, target string) {
	log.Printf("Incoming call for %s from %s", target, caller)
}
func (h *DefaultEventHandler) OnTransferRequest(target string) {
	log.Printf("Transfer request for %s", target)
}
func (h *DefaultEventHandler) OnError(message string) {
	log.Printf("Server error: %s", message)
}
func (h *DefaultEventHandler) OnServerEvent(eventType string, event Event) {
	log.Printf("Event: %s", eventType)
}

// NewSignalClient creates a new signaling client.
func NewSignalClient(config ClientConfig) *SignalClient {
	if config.UserAgent == "" {
		config.UserAgent = "sigrelay-client/1.0.0"
	}
	if config.Username == "" {
		config.Username = "client_" + ksuid.New().String()[:8]
	}

	return &SignalClient{
		config:       config,
		eventHandler: &DefaultEventHandler{},
	}
}

// SetEventHandler sets a custom event handler.
func (c *SignalClient) SetEventHandler(handler EventHandler) {
	c.eventHandler = handler
}

// ClientID returns the server-assigned connection id, empty until the
// welcome event has been received.
func (c *SignalClient) ClientID() string {
	return c.clientID
}

// IsConnected returns whether the client is connected.
func (c *SignalClient) IsConnected() bool {
	return c.connected
}

// Connect establishes the websocket connection to the relay.
func (c *SignalClient) Connect(ctx context.Context) error {
	headers := buildDialHeaders(ctx, c.config.UserAgent)

	conn, _, err := websocket.Dial(ctx, c.config.ServerURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to relay: %w", err)
	}

	c.conn = conn
	c.connected = true
	c.eventHandler.OnConnected()
	return nil
}

// Disconnect closes the websocket connection.
func (c *SignalClient) Disconnect() error {
	if c.conn != nil {
		c.connected = false
		err := c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
		c.eventHandler.OnDisconnected()
		return err
	}
	return nil
}

// SetStatus announces this client's presence status.
func (c *SignalClient) SetStatus(ctx context.Context, status string) error {
	return c.sendEvent(ctx, Event{
		Type:   protocol.TypeStatusUpdate,
		Status: status,
	})
}

// SendChat sends a chat message to a target user. The configured username
// is used as the sender.
func (c *SignalClient) SendChat(ctx context.Context, target, message string) error {
	return c.sendEvent(ctx, Event{
		Type:    protocol.TypeChatMessage,
		Target:  target,
		Message: message,
		Sender:  c.config.Username,
	})
}

// Call announces an incoming call for the target user.
func (c *SignalClient) Call(ctx context.Context, target, caller string) error {
	return c.sendEvent(ctx, Event{
		Type:   protocol.TypeCallIncoming,
		Target: target,
		Caller: caller,
	})
}

// Transfer requests a call transfer to the target user.
func (c *SignalClient) Transfer(ctx context.Context, target string) error {
	return c.sendEvent(ctx, Event{
		Type:   protocol.TypeTransfer,
		Target: target,
	})
}

// Listen processes server events until the connection closes or ctx is
// cancelled (blocking).
func (c *SignalClient) Listen(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			msgType, data, err := c.conn.Read(ctx)
			if err != nil {
				c.connected = false
				return fmt.Errorf("read error: %w", err)
			}
			if msgType != websocket.MessageText {
				continue
			}

			var event Event
			if err := json.Unmarshal(data, &event); err != nil {
				log.Printf("Failed to unmarshal message: %v", err)
				continue
			}
			c.handleServerEvent(event)
		}
	}
}

// sendEvent sends a JSON event to the relay.
func (c *SignalClient) sendEvent(ctx context.Context, event Event) error {
	if !c.connected {
		return fmt.Errorf("client not connected")
	}
	return wsjson.Write(ctx, c.conn, event)
}

// handleServerEvent processes events received from the relay.
func (c *SignalClient) handleServerEvent(event Event) {
	switch event.Type {
	case protocol.TypeWelcome:
		c.clientID = event.ClientID
		c.eventHandler.OnWelcome(event.ClientID)
	case protocol.TypeStatusUpdate:
		c.eventHandler.OnStatusUpdate(event.ClientID, event.Status)
	case protocol.TypeUsersUpdate:
		c.eventHandler.OnUsersUpdate(event.Users)
	case protocol.TypeChatMessage:
		c.eventHandler.OnChatMessage(event.Sender, event.Target, event.Message)
	case protocol.TypeCallIncoming:
		c.eventHandler.OnCallIncoming(event.Caller, event.Target)
	case protocol.TypeTransferRequest:
		c.eventHandler.OnTransferRequest(event.Target)
	case protocol.TypeError:
		c.eventHandler.OnError(event.Message)
	default:
		c.eventHandler.OnServerEvent(event.Type, event)
	}
}
