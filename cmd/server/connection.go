package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"sigrelay/internal/state"
	"sigrelay/internal/types"
	"sigrelay/pkg/protocol"
)

const sendBufferSize = 256

// ConnectionManager owns one client connection: its read and write pumps,
// its liveness probing, and the routing of its inbound messages. Registry
// mutations and broadcasts go through the shared state manager.
type ConnectionManager struct {
	wsConn       *types.WebSocketConnection
	server       *Server
	stateManager *state.Manager
	clientID     string
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	clientID := uuid.New().String()
	wsConn := &types.WebSocketConnection{
		Conn:     conn,
		ClientID: clientID,
		Send:     make(chan []byte, sendBufferSize),
	}

	if err := s.stateManager.Add(clientID, wsConn); err != nil {
		log.Printf("Failed to register client %s: %v", clientID, err)
		return
	}

	log.Printf("Client %s connected from %s", clientID, c.ClientIP())

	cm := &ConnectionManager{
		wsConn:       wsConn,
		server:       s,
		stateManager: s.stateManager,
		clientID:     clientID,
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	go cm.writePump(ctx)
	go cm.pingLoop(ctx, cancel)

	cm.sendEvent(types.Event{Type: protocol.TypeWelcome, ClientID: clientID})
	s.broadcastUsers()

	defer func() {
		if _, err := s.stateManager.Remove(clientID); err == nil {
			s.stateManager.Publish(types.Event{
				Type:     protocol.TypeStatusUpdate,
				ClientID: clientID,
				Status:   protocol.StatusOffline,
			}, "")
			s.broadcastUsers()
		}
		log.Printf("Client %s disconnected", clientID)
	}()

	cm.readPump(ctx)
}

// readPump processes inbound messages in receipt order until the socket
// closes or the connection context is cancelled.
func (cm *ConnectionManager) readPump(ctx context.Context) {
	for {
		_, data, err := cm.wsConn.Conn.Read(ctx)
		if err != nil {
			log.Printf("WebSocket read error for client %s: %v", cm.clientID, err)
			return
		}
		cm.route(data)
	}
}

// writePump drains the outbound queue onto the socket. It is the only
// goroutine that writes data frames to this connection.
func (cm *ConnectionManager) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-cm.wsConn.Send:
			writeCtx, cancel := context.WithTimeout(ctx, WriteTimeout)
			err := cm.wsConn.Conn.Write(writeCtx, websocket.MessageText, message)
			cancel()
			if err != nil {
				log.Printf("WebSocket write error for client %s: %v", cm.clientID, err)
				return
			}
		}
	}
}

// pingLoop probes the connection every PingInterval. A probe that gets no
// pong within PongTimeout closes the socket, which surfaces to the read
// pump and triggers removal plus the departure broadcast.
func (cm *ConnectionManager) pingLoop(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, PongTimeout)
			err := cm.wsConn.Conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				log.Printf("Client %s failed liveness probe: %v", cm.clientID, err)
				_ = cm.wsConn.Conn.Close(websocket.StatusPolicyViolation, "liveness probe failed")
				cancel()
				return
			}
		}
	}
}

// route validates one raw inbound payload and dispatches by its type
// discriminator. Validation failures are reported to the sender only.
func (cm *ConnectionManager) route(raw []byte) {
	if protocol.IsSIPControlLine(string(raw)) {
		return
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		log.Printf("Unparseable message from client %s: %v", cm.clientID, err)
		cm.sendError(protocol.ErrInvalidFormat)
		return
	}

	msgType, ok := fields["type"].(string)
	if !ok || msgType == "" {
		cm.sendError(protocol.ErrMissingType)
		return
	}

	switch msgType {
	case protocol.TypeStatusUpdate:
		cm.handleStatusUpdate(fields)
	case protocol.TypeChatMessage:
		cm.handleChatMessage(fields)
	case protocol.TypeCallIncoming:
		cm.handleCallIncoming(fields)
	case protocol.TypeTransfer:
		cm.handleTransfer(fields)
	default:
		cm.sendError(fmt.Sprintf("Unknown message type: %s", msgType))
	}
}

func (cm *ConnectionManager) handleStatusUpdate(fields map[string]any) {
	status, ok := fields["status"].(string)
	if !ok {
		cm.sendError(protocol.ErrInvalidStatusUpdate)
		return
	}

	if _, err := cm.stateManager.SetStatus(cm.clientID, status); err != nil {
		log.Printf("Status update from unregistered client %s: %v", cm.clientID, err)
		return
	}

	cm.stateManager.Publish(types.Event{
		Type:     protocol.TypeStatusUpdate,
		ClientID: cm.clientID,
		Status:   status,
	}, "")
	cm.server.broadcastUsers()
}

func (cm *ConnectionManager) handleChatMessage(fields map[string]any) {
	target, okTarget := stringField(fields, "target")
	message, okMessage := stringField(fields, "message")
	sender, okSender := stringField(fields, "sender")
	if !okTarget || !okMessage || !okSender {
		cm.sendError(protocol.ErrInvalidChatMessage)
		return
	}

	cm.stateManager.Publish(types.Event{
		Type:    protocol.TypeChatMessage,
		Target:  target,
		Message: message,
		Sender:  sender,
	}, cm.clientID)
}

func (cm *ConnectionManager) handleCallIncoming(fields map[string]any) {
	target, ok := stringField(fields, "target")
	if !ok {
		cm.sendError(protocol.ErrInvalidCallIncoming)
		return
	}
	caller, _ := fields["caller"].(string)

	cm.stateManager.Publish(types.Event{
		Type:   protocol.TypeCallIncoming,
		Target: target,
		Caller: caller,
	}, cm.clientID)
}

func (cm *ConnectionManager) handleTransfer(fields map[string]any) {
	target, ok := stringField(fields, "target")
	if !ok {
		cm.sendError(protocol.ErrInvalidTransfer)
		return
	}

	cm.stateManager.Publish(types.Event{
		Type:   protocol.TypeTransferRequest,
		Target: target,
	}, cm.clientID)
}

// sendEvent queues an event for this connection alone. Non-blocking like
// the broadcast path: a full buffer drops the event and logs.
func (cm *ConnectionManager) sendEvent(event types.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("Failed to marshal %s event: %v", event.Type, err)
		return
	}
	select {
	case cm.wsConn.Send <- data:
	default:
		log.Printf("Send buffer full for client %s, dropping %s", cm.clientID, event.Type)
	}
}

func (cm *ConnectionManager) sendError(message string) {
	cm.sendEvent(types.Event{Type: protocol.TypeError, Message: message})
}

func stringField(fields map[string]any, key string) (string, bool) {
	v, ok := fields[key].(string)
	return v, ok && v != ""
}
