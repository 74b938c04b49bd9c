package main

import (
	"encoding/json"
	"testing"
	"time"

	"sigrelay/internal/config"
	"sigrelay/internal/state"
	"sigrelay/internal/types"
	"sigrelay/pkg/protocol"
)

// newTestServerAndCM wires a Server and a ConnectionManager around a fake
// connection whose Send channel stands in for the socket.
func newTestServerAndCM(t *testing.T, clientID string) (*Server, *ConnectionManager, *types.WebSocketConnection) {
	t.Helper()
	s := NewServer(config.Config{ARIURL: "http://127.0.0.1:1"})
	ws := &types.WebSocketConnection{
		ClientID: clientID,
		Send:     make(chan []byte, 16),
	}
	if err := s.stateManager.Add(clientID, ws); err != nil {
		t.Fatalf("failed to register %s: %v", clientID, err)
	}
	cm := &ConnectionManager{
		wsConn:       ws,
		server:       s,
		stateManager: s.stateManager,
		clientID:     clientID,
	}
	return s, cm, ws
}

func readReply(t *testing.T, ws *types.WebSocketConnection) types.Event {
	t.Helper()
	select {
	case data := <-ws.Send:
		var event types.Event
		if err := json.Unmarshal(data, &event); err != nil {
			t.Fatalf("reply is not valid JSON: %v", err)
		}
		return event
	case <-time.After(time.Second):
		t.Fatalf("no reply queued for sender")
		return types.Event{}
	}
}

func expectNoReply(t *testing.T, ws *types.WebSocketConnection) {
	t.Helper()
	select {
	case data := <-ws.Send:
		t.Fatalf("unexpected reply: %s", data)
	default:
	}
}

func drainBroadcasts(m *state.Manager) []state.Broadcast {
	var out []state.Broadcast
	for {
		select {
		case b := <-m.Events():
			out = append(out, b)
		default:
			return out
		}
	}
}

func TestRoute_StatusUpdateValid(t *testing.T) {
	s, cm, ws := newTestServerAndCM(t, "sender-1")

	cm.route([]byte(`{"type":"status_update","status":"Online"}`))

	expectNoReply(t, ws)
	snap := s.stateManager.Snapshot()
	if len(snap) != 1 || snap[0].Status != "Online" {
		t.Fatalf("expected registry status Online, got %v", snap)
	}

	broadcasts := drainBroadcasts(s.stateManager)
	if len(broadcasts) != 2 {
		t.Fatalf("expected status_update plus users_update, got %d broadcasts", len(broadcasts))
	}
	if broadcasts[0].Event.Type != protocol.TypeStatusUpdate || broadcasts[0].Exclude != "" {
		t.Fatalf("expected inclusive status_update first, got %+v", broadcasts[0])
	}
	if broadcasts[0].Event.ClientID != "sender-1" || broadcasts[0].Event.Status != "Online" {
		t.Fatalf("status_update carries wrong fields: %+v", broadcasts[0].Event)
	}
	if broadcasts[1].Event.Type != protocol.TypeUsersUpdate {
		t.Fatalf("expected users_update second, got %+v", broadcasts[1])
	}
}

// A non-text status must be rejected with an error reply and leave the
// registry and broadcast stream untouched.
func TestRoute_StatusUpdateNonTextRejected(t *testing.T) {
	s, cm, ws := newTestServerAndCM(t, "sender-2")

	cm.route([]byte(`{"type":"status_update","status":42}`))

	reply := readReply(t, ws)
	if reply.Type != protocol.TypeError || reply.Message != protocol.ErrInvalidStatusUpdate {
		t.Fatalf("expected %q error reply, got %+v", protocol.ErrInvalidStatusUpdate, reply)
	}
	if got := drainBroadcasts(s.stateManager); len(got) != 0 {
		t.Fatalf("expected no broadcasts, got %d", len(got))
	}
	if snap := s.stateManager.Snapshot(); snap[0].Status != state.DefaultStatus {
		t.Fatalf("registry mutated on invalid update: %v", snap)
	}
}

func TestRoute_ChatMessageValid(t *testing.T) {
	s, cm, ws := newTestServerAndCM(t, "sender-3")

	cm.route([]byte(`{"type":"chat_message","target":"1002","message":"hi","sender":"1001"}`))

	expectNoReply(t, ws)
	broadcasts := drainBroadcasts(s.stateManager)
	if len(broadcasts) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(broadcasts))
	}
	b := broadcasts[0]
	if b.Event.Type != protocol.TypeChatMessage || b.Exclude != "sender-3" {
		t.Fatalf("expected chat_message excluding sender, got %+v", b)
	}
	if b.Event.Target != "1002" || b.Event.Message != "hi" || b.Event.Sender != "1001" {
		t.Fatalf("chat_message carries wrong fields: %+v", b.Event)
	}
}

func TestRoute_ChatMessageMissingSenderRejected(t *testing.T) {
	s, cm, ws := newTestServerAndCM(t, "sender-4")

	cm.route([]byte(`{"type":"chat_message","target":"1002","message":"hi"}`))

	reply := readReply(t, ws)
	if reply.Message != protocol.ErrInvalidChatMessage {
		t.Fatalf("expected %q, got %+v", protocol.ErrInvalidChatMessage, reply)
	}
	if got := drainBroadcasts(s.stateManager); len(got) != 0 {
		t.Fatalf("expected no broadcasts, got %d", len(got))
	}
}

func TestRoute_CallIncoming(t *testing.T) {
	s, cm, ws := newTestServerAndCM(t, "sender-5")

	cm.route([]byte(`{"type":"call_incoming","target":"1002","caller":"1001"}`))
	expectNoReply(t, ws)

	broadcasts := drainBroadcasts(s.stateManager)
	if len(broadcasts) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(broadcasts))
	}
	if broadcasts[0].Event.Type != protocol.TypeCallIncoming || broadcasts[0].Exclude != "sender-5" {
		t.Fatalf("expected call_incoming excluding sender, got %+v", broadcasts[0])
	}

	// target is mandatory, caller is not
	cm.route([]byte(`{"type":"call_incoming","caller":"1001"}`))
	reply := readReply(t, ws)
	if reply.Message != protocol.ErrInvalidCallIncoming {
		t.Fatalf("expected %q, got %+v", protocol.ErrInvalidCallIncoming, reply)
	}

	cm.route([]byte(`{"type":"call_incoming","target":"1002"}`))
	expectNoReply(t, ws)
	if got := drainBroadcasts(s.stateManager); len(got) != 1 {
		t.Fatalf("expected callerless call_incoming to broadcast, got %d", len(got))
	}
}

func TestRoute_TransferBecomesTransferRequest(t *testing.T) {
	s, cm, ws := newTestServerAndCM(t, "sender-6")

	cm.route([]byte(`{"type":"transfer","target":"1003"}`))
	expectNoReply(t, ws)

	broadcasts := drainBroadcasts(s.stateManager)
	if len(broadcasts) != 1 || broadcasts[0].Event.Type != protocol.TypeTransferRequest {
		t.Fatalf("expected transfer_request broadcast, got %+v", broadcasts)
	}
	if broadcasts[0].Event.Target != "1003" {
		t.Fatalf("transfer_request carries wrong target: %+v", broadcasts[0].Event)
	}

	cm.route([]byte(`{"type":"transfer"}`))
	reply := readReply(t, ws)
	if reply.Message != protocol.ErrInvalidTransfer {
		t.Fatalf("expected %q, got %+v", protocol.ErrInvalidTransfer, reply)
	}
}

func TestRoute_SIPControlLinesIgnored(t *testing.T) {
	s, cm, ws := newTestServerAndCM(t, "sender-7")

	cm.route([]byte("REGISTER sip:1001@pbx.example SIP/2.0"))
	cm.route([]byte("MESSAGE sip:1002@pbx.example SIP/2.0"))

	expectNoReply(t, ws)
	if got := drainBroadcasts(s.stateManager); len(got) != 0 {
		t.Fatalf("SIP lines must not broadcast, got %d", len(got))
	}
}

func TestRoute_MalformedJSON(t *testing.T) {
	_, cm, ws := newTestServerAndCM(t, "sender-8")

	cm.route([]byte(`{"type": "status_update"`))

	reply := readReply(t, ws)
	if reply.Message != protocol.ErrInvalidFormat {
		t.Fatalf("expected %q, got %+v", protocol.ErrInvalidFormat, reply)
	}
}

func TestRoute_MissingType(t *testing.T) {
	_, cm, ws := newTestServerAndCM(t, "sender-9")

	cm.route([]byte(`{"status":"Online"}`))

	reply := readReply(t, ws)
	if reply.Message != protocol.ErrMissingType {
		t.Fatalf("expected %q, got %+v", protocol.ErrMissingType, reply)
	}
}

func TestRoute_UnknownType(t *testing.T) {
	s, cm, ws := newTestServerAndCM(t, "sender-10")

	cm.route([]byte(`{"type":"reboot_pbx"}`))

	reply := readReply(t, ws)
	if reply.Type != protocol.TypeError || reply.Message != "Unknown message type: reboot_pbx" {
		t.Fatalf("expected unknown-type error, got %+v", reply)
	}
	if got := drainBroadcasts(s.stateManager); len(got) != 0 {
		t.Fatalf("unknown types must not broadcast, got %d", len(got))
	}
}
