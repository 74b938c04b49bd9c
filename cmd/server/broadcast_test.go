package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"sigrelay/internal/config"
	"sigrelay/internal/types"
	"sigrelay/pkg/protocol"
)

// Fan-out must deliver to every reachable peer and skip, without aborting,
// any peer whose queue cannot accept the event.
func TestBroadcastLoop_SkipsUndeliverablePeer(t *testing.T) {
	s := NewServer(config.Config{ARIURL: "http://127.0.0.1:1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.broadcastLoop(ctx)

	reachableA := &types.WebSocketConnection{ClientID: "a", Send: make(chan []byte, 4)}
	reachableB := &types.WebSocketConnection{ClientID: "b", Send: make(chan []byte, 4)}
	// Zero-capacity queue with no reader: stands in for a dead socket.
	dead := &types.WebSocketConnection{ClientID: "dead", Send: make(chan []byte)}

	for id, ws := range map[string]*types.WebSocketConnection{"a": reachableA, "b": reachableB, "dead": dead} {
		if err := s.stateManager.Add(id, ws); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}

	s.stateManager.Publish(types.Event{Type: protocol.TypeTransferRequest, Target: "1001"}, "")

	for _, ws := range []*types.WebSocketConnection{reachableA, reachableB} {
		select {
		case data := <-ws.Send:
			var event types.Event
			if err := json.Unmarshal(data, &event); err != nil {
				t.Fatalf("broadcast payload invalid: %v", err)
			}
			if event.Type != protocol.TypeTransferRequest || event.Target != "1001" {
				t.Fatalf("unexpected broadcast %+v for %s", event, ws.ClientID)
			}
		case <-time.After(time.Second):
			t.Fatalf("client %s never received the broadcast", ws.ClientID)
		}
	}

	// The loop must survive the dead peer and keep delivering.
	s.stateManager.Publish(types.Event{Type: protocol.TypeStatusUpdate, ClientID: "a", Status: "Online"}, "")
	select {
	case <-reachableA.Send:
	case <-time.After(time.Second):
		t.Fatalf("fan-out stalled after skipping dead peer")
	}
}

func TestBroadcastLoop_HonorsExclusion(t *testing.T) {
	s := NewServer(config.Config{ARIURL: "http://127.0.0.1:1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.broadcastLoop(ctx)

	sender := &types.WebSocketConnection{ClientID: "sender", Send: make(chan []byte, 4)}
	peer := &types.WebSocketConnection{ClientID: "peer", Send: make(chan []byte, 4)}
	if err := s.stateManager.Add("sender", sender); err != nil {
		t.Fatalf("add sender: %v", err)
	}
	if err := s.stateManager.Add("peer", peer); err != nil {
		t.Fatalf("add peer: %v", err)
	}

	s.stateManager.Publish(types.Event{
		Type:    protocol.TypeChatMessage,
		Target:  "peer",
		Message: "hello",
		Sender:  "sender",
	}, "sender")

	select {
	case <-peer.Send:
	case <-time.After(time.Second):
		t.Fatalf("peer never received excluded-sender broadcast")
	}

	select {
	case data := <-sender.Send:
		t.Fatalf("sender should have been excluded, got %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}
