// Package protocol holds the wire constants shared between client and server.
package protocol

import "strings"

// Message type discriminators. Transfer is the inbound request form;
// TransferRequest is the event fanned out to peers.
const (
	TypeStatusUpdate    = "status_update"
	TypeChatMessage     = "chat_message"
	TypeCallIncoming    = "call_incoming"
	TypeTransfer        = "transfer"
	TypeTransferRequest = "transfer_request"
	TypeUsersUpdate     = "users_update"
	TypeWelcome         = "welcome"
	TypeError           = "error"
)

// Error replies sent to the offending connection only.
const (
	ErrInvalidFormat       = "Invalid message format"
	ErrMissingType         = "Invalid message: Missing type"
	ErrInvalidStatusUpdate = "Invalid status_update"
	ErrInvalidChatMessage  = "Invalid chat message"
	ErrInvalidCallIncoming = "Invalid call_incoming"
	ErrInvalidTransfer     = "Invalid transfer"
)

// Presence status values exchanged on the wire.
const (
	StatusOnline  = "Online"
	StatusOffline = "Offline"
)

// sipKeywords are the SIP request methods a soft-phone may leak onto the
// relay channel. Lines starting with one of these belong to the telephony
// signaling dialect and are dropped without an error reply.
var sipKeywords = []string{
	"REGISTER",
	"MESSAGE",
	"INVITE",
	"ACK",
	"BYE",
	"CANCEL",
	"OPTIONS",
	"SUBSCRIBE",
	"NOTIFY",
}

// IsSIPControlLine reports whether a raw inbound payload is a SIP control
// line rather than a relay JSON message.
func IsSIPControlLine(raw string) bool {
	for _, kw := range sipKeywords {
		if strings.HasPrefix(raw, kw) {
			return true
		}
	}
	return false
}
