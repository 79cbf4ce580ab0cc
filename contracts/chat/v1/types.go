// Package v1 defines the telechat broker protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the client, the smoke tool and test brokers to keep the wire format authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every frame.
const Version = "v1"

// Subprotocol is negotiated during the websocket handshake.
const Subprotocol = "telechat.broker.v1"

// Frame type constants (wire-stable).
const (
	// TypeConnect registers a session (client -> broker).
	TypeConnect = "connect"
	// TypeConnected acknowledges the session registration (broker -> client).
	TypeConnected = "connected"

	// TypeSubscribe activates a topic subscription (client -> broker).
	TypeSubscribe = "subscribe"
	// TypeReceipt confirms a subscribe request by frame id (broker -> client).
	TypeReceipt = "receipt"

	// TypeSend publishes a body to an application destination (client -> broker).
	TypeSend = "send"
	// TypeMessage delivers a body published on a subscribed topic (broker -> client).
	TypeMessage = "message"

	// TypeError is a generic error frame (broker -> client).
	TypeError = "error"
)

// Outbound application destinations.
const (
	DestAddUser     = "/app/chat.addUser"
	DestSendMessage = "/app/chat.sendMessage"
	DestTyping      = "/app/chat.typing"
	DestMarkRead    = "/app/chat.markRead"
)

// PresenceTopic is the broadcast topic carrying user_status bodies.
const PresenceTopic = "/topic/user-status"

// UserTopic returns the per-user topic for userID.
func UserTopic(userID string) string {
	return "/topic/user/" + userID
}

// Body kinds carried in the "type" field of message frame payloads.
const (
	KindNewMessage      = "new_message"
	KindTypingStatus    = "typing_status"
	KindUserStatus      = "user_status"
	KindDeliveryReceipt = "delivery_receipt"
	KindReadReceipt     = "read_receipt"
)

// Frame is the canonical wire wrapper.
type Frame struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Dest    string          `json:"dest,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for a Frame.
func (f Frame) Validate() error {
	if strings.TrimSpace(f.V) == "" {
		return errors.New("missing field: v")
	}
	if f.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", f.V)
	}

	switch f.Type {
	case TypeConnect, TypeConnected, TypeReceipt, TypeError:
		return nil
	case TypeSubscribe, TypeSend, TypeMessage:
		if strings.TrimSpace(f.Dest) == "" {
			return fmt.Errorf("missing field: dest (type %q)", f.Type)
		}
		return nil
	case "":
		return errors.New("missing field: type")
	default:
		return fmt.Errorf("unknown type: %q", f.Type)
	}
}

// ---- Frame payloads ----

// ConnectPayload is sent by the client to register its session.
type ConnectPayload struct {
	UserID string `json:"userId"`
}

// ConnectedPayload acknowledges the session.
type ConnectedPayload struct {
	SessionID string `json:"sessionId"`
}

// ReceiptPayload confirms a subscription by the subscribe frame id.
type ReceiptPayload struct {
	ReceiptID string `json:"receiptId"`
}

// ErrorPayload is a generic error payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---- Outbound bodies ----

// AddUserBody registers presence for the session user.
type AddUserBody struct {
	UserID string `json:"userId"`
}

// SendMessageBody pushes a message through the live path.
type SendMessageBody struct {
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
}

// TypingBody signals that SenderID is (or stopped) composing towards ReceiverID.
type TypingBody struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	IsTyping   bool   `json:"isTyping"`
}

// MarkReadBody acknowledges all messages from SenderID to ReceiverID.
type MarkReadBody struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}

// ---- Inbound bodies ----

// BodyHeader is decoded first to route a message body by kind.
type BodyHeader struct {
	Type string `json:"type"`
}

// NewMessageBody notifies the receiver about a persisted message.
type NewMessageBody struct {
	Type       string `json:"type"`
	MessageID  ID     `json:"messageId"`
	SenderID   ID     `json:"senderId"`
	SenderName string `json:"senderName,omitempty"`
	ReceiverID ID     `json:"receiverId,omitempty"`
	Content    string `json:"content"`
	Timestamp  Time   `json:"timestamp"`
}

// TypingStatusBody relays a counterpart's typing signal.
type TypingStatusBody struct {
	Type     string `json:"type"`
	SenderID ID     `json:"senderId"`
	IsTyping bool   `json:"isTyping"`
}

// UserStatusBody is the presence broadcast.
type UserStatusBody struct {
	Type     string `json:"type"`
	UserID   ID     `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

// DeliveryReceiptBody tells the sender a message reached the receiver's topic.
type DeliveryReceiptBody struct {
	Type      string `json:"type"`
	MessageID ID     `json:"messageId"`
	Status    string `json:"status,omitempty"`
}

// ReadReceiptBody tells the sender that ReceiverID has read MessageIDs.
type ReadReceiptBody struct {
	Type       string `json:"type"`
	ReceiverID ID     `json:"receiverId"`
	MessageIDs []ID   `json:"messageIds"`
}
