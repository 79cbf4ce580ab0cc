package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	v1 "telechat/contracts/chat/v1"
)

// EventKind names an inbound event stream.
type EventKind string

const (
	KindMessage         EventKind = "message"
	KindTyping          EventKind = "typing"
	KindPresence        EventKind = "presence"
	KindDeliveryReceipt EventKind = "delivery-receipt"
	KindReadReceipt     EventKind = "read-receipt"
	KindConnection      EventKind = "connection"
)

// Kinds lists every EventKind.
var Kinds = []EventKind{KindMessage, KindTyping, KindPresence, KindDeliveryReceipt, KindReadReceipt, KindConnection}

// Event is the closed set of inbound events.
// Consumers switch on it through Dispatch, so adding a kind means adding a Handler method.
type Event interface {
	Kind() EventKind
	Dispatch(h Handler)
}

// Handler receives one callback per event kind.
type Handler interface {
	HandleMessage(MessageEvent)
	HandleTyping(TypingEvent)
	HandlePresence(PresenceEvent)
	HandleDeliveryReceipt(DeliveryReceiptEvent)
	HandleReadReceipt(ReadReceiptEvent)
	HandleConnection(ConnectionEvent)
}

// MessageEvent is a message persisted by the backend and pushed to a participant.
type MessageEvent struct {
	ID         string
	SenderID   string
	SenderName string
	ReceiverID string
	Content    string
	Timestamp  time.Time
}

func (MessageEvent) Kind() EventKind      { return KindMessage }
func (e MessageEvent) Dispatch(h Handler) { h.HandleMessage(e) }

// TypingEvent is a counterpart's composing signal.
type TypingEvent struct {
	SenderID string
	IsTyping bool
}

func (TypingEvent) Kind() EventKind      { return KindTyping }
func (e TypingEvent) Dispatch(h Handler) { h.HandleTyping(e) }

// PresenceEvent is an online/offline transition.
type PresenceEvent struct {
	UserID string
	Online bool
}

func (PresenceEvent) Kind() EventKind      { return KindPresence }
func (e PresenceEvent) Dispatch(h Handler) { h.HandlePresence(e) }

// DeliveryReceiptEvent reports that MessageID reached the receiver.
type DeliveryReceiptEvent struct {
	MessageID string
}

func (DeliveryReceiptEvent) Kind() EventKind      { return KindDeliveryReceipt }
func (e DeliveryReceiptEvent) Dispatch(h Handler) { h.HandleDeliveryReceipt(e) }

// ReadReceiptEvent reports that ReaderID has read MessageIDs.
type ReadReceiptEvent struct {
	ReaderID   string
	MessageIDs []string
}

func (ReadReceiptEvent) Kind() EventKind      { return KindReadReceipt }
func (e ReadReceiptEvent) Dispatch(h Handler) { h.HandleReadReceipt(e) }

// ConnectionState is the live connection lifecycle.
type ConnectionState uint8

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

var stateNames = [...]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateReconnecting: "reconnecting",
	StateFailed:       "failed",
}

func (s ConnectionState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// MarshalText renders the state name.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func stateLabels() []string {
	return stateNames[:]
}

// ConnectionEvent reports a connection state change.
// Attempt is the reconnect attempt number (0 outside reconnection).
// Err is set for StateFailed and for reconnect attempts that follow a failure.
type ConnectionEvent struct {
	State   ConnectionState
	Attempt int
	Err     error
}

func (ConnectionEvent) Kind() EventKind      { return KindConnection }
func (e ConnectionEvent) Dispatch(h Handler) { h.HandleConnection(e) }

// ErrUnknownBody is returned for message bodies of an unrecognized kind.
var ErrUnknownBody = errors.New("transport: unknown message body")

// decodeEvent maps a message frame body to its Event.
func decodeEvent(dest string, payload json.RawMessage) (Event, error) {
	kind, err := v1.BodyKind(dest, payload)
	if err != nil {
		return nil, err
	}

	switch kind {
	case v1.KindNewMessage:
		var b v1.NewMessageBody
		if err := json.Unmarshal(payload, &b); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		if b.MessageID == "" || b.SenderID == "" {
			return nil, fmt.Errorf("decode %s: missing messageId or senderId", kind)
		}
		return MessageEvent{
			ID:         b.MessageID.String(),
			SenderID:   b.SenderID.String(),
			SenderName: strings.TrimSpace(b.SenderName),
			ReceiverID: b.ReceiverID.String(),
			Content:    b.Content,
			Timestamp:  b.Timestamp.Time,
		}, nil

	case v1.KindTypingStatus:
		var b v1.TypingStatusBody
		if err := json.Unmarshal(payload, &b); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		if b.SenderID == "" {
			return nil, fmt.Errorf("decode %s: missing senderId", kind)
		}
		return TypingEvent{SenderID: b.SenderID.String(), IsTyping: b.IsTyping}, nil

	case v1.KindUserStatus:
		var b v1.UserStatusBody
		if err := json.Unmarshal(payload, &b); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		if b.UserID == "" {
			return nil, fmt.Errorf("decode %s: missing userId", kind)
		}
		return PresenceEvent{UserID: b.UserID.String(), Online: b.IsOnline}, nil

	case v1.KindDeliveryReceipt:
		var b v1.DeliveryReceiptBody
		if err := json.Unmarshal(payload, &b); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		if b.MessageID == "" {
			return nil, fmt.Errorf("decode %s: missing messageId", kind)
		}
		return DeliveryReceiptEvent{MessageID: b.MessageID.String()}, nil

	case v1.KindReadReceipt:
		var b v1.ReadReceiptBody
		if err := json.Unmarshal(payload, &b); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		ids := make([]string, 0, len(b.MessageIDs))
		for _, id := range b.MessageIDs {
			if id != "" {
				ids = append(ids, id.String())
			}
		}
		return ReadReceiptEvent{ReaderID: b.ReceiverID.String(), MessageIDs: ids}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBody, kind)
	}
}
