// Package model holds the messaging domain types shared by the transport, the REST gateway
// and the conversation store.
package model

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UnknownUserName is shown for counterparts the server did not name.
const UnknownUserName = "Unknown User"

// conversationNamespace scopes derived conversation ids (UUIDv5).
var conversationNamespace = uuid.MustParse("6f1c5d8e-2b7a-4c59-9a0e-3d4b8f7e1a21")

// UserRef is an opaque reference to a user owned by the auth/profile service.
type UserRef struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

// Conversation is the 1:1 thread between the local user and OtherUser.
type Conversation struct {
	ID                 string    `json:"id"`
	OtherUser          UserRef   `json:"otherUser"`
	LastMessagePreview string    `json:"lastMessagePreview"`
	LastMessageAt      time.Time `json:"lastMessageAt"`
	UnreadCount        int       `json:"unreadCount"`

	// Derived is true while ID is the locally derived pair id.
	Derived bool `json:"derived"`
}

// Message is one entry of a conversation log.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	Status     Status    `json:"status"`
}

// Counterpart returns the participant that is not localUserID.
func (m Message) Counterpart(localUserID string) string {
	if m.SenderID == localUserID {
		return m.ReceiverID
	}
	return m.SenderID
}

// DeriveConversationID returns the deterministic id for the pair (a, b).
// The result does not depend on argument order.
func DeriveConversationID(a, b string) string {
	pair := []string{strings.TrimSpace(a), strings.TrimSpace(b)}
	sort.Strings(pair)
	return uuid.NewSHA1(conversationNamespace, []byte(pair[0]+"\x00"+pair[1])).String()
}

// SortByRecency orders conversations by LastMessageAt descending.
// Ties keep their relative order.
func SortByRecency(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].LastMessageAt.After(convs[j].LastMessageAt)
	})
}
