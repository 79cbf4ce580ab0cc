package restgw

import (
	"strings"

	"telechat/cmd/internal/chat/model"
	v1 "telechat/contracts/chat/v1"
)

// MaxContentRunes bounds the content of one message.
const MaxContentRunes = 4000

// SendRequest is the durable write of one message.
type SendRequest struct {
	SenderID   string `json:"senderId" validate:"required,nefield=ReceiverID"`
	ReceiverID string `json:"receiverId" validate:"required"`
	Content    string `json:"content" validate:"required,max=4000"`
}

// Summary is one conversation-list row as reported by the backend.
type Summary struct {
	model.Conversation
	Online bool
}

type conversationDTO struct {
	ConversationID    v1.ID   `json:"conversationId"`
	PartnerID         v1.ID   `json:"partnerId"`
	PartnerName       string  `json:"partnerName"`
	PartnerImageURL   string  `json:"partnerImageUrl"`
	IsOnline          bool    `json:"isOnline"`
	UnreadCount       int     `json:"unreadCount"`
	LatestMessage     string  `json:"latestMessage"`
	LatestMessageTime v1.Time `json:"latestMessageTime"`
}

type userDTO struct {
	ID       v1.ID  `json:"id"`
	UserName string `json:"userName"`
}

// messageDTO accepts both the nested sender/receiver entity form and flat ids.
type messageDTO struct {
	ID         v1.ID    `json:"id"`
	Sender     *userDTO `json:"sender"`
	Receiver   *userDTO `json:"receiver"`
	SenderID   v1.ID    `json:"senderId"`
	ReceiverID v1.ID    `json:"receiverId"`
	Content    string   `json:"content"`
	Timestamp  v1.Time  `json:"timestamp"`
	Read       bool     `json:"read"`
}

func (d messageDTO) senderID() string {
	if d.Sender != nil && d.Sender.ID != "" {
		return d.Sender.ID.String()
	}
	return d.SenderID.String()
}

func (d messageDTO) receiverID() string {
	if d.Receiver != nil && d.Receiver.ID != "" {
		return d.Receiver.ID.String()
	}
	return d.ReceiverID.String()
}

func (d messageDTO) toModel(status model.Status) model.Message {
	return model.Message{
		ID:         d.ID.String(),
		SenderID:   d.senderID(),
		ReceiverID: d.receiverID(),
		Content:    d.Content,
		Timestamp:  d.Timestamp.Time,
		Status:     status,
	}
}

// normalizeSummaries drops rows without a partner and fills defaults.
func normalizeSummaries(localUserID string, rows []conversationDTO) []Summary {
	out := make([]Summary, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))

	for _, r := range rows {
		partner := r.PartnerID.String()
		if partner == "" || partner == localUserID {
			continue
		}
		if _, dup := seen[partner]; dup {
			continue
		}
		seen[partner] = struct{}{}

		name := strings.TrimSpace(r.PartnerName)
		if name == "" {
			name = model.UnknownUserName
		}
		id := r.ConversationID.String()
		derived := false
		if id == "" {
			id = model.DeriveConversationID(localUserID, partner)
			derived = true
		}
		unread := r.UnreadCount
		if unread < 0 {
			unread = 0
		}

		out = append(out, Summary{
			Conversation: model.Conversation{
				ID: id,
				OtherUser: model.UserRef{
					ID:          partner,
					DisplayName: name,
					AvatarRef:   strings.TrimSpace(r.PartnerImageURL),
				},
				LastMessagePreview: r.LatestMessage,
				LastMessageAt:      r.LatestMessageTime.Time,
				UnreadCount:        unread,
				Derived:            derived,
			},
			Online: r.IsOnline,
		})
	}

	sortSummaries(out)
	return out
}
