package chat

import (
	"context"
	"strings"

	"telechat/cmd/identity/ids"
	"telechat/cmd/internal/chat/model"
	"telechat/cmd/internal/chat/transport"
	v1 "telechat/contracts/chat/v1"
)

var _ transport.Handler = (*Store)(nil)

// Run applies events until ctx is done or events is closed.
func (s *Store) Run(ctx context.Context, events <-chan transport.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.Apply(ev)
		}
	}
}

// Apply merges one inbound event.
func (s *Store) Apply(ev transport.Event) {
	if ev == nil {
		return
	}
	ev.Dispatch(s)
}

// HandleMessage merges a message pushed by the backend. It already went through the
// durable store, so it enters the log as StatusDelivered.
func (s *Store) HandleMessage(e transport.MessageEvent) {
	msg := model.Message{
		ID:         strings.TrimSpace(e.ID),
		SenderID:   strings.TrimSpace(e.SenderID),
		ReceiverID: strings.TrimSpace(e.ReceiverID),
		Content:    e.Content,
		Timestamp:  e.Timestamp,
		Status:     model.StatusDelivered,
	}
	if msg.ID == "" || msg.SenderID == "" {
		return
	}
	if msg.ReceiverID == "" {
		msg.ReceiverID = s.local
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.clock.Now().UTC()
	}

	outgoing := msg.SenderID == s.local
	other := msg.Counterpart(s.local)
	if other == "" || other == s.local {
		return
	}

	s.mu.Lock()

	if i := indexByID(s.logs[other], msg.ID); i >= 0 {
		// Duplicate push, or the echo of our own send after it was confirmed.
		s.logs[other][i].Status = s.logs[other][i].Status.Advance(msg.Status)
		s.mu.Unlock()
		return
	}
	if !s.rememberLocked(msg.ID) {
		s.mu.Unlock()
		return
	}

	ref := model.UserRef{ID: other}
	if !outgoing {
		ref.DisplayName = e.SenderName
	}
	s.touchLocked(ref, msg.Content, msg.Timestamp)

	active := other == s.active
	if log, ok := s.logs[other]; ok || active {
		s.logs[other] = append(log, msg)
	}
	if !active && !outgoing {
		s.convs[0].UnreadCount++
	}
	total := s.totalUnreadLocked()
	s.mu.Unlock()

	s.metrics.Unread(total)
	if !outgoing {
		// A message ends the sender's composing burst.
		s.typing.Set(msg.SenderID, false)
	}
	if active && !outgoing {
		s.acknowledge(msg.SenderID)
	}
}

// rememberLocked records an inbound id and reports whether it is new.
func (s *Store) rememberLocked(id string) bool {
	if _, ok := s.seen[id]; ok {
		return false
	}
	if len(s.seenOrder) >= maxSeenMessages {
		delete(s.seen, s.seenOrder[0])
		s.seenOrder = s.seenOrder[1:]
	}
	s.seen[id] = struct{}{}
	s.seenOrder = append(s.seenOrder, id)
	return true
}

// acknowledge marks messages from senderID as read, through the live path when
// it is up and through REST otherwise. The REST call runs off the event loop so a
// slow backend does not hold up later events.
func (s *Store) acknowledge(senderID string) {
	if s.live.Connected() && s.live.Publish(transport.PublishMarkRead, v1.MarkReadBody{
		SenderID:   senderID,
		ReceiverID: s.local,
	}) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
		defer cancel()
		if !s.gw.MarkRead(ctx, senderID, s.local) {
			s.log.Debug("store.ack.fail", "sender_id", senderID)
		}
	}()
}

// HandleTyping records a counterpart's typing signal.
func (s *Store) HandleTyping(e transport.TypingEvent) {
	if e.SenderID == "" || e.SenderID == s.local {
		return
	}
	s.typing.Set(e.SenderID, e.IsTyping)
}

// HandlePresence records an online/offline transition.
func (s *Store) HandlePresence(e transport.PresenceEvent) {
	if e.UserID == "" || e.UserID == s.local {
		return
	}
	s.presence.Set(e.UserID, e.Online)
}

// HandleDeliveryReceipt advances one of our messages to StatusDelivered.
func (s *Store) HandleDeliveryReceipt(e transport.DeliveryReceiptEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceLocked(e.MessageID, model.StatusDelivered)
}

// HandleReadReceipt advances our messages read by ReaderID to StatusRead.
// An empty id list means everything we sent to ReaderID.
func (s *Store) HandleReadReceipt(e transport.ReadReceiptEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(e.MessageIDs) > 0 {
		for _, id := range e.MessageIDs {
			s.advanceLocked(id, model.StatusRead)
		}
		return
	}
	if e.ReaderID == "" {
		return
	}
	log := s.logs[e.ReaderID]
	for i := range log {
		// Placeholders are still in flight; the reader cannot have seen them.
		if log[i].SenderID == s.local && !ids.IsPlaceholder(log[i].ID) {
			log[i].Status = log[i].Status.Advance(model.StatusRead)
		}
	}
}

// HandleConnection drops live-only signals once they can no longer be kept current.
// Presence is re-seeded by the next LoadConversations and by presence pushes.
func (s *Store) HandleConnection(e transport.ConnectionEvent) {
	switch e.State {
	case transport.StateDisconnected, transport.StateReconnecting, transport.StateFailed:
		s.presence.Reset()
		s.typing.Reset()
	}
	if e.Err != nil {
		s.log.Info("store.connection", "state", e.State.String(), "attempt", e.Attempt, "err", e.Err)
		return
	}
	s.log.Debug("store.connection", "state", e.State.String(), "attempt", e.Attempt)
}

// advanceLocked moves the message with id forward to next. Receipts for messages the
// store does not hold yet are parked until the placeholder is confirmed.
func (s *Store) advanceLocked(id string, next model.Status) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	if other, i, ok := s.findLocked(id); ok {
		m := &s.logs[other][i]
		m.Status = m.Status.Advance(next)
		return
	}

	if prev, ok := s.parked[id]; ok {
		s.parked[id] = prev.Advance(next)
		return
	}
	if len(s.parked) >= maxParkedReceipts {
		s.log.Debug("store.receipt.drop", "message_id", id, "status", next.String())
		return
	}
	s.parked[id] = next
}

// applyParkedLocked applies parked receipts to a freshly materialized log.
func (s *Store) applyParkedLocked(other string) {
	if len(s.parked) == 0 {
		return
	}
	log := s.logs[other]
	for i := range log {
		if st, ok := s.parked[log[i].ID]; ok {
			log[i].Status = log[i].Status.Advance(st)
			delete(s.parked, log[i].ID)
		}
	}
}
