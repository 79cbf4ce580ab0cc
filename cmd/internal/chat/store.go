// Package chat holds the conversation store: the only component that mutates the
// conversation list, the message logs and the unread counters.
//
// UI calls and transport events reach the store from different goroutines. All domain
// state sits behind one mutex that is never held across network I/O.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"telechat/cmd/identity/ids"
	"telechat/cmd/internal/chat/metrics"
	"telechat/cmd/internal/chat/model"
	"telechat/cmd/internal/chat/presence"
	"telechat/cmd/internal/chat/restgw"
	"telechat/cmd/internal/chat/transport"
	"telechat/cmd/internal/chat/typing"
	v1 "telechat/contracts/chat/v1"

	"github.com/jonboulle/clockwork"
)

const (
	// maxParkedReceipts bounds receipts held for messages the store has not seen yet.
	maxParkedReceipts = 1024

	// maxSeenMessages bounds the inbound ids remembered for de-duplication.
	maxSeenMessages = 512

	// ackTimeout bounds a REST read acknowledgement sent for a live message.
	ackTimeout = 10 * time.Second
)

// Gateway is the REST surface the store persists through.
type Gateway interface {
	ListConversations(ctx context.Context, userID string) []restgw.Summary
	History(ctx context.Context, userID, otherID string) []model.Message
	PersistMessage(ctx context.Context, req restgw.SendRequest) (model.Message, error)
	MarkRead(ctx context.Context, senderID, receiverID string) bool
	UnreadCount(ctx context.Context, userID string) int
	DeleteMessage(ctx context.Context, messageID string) error
}

// Live is the live transport surface the store pushes through.
type Live interface {
	Connected() bool
	Status() transport.Status
	Connect(ctx context.Context, userID string) error
	Publish(kind transport.PublishKind, body any) bool
}

var (
	_ Gateway = (*restgw.Gateway)(nil)
	_ Live    = (*transport.Client)(nil)
)

// Options carries the optional collaborators of a Store.
type Options struct {
	Log     *slog.Logger
	Clock   clockwork.Clock
	Metrics *metrics.Metrics

	// Presence and Typing default to fresh trackers.
	Presence *presence.Tracker
	Typing   *typing.Tracker

	TypingExpiry  time.Duration
	TypingIdle    time.Duration
	TypingRefresh time.Duration
}

// Store is the per-session conversation state. Construct one per authenticated user.
type Store struct {
	local    string
	gw       Gateway
	live     Live
	log      *slog.Logger
	clock    clockwork.Clock
	metrics  *metrics.Metrics
	presence *presence.Tracker
	typing   *typing.Tracker
	outbound *typing.Debouncer

	mu        sync.Mutex
	convs     []model.Conversation
	active    string
	selectSeq uint64
	logs      map[string][]model.Message
	parked    map[string]model.Status
	seen      map[string]struct{}
	seenOrder []string
}

// New constructs a Store for localUserID.
func New(localUserID string, gw Gateway, live Live, opts Options) *Store {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	s := &Store{
		local:    strings.TrimSpace(localUserID),
		gw:       gw,
		live:     live,
		log:      log,
		clock:    clock,
		metrics:  opts.Metrics,
		presence: opts.Presence,
		typing:   opts.Typing,
		logs:     make(map[string][]model.Message),
		parked:   make(map[string]model.Status),
		seen:     make(map[string]struct{}),
	}
	if s.presence == nil {
		s.presence = presence.NewTracker(log)
	}
	if s.typing == nil {
		s.typing = typing.NewTracker(log, clock, opts.TypingExpiry)
	}
	s.outbound = typing.NewDebouncer(clock, opts.TypingIdle, opts.TypingRefresh, s.emitTyping)
	return s
}

// LocalUserID returns the session user.
func (s *Store) LocalUserID() string { return s.local }

// LoadConversations fetches the conversation list and seeds unread counters and presence.
// Conversations known only locally (synthesized by a send or an inbound message) are kept.
func (s *Store) LoadConversations(ctx context.Context) []model.Conversation {
	rows := s.gw.ListConversations(ctx, s.local)

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]model.Conversation, 0, len(rows)+len(s.convs))
	seen := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		c := r.Conversation
		if c.OtherUser.ID == s.active {
			c.UnreadCount = 0
		}
		next = append(next, c)
		seen[c.OtherUser.ID] = struct{}{}
		s.presence.Set(c.OtherUser.ID, r.Online)
	}
	for _, c := range s.convs {
		if _, ok := seen[c.OtherUser.ID]; !ok {
			next = append(next, c)
		}
	}
	model.SortByRecency(next)
	s.convs = next

	s.metrics.Unread(s.totalUnreadLocked())
	s.log.Debug("store.conversations.loaded", "count", len(next))
	return slices.Clone(s.convs)
}

// SelectConversation makes other the active conversation, zeroes its unread counter,
// materializes its log and marks it read server-side.
func (s *Store) SelectConversation(ctx context.Context, other model.UserRef) ([]model.Message, error) {
	other.ID = strings.TrimSpace(other.ID)
	if other.ID == "" || other.ID == s.local {
		return nil, ErrInvalidCounterpart
	}

	// Any typing burst belongs to the previous conversation.
	s.outbound.Stop()

	s.mu.Lock()
	s.active = other.ID
	s.selectSeq++
	seq := s.selectSeq
	i := s.ensureConvLocked(other)
	s.convs[i].UnreadCount = 0
	s.metrics.Unread(s.totalUnreadLocked())
	s.mu.Unlock()

	history := s.gw.History(ctx, s.local, other.ID)

	s.mu.Lock()
	if s.active != other.ID || s.selectSeq != seq {
		s.mu.Unlock()
		s.log.Debug("store.history.stale", "other_id", other.ID)
		// The unread counter was already zeroed locally; keep the server in step.
		s.gw.MarkRead(ctx, other.ID, s.local)
		return nil, nil
	}
	s.logs[other.ID] = mergeHistory(history, s.logs[other.ID])
	s.applyParkedLocked(other.ID)
	out := slices.Clone(s.logs[other.ID])
	s.mu.Unlock()

	s.gw.MarkRead(ctx, other.ID, s.local)
	return out, nil
}

// mergeHistory keeps the server log and appends local entries it does not know yet
// (placeholders and messages that arrived live during the fetch), in arrival order.
func mergeHistory(history, local []model.Message) []model.Message {
	out := make([]model.Message, 0, len(history)+len(local))
	seen := make(map[string]struct{}, len(history))
	for _, m := range history {
		out = append(out, m)
		seen[m.ID] = struct{}{}
	}
	for _, m := range local {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		out = append(out, m)
	}
	return out
}

// SendMessage appends an optimistic message to the active conversation and persists it.
// The returned message is the final log entry: StatusSent with the server id on success,
// StatusFailed (still carrying its placeholder id) when the durable write failed.
func (s *Store) SendMessage(ctx context.Context, content string) (model.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return model.Message{}, ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > restgw.MaxContentRunes {
		return model.Message{}, ErrContentTooLong
	}

	now := s.clock.Now().UTC()

	s.mu.Lock()
	other := s.active
	if other == "" {
		s.mu.Unlock()
		return model.Message{}, ErrNoActiveConversation
	}
	msg := model.Message{
		ID:         ids.NewPlaceholderID(now),
		SenderID:   s.local,
		ReceiverID: other,
		Content:    content,
		Timestamp:  now,
		Status:     model.StatusPending,
	}
	s.logs[other] = append(s.logs[other], msg)
	s.touchLocked(model.UserRef{ID: other}, content, now)
	s.mu.Unlock()

	s.outbound.Stop()
	return s.deliver(ctx, msg)
}

// RetryMessage re-sends a failed message through its placeholder id.
func (s *Store) RetryMessage(ctx context.Context, messageID string) (model.Message, error) {
	now := s.clock.Now().UTC()

	s.mu.Lock()
	other, i, ok := s.findLocked(messageID)
	if !ok {
		s.mu.Unlock()
		return model.Message{}, ErrMessageNotFound
	}
	m := &s.logs[other][i]
	if m.Status != model.StatusFailed || m.SenderID != s.local {
		s.mu.Unlock()
		return model.Message{}, fmt.Errorf("%w: status %s", ErrNotRetryable, m.Status)
	}
	m.Status = model.StatusPending
	m.Timestamp = now
	msg := *m
	s.touchLocked(model.UserRef{ID: other}, msg.Content, now)
	s.mu.Unlock()

	return s.deliver(ctx, msg)
}

// deliver runs the live fast path and the durable write for a pending message,
// then resolves the entry keyed by its placeholder id.
func (s *Store) deliver(ctx context.Context, msg model.Message) (model.Message, error) {
	if s.live.Connected() {
		s.live.Publish(transport.PublishSendMessage, v1.SendMessageBody{
			ReceiverID: msg.ReceiverID,
			Content:    msg.Content,
		})
	}

	saved, err := s.gw.PersistMessage(ctx, restgw.SendRequest{
		SenderID:   s.local,
		ReceiverID: msg.ReceiverID,
		Content:    msg.Content,
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		out := s.failLocked(msg.ReceiverID, msg.ID)
		s.metrics.MessageSent("failed")
		s.log.Warn("store.send.fail", "placeholder_id", msg.ID, "receiver_id", msg.ReceiverID, "err", err)
		return out, fmt.Errorf("chat: send: %w", err)
	}

	out := s.confirmLocked(msg.ReceiverID, msg.ID, saved)
	s.metrics.MessageSent("sent")
	s.log.Debug("store.send.ok", "placeholder_id", msg.ID, "message_id", out.ID)
	return out, nil
}

func (s *Store) failLocked(other, placeholderID string) model.Message {
	log := s.logs[other]
	i := indexByID(log, placeholderID)
	if i < 0 {
		return model.Message{}
	}
	log[i].Status = log[i].Status.Advance(model.StatusFailed)
	return log[i]
}

func (s *Store) confirmLocked(other, placeholderID string, saved model.Message) model.Message {
	saved.Status = model.StatusSent
	if st, ok := s.parked[saved.ID]; ok {
		saved.Status = saved.Status.Advance(st)
		delete(s.parked, saved.ID)
	}

	log := s.logs[other]
	i := indexByID(log, placeholderID)
	if i < 0 {
		// Deleted locally while the write was in flight.
		return saved
	}
	if j := indexByID(log, saved.ID); j >= 0 {
		// The live echo landed first: keep it and drop the placeholder.
		log[j].Status = log[j].Status.Advance(saved.Status)
		out := log[j]
		s.logs[other] = slices.Delete(log, i, i+1)
		return out
	}
	// Never move the entry backwards if something advanced it while the write was in flight.
	saved.Status = saved.Status.Advance(log[i].Status)
	log[i] = saved
	return saved
}

// DeleteMessage removes a message. Persisted messages are deleted server-side first;
// failed placeholders were never persisted and are dropped locally.
func (s *Store) DeleteMessage(ctx context.Context, messageID string) error {
	s.mu.Lock()
	other, i, ok := s.findLocked(messageID)
	if !ok {
		s.mu.Unlock()
		return ErrMessageNotFound
	}
	status := s.logs[other][i].Status
	s.mu.Unlock()

	if ids.IsPlaceholder(messageID) {
		if status == model.StatusPending {
			return ErrMessagePending
		}
	} else if err := s.gw.DeleteMessage(ctx, messageID); err != nil {
		s.log.Warn("store.delete.fail", "message_id", messageID, "err", err)
		return fmt.Errorf("chat: delete: %w", err)
	}

	s.mu.Lock()
	s.removeLocked(other, messageID)
	s.mu.Unlock()
	return nil
}

func (s *Store) removeLocked(other, messageID string) {
	log := s.logs[other]
	i := indexByID(log, messageID)
	if i < 0 {
		return
	}
	wasLast := i == len(log)-1
	log = slices.Delete(log, i, i+1)
	s.logs[other] = log

	if !wasLast {
		return
	}
	if ci := s.convIndexLocked(other); ci >= 0 {
		s.convs[ci].LastMessagePreview = ""
		if len(log) > 0 {
			s.convs[ci].LastMessagePreview = log[len(log)-1].Content
		}
	}
}

// RefreshUnread fetches the server-side unread total and reports drift from the local aggregate.
func (s *Store) RefreshUnread(ctx context.Context) int {
	server := s.gw.UnreadCount(ctx, s.local)
	local := s.TotalUnread()
	if server != local {
		s.log.Info("store.unread.drift", "server", server, "local", local)
	}
	return server
}

// Keystroke records local composing activity for the active conversation.
func (s *Store) Keystroke() { s.outbound.Keystroke() }

// StopTyping ends the local typing burst immediately.
func (s *Store) StopTyping() { s.outbound.Stop() }

func (s *Store) emitTyping(isTyping bool) {
	s.mu.Lock()
	other := s.active
	s.mu.Unlock()

	if other == "" || !s.live.Connected() {
		return
	}
	s.live.Publish(transport.PublishTyping, v1.TypingBody{
		SenderID:   s.local,
		ReceiverID: other,
		IsTyping:   isTyping,
	})
}

// IsUserOnline delegates to the presence tracker.
func (s *Store) IsUserOnline(userID string) bool { return s.presence.IsOnline(userID) }

// IsUserTyping delegates to the typing tracker.
func (s *Store) IsUserTyping(userID string) bool { return s.typing.IsTyping(userID) }

// TotalUnread is the sum of every conversation's UnreadCount.
func (s *Store) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalUnreadLocked()
}

func (s *Store) totalUnreadLocked() int {
	n := 0
	for _, c := range s.convs {
		n += c.UnreadCount
	}
	return n
}

// ConnectionStatus reports the live connection state.
func (s *Store) ConnectionStatus() transport.Status { return s.live.Status() }

// RetryConnection is the manual retry after the live connection failed for good.
func (s *Store) RetryConnection(ctx context.Context) error {
	return s.live.Connect(ctx, s.local)
}

// Conversations returns a copy of the conversation list, most recent first.
func (s *Store) Conversations() []model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.convs)
}

// ActiveConversation returns the active conversation, if any.
func (s *Store) ActiveConversation() (model.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.convIndexLocked(s.active); i >= 0 {
		return s.convs[i], true
	}
	return model.Conversation{}, false
}

// ActiveMessages returns a copy of the active conversation's log.
func (s *Store) ActiveMessages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == "" {
		return []model.Message{}
	}
	out := slices.Clone(s.logs[s.active])
	if out == nil {
		out = []model.Message{}
	}
	return out
}

// Close ends the session: the typing burst is stopped and live signals are dropped.
func (s *Store) Close() {
	s.outbound.Stop()
	s.typing.Reset()
	s.presence.Reset()
}

// ---- list helpers (callers hold s.mu) ----

func (s *Store) convIndexLocked(otherID string) int {
	if otherID == "" {
		return -1
	}
	for i := range s.convs {
		if s.convs[i].OtherUser.ID == otherID {
			return i
		}
	}
	return -1
}

// ensureConvLocked returns the index of the conversation with other, synthesizing one if needed.
func (s *Store) ensureConvLocked(other model.UserRef) int {
	name := strings.TrimSpace(other.DisplayName)
	if i := s.convIndexLocked(other.ID); i >= 0 {
		if name != "" && s.convs[i].OtherUser.DisplayName == model.UnknownUserName {
			s.convs[i].OtherUser.DisplayName = name
		}
		return i
	}
	if name == "" {
		name = model.UnknownUserName
	}
	s.convs = append(s.convs, model.Conversation{
		ID: model.DeriveConversationID(s.local, other.ID),
		OtherUser: model.UserRef{
			ID:          other.ID,
			DisplayName: name,
			AvatarRef:   other.AvatarRef,
		},
		Derived: true,
	})
	return len(s.convs) - 1
}

// touchLocked updates the preview of the conversation with other and moves it to the front.
func (s *Store) touchLocked(other model.UserRef, preview string, at time.Time) {
	i := s.ensureConvLocked(other)
	c := s.convs[i]
	c.LastMessagePreview = preview
	c.LastMessageAt = at
	copy(s.convs[1:i+1], s.convs[:i])
	s.convs[0] = c
}

// findLocked locates a message by id, looking at the active log first.
func (s *Store) findLocked(messageID string) (string, int, bool) {
	if messageID == "" {
		return "", -1, false
	}
	if i := indexByID(s.logs[s.active], messageID); i >= 0 {
		return s.active, i, true
	}
	for other, log := range s.logs {
		if i := indexByID(log, messageID); i >= 0 {
			return other, i, true
		}
	}
	return "", -1, false
}

func indexByID(log []model.Message, id string) int {
	return slices.IndexFunc(log, func(m model.Message) bool { return m.ID == id })
}
