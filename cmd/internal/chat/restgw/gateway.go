// Package restgw wraps the messaging REST surface of the backend.
//
// Reads fail soft (empty values, logged) because history and lists are best-effort for display.
// Writes fail loud so the caller can mark the affected message.
package restgw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"telechat/cmd/internal/chat/metrics"
	"telechat/cmd/internal/chat/model"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultMaxBodyBytes = 4 << 20
)

// Config locates the backend.
type Config struct {
	// BaseURL is the API root, e.g. https://api.example.test/api.
	BaseURL      string
	Timeout      time.Duration
	MaxBodyBytes int64
}

// Options carries the collaborators of a Gateway. Every field is optional.
type Options struct {
	Log            *slog.Logger
	HTTPClient     *http.Client
	Tokens         TokenSource
	OnUnauthorized func()
	Metrics        *metrics.Metrics
	Now            func() time.Time
}

// Gateway is stateless with respect to domain data.
type Gateway struct {
	base     *url.URL
	timeout  time.Duration
	maxBody  int64
	http     *http.Client
	log      *slog.Logger
	metrics  *metrics.Metrics
	validate *requestValidator
	now      func() time.Time
}

// New constructs a Gateway for cfg.BaseURL.
func New(cfg Config, opts Options) (*Gateway, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("restgw: missing base url")
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("restgw: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("restgw: unsupported base url scheme %q", base.Scheme)
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	// Copy so the caller's client keeps its own transport.
	client := *hc
	client.Transport = newBearerTransport(hc.Transport, opts.Tokens, opts.OnUnauthorized, log)

	g := &Gateway{
		base:     base,
		timeout:  cfg.Timeout,
		maxBody:  cfg.MaxBodyBytes,
		http:     &client,
		log:      log,
		metrics:  opts.Metrics,
		validate: newRequestValidator(),
		now:      opts.Now,
	}
	if g.timeout <= 0 {
		g.timeout = defaultTimeout
	}
	if g.maxBody <= 0 {
		g.maxBody = defaultMaxBodyBytes
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g, nil
}

// ListConversations returns the user's conversation summaries ordered by recency.
// Errors and malformed bodies yield an empty list.
func (g *Gateway) ListConversations(ctx context.Context, userID string) []Summary {
	var rows []conversationDTO
	if err := g.do(ctx, "list_conversations", http.MethodGet, g.endpoint("chat", "conversations", userID), nil, nil, &rows); err != nil {
		g.readFailed("list_conversations", err, "user_id", userID)
		return []Summary{}
	}
	return normalizeSummaries(userID, rows)
}

// History returns the ordered log between userID and otherID.
// Rows flagged read map to StatusRead, everything else to StatusDelivered.
func (g *Gateway) History(ctx context.Context, userID, otherID string) []model.Message {
	var rows []messageDTO
	if err := g.do(ctx, "history", http.MethodGet, g.endpoint("chat", "history", userID, otherID), nil, nil, &rows); err != nil {
		g.readFailed("history", err, "user_id", userID, "other_id", otherID)
		return []model.Message{}
	}

	out := make([]model.Message, 0, len(rows))
	for _, r := range rows {
		if r.ID == "" {
			continue
		}
		status := model.StatusDelivered
		if r.Read {
			status = model.StatusRead
		}
		out = append(out, r.toModel(status))
	}
	return out
}

// PersistMessage is the durable write. The returned message carries the
// server id and StatusSent.
func (g *Gateway) PersistMessage(ctx context.Context, req SendRequest) (model.Message, error) {
	req.SenderID = strings.TrimSpace(req.SenderID)
	req.ReceiverID = strings.TrimSpace(req.ReceiverID)
	if strings.TrimSpace(req.Content) == "" {
		req.Content = ""
	}
	if err := g.validate.check(req); err != nil {
		return model.Message{}, err
	}

	var saved messageDTO
	if err := g.do(ctx, "send", http.MethodPost, g.endpoint("chat", "send"), nil, req, &saved); err != nil {
		return model.Message{}, err
	}
	if saved.ID == "" {
		return model.Message{}, fmt.Errorf("restgw send: %w: no message id", ErrEmptyResponse)
	}

	msg := saved.toModel(model.StatusSent)
	if msg.SenderID == "" {
		msg.SenderID = req.SenderID
	}
	if msg.ReceiverID == "" {
		msg.ReceiverID = req.ReceiverID
	}
	if msg.Content == "" {
		msg.Content = req.Content
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = g.now().UTC()
	}
	return msg, nil
}

// MarkRead marks every message from senderID to receiverID as read.
// Best-effort: failures are logged and reported as false.
func (g *Gateway) MarkRead(ctx context.Context, senderID, receiverID string) bool {
	q := url.Values{}
	q.Set("senderId", senderID)
	q.Set("receiverId", receiverID)

	if err := g.do(ctx, "mark_read", http.MethodPost, g.endpoint("chat", "mark-read"), q, nil, nil); err != nil {
		g.log.Info("restgw.mark_read.fail", "sender_id", senderID, "receiver_id", receiverID, "err", err)
		return false
	}
	return true
}

// UnreadCount returns the server-side unread total for userID, 0 on error.
func (g *Gateway) UnreadCount(ctx context.Context, userID string) int {
	var n int64
	if err := g.do(ctx, "unread_count", http.MethodGet, g.endpoint("chat", "unread-count", userID), nil, nil, &n); err != nil {
		g.readFailed("unread_count", err, "user_id", userID)
		return 0
	}
	if n < 0 {
		return 0
	}
	return int(n)
}

// DeleteMessage deletes a persisted message.
func (g *Gateway) DeleteMessage(ctx context.Context, messageID string) error {
	if strings.TrimSpace(messageID) == "" {
		return fmt.Errorf("%w: message id is required", ErrInvalidRequest)
	}
	return g.do(ctx, "delete_message", http.MethodDelete, g.endpoint("chat", "message", messageID), nil, nil, nil)
}

// ---- plumbing ----

// endpoint joins path segments onto the base URL, escaping each one.
func (g *Gateway) endpoint(segments ...string) *url.URL {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return g.base.JoinPath(escaped...)
}

// do performs one request. out == nil discards the body; a nil error with
// out != nil means out was decoded from a non-empty body.
func (g *Gateway) do(ctx context.Context, op, method string, endpoint *url.URL, query url.Values, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	u := *endpoint
	u.RawQuery = query.Encode()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("restgw %s: encode: %w", op, err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return fmt.Errorf("restgw %s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := g.http.Do(req)
	if err != nil {
		g.metrics.RestRequest(op, 0, time.Since(start))
		return fmt.Errorf("restgw %s: %w", op, err)
	}
	defer resp.Body.Close()
	g.metrics.RestRequest(op, resp.StatusCode, time.Since(start))

	data, err := io.ReadAll(io.LimitReader(resp.Body, g.maxBody))
	if err != nil {
		return fmt.Errorf("restgw %s: read body: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Op: op, Code: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("restgw %s: %w", op, ErrEmptyResponse)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("restgw %s: decode: %w", op, err)
	}
	return nil
}

func (g *Gateway) readFailed(op string, err error, attrs ...any) {
	// An empty body on a read is the normal "nothing yet" answer.
	if errors.Is(err, ErrEmptyResponse) {
		return
	}
	g.log.Warn("restgw.read.fail", append([]any{"op", op, "err", err}, attrs...)...)
}

func sortSummaries(s []Summary) {
	sort.SliceStable(s, func(i, j int) bool {
		return s[i].LastMessageAt.After(s[j].LastMessageAt)
	})
}
