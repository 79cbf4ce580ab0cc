package restgw

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"telechat/cmd/internal/chat/model"

	"github.com/google/go-cmp/cmp"
	"github.com/neilotoole/slogt"
)

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

type failingToken struct{}

func (failingToken) Token(context.Context) (string, error) { return "", errors.New("no session") }

// recordedRequest is what the fake backend saw.
type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   string
}

type fakeBackend struct {
	mu       sync.Mutex
	requests []recordedRequest
	handle   func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{
		Method: r.Method,
		Path:   r.URL.EscapedPath(),
		Query:  r.URL.RawQuery,
		Auth:   r.Header.Get("Authorization"),
		Body:   string(body),
	})
	f.mu.Unlock()
	f.handle(w, r)
}

func (f *fakeBackend) last(t *testing.T) recordedRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatalf("backend received no request")
	}
	return f.requests[len(f.requests)-1]
}

func (f *fakeBackend) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func respond(code int, body string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = io.WriteString(w, body)
	}
}

func newTestGateway(t *testing.T, handle func(http.ResponseWriter, *http.Request), opts Options) (*Gateway, *fakeBackend) {
	t.Helper()

	fb := &fakeBackend{handle: handle}
	srv := httptest.NewServer(fb)
	t.Cleanup(srv.Close)

	if opts.Log == nil {
		opts.Log = slogt.New(t)
	}
	if opts.Tokens == nil {
		opts.Tokens = staticToken("tok-1")
	}
	g, err := New(Config{BaseURL: srv.URL + "/api/"}, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g, fb
}

func TestNew_RejectsBadBaseURL(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "   ", "ftp://host/api", "://nope"} {
		if _, err := New(Config{BaseURL: raw}, Options{}); err == nil {
			t.Fatalf("New(%q) should fail", raw)
		}
	}
}

func TestListConversations_Normalizes(t *testing.T) {
	t.Parallel()

	body := `[
		{"partnerId": 3, "partnerName": "Dr. Old", "latestMessage": "bye", "latestMessageTime": "2026-03-01T08:00:00", "unreadCount": 0, "isOnline": false},
		{"partnerId": 5, "partnerName": "", "latestMessage": "hi", "latestMessageTime": [2026, 3, 2, 9, 30, 0], "unreadCount": 2, "isOnline": true},
		{"partnerName": "ghost"},
		{"partnerId": "9", "conversationId": "c-9", "partnerName": "Nurse", "unreadCount": -4}
	]`
	g, fb := newTestGateway(t, respond(http.StatusOK, body), Options{})

	got := g.ListConversations(context.Background(), "1")

	req := fb.last(t)
	if req.Method != http.MethodGet || req.Path != "/api/chat/conversations/1" {
		t.Fatalf("request=%s %s", req.Method, req.Path)
	}
	if req.Auth != "Bearer tok-1" {
		t.Fatalf("Authorization=%q", req.Auth)
	}

	want := []Summary{
		{
			Conversation: model.Conversation{
				ID:                 model.DeriveConversationID("1", "5"),
				OtherUser:          model.UserRef{ID: "5", DisplayName: model.UnknownUserName},
				LastMessagePreview: "hi",
				LastMessageAt:      time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
				UnreadCount:        2,
				Derived:            true,
			},
			Online: true,
		},
		{
			Conversation: model.Conversation{
				ID:                 model.DeriveConversationID("1", "3"),
				OtherUser:          model.UserRef{ID: "3", DisplayName: "Dr. Old"},
				LastMessagePreview: "bye",
				LastMessageAt:      time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
				Derived:            true,
			},
		},
		{
			Conversation: model.Conversation{
				ID:        "c-9",
				OtherUser: model.UserRef{ID: "9", DisplayName: "Nurse"},
			},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("summaries mismatch (-want +got):\n%s", diff)
	}
}

func TestListConversations_SoftFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		code int
		body string
	}{
		{name: "empty body", code: http.StatusOK, body: ""},
		{name: "malformed body", code: http.StatusOK, body: `{"oops":`},
		{name: "object instead of list", code: http.StatusOK, body: `{"partnerId":1}`},
		{name: "server error", code: http.StatusInternalServerError, body: `{"error":"boom"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			g, _ := newTestGateway(t, respond(tc.code, tc.body), Options{})
			got := g.ListConversations(context.Background(), "1")
			if got == nil || len(got) != 0 {
				t.Fatalf("ListConversations=%#v want empty non-nil", got)
			}
		})
	}
}

func TestHistory_MapsReadFlag(t *testing.T) {
	t.Parallel()

	body := `[
		{"id": 10, "sender": {"id": 1}, "receiver": {"id": 2}, "content": "a", "timestamp": "2026-03-02T09:00:00", "read": true},
		{"id": 11, "senderId": 2, "receiverId": 1, "content": "b", "timestamp": 1772442060000, "read": false},
		{"content": "no id"}
	]`
	g, fb := newTestGateway(t, respond(http.StatusOK, body), Options{})

	got := g.History(context.Background(), "1", "2")
	if p := fb.last(t).Path; p != "/api/chat/history/1/2" {
		t.Fatalf("path=%q", p)
	}

	want := []model.Message{
		{ID: "10", SenderID: "1", ReceiverID: "2", Content: "a", Timestamp: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), Status: model.StatusRead},
		{ID: "11", SenderID: "2", ReceiverID: "1", Content: "b", Timestamp: time.UnixMilli(1772442060000).UTC(), Status: model.StatusDelivered},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestHistory_ErrorYieldsEmpty(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t, respond(http.StatusBadGateway, ""), Options{})
	if got := g.History(context.Background(), "1", "2"); len(got) != 0 {
		t.Fatalf("History=%v want empty", got)
	}
}

func TestPersistMessage_Success(t *testing.T) {
	t.Parallel()

	body := `{"id": 77, "sender": {"id": 1, "userName": "pat"}, "receiver": {"id": 2}, "content": "hello", "timestamp": "2026-03-02T09:00:00Z", "read": false}`
	g, fb := newTestGateway(t, respond(http.StatusOK, body), Options{})

	got, err := g.PersistMessage(context.Background(), SendRequest{SenderID: "1", ReceiverID: "2", Content: "hello"})
	if err != nil {
		t.Fatalf("PersistMessage: %v", err)
	}

	req := fb.last(t)
	if req.Method != http.MethodPost || req.Path != "/api/chat/send" {
		t.Fatalf("request=%s %s", req.Method, req.Path)
	}
	var sent SendRequest
	if err := json.Unmarshal([]byte(req.Body), &sent); err != nil {
		t.Fatalf("decode request body: %v", err)
	}
	if diff := cmp.Diff(SendRequest{SenderID: "1", ReceiverID: "2", Content: "hello"}, sent); diff != "" {
		t.Fatalf("request body mismatch (-want +got):\n%s", diff)
	}

	want := model.Message{
		ID: "77", SenderID: "1", ReceiverID: "2", Content: "hello",
		Timestamp: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		Status:    model.StatusSent,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("message mismatch (-want +got):\n%s", diff)
	}
}

func TestPersistMessage_FailsLoud(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t, respond(http.StatusInternalServerError, `{}`), Options{})
	_, err := g.PersistMessage(context.Background(), SendRequest{SenderID: "1", ReceiverID: "2", Content: "x"})

	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusInternalServerError || se.Op != "send" {
		t.Fatalf("err=%v want StatusError{send, 500}", err)
	}
	if errors.Is(err, ErrUnauthorized) {
		t.Fatalf("500 must not match ErrUnauthorized")
	}
}

func TestPersistMessage_EmptyBodyIsFailure(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t, respond(http.StatusOK, ""), Options{})
	_, err := g.PersistMessage(context.Background(), SendRequest{SenderID: "1", ReceiverID: "2", Content: "x"})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("err=%v want ErrEmptyResponse", err)
	}
}

func TestPersistMessage_ValidatesBeforeIO(t *testing.T) {
	t.Parallel()

	g, fb := newTestGateway(t, respond(http.StatusOK, `{"id":1}`), Options{})

	cases := []SendRequest{
		{SenderID: "1", ReceiverID: "2", Content: "   "},
		{SenderID: "1", ReceiverID: "1", Content: "self"},
		{SenderID: "", ReceiverID: "2", Content: "x"},
		{SenderID: "1", ReceiverID: "2", Content: strings.Repeat("é", MaxContentRunes+1)},
	}
	for _, req := range cases {
		if _, err := g.PersistMessage(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("PersistMessage(%+v) err=%v want ErrInvalidRequest", req, err)
		}
	}
	if n := fb.count(); n != 0 {
		t.Fatalf("backend saw %d requests, want 0", n)
	}

	// Exactly at the limit is accepted; the limit counts runes, not bytes.
	if _, err := g.PersistMessage(context.Background(), SendRequest{SenderID: "1", ReceiverID: "2", Content: strings.Repeat("é", MaxContentRunes)}); err != nil {
		t.Fatalf("content at the limit rejected: %v", err)
	}
}

func TestUnauthorized_HookOncePerCredential(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	g, _ := newTestGateway(t, respond(http.StatusUnauthorized, ""), Options{
		OnUnauthorized: func() { calls.Add(1) },
	})

	_, err := g.PersistMessage(context.Background(), SendRequest{SenderID: "1", ReceiverID: "2", Content: "x"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err=%v want ErrUnauthorized", err)
	}
	g.History(context.Background(), "1", "2")
	g.MarkRead(context.Background(), "2", "1")

	if got := calls.Load(); got != 1 {
		t.Fatalf("OnUnauthorized calls=%d want=1", got)
	}
}

func TestUnauthorized_MissingCredential(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	g, fb := newTestGateway(t, respond(http.StatusOK, `{"id":1}`), Options{
		Tokens:         failingToken{},
		OnUnauthorized: func() { calls.Add(1) },
	})

	_, err := g.PersistMessage(context.Background(), SendRequest{SenderID: "1", ReceiverID: "2", Content: "x"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err=%v want ErrUnauthorized", err)
	}
	if fb.count() != 0 {
		t.Fatalf("request must not be sent without a credential")
	}
	if calls.Load() != 1 {
		t.Fatalf("OnUnauthorized calls=%d want=1", calls.Load())
	}
}

func TestMarkRead(t *testing.T) {
	t.Parallel()

	g, fb := newTestGateway(t, respond(http.StatusOK, ""), Options{})
	if !g.MarkRead(context.Background(), "2", "1") {
		t.Fatalf("MarkRead=false want=true")
	}
	req := fb.last(t)
	if req.Method != http.MethodPost || req.Path != "/api/chat/mark-read" || req.Query != "receiverId=1&senderId=2" {
		t.Fatalf("request=%s %s?%s", req.Method, req.Path, req.Query)
	}

	bad, _ := newTestGateway(t, respond(http.StatusServiceUnavailable, ""), Options{})
	if bad.MarkRead(context.Background(), "2", "1") {
		t.Fatalf("MarkRead should report false on failure")
	}
}

func TestUnreadCount(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		code int
		body string
		want int
	}{
		{name: "number", code: http.StatusOK, body: "7", want: 7},
		{name: "empty", code: http.StatusOK, body: "", want: 0},
		{name: "garbage", code: http.StatusOK, body: `"seven"`, want: 0},
		{name: "negative", code: http.StatusOK, body: "-3", want: 0},
		{name: "error", code: http.StatusInternalServerError, body: "9", want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			g, _ := newTestGateway(t, respond(tc.code, tc.body), Options{})
			if got := g.UnreadCount(context.Background(), "1"); got != tc.want {
				t.Fatalf("UnreadCount=%d want=%d", got, tc.want)
			}
		})
	}
}

func TestDeleteMessage(t *testing.T) {
	t.Parallel()

	g, fb := newTestGateway(t, respond(http.StatusOK, ""), Options{})
	if err := g.DeleteMessage(context.Background(), "a/b"); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	req := fb.last(t)
	if req.Method != http.MethodDelete || req.Path != "/api/chat/message/a%2Fb" {
		t.Fatalf("request=%s %s", req.Method, req.Path)
	}

	missing, _ := newTestGateway(t, respond(http.StatusNotFound, ""), Options{})
	var se *StatusError
	if err := missing.DeleteMessage(context.Background(), "42"); !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Fatalf("err=%v want StatusError 404", err)
	}
	if err := missing.DeleteMessage(context.Background(), " "); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("err=%v want ErrInvalidRequest", err)
	}
}
