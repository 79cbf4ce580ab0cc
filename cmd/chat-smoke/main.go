// Package main provides a CI-friendly end-to-end smoke test for the messaging backend.
//
// It validates, for two authenticated sessions A and B:
//   - live connection establishment
//   - presence registration
//   - typing indicator fanout
//   - durable send and live fanout of the new message
//   - history contains the message
//   - mark-read clears the unread count
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"telechat/cmd/internal/chat/model"
	"telechat/cmd/internal/chat/restgw"
	"telechat/cmd/internal/chat/transport"
	"telechat/cmd/security/bearer"
	v1 "telechat/contracts/chat/v1"
)

type smokeSession struct {
	name   string
	userID string
	gw     *restgw.Gateway
	client *transport.Client
	events <-chan transport.Event
	stop   func()
}

func main() {
	var (
		apiURL    = flag.String("api", "http://127.0.0.1:8080/api", "REST API root")
		brokerURL = flag.String("broker", "ws://127.0.0.1:8080/chat", "Live endpoint")
		userA     = flag.String("a", "1", "User id of session A")
		userB     = flag.String("b", "2", "User id of session B")
		tokenA    = flag.String("token-a", os.Getenv("SMOKE_TOKEN_A"), "Bearer token of session A")
		tokenB    = flag.String("token-b", os.Getenv("SMOKE_TOKEN_B"), "Bearer token of session B")
		text      = flag.String("text", "smoke check, please ignore", "Message text to send")
		timeout   = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose   = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	root := context.Background()

	a := mustSession(root, log, "A", *userA, *tokenA, *apiURL, *brokerURL, *timeout)
	defer a.close()
	b := mustSession(root, log, "B", *userB, *tokenB, *apiURL, *brokerURL, *timeout)
	defer b.close()

	if !a.client.Publish(transport.PublishTyping, v1.TypingBody{SenderID: a.userID, ReceiverID: b.userID, IsTyping: true}) {
		fatalf("A: typing publish rejected")
	}
	mustReceive(b, *timeout, "typing", func(ev transport.Event) bool {
		te, ok := ev.(transport.TypingEvent)
		return ok && te.SenderID == a.userID && te.IsTyping
	})

	ctx, cancel := context.WithTimeout(root, *timeout)
	saved, err := a.gw.PersistMessage(ctx, restgw.SendRequest{SenderID: a.userID, ReceiverID: b.userID, Content: *text})
	cancel()
	if err != nil {
		fatalf("A: persist: %v", err)
	}
	a.client.Publish(transport.PublishSendMessage, v1.SendMessageBody{ReceiverID: b.userID, Content: *text})

	mustReceive(b, *timeout, "message", func(ev transport.Event) bool {
		me, ok := ev.(transport.MessageEvent)
		return ok && me.SenderID == a.userID && me.Content == *text
	})

	ctx, cancel = context.WithTimeout(root, *timeout)
	history := b.gw.History(ctx, b.userID, a.userID)
	cancel()
	if !slices.ContainsFunc(history, func(m model.Message) bool { return m.ID == saved.ID }) {
		fatalf("B: history does not contain %s", saved.ID)
	}

	ctx, cancel = context.WithTimeout(root, *timeout)
	defer cancel()
	if !b.gw.MarkRead(ctx, a.userID, b.userID) {
		fatalf("B: mark-read failed")
	}
	if n := b.gw.UnreadCount(ctx, b.userID); n != 0 {
		fatalf("B: unread=%d after mark-read, want 0", n)
	}

	fmt.Printf("ok: message %s delivered %s -> %s\n", saved.ID, a.userID, b.userID)
}

func mustSession(ctx context.Context, log *slog.Logger, name, userID, token, apiURL, brokerURL string, timeout time.Duration) *smokeSession {
	tokens := bearer.NewSource(token, nil)
	sessionLog := log.With("session", name)

	gw, err := restgw.New(restgw.Config{BaseURL: apiURL, Timeout: timeout}, restgw.Options{Log: sessionLog, Tokens: tokens})
	if err != nil {
		fatalf("%s: %v", name, err)
	}
	client := transport.New(
		transport.Config{URL: brokerURL, HandshakeTimeout: timeout, MaxReconnectAttempts: 1},
		transport.Options{Log: sessionLog, Tokens: tokens},
	)
	events, stop := client.Queue(64)

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Connect(cctx, userID); err != nil {
		fatalf("%s: connect: %v", name, err)
	}
	if !client.Connected() {
		fatalf("%s: not connected after Connect", name)
	}
	return &smokeSession{name: name, userID: userID, gw: gw, client: client, events: events, stop: stop}
}

func (s *smokeSession) close() {
	s.client.Disconnect()
	s.stop()
}

func mustReceive(s *smokeSession, timeout time.Duration, what string, match func(transport.Event) bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				fatalf("%s: event stream closed waiting for %s", s.name, what)
			}
			if match(ev) {
				return
			}
		case <-deadline.C:
			fatalf("%s: timed out waiting for %s", s.name, what)
		}
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "smoke: "+format+"\n", args...)
	os.Exit(1)
}
