package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	v1 "telechat/contracts/chat/v1"

	"github.com/gorilla/websocket"
)

// fakeBroker speaks the broker side of the frame protocol over gorilla/websocket.
type fakeBroker struct {
	t   *testing.T
	srv *httptest.Server

	upgrader websocket.Upgrader

	reject      atomic.Bool
	failConnect atomic.Bool
	hits        atomic.Int32
	sessions    atomic.Int32
	pings       atomic.Int32
	lastAuth    atomic.Value
	sent        chan v1.Frame

	mu    sync.Mutex
	conns map[*websocket.Conn]*sync.Mutex
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()

	b := &fakeBroker{
		t:     t,
		sent:  make(chan v1.Frame, 128),
		conns: make(map[*websocket.Conn]*sync.Mutex),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{v1.Subprotocol},
			CheckOrigin:  func(*http.Request) bool { return true },
		},
	}
	b.lastAuth.Store("")
	b.srv = httptest.NewServer(http.HandlerFunc(b.serve))

	t.Cleanup(func() {
		b.dropAll()
		b.srv.Close()
	})
	return b
}

func (b *fakeBroker) URL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *fakeBroker) serve(w http.ResponseWriter, r *http.Request) {
	b.hits.Add(1)
	b.lastAuth.Store(r.Header.Get("Authorization"))

	if b.reject.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	wmu := &sync.Mutex{}
	conn.SetPingHandler(func(data string) error {
		b.pings.Add(1)
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	b.mu.Lock()
	b.conns[conn] = wmu
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.conns, conn)
		b.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f v1.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}

		switch f.Type {
		case v1.TypeConnect:
			if b.failConnect.Load() {
				b.write(conn, wmu, v1.TypeError, "", v1.ErrorPayload{Code: "unauthorized", Message: "bad credential"})
				continue
			}
			n := b.sessions.Add(1)
			b.write(conn, wmu, v1.TypeConnected, "", v1.ConnectedPayload{SessionID: "s-" + strconv.Itoa(int(n))})
		case v1.TypeSubscribe:
			b.write(conn, wmu, v1.TypeReceipt, "", v1.ReceiptPayload{ReceiptID: f.ID})
		case v1.TypeSend:
			select {
			case b.sent <- f:
			default:
			}
		}
	}
}

func (b *fakeBroker) write(conn *websocket.Conn, wmu *sync.Mutex, typ, dest string, payload any) {
	f, err := v1.NewFrame(typ, "", dest, payload, time.Now())
	if err != nil {
		b.t.Errorf("broker frame: %v", err)
		return
	}
	wmu.Lock()
	defer wmu.Unlock()
	_ = conn.WriteJSON(f)
}

// push delivers a message frame to every open connection.
func (b *fakeBroker) push(dest string, body any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn, wmu := range b.conns {
		b.write(conn, wmu, v1.TypeMessage, dest, body)
	}
}

// dropAll severs every connection without a close frame.
func (b *fakeBroker) dropAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.conns {
		_ = conn.UnderlyingConn().Close()
	}
}

func (b *fakeBroker) openConns() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// nextSent waits for the next client "send" frame addressed to dest.
func (b *fakeBroker) nextSent(t *testing.T, dest string) v1.Frame {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f := <-b.sent:
			if f.Dest == dest {
				return f
			}
		case <-timeout:
			t.Fatalf("timed out waiting for frame to %s", dest)
			return v1.Frame{}
		}
	}
}
