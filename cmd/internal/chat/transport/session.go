package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	v1 "telechat/contracts/chat/v1"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"
)

// session is one established broker connection.
//
// Design notes:
// - send is never closed; the writer exits on done.
// - close is idempotent and safe from any goroutine.
type session struct {
	id   string
	conn *websocket.Conn
	send chan v1.Frame

	ctx    context.Context
	cancel context.CancelFunc

	// heartbeat is created with the session and stopped by close, so a dropped
	// session holds no clock waiter once lost() returns.
	heartbeat clockwork.Ticker

	done      chan struct{}
	closeOnce sync.Once
}

func newSession(parent context.Context, id string, conn *websocket.Conn, queue int) *session {
	if queue <= 0 {
		queue = defaultSendQueue
	}
	ctx, cancel := context.WithCancel(parent)
	return &session{
		id:     id,
		conn:   conn,
		send:   make(chan v1.Frame, queue),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Done is closed when the session is shutting down.
func (s *session) Done() <-chan struct{} {
	return s.done
}

func (s *session) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.heartbeat != nil {
			s.heartbeat.Stop()
		}
		s.cancel()
		_ = s.conn.Close(code, reason)
	})
}

// enqueue never blocks: a full queue or a closing session drops the frame.
func (s *session) enqueue(f v1.Frame) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- f:
		return true
	default:
		return false
	}
}

// ---- frame IO ----

// errBadFrame marks a frame that arrived intact but could not be decoded.
var errBadFrame = errors.New("bad frame")

func readFrame(ctx context.Context, conn *websocket.Conn) (v1.Frame, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Frame{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Frame{}, fmt.Errorf("%w: unsupported message type %v", errBadFrame, mt)
	}
	var f v1.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return v1.Frame{}, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	return f, nil
}

func writeFrame(parent context.Context, conn *websocket.Conn, f v1.Frame, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	if errors.Is(err, errBadFrame) {
		return readErrBadJSON
	}
	return readErrUnknown
}
