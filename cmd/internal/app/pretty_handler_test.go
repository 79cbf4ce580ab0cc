package app

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
	if n := visualLen(in); n != len(want) {
		t.Fatalf("visualLen()=%d want=%d", n, len(want))
	}
}

func TestPrettyHandler_Plain(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))
	log.With("component", "transport").WithGroup("conn").Warn("transport.reconnect",
		"state", "reconnecting",
		"attempt", 2,
		"err", errors.New("read: connection reset"),
	)

	line := buf.String()
	for _, want := range []string{
		"lvl=[WARN]",
		"msg=transport.reconnect",
		"component=transport",
		"conn.state=reconnecting",
		"conn.attempt=2",
		`conn.err="read: connection reset"`,
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("plain output contains color codes: %q", line)
	}
}

func TestPrettyHandler_ColorAndRemap(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, true))
	log.Info("http.request", "status", 503, "status_class", "5xx", "duration_ms", 1200, "state", "failed")

	line := buf.String()
	if !strings.Contains(line, ansiRed+"503"+ansiReset) {
		t.Fatalf("status not red in %q", line)
	}
	if !strings.Contains(line, ansiRed+"failed"+ansiReset) {
		t.Fatalf("state not red in %q", line)
	}
	plain := stripANSI(line)
	for _, want := range []string{"class=5xx", "duration=1200ms", "lvl=[INFO]"} {
		if !strings.Contains(plain, want) {
			t.Fatalf("line %q missing %q", plain, want)
		}
	}
}

func TestPrettyHandler_Level(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, false))
	log.Info("store.connection", "state", "connected")
	if buf.Len() != 0 {
		t.Fatalf("info written below warn level: %q", buf.String())
	}
}
