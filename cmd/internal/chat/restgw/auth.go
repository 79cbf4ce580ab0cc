package restgw

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
)

// TokenSource yields the bearer credential for outgoing requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// bearerTransport attaches the session credential and reports rejected credentials.
// onUnauthorized runs at most once per credential value.
type bearerTransport struct {
	base           http.RoundTripper
	tokens         TokenSource
	onUnauthorized func()
	log            *slog.Logger

	mu       sync.Mutex
	notified map[string]struct{}
}

func newBearerTransport(base http.RoundTripper, tokens TokenSource, onUnauthorized func(), log *slog.Logger) *bearerTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &bearerTransport{
		base:           base,
		tokens:         tokens,
		onUnauthorized: onUnauthorized,
		log:            log,
		notified:       make(map[string]struct{}),
	}
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var tok string
	if t.tokens != nil {
		var err error
		tok, err = t.tokens.Token(req.Context())
		if err != nil {
			if req.Body != nil {
				_ = req.Body.Close()
			}
			t.unauthorized("")
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
	}

	// RoundTrippers must not modify the caller's request.
	r := req.Clone(req.Context())
	if tok != "" {
		r.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := t.base.RoundTrip(r)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		t.unauthorized(tok)
	}
	return resp, nil
}

func (t *bearerTransport) unauthorized(tok string) {
	if t.onUnauthorized == nil {
		return
	}

	t.mu.Lock()
	_, seen := t.notified[tok]
	t.notified[tok] = struct{}{}
	t.mu.Unlock()

	if seen {
		return
	}
	t.log.Warn("restgw.session.invalidated")
	t.onUnauthorized()
}
