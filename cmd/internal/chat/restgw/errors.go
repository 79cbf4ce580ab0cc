package restgw

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthorized is matched by errors.Is for 401 responses and missing credentials.
	ErrUnauthorized = errors.New("restgw: unauthorized")

	// ErrInvalidRequest is returned before any network I/O when a request fails validation.
	ErrInvalidRequest = errors.New("restgw: invalid request")

	// ErrEmptyResponse is returned when a write succeeded but carried no body to confirm it.
	ErrEmptyResponse = errors.New("restgw: empty response")
)

// StatusError reports a non-2xx response.
type StatusError struct {
	Op   string
	Code int
}

func (e *StatusError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("restgw %s: unexpected status %d %s", e.Op, e.Code, http.StatusText(e.Code))
}

// Unwrap exposes ErrUnauthorized for 401 so callers can match it without knowing codes.
func (e *StatusError) Unwrap() error {
	if e != nil && e.Code == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}
