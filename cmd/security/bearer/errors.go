package bearer

import "errors"

// Public, stable errors for callers.
var (
	ErrMissingToken   = errors.New("bearer token missing")
	ErrTokenExpired   = errors.New("bearer token expired")
	ErrMalformedToken = errors.New("bearer token malformed")
)
