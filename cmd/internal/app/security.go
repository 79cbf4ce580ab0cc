package app

import (
	"context"
	"errors"
	"fmt"

	"telechat/cmd/security/bearer"
)

// resolveSession checks the session credential at startup and settles the session user.
//
// Startup fails fast on a missing or expired credential: every REST call and the
// broker dial would be rejected anyway.
func resolveSession(ctx context.Context, cfg Config, tokens *bearer.Source) (string, error) {
	if _, err := tokens.Token(ctx); err != nil {
		switch {
		case errors.Is(err, bearer.ErrMissingToken):
			return "", errors.New("session: TELECHAT_BEARER_TOKEN is missing")
		case errors.Is(err, bearer.ErrTokenExpired):
			return "", errors.New("session: TELECHAT_BEARER_TOKEN has expired")
		default:
			return "", err
		}
	}

	subject := tokens.Subject()
	switch {
	case cfg.UserID == "" && subject == "":
		return "", errors.New("session: TELECHAT_USER_ID is required when the token carries no subject")
	case cfg.UserID == "":
		return subject, nil
	case subject != "" && subject != cfg.UserID:
		return "", fmt.Errorf("session: TELECHAT_USER_ID %q does not match the token subject %q", cfg.UserID, subject)
	default:
		return cfg.UserID, nil
	}
}
