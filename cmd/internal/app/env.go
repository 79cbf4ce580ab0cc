package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// envParsed returns parse(value of key), or def when the variable is unset, blank,
// or rejected by parse.
func envParsed[T any](key string, def T, parse func(string) (T, bool)) T {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	if v, ok := parse(raw); ok {
		return v
	}
	return def
}

// EnvString reads a string env var with a default.
func EnvString(key, def string) string {
	return envParsed(key, def, func(s string) (string, bool) { return s, true })
}

// EnvBool reads a bool env var ("1", "true", "false", ...) with a default.
func EnvBool(key string, def bool) bool {
	return envParsed(key, def, func(s string) (bool, bool) {
		b, err := strconv.ParseBool(s)
		return b, err == nil
	})
}

// EnvInt reads a positive int env var with a default.
func EnvInt(key string, def int) int {
	return envParsed(key, def, func(s string) (int, bool) {
		n, err := strconv.Atoi(s)
		return n, err == nil && n > 0
	})
}

// EnvDuration reads a positive duration env var ("750ms", "3s") with a default.
func EnvDuration(key string, def time.Duration) time.Duration {
	return envParsed(key, def, func(s string) (time.Duration, bool) {
		d, err := time.ParseDuration(s)
		return d, err == nil && d > 0
	})
}
