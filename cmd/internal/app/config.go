package app

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string
	LogColor  bool

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// APIBaseURL is the backend REST root, e.g. https://api.example.test/api.
	APIBaseURL string
	// BrokerURL is the live endpoint. Empty means derived from APIBaseURL.
	BrokerURL   string
	RESTTimeout time.Duration

	// UserID is the session user. Empty means the subject of the bearer token.
	UserID      string
	BearerToken string

	HandshakeTimeout     time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration

	TypingExpiry time.Duration
	// EventBacklogWarn logs a warning when this many inbound events wait for the store.
	EventBacklogWarn int
}

// LoadConfig loads Config from environment variables with defaults.
// A .env file (TELECHAT_ENV_FILE, default ".env") is read first when present;
// variables already set in the environment win.
func LoadConfig() (Config, error) {
	if err := loadDotEnv(EnvString("TELECHAT_ENV_FILE", ".env")); err != nil {
		return Config{}, err
	}

	cfg := Config{
		HTTPAddr:  EnvString("TELECHAT_HTTP_ADDR", "127.0.0.1:8787"),
		LogLevel:  EnvString("TELECHAT_LOG_LEVEL", "info"),
		LogFormat: EnvString("TELECHAT_LOG_FORMAT", "json"),
		LogColor:  EnvBool("TELECHAT_LOG_COLOR", false),

		ReadHeaderTimeout: EnvDuration("TELECHAT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("TELECHAT_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("TELECHAT_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("TELECHAT_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("TELECHAT_HTTP_MAX_HEADER_BYTES", 1<<20),

		APIBaseURL:  EnvString("TELECHAT_API_BASE_URL", ""),
		BrokerURL:   EnvString("TELECHAT_BROKER_URL", ""),
		RESTTimeout: EnvDuration("TELECHAT_REST_TIMEOUT", 10*time.Second),

		UserID:      EnvString("TELECHAT_USER_ID", ""),
		BearerToken: EnvString("TELECHAT_BEARER_TOKEN", ""),

		HandshakeTimeout:     EnvDuration("TELECHAT_HANDSHAKE_TIMEOUT", 10*time.Second),
		ReconnectDelay:       EnvDuration("TELECHAT_RECONNECT_DELAY", 3*time.Second),
		MaxReconnectAttempts: EnvInt("TELECHAT_MAX_RECONNECT_ATTEMPTS", 5),
		HeartbeatInterval:    EnvDuration("TELECHAT_HEARTBEAT_INTERVAL", 25*time.Second),

		TypingExpiry:     EnvDuration("TELECHAT_TYPING_EXPIRY", 3*time.Second),
		EventBacklogWarn: EnvInt("TELECHAT_EVENT_BACKLOG_WARN", 256),
	}

	if cfg.BrokerURL == "" {
		cfg.BrokerURL = brokerURLFromAPI(cfg.APIBaseURL)
	}
	return cfg, cfg.Validate()
}

// Validate reports configuration that cannot work.
func (c Config) Validate() error {
	if c.APIBaseURL == "" {
		return errors.New("config: TELECHAT_API_BASE_URL is required")
	}
	if c.BrokerURL == "" {
		return fmt.Errorf("config: cannot derive broker url from %q; set TELECHAT_BROKER_URL", c.APIBaseURL)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "pretty":
	default:
		return fmt.Errorf("config: TELECHAT_LOG_FORMAT must be json or pretty, got %q", c.LogFormat)
	}
	return nil
}

func loadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// brokerURLFromAPI maps the REST root to the live endpoint on the same host:
// https://host/api -> wss://host/chat.
func brokerURLFromAPI(api string) string {
	u, err := url.Parse(strings.TrimSpace(api))
	if err != nil || u.Host == "" {
		return ""
	}

	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return ""
	}

	p := strings.TrimRight(u.Path, "/")
	p = strings.TrimSuffix(p, "/api")
	u.Path = p + "/chat"
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
