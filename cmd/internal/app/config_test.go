package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestBrokerURLFromAPI(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "https://api.example.test/api", want: "wss://api.example.test/chat"},
		{in: "https://api.example.test/api/", want: "wss://api.example.test/chat"},
		{in: "http://127.0.0.1:8080/api", want: "ws://127.0.0.1:8080/chat"},
		{in: "https://portal.example.test/backend/api?x=1", want: "wss://portal.example.test/backend/chat"},
		{in: "https://portal.example.test", want: "wss://portal.example.test/chat"},
		{in: "ftp://portal.example.test/api", want: ""},
		{in: "not a url", want: ""},
		{in: "", want: ""},
	}

	for _, tc := range cases {
		if got := brokerURLFromAPI(tc.in); got != tc.want {
			t.Fatalf("brokerURLFromAPI(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	valid := Config{
		APIBaseURL: "https://api.example.test/api",
		BrokerURL:  "wss://api.example.test/chat",
		LogFormat:  "json",
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "pretty", mutate: func(c *Config) { c.LogFormat = "PRETTY" }},
		{name: "missing api", mutate: func(c *Config) { c.APIBaseURL = "" }, wantErr: true},
		{name: "missing broker", mutate: func(c *Config) { c.BrokerURL = "" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid
			tc.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() err=%v wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("TELECHAT_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("TELECHAT_API_BASE_URL", "https://api.example.test/api")
	t.Setenv("TELECHAT_BROKER_URL", "")
	t.Setenv("TELECHAT_RECONNECT_DELAY", "750ms")
	t.Setenv("TELECHAT_MAX_RECONNECT_ATTEMPTS", "7")
	t.Setenv("TELECHAT_LOG_FORMAT", "pretty")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() err=%v", err)
	}
	if cfg.BrokerURL != "wss://api.example.test/chat" {
		t.Fatalf("BrokerURL=%q want derived", cfg.BrokerURL)
	}
	if cfg.ReconnectDelay != 750*time.Millisecond || cfg.MaxReconnectAttempts != 7 {
		t.Fatalf("reconnect=%v/%d want=750ms/7", cfg.ReconnectDelay, cfg.MaxReconnectAttempts)
	}
	if cfg.HTTPAddr != "127.0.0.1:8787" || cfg.TypingExpiry != 3*time.Second {
		t.Fatalf("defaults not applied: addr=%q expiry=%v", cfg.HTTPAddr, cfg.TypingExpiry)
	}
}

func TestLoadConfig_DotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telechat.env")
	body := "TELECHAT_API_BASE_URL=http://localhost:9000/api\nTELECHAT_USER_ID=dotenv-user\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("TELECHAT_ENV_FILE", path)
	t.Setenv("TELECHAT_BROKER_URL", "")
	t.Setenv("TELECHAT_LOG_FORMAT", "")
	// Already set wins over the file.
	t.Setenv("TELECHAT_USER_ID", "env-user")
	// Unset keys are filled from the file; t.Setenv restores them afterwards.
	t.Setenv("TELECHAT_API_BASE_URL", "")
	os.Unsetenv("TELECHAT_API_BASE_URL")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() err=%v", err)
	}
	if cfg.APIBaseURL != "http://localhost:9000/api" {
		t.Fatalf("APIBaseURL=%q want from file", cfg.APIBaseURL)
	}
	if cfg.BrokerURL != "ws://localhost:9000/chat" {
		t.Fatalf("BrokerURL=%q want=ws://localhost:9000/chat", cfg.BrokerURL)
	}
	if cfg.UserID != "env-user" {
		t.Fatalf("UserID=%q want env value", cfg.UserID)
	}
}

func TestLoadConfig_MissingAPI(t *testing.T) {
	t.Setenv("TELECHAT_ENV_FILE", "")
	t.Setenv("TELECHAT_API_BASE_URL", "")
	t.Setenv("TELECHAT_LOG_FORMAT", "")

	if _, err := LoadConfig(); err == nil {
		t.Fatalf("LoadConfig() err=nil want missing api error")
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("TELECHAT_TEST_STR", "  value ")
	t.Setenv("TELECHAT_TEST_BOOL", "yes")
	t.Setenv("TELECHAT_TEST_INT", "-3")
	t.Setenv("TELECHAT_TEST_DUR", "250ms")
	t.Setenv("TELECHAT_TEST_BLANK", "   ")

	if got := EnvString("TELECHAT_TEST_STR", "def"); got != "value" {
		t.Fatalf("EnvString=%q want=value", got)
	}
	if got := EnvString("TELECHAT_TEST_BLANK", "def"); got != "def" {
		t.Fatalf("EnvString(blank)=%q want=def", got)
	}
	if got := EnvBool("TELECHAT_TEST_BOOL", true); !got {
		t.Fatalf("EnvBool(unparsable)=%v want default true", got)
	}
	if got := EnvInt("TELECHAT_TEST_INT", 5); got != 5 {
		t.Fatalf("EnvInt(negative)=%d want default 5", got)
	}
	if got := EnvDuration("TELECHAT_TEST_DUR", time.Second); got != 250*time.Millisecond {
		t.Fatalf("EnvDuration=%v want=250ms", got)
	}
	if got := EnvDuration("TELECHAT_TEST_UNSET_DURATION", time.Second); got != time.Second {
		t.Fatalf("EnvDuration(unset)=%v want=1s", got)
	}
}
