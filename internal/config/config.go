package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	Host string
	Port int

	// Data folder (accounts.json, settings.json, stats.db)
	DataDir string

	// Key sets
	AdminKeys  []string
	ClientKeys []string

	// Outbound
	ProxyURL string

	// Timeouts. Overall applies to non-streaming requests only; streaming
	// requests are bounded by connect + per-read.
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	Retries        int

	// Claude API
	ClaudeAPIURL     string
	ClaudeAPIVersion string
	ClaudeWebURL     string

	// OAuth provider endpoints
	OAuthClientID     string
	OAuthAuthorizeURL string
	OAuthTokenURL     string
	OAuthRedirectURI  string

	// Logging
	LogLevel string
}

func Load() *Config {
	return &Config{
		Host: envOr("CG_HOST", "0.0.0.0"),
		Port: envInt("CG_PORT", 5201),

		DataDir: envOr("CG_DATA_DIR", "./data"),

		AdminKeys:  splitKeys(os.Getenv("CG_ADMIN_KEYS")),
		ClientKeys: splitKeys(os.Getenv("CG_CLIENT_KEYS")),

		ProxyURL: os.Getenv("CG_PROXY_URL"),

		RequestTimeout: envDuration("CG_TIMEOUT_MS", 5*time.Minute),
		ConnectTimeout: envDuration("CG_CONNECT_TIMEOUT_MS", 10*time.Second),
		ReadTimeout:    envDuration("CG_READ_TIMEOUT_MS", 60*time.Second),
		Retries:        envInt("CG_RETRIES", 3),

		ClaudeAPIURL:     envOr("CG_CLAUDE_API_URL", "https://api.anthropic.com/v1/messages"),
		ClaudeAPIVersion: envOr("CG_CLAUDE_API_VERSION", "2023-06-01"),
		ClaudeWebURL:     envOr("CG_CLAUDE_WEB_URL", "https://claude.ai"),

		OAuthClientID:     envOr("CG_OAUTH_CLIENT_ID", "9d1c250a-e61b-44d9-88ed-5944d1962f5e"),
		OAuthAuthorizeURL: envOr("CG_OAUTH_AUTHORIZE_URL", "https://claude.ai/oauth/authorize"),
		OAuthTokenURL:     envOr("CG_OAUTH_TOKEN_URL", "https://console.anthropic.com/v1/oauth/token"),
		OAuthRedirectURI:  envOr("CG_OAUTH_REDIRECT_URI", "https://console.anthropic.com/oauth/code/callback"),

		LogLevel: envOr("CG_LOG_LEVEL", "info"),
	}
}

func (c *Config) Validate() error {
	if len(c.AdminKeys) == 0 {
		return errMissing("CG_ADMIN_KEYS")
	}
	if len(c.ClientKeys) == 0 {
		return errMissing("CG_CLIENT_KEYS")
	}
	return nil
}

type configError struct{ field string }

func (e *configError) Error() string { return "missing required env: " + e.field }
func errMissing(f string) error      { return &configError{field: f} }

func splitKeys(s string) []string {
	var keys []string
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}
