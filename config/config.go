// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// For required chat credentials, use ValidateChatReady.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Twitch identity
	BotUsername  string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       string
	Channels     []string

	// Transport
	IRCURL           string
	KeepAliveEvery   time.Duration
	PongTimeout      time.Duration
	HandshakeTimeout time.Duration

	// Credential storage
	TokenPath          string
	EncryptionKey      string
	TokenRefreshMargin time.Duration

	// Outbound rate limiting (per connection)
	RateLimitMessages int
	RateLimitWindow   time.Duration

	// Reconnection policy
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int

	// Circuit breaker for the token/auth dependency
	BreakerThreshold int
	BreakerOpenFor   time.Duration

	// Lifecycle
	ShutdownTimeout time.Duration

	// HTTP surface
	HTTPAddr string
}

// Load reads environment variables and applies defaults. It doesn't fail if Twitch creds
// are missing; use ValidateChatReady() when you require a live chat session. Missing
// optional variables disable features (e.g., token-at-rest encryption).
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.BotUsername = os.Getenv("TWITCH_BOT_USERNAME")
	cfg.ClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.ClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")
	cfg.RedirectURI = os.Getenv("TWITCH_REDIRECT_URI")
	if cfg.RedirectURI == "" {
		cfg.RedirectURI = "http://localhost:8080/auth/twitch/callback"
	}
	cfg.Scopes = os.Getenv("TWITCH_SCOPES")
	if cfg.Scopes == "" {
		// default scopes for chat
		cfg.Scopes = "chat:read chat:edit"
	}
	if v := os.Getenv("TWITCH_CHANNELS"); v != "" {
		for _, ch := range strings.Split(v, ",") {
			ch = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(ch, "#")))
			if ch != "" {
				cfg.Channels = append(cfg.Channels, ch)
			}
		}
	}

	cfg.IRCURL = os.Getenv("TWITCH_IRC_URL")
	if cfg.IRCURL == "" {
		cfg.IRCURL = "wss://irc-ws.chat.twitch.tv:443"
	}
	cfg.KeepAliveEvery = envDuration("CHAT_KEEPALIVE_INTERVAL", 60*time.Second)
	cfg.PongTimeout = envDuration("CHAT_PONG_TIMEOUT", 10*time.Second)
	cfg.HandshakeTimeout = envDuration("CHAT_HANDSHAKE_TIMEOUT", 15*time.Second)

	cfg.TokenPath = os.Getenv("TOKEN_PATH")
	if cfg.TokenPath == "" {
		cfg.TokenPath = ".secrets/twitch_token.bin"
	}
	cfg.EncryptionKey = os.Getenv("TOKEN_ENCRYPTION_KEY")
	cfg.TokenRefreshMargin = envDuration("TOKEN_REFRESH_MARGIN", 5*time.Minute)

	cfg.RateLimitMessages = envInt("RATE_LIMIT_MESSAGES", 20)
	cfg.RateLimitWindow = envDuration("RATE_LIMIT_WINDOW", 30*time.Second)

	cfg.ReconnectBaseDelay = envDuration("RECONNECT_BASE_DELAY", 2*time.Second)
	cfg.ReconnectMaxDelay = envDuration("RECONNECT_MAX_DELAY", 60*time.Second)
	cfg.ReconnectMaxAttempts = envInt("RECONNECT_MAX_ATTEMPTS", 5)

	cfg.BreakerThreshold = envInt("BREAKER_FAILURE_THRESHOLD", 3)
	cfg.BreakerOpenFor = envDuration("BREAKER_OPEN_FOR", 30*time.Second)

	cfg.ShutdownTimeout = envDuration("SHUTDOWN_TIMEOUT", 10*time.Second)

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	return cfg, nil
}

// ValidateChatReady checks required fields for opening an authenticated chat session.
func (c *Config) ValidateChatReady() error {
	if c.BotUsername == "" || c.ClientID == "" || c.ClientSecret == "" {
		return fmt.Errorf("missing twitch env: require TWITCH_BOT_USERNAME, TWITCH_CLIENT_ID, TWITCH_CLIENT_SECRET")
	}
	return nil
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
