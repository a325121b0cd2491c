// Package config decodes the process configuration from the environment,
// applying the defaults and clamps spec.md §6 and SPEC_FULL.md §6 require.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// Config is the full set of tunables the process reads at startup.
type Config struct {
	AbandonmentTimeoutSeconds int `mapstructure:"ABANDONMENT_TIMEOUT_SECONDS"`
	ClaimWinTimeoutSeconds    int `mapstructure:"CLAIM_WIN_TIMEOUT_SECONDS"`
	MaxActiveGamesPerIP       int `mapstructure:"MAX_ACTIVE_GAMES_PER_IP"`

	RateLimitGameCreateMax    int `mapstructure:"RATE_LIMIT_GAME_CREATE_MAX"`
	RateLimitGameCreateWindow int `mapstructure:"RATE_LIMIT_GAME_CREATE_WINDOW"`
	RateLimitWSConnectMax     int `mapstructure:"RATE_LIMIT_WS_CONNECT_MAX"`
	RateLimitWSConnectWindow  int `mapstructure:"RATE_LIMIT_WS_CONNECT_WINDOW"`

	SweepIntervalMs     int `mapstructure:"SWEEP_INTERVAL_MS"`
	WaitingGameMaxAgeMs int `mapstructure:"WAITING_GAME_MAX_AGE_MS"`

	CORSAllowedOrigins []string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	RedisAddr   string `mapstructure:"REDIS_ADDR"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	HTTPAddr    string `mapstructure:"HTTP_ADDR"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
}

// Defaults returns the configuration with every spec-mandated default applied.
func Defaults() Config {
	return Config{
		AbandonmentTimeoutSeconds: 300,
		ClaimWinTimeoutSeconds:    60,
		MaxActiveGamesPerIP:       5,
		RateLimitGameCreateMax:    10,
		RateLimitGameCreateWindow: 60,
		RateLimitWSConnectMax:     30,
		RateLimitWSConnectWindow:  60,
		SweepIntervalMs:           300_000,
		WaitingGameMaxAgeMs:       3_600_000,
		CORSAllowedOrigins:        nil,
		RedisAddr:                 "127.0.0.1:6379",
		HTTPAddr:                  ":8080",
		LogLevel:                  "info",
	}
}

// Load reads process environment variables over the defaults using
// mapstructure's weakly-typed decode hooks, so "300" strings become ints and
// comma lists become []string without hand-written parsing per field.
func Load() (Config, error) {
	cfg := Defaults()

	raw := map[string]interface{}{}
	for _, field := range []string{
		"ABANDONMENT_TIMEOUT_SECONDS", "CLAIM_WIN_TIMEOUT_SECONDS", "MAX_ACTIVE_GAMES_PER_IP",
		"RATE_LIMIT_GAME_CREATE_MAX", "RATE_LIMIT_GAME_CREATE_WINDOW",
		"RATE_LIMIT_WS_CONNECT_MAX", "RATE_LIMIT_WS_CONNECT_WINDOW",
		"SWEEP_INTERVAL_MS", "WAITING_GAME_MAX_AGE_MS",
		"CORS_ALLOWED_ORIGINS", "REDIS_ADDR", "DATABASE_URL", "HTTP_ADDR", "LOG_LEVEL",
	} {
		if v, ok := os.LookupEnv(field); ok {
			if field == "CORS_ALLOWED_ORIGINS" {
				raw[field] = splitNonEmpty(v, ",")
			} else {
				raw[field] = v
			}
		}
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToSliceHookFunc(","),
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return cfg, err
	}
	if err := decoder.Decode(raw); err != nil {
		return cfg, err
	}

	cfg.clamp()
	return cfg, nil
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) clamp() {
	if c.AbandonmentTimeoutSeconds < 0 {
		c.AbandonmentTimeoutSeconds = 300
	}
	if c.ClaimWinTimeoutSeconds < 0 {
		c.ClaimWinTimeoutSeconds = 60
	}
}

// ClampTimeControl enforces the §6 clock value bounds, clamping rather than
// rejecting out-of-range values.
func ClampTimeControl(initialMs, incrementMs int64) (int64, int64) {
	const maxInitial = 3 * 60 * 60 * 1000
	const maxIncrement = 5 * 60 * 1000
	if initialMs < 0 {
		initialMs = 0
	}
	if initialMs > maxInitial {
		initialMs = maxInitial
	}
	if incrementMs < 0 {
		incrementMs = 0
	}
	if incrementMs > maxIncrement {
		incrementMs = maxIncrement
	}
	return initialMs, incrementMs
}

// SweepInterval returns the configured sweep cadence as a time.Duration.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMs) * time.Millisecond
}

// WaitingGameMaxAge returns the orphan cutoff as a time.Duration.
func (c Config) WaitingGameMaxAge() time.Duration {
	return time.Duration(c.WaitingGameMaxAgeMs) * time.Millisecond
}

// AllowOrigin reports whether origin is permitted to open a websocket,
// implementing the dev-allow-all / prod-deny-all empty-list semantics of §6.
func (c Config) AllowOrigin(origin string, isDev bool) bool {
	if len(c.CORSAllowedOrigins) == 0 {
		return isDev
	}
	for _, o := range c.CORSAllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// ParseIntEnv is a small helper kept for collaborators that read a single
// scalar outside of the main Config struct (e.g. a CLI flag override).
func ParseIntEnv(name string, fallback int) int {
	v, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
