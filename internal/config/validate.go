package config

import (
	"errors"
	"fmt"
	"strings"
)

var ErrMissingToken = errors.New("telegram bot token is not set (TELEGRAM_BOT_TOKEN)")

// Validate rejects configs that would fail at runtime. It is also used to
// reject bad hot reloads before they are published.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return ErrMissingToken
	}

	durations := []struct{ path, raw string }{
		{"telegram.poll_wait", cfg.Telegram.PollWait},
		{"telegram.retry_delay", cfg.Telegram.RetryDelay},
		{"telegram.send_timeout", cfg.Telegram.SendTimeout},
		{"directory.busy_timeout", cfg.Directory.BusyTimeout},
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"breaker.interval", cfg.Breaker.Interval},
		{"breaker.timeout", cfg.Breaker.Timeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationOrDefault(d.path, d.raw, 0); err != nil {
			return err
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Directory.Driver)) {
	case "", "file", "json", "sqlite", "sqlite3":
	case "postgres", "postgresql":
		if strings.TrimSpace(cfg.Directory.DSN) == "" {
			return errors.New("directory.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("directory.driver: unknown driver %q", cfg.Directory.Driver)
	}

	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return fmt.Errorf("http.port: %d out of range", cfg.HTTP.Port)
	}
	if cfg.HTTP.MaxBodyBytes < 0 {
		return errors.New("http.max_body_bytes must be >= 0")
	}
	if cfg.Breaker.FailureThreshold < 0 || cfg.Breaker.FailureThreshold > 1 {
		return fmt.Errorf("breaker.failure_threshold: %v not in [0,1]", cfg.Breaker.FailureThreshold)
	}
	if cfg.Logging.Telegram.RatePerSec < 0 {
		return errors.New("logging.telegram.rate_per_sec must be >= 0")
	}
	return nil
}

// MaskToken shortens a bot token for log output.
func MaskToken(tok string) string {
	tok = strings.TrimSpace(tok)
	if len(tok) <= 15 {
		return strings.Repeat("*", len(tok))
	}
	return tok[:10] + "..." + tok[len(tok)-5:]
}
