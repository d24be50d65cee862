package config

// Config is the on-disk and environment configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Fields left out of the config file keep the values from Default().
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Directory DirectoryConfig `json:"directory"`
	HTTP      HTTPConfig      `json:"http"`
	Logging   LoggingConfig   `json:"logging"`
	Poller    PollerConfig    `json:"poller"`
	Breaker   BreakerConfig   `json:"breaker"`
	Pprof     PprofConfig     `json:"pprof"`
}

type TelegramConfig struct {
	// Token is normally supplied through TELEGRAM_BOT_TOKEN.
	Token  string `json:"token,omitempty"`
	APIURL string `json:"api_url,omitempty"`

	// PollWait is the long-poll wait handed to getUpdates (default "30s").
	PollWait string `json:"poll_wait,omitempty"`
	// RetryDelay is the fixed back-off after a failed poll (default "5s").
	RetryDelay string `json:"retry_delay,omitempty"`
	// SendTimeout bounds outbound sends and short calls (default "10s").
	SendTimeout string `json:"send_timeout,omitempty"`
	// SkipBacklog discards updates queued while the poller was down.
	SkipBacklog bool `json:"skip_backlog"`
}

// DirectoryConfig selects the directory backend.
//
// Driver values:
//   - "file" (default): JSON document at path
//   - "sqlite": SQLite database at path
//   - "postgres": PostgreSQL reachable at dsn
type DirectoryConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type HTTPConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	MaxBodyBytes int64  `json:"max_body_bytes,omitempty"`
	Metrics      bool   `json:"metrics"`
}

type LoggingConfig struct {
	Level    string             `json:"level"`
	Console  bool               `json:"console"`
	File     LoggingFileConfig  `json:"file"`
	Telegram LoggingTelegramCfg `json:"telegram"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// LoggingTelegramCfg forwards WARN+ records to an operator chat.
type LoggingTelegramCfg struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type PollerConfig struct {
	// Heartbeat is a cron spec for the liveness log line ("" disables).
	Heartbeat string `json:"heartbeat,omitempty"`
	// LockFile guards against two pollers writing the same directory.
	// Empty derives "<directory path>.lock"; "-" disables locking.
	LockFile string `json:"lock_file,omitempty"`
}

// BreakerConfig wraps outbound dispatch sends in a circuit breaker.
type BreakerConfig struct {
	Enabled          bool    `json:"enabled"`
	MaxRequests      uint32  `json:"max_requests,omitempty"`
	Interval         string  `json:"interval,omitempty"`
	Timeout          string  `json:"timeout,omitempty"`
	FailureThreshold float64 `json:"failure_threshold,omitempty"`
	MinRequests      uint32  `json:"min_requests,omitempty"`
}

// PprofConfig controls the optional profiling listener.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Telegram: TelegramConfig{
			PollWait:    "30s",
			RetryDelay:  "5s",
			SendTimeout: "10s",
			SkipBacklog: true,
		},
		Directory: DirectoryConfig{
			Driver: "file",
			Path:   "./users.json",
		},
		HTTP: HTTPConfig{
			Host:         "0.0.0.0",
			Port:         5000,
			ReadTimeout:  "15s",
			WriteTimeout: "30s",
			MaxBodyBytes: 1 << 20,
			Metrics:      true,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Telegram: LoggingTelegramCfg{
				MinLevel:   "warn",
				RatePerSec: 1,
			},
		},
		Poller: PollerConfig{
			Heartbeat: "@every 5m",
		},
		Breaker: BreakerConfig{
			Enabled:          true,
			MaxRequests:      3,
			Interval:         "30s",
			Timeout:          "60s",
			FailureThreshold: 0.6,
			MinRequests:      5,
		},
		Pprof: PprofConfig{
			Addr: "127.0.0.1:6060",
		},
	}
}
