package app

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/fattiesbombom/breathr/internal/config"
	"github.com/fattiesbombom/breathr/internal/directory"
	"github.com/fattiesbombom/breathr/internal/dispatch"
	"github.com/fattiesbombom/breathr/internal/httpapi"
	"github.com/fattiesbombom/breathr/internal/observability/pprof"
	"github.com/fattiesbombom/breathr/internal/poller"
	"github.com/fattiesbombom/breathr/internal/telegram"
	logx "github.com/fattiesbombom/breathr/pkg/logx"
)

const defaultSQLitePath = "./users.db"

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	pollWait, err := config.ParseDurationOrDefault("telegram.poll_wait", cfg.Telegram.PollWait, 30*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("telegram.send_timeout", cfg.Telegram.SendTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		APIURL:      cfg.Telegram.APIURL,
		PollWait:    pollWait,
		SendTimeout: sendTimeout,
	}, nil
}

func mapDirectoryConfig(cfg *config.Config) (directory.Config, error) {
	dc := cfg.Directory
	driver := strings.ToLower(strings.TrimSpace(dc.Driver))
	path := strings.TrimSpace(dc.Path)

	switch driver {
	case "", "file", "json":
		if path == "" {
			path = directory.DefaultPath
		}
		return directory.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		// The file default would put a database behind a .json name.
		if path == "" || path == directory.DefaultPath {
			path = defaultSQLitePath
		}
		busy, err := config.ParseDurationOrDefault("directory.busy_timeout", dc.BusyTimeout, time.Second)
		if err != nil {
			return directory.Config{}, err
		}
		return directory.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql":
		if strings.TrimSpace(dc.DSN) == "" {
			return directory.Config{}, fmt.Errorf("directory.dsn is required when directory.driver=%s", driver)
		}
		return directory.Config{Driver: "postgres", DSN: dc.DSN}, nil
	default:
		return directory.Config{}, fmt.Errorf("%w: %s", directory.ErrUnknownDriver, dc.Driver)
	}
}

// lockPath returns the poller lock file, or "" when locking is off.
// Postgres has no local document, so it only locks when a path is given.
func lockPath(cfg *config.Config, dc directory.Config) string {
	lf := strings.TrimSpace(cfg.Poller.LockFile)
	switch {
	case lf == "-":
		return ""
	case lf != "":
		return lf
	case dc.Path != "":
		return dc.Path + ".lock"
	default:
		return ""
	}
}

func mapPollerConfig(cfg *config.Config) (poller.Config, error) {
	pollWait, err := config.ParseDurationOrDefault("telegram.poll_wait", cfg.Telegram.PollWait, 30*time.Second)
	if err != nil {
		return poller.Config{}, err
	}
	retry, err := config.ParseDurationOrDefault("telegram.retry_delay", cfg.Telegram.RetryDelay, 5*time.Second)
	if err != nil {
		return poller.Config{}, err
	}
	reply, err := config.ParseDurationOrDefault("telegram.send_timeout", cfg.Telegram.SendTimeout, 10*time.Second)
	if err != nil {
		return poller.Config{}, err
	}
	return poller.Config{
		PollWait:     pollWait,
		RetryDelay:   retry,
		ReplyTimeout: reply,
		SkipBacklog:  cfg.Telegram.SkipBacklog,
		Heartbeat:    strings.TrimSpace(cfg.Poller.Heartbeat),
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	sendTimeout, err := config.ParseDurationOrDefault("telegram.send_timeout", cfg.Telegram.SendTimeout, 10*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	bc := cfg.Breaker
	def := dispatch.DefaultBreakerConfig()
	interval, err := config.ParseDurationOrDefault("breaker.interval", bc.Interval, def.Interval)
	if err != nil {
		return dispatch.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("breaker.timeout", bc.Timeout, def.Timeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	br := dispatch.BreakerConfig{
		Enabled:          bc.Enabled,
		Name:             def.Name,
		MaxRequests:      bc.MaxRequests,
		Interval:         interval,
		Timeout:          timeout,
		FailureThreshold: bc.FailureThreshold,
		MinRequests:      bc.MinRequests,
	}
	if br.MaxRequests == 0 {
		br.MaxRequests = def.MaxRequests
	}
	if br.FailureThreshold <= 0 {
		br.FailureThreshold = def.FailureThreshold
	}
	if br.MinRequests == 0 {
		br.MinRequests = def.MinRequests
	}
	return dispatch.Config{SendTimeout: sendTimeout, Breaker: br}, nil
}

func mapServerConfig(cfg *config.Config) (httpapi.ServerConfig, error) {
	read, err := config.ParseDurationOrDefault("http.read_timeout", cfg.HTTP.ReadTimeout, 15*time.Second)
	if err != nil {
		return httpapi.ServerConfig{}, err
	}
	write, err := config.ParseDurationOrDefault("http.write_timeout", cfg.HTTP.WriteTimeout, 30*time.Second)
	if err != nil {
		return httpapi.ServerConfig{}, err
	}
	host := strings.TrimSpace(cfg.HTTP.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := cfg.HTTP.Port
	if port == 0 {
		port = 5000
	}
	return httpapi.ServerConfig{
		Addr:         net.JoinHostPort(host, strconv.Itoa(port)),
		ReadTimeout:  read,
		WriteTimeout: write,
	}, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Logging.Telegram.ChatID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
		Redact: []string{cfg.Telegram.Token, cfg.Pprof.Token},
	}
}

func mapPprofConfig(cfg *config.Config) pprof.Config {
	return pprof.Config{
		Enabled: cfg.Pprof.Enabled,
		Addr:    cfg.Pprof.Addr,
		Token:   cfg.Pprof.Token,
	}
}
