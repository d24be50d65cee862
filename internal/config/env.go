package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables understood on top of the config file.
const (
	EnvBotToken        = "TELEGRAM_BOT_TOKEN"
	EnvAPIURL          = "TELEGRAM_API_URL"
	EnvHost            = "API_HOST"
	EnvPort            = "API_PORT"
	EnvFlaskHost       = "FLASK_HOST"
	EnvFlaskPort       = "FLASK_PORT"
	EnvUsersFile       = "USERS_FILE"
	EnvDirectoryDriver = "DIRECTORY_DRIVER"
	EnvDirectoryDSN    = "DIRECTORY_DSN"
	EnvLogLevel        = "LOG_LEVEL"
	EnvLogChatID       = "LOG_CHAT_ID"
)

// LoadDotEnv reads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvBotToken); ok {
		cfg.Telegram.Token = v
	}
	if v, ok := get(EnvAPIURL); ok {
		cfg.Telegram.APIURL = v
	}
	// FLASK_* are older names; API_* wins when both are set.
	for _, k := range []string{EnvFlaskHost, EnvHost} {
		if v, ok := get(k); ok {
			cfg.HTTP.Host = v
		}
	}
	for _, k := range []string{EnvFlaskPort, EnvPort} {
		if v, ok := get(k); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: invalid port %q", k, v)
			}
			cfg.HTTP.Port = n
		}
	}
	if v, ok := get(EnvUsersFile); ok {
		cfg.Directory.Path = v
	}
	if v, ok := get(EnvDirectoryDriver); ok {
		cfg.Directory.Driver = v
	}
	if v, ok := get(EnvDirectoryDSN); ok {
		cfg.Directory.DSN = v
	}
	if v, ok := get(EnvLogLevel); ok {
		cfg.Logging.Level = v
	}
	if v, ok := get(EnvLogChatID); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: invalid chat id %q", EnvLogChatID, v)
		}
		cfg.Logging.Telegram.ChatID = n
	}
	return nil
}
