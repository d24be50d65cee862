package logx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
	// Redact lists secrets (bot token, pprof token) scrubbed from every sink.
	Redact []string
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// TelegramConfig forwards records to an operator chat.
// ChatID 0 keeps the sink silent even when Enabled is true.
type TelegramConfig struct {
	Enabled    bool
	ChatID     int64
	MinLevel   string
	RatePerSec int
}

// Sender delivers a formatted record to an operator chat.
type Sender interface {
	SendLog(ctx context.Context, chatID int64, text string) error
}

const defaultLogFile = "./breathr.log"

// Service owns the sinks behind every Logger it hands out and rebuilds
// them on Apply.
type Service struct {
	mu      sync.Mutex
	sender  Sender
	chat    *chatSink
	logFile *os.File

	cur atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the service with its root logger. sender
// may be nil, which disables the chat sink regardless of cfg.
func New(cfg Config, sender Sender) (*Service, Logger) {
	s := &Service{sender: sender}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.cur.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply swaps level and sinks. Loggers already handed out follow the swap.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.logFile != nil {
		_ = s.logFile.Close()
		s.logFile = nil
	}

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %s: %v\n", path, err)
		} else {
			s.logFile = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if cfg.Telegram.Enabled && s.sender != nil {
		if s.chat == nil {
			s.chat = newChatSink(s.sender)
		}
		s.chat.configure(cfg.Telegram)
		sinks = append(sinks, s.chat)
		if cfg.Telegram.ChatID == 0 {
			fmt.Fprintln(os.Stderr, "logx: chat sink enabled without logging.telegram.chat_id")
		}
	} else if s.chat != nil {
		s.chat.configure(TelegramConfig{})
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}

	var out zerolog.LevelWriter = zerolog.MultiLevelWriter(sinks...)
	if secrets := nonEmpty(cfg.Redact); len(secrets) > 0 {
		out = redactor{next: out, secrets: secrets}
	}
	zl := zerolog.New(out).Level(parseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger()
	s.cur.Store(&zl)
}

// Close stops the chat worker and closes the log file.
func (s *Service) Close() error {
	s.mu.Lock()
	f, chat := s.logFile, s.chat
	s.logFile, s.chat = nil, nil
	s.mu.Unlock()

	if chat != nil {
		if n := chat.close(); n > 0 {
			fmt.Fprintf(os.Stderr, "logx: %d chat records dropped\n", n)
		}
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

// redactor masks secrets before any sink sees the record, including
// error strings built by lower layers.
type redactor struct {
	next    zerolog.LevelWriter
	secrets [][]byte
}

var redacted = []byte("[redacted]")

func (r redactor) scrub(p []byte) []byte {
	for _, s := range r.secrets {
		if bytes.Contains(p, s) {
			p = bytes.ReplaceAll(p, s, redacted)
		}
	}
	return p
}

func (r redactor) Write(p []byte) (int, error) {
	if _, err := r.next.Write(r.scrub(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (r redactor) WriteLevel(l zerolog.Level, p []byte) (int, error) {
	if _, err := r.next.WriteLevel(l, r.scrub(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func nonEmpty(in []string) [][]byte {
	var out [][]byte
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, []byte(s))
		}
	}
	return out
}
