package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fattiesbombom/breathr/internal/directory"
	"github.com/fattiesbombom/breathr/internal/metrics"
	"github.com/fattiesbombom/breathr/internal/telegram"
	logx "github.com/fattiesbombom/breathr/pkg/logx"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrEmptyDirectory = errors.New("directory is empty")
)

// SendError is a failed outbound send to a resolved address.
type SendError struct {
	ChatID telegram.ChatID
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.ChatID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Sender delivers a text message and returns the platform's raw ack.
type Sender interface {
	SendText(ctx context.Context, addr telegram.ChatID, text string) (json.RawMessage, error)
}

type Config struct {
	SendTimeout time.Duration
	Breaker     BreakerConfig
}

// Result describes a delivered message.
type Result struct {
	ChatID telegram.ChatID
	Ack    json.RawMessage
}

// Service resolves usernames against the directory and sends through the
// platform client. It never caches the directory: every call reloads it.
type Service struct {
	store   directory.Store
	api     Sender
	timeout time.Duration
	breaker *breaker
	log     logx.Logger
}

func New(cfg Config, store directory.Store, api Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Service{
		store:   store,
		api:     api,
		timeout: cfg.SendTimeout,
		breaker: newBreaker(cfg.Breaker, log),
		log:     log,
	}
}

func (s *Service) load(ctx context.Context) (directory.Directory, error) {
	d, err := s.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load directory: %w", err)
	}
	return d, nil
}

// Users returns the known usernames in ascending order.
func (s *Service) Users(ctx context.Context) ([]string, error) {
	d, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return d.Usernames(), nil
}

// Resolve maps username to its address. An empty username selects the
// first entry in sorted order.
func (s *Service) Resolve(ctx context.Context, username string) (string, telegram.ChatID, error) {
	d, err := s.load(ctx)
	if err != nil {
		return "", "", err
	}
	if username == "" {
		name, addr, ok := d.First()
		if !ok {
			return "", "", ErrEmptyDirectory
		}
		return name, addr, nil
	}
	addr, ok := d[username]
	if !ok {
		if len(d) == 0 {
			return "", "", fmt.Errorf("%w: %q (%w)", ErrUserNotFound, username, ErrEmptyDirectory)
		}
		return "", "", fmt.Errorf("%w: %q", ErrUserNotFound, username)
	}
	return username, addr, nil
}

// Send delivers text to username. Unknown users fail with ErrUserNotFound
// before any outbound call; delivery failures are *SendError.
func (s *Service) Send(ctx context.Context, username, text string) (Result, error) {
	d, err := s.load(ctx)
	if err != nil {
		metrics.DispatchTotal.WithLabelValues("load_error").Inc()
		return Result{}, err
	}
	addr, ok := d[username]
	if !ok {
		metrics.DispatchTotal.WithLabelValues("not_found").Inc()
		return Result{}, fmt.Errorf("%w: %q", ErrUserNotFound, username)
	}
	return s.SendTo(ctx, addr, text)
}

// SendTo delivers text to an already resolved address.
func (s *Service) SendTo(ctx context.Context, addr telegram.ChatID, text string) (Result, error) {
	start := time.Now()
	out, err := s.breaker.execute(func() (any, error) {
		sctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return s.api.SendText(sctx, addr, text)
	})
	metrics.DispatchDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		result := "send_error"
		if IsBreakerOpen(err) {
			result = "breaker_open"
		}
		metrics.DispatchTotal.WithLabelValues(result).Inc()
		s.log.Warn("dispatch failed",
			logx.String("chat_id", addr.String()),
			logx.String("breaker", s.breaker.state().String()),
			logx.Err(err))
		return Result{}, &SendError{ChatID: addr, Err: err}
	}

	metrics.DispatchTotal.WithLabelValues("sent").Inc()
	ack, _ := out.(json.RawMessage)
	s.log.Info("message dispatched", logx.String("chat_id", addr.String()), logx.Duration("took", time.Since(start)))
	return Result{ChatID: addr, Ack: ack}, nil
}
