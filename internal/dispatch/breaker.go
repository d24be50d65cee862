package dispatch

import (
	"errors"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/fattiesbombom/breathr/internal/metrics"
	"github.com/fattiesbombom/breathr/internal/telegram"
	logx "github.com/fattiesbombom/breathr/pkg/logx"
)

// BreakerConfig configures the circuit breaker around outbound sends.
type BreakerConfig struct {
	Enabled bool
	Name    string

	// MaxRequests is the number of trial sends allowed while half-open.
	MaxRequests uint32
	// Interval clears the closed-state counts; 0 never clears them.
	Interval time.Duration
	// Timeout is how long the breaker stays open before a trial.
	Timeout time.Duration
	// FailureThreshold is the failure ratio that trips the breaker.
	FailureThreshold float64
	// MinRequests is the sample size needed before the ratio counts.
	MinRequests uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:          true,
		Name:             "telegram-send",
		MaxRequests:      3,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      5,
	}
}

type breaker struct {
	cb *gobreaker.CircuitBreaker
}

func newBreaker(cfg BreakerConfig, log logx.Logger) *breaker {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Name == "" {
		cfg.Name = "telegram-send"
	}
	metrics.BreakerState.WithLabelValues(cfg.Name).Set(float64(gobreaker.StateClosed))

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureThreshold
		},
		IsSuccessful: platformHealthy,
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			log.Warn("circuit breaker state changed",
				logx.String("circuit", name),
				logx.String("from", from.String()),
				logx.String("to", to.String()))
		},
	}
	return &breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// platformHealthy reports whether err still proves the platform reachable.
// Rejections of the request itself (unknown chat, blocked bot) do not count
// against the breaker; transport failures, 5xx and 429 do.
func platformHealthy(err error) bool {
	if err == nil {
		return true
	}
	var apiErr *telegram.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.HTTPStatus
		if code == 0 {
			code = apiErr.Code
		}
		return code >= 400 && code < 500 && code != http.StatusTooManyRequests
	}
	return false
}

func (b *breaker) execute(fn func() (any, error)) (any, error) {
	if b == nil {
		return fn()
	}
	return b.cb.Execute(fn)
}

func (b *breaker) state() gobreaker.State {
	if b == nil {
		return gobreaker.StateClosed
	}
	return b.cb.State()
}

// IsBreakerOpen reports whether err was caused by an open breaker.
func IsBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
