package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	logx "github.com/fattiesbombom/breathr/pkg/logx"
)

type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// ShutdownTimeout bounds the graceful drain after ctx is cancelled.
	ShutdownTimeout time.Duration
}

// Server runs the API until its context ends.
type Server struct {
	cfg     ServerConfig
	handler http.Handler
	log     logx.Logger
	ready   chan net.Addr
}

func NewServer(cfg ServerConfig, h http.Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Addr == "" {
		cfg.Addr = "0.0.0.0:5000"
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	return &Server{cfg: cfg, handler: h, log: log, ready: make(chan net.Addr, 1)}
}

// Ready yields the bound address once the listener is up.
func (s *Server) Ready() <-chan net.Addr { return s.ready }

// Run listens and serves. A cancelled ctx triggers a graceful shutdown and
// a nil return; listen or serve failures are returned.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			s.log.Warn("http shutdown incomplete", logx.Err(err))
			_ = srv.Close()
		}
	}()

	s.log.Info("http server listening", logx.String("addr", ln.Addr().String()))
	select {
	case s.ready <- ln.Addr():
	default:
	}

	err = srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-done
		s.log.Info("http server stopped")
		return nil
	}
	return err
}
