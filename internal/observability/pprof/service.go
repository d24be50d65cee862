// Package pprof exposes net/http/pprof on a separate, token-guarded
// listener.
package pprof

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"net/netip"
	"strings"
	"time"

	"github.com/fattiesbombom/breathr/internal/httpapi"
	logx "github.com/fattiesbombom/breathr/pkg/logx"
)

const (
	DefaultAddr = "127.0.0.1:6060"
	mount       = "/debug/pprof/"
)

// Config for the profiling listener. Binding anywhere but loopback
// requires a Token.
type Config struct {
	Enabled bool
	Addr    string
	Token   string
}

var ErrInsecureBind = errors.New("pprof: non-loopback address requires a token")

type Service struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.Addr = strings.TrimSpace(cfg.Addr)
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	cfg.Token = strings.TrimSpace(cfg.Token)
	return &Service{cfg: cfg, log: log}
}

// Run serves profiles until ctx is done. Disabled services return nil at
// once.
func (s *Service) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	if s.cfg.Token == "" && !isLoopbackAddr(s.cfg.Addr) {
		s.log.Error("pprof listener refused", logx.String("addr", s.cfg.Addr))
		return ErrInsecureBind
	}
	// No read/write deadlines: profile and trace stream for as long as the
	// caller asks.
	srv := httpapi.NewServer(httpapi.ServerConfig{
		Addr:            s.cfg.Addr,
		ShutdownTimeout: 2 * time.Second,
	}, s.Handler(), s.log)
	return srv.Run(ctx)
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(mount, hpprof.Index)
	for name, h := range map[string]http.HandlerFunc{
		"cmdline": hpprof.Cmdline,
		"profile": hpprof.Profile,
		"symbol":  hpprof.Symbol,
		"trace":   hpprof.Trace,
	} {
		mux.HandleFunc(mount+name, h)
	}
	if s.cfg.Token == "" {
		return mux
	}
	return requireToken(s.cfg.Token, mux)
}

// requireToken takes the token from ?token= when present, otherwise from
// "Authorization: Bearer".
func requireToken(token string, next http.Handler) http.Handler {
	want := []byte(token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			got, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			got = strings.TrimSpace(got)
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="pprof"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip, err := netip.ParseAddr(host)
	return err == nil && ip.IsLoopback()
}
