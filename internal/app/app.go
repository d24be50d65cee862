package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/fattiesbombom/breathr/internal/config"
	"github.com/fattiesbombom/breathr/internal/directory"
	"github.com/fattiesbombom/breathr/internal/dispatch"
	"github.com/fattiesbombom/breathr/internal/httpapi"
	"github.com/fattiesbombom/breathr/internal/observability/pprof"
	"github.com/fattiesbombom/breathr/internal/poller"
	"github.com/fattiesbombom/breathr/internal/runtime/lockfile"
	"github.com/fattiesbombom/breathr/internal/runtime/supervisor"
	"github.com/fattiesbombom/breathr/internal/telegram"
	logx "github.com/fattiesbombom/breathr/pkg/logx"
)

// Roles selects the long-running components Run starts.
type Roles struct {
	Poll  bool
	Serve bool
}

func (r Roles) String() string {
	var parts []string
	if r.Poll {
		parts = append(parts, "poller")
	}
	if r.Serve {
		parts = append(parts, "http")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

type App struct {
	cfgm *config.Manager
	cfg  *config.Config

	log  logx.Logger
	logs *logx.Service

	tg     *telegram.Client
	dirCfg directory.Config
	store  directory.Store
}

// New builds the shared components from the committed configuration.
func New(cfgm *config.Manager) (*App, error) {
	cfg := cfgm.Get()
	if cfg == nil {
		var err error
		if cfg, err = cfgm.Load(); err != nil {
			return nil, err
		}
	}

	tgCfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	// The client needs a logger before the log service (which sends through
	// the client) exists.
	bootLog := logx.NewConsole(cfg.Logging.Level).Component("telegram")
	tg, err := telegram.New(tgCfg, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg), tg)
	cfgm.SetLogger(log.Component("config"))

	dirCfg, err := mapDirectoryConfig(cfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	store, err := directory.Open(dirCfg, log.Component("directory"))
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	return &App{
		cfgm:   cfgm,
		cfg:    cfg,
		log:    log.Component("app"),
		logs:   logSvc,
		tg:     tg,
		dirCfg: dirCfg,
		store:  store,
	}, nil
}

func (a *App) Logger() logx.Logger { return a.log }

// Close releases the directory store and flushes log sinks.
func (a *App) Close() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// Run starts the selected roles under one supervisor and blocks until ctx
// is cancelled or a component fails. The first failure is returned.
func (a *App) Run(ctx context.Context, roles Roles) error {
	a.banner(roles)

	sup := supervisor.New(ctx,
		supervisor.WithLogger(a.log.Component("supervisor")),
		supervisor.WithCancelOnError(true),
	)

	if roles.Poll {
		lock, err := a.lockDirectory()
		if err != nil {
			sup.Cancel()
			return err
		}
		if lock != nil {
			defer func() {
				if err := lock.Release(); err != nil {
					a.log.Warn("lock release failed", logx.String("path", lock.Path()), logx.Err(err))
				}
			}()
		}

		pcfg, err := mapPollerConfig(a.cfg)
		if err != nil {
			sup.Cancel()
			return err
		}
		p := poller.New(pcfg, a.tg, a.store, a.log.Component("poller"))
		if err := p.Start(sup.Context()); err != nil {
			sup.Cancel()
			return err
		}
		sup.Go("poller", p.Run)
	}

	if roles.Serve {
		srv, err := a.httpServer()
		if err != nil {
			sup.Cancel()
			return err
		}
		sup.Go("http", srv.Run)
	}

	if a.cfg.Pprof.Enabled {
		ps := pprof.New(mapPprofConfig(a.cfg), a.log.Component("pprof"))
		sup.GoRestart("pprof", func(c context.Context) error {
			// A refused bind will not fix itself; leave profiling off.
			if err := ps.Run(c); err != nil && !errors.Is(err, pprof.ErrInsecureBind) {
				return err
			}
			return nil
		}, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	}

	a.watchConfig(sup)
	startWatchdog(sup, a.log.Component("systemd"))
	notify(a.log, daemon.SdNotifyReady)
	a.log.Info("started", logx.String("roles", roles.String()))

	<-sup.Context().Done()
	notify(a.log, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sup.Stop(stopCtx); errors.Is(err, context.DeadlineExceeded) {
		a.log.Warn("components did not stop in time", logx.Any("counters", sup.Counters()))
	}
	a.log.Info("stopped")
	return sup.Err()
}

func (a *App) lockDirectory() (*lockfile.Lock, error) {
	path := lockPath(a.cfg, a.dirCfg)
	if path == "" {
		return nil, nil
	}
	lock, err := lockfile.Acquire(path)
	if err != nil {
		return nil, fmt.Errorf("another poller owns the directory: %w", err)
	}
	a.log.Debug("directory lock acquired", logx.String("path", path))
	return lock, nil
}

func (a *App) httpServer() (*httpapi.Server, error) {
	dcfg, err := mapDispatchConfig(a.cfg)
	if err != nil {
		return nil, err
	}
	scfg, err := mapServerConfig(a.cfg)
	if err != nil {
		return nil, err
	}
	svc := dispatch.New(dcfg, a.store, a.tg, a.log.Component("dispatch"))
	api := httpapi.NewAPI(svc, httpapi.Options{
		MaxBodyBytes: a.cfg.HTTP.MaxBodyBytes,
		Metrics:      a.cfg.HTTP.Metrics,
	}, a.log.Component("http"))
	return httpapi.NewServer(scfg, api.Handler(), a.log.Component("http")), nil
}

// watchConfig follows the config file and re-applies what can change live
// (logging). Other sections are reported as needing a restart.
func (a *App) watchConfig(sup *supervisor.Supervisor) {
	if a.cfgm.Path() == "" {
		return
	}
	sub := a.cfgm.Subscribe(4)
	sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfg
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				sections, attrs := config.SummarizeChange(last, next)
				last = next
				if len(sections) == 0 {
					a.log.Debug("config reload received, no effective changes")
					continue
				}
				a.logs.Apply(mapLogConfig(next))
				if pending := config.RestartRequired(sections); len(pending) > 0 {
					a.log.Warn("config changed; restart required to apply", logx.String("sections", strings.Join(pending, ",")))
				}
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config applied", fields...)
			}
		}
	})
	sup.Go0("config.watch", func(c context.Context) {
		if err := a.cfgm.Watch(c); err != nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	})
}

func (a *App) banner(roles Roles) {
	fields := []logx.Field{
		logx.String("roles", roles.String()),
		logx.String("token", config.MaskToken(a.cfg.Telegram.Token)),
		logx.String("directory.driver", a.dirCfg.Driver),
	}
	if a.dirCfg.Path != "" {
		fields = append(fields, logx.String("directory.path", a.dirCfg.Path))
	}
	if roles.Serve {
		if scfg, err := mapServerConfig(a.cfg); err == nil {
			fields = append(fields, logx.String("http.addr", scfg.Addr))
		}
	}
	if a.cfgm.Path() != "" {
		fields = append(fields, logx.String("config", a.cfgm.Path()))
	}
	a.log.Info("breathr starting", fields...)
}
