package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	tele "gopkg.in/telebot.v4"

	"github.com/fattiesbombom/breathr/internal/directory"
	"github.com/fattiesbombom/breathr/internal/metrics"
	"github.com/fattiesbombom/breathr/internal/telegram"
	logx "github.com/fattiesbombom/breathr/pkg/logx"
)

// API is the slice of the Bot API the poller needs.
type API interface {
	GetUpdates(ctx context.Context, req telegram.UpdatesRequest) ([]tele.Update, error)
	Latest(ctx context.Context) (*tele.Update, error)
	SendText(ctx context.Context, addr telegram.ChatID, text string) (json.RawMessage, error)
}

type Config struct {
	// PollWait is how long the server may hold an idle poll.
	PollWait time.Duration
	// RetryDelay is the fixed pause after a failed poll.
	RetryDelay time.Duration
	// ReplyTimeout bounds each canned reply and the startup cursor probe.
	ReplyTimeout time.Duration
	// SkipBacklog starts the cursor at the newest pending update.
	SkipBacklog bool
	// Heartbeat is a cron spec for the liveness log line ("" disables).
	Heartbeat string
}

// Poller is the single writer of the directory. It owns the in-memory
// mapping and the cursor; nothing else mutates either.
type Poller struct {
	cfg   Config
	api   API
	store directory.Store
	log   logx.Logger

	dir       directory.Directory
	cursor    int64
	hasCursor bool

	// sleep waits for d or until ctx is done; it reports false on cancellation.
	sleep func(ctx context.Context, d time.Duration) bool

	polls     atomic.Uint64
	idlePolls atomic.Uint64
	processed atomic.Uint64
	users     atomic.Int64
	lastSeen  atomic.Int64

	startOnce sync.Once
	startErr  error
}

func New(cfg Config, api API, store directory.Store, log logx.Logger) *Poller {
	if cfg.PollWait <= 0 {
		cfg.PollWait = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{
		cfg:   cfg,
		api:   api,
		store: store,
		log:   log,
		dir:   directory.Directory{},
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Cursor returns the highest processed update id, if any.
func (p *Poller) Cursor() (int64, bool) { return p.cursor, p.hasCursor }

// Directory returns a copy of the in-memory mapping.
func (p *Poller) Directory() directory.Directory { return p.dir.Clone() }

// Start prepares the store, loads the directory and positions the cursor.
// Only a store failure is returned; cursor probing is best effort.
func (p *Poller) Start(ctx context.Context) error {
	p.startOnce.Do(func() { p.startErr = p.start(ctx) })
	return p.startErr
}

func (p *Poller) start(ctx context.Context) error {
	if err := p.store.Init(ctx); err != nil {
		return fmt.Errorf("init directory: %w", err)
	}
	d, err := p.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load directory: %w", err)
	}
	p.dir = d
	p.users.Store(int64(len(d)))
	metrics.DirectoryEntries.Set(float64(len(d)))
	p.log.Info("directory loaded", logx.Int("users", len(d)))

	if p.cfg.SkipBacklog {
		p.initCursor(ctx)
	}
	return nil
}

func (p *Poller) initCursor(ctx context.Context) {
	ictx, cancel := context.WithTimeout(ctx, p.cfg.ReplyTimeout)
	defer cancel()

	up, err := p.api.Latest(ictx)
	switch {
	case err != nil:
		p.log.Warn("could not fetch latest update; processing full backlog", logx.Err(err))
	case up == nil:
		p.log.Info("no pending updates; starting without cursor")
	default:
		p.setCursor(int64(up.ID))
		p.log.Info("skipping backlog", logx.Int64("cursor", p.cursor))
	}
}

func (p *Poller) setCursor(id int64) {
	if !p.hasCursor || id > p.cursor {
		p.cursor = id
		p.hasCursor = true
		p.lastSeen.Store(id)
		metrics.Cursor.Set(float64(id))
	}
}

// Run starts the poller and loops until ctx is done. Transient failures
// never end the loop.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}

	if hb := p.heartbeat(); hb != nil {
		hb.Start()
		defer hb.Stop()
	}

	p.log.Info("polling for updates", logx.Duration("wait", p.cfg.PollWait))
	for {
		if ctx.Err() != nil {
			return nil
		}
		err := p.Step(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case telegram.IsTimeout(err):
			metrics.PollsTotal.WithLabelValues("timeout").Inc()
			p.log.Debug("long poll timed out; retrying")
		default:
			metrics.PollsTotal.WithLabelValues("error").Inc()
			p.log.Warn("poll failed; backing off", logx.Err(err), logx.Duration("retry_in", p.cfg.RetryDelay))
			if !p.sleep(ctx, p.cfg.RetryDelay) {
				return nil
			}
		}
	}
}

// Step performs one long poll and processes the returned batch.
func (p *Poller) Step(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("poll step panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic in poll step: %v", r)
		}
	}()

	req := telegram.UpdatesRequest{Timeout: p.cfg.PollWait}
	if p.hasCursor {
		req.Offset = p.cursor + 1
	}
	p.polls.Add(1)
	ups, err := p.api.GetUpdates(ctx, req)
	if err != nil {
		return err
	}
	if len(ups) == 0 {
		p.idlePolls.Add(1)
		metrics.PollsTotal.WithLabelValues("empty").Inc()
		return nil
	}
	metrics.PollsTotal.WithLabelValues("ok").Inc()
	p.ProcessBatch(ctx, ups)
	return nil
}

// ProcessBatch applies ups in delivery order and persists the directory
// once if any entry changed. It reports whether a save was attempted.
func (p *Poller) ProcessBatch(ctx context.Context, ups []tele.Update) bool {
	dirty := false
	for _, up := range ups {
		if p.safeHandle(ctx, up) {
			dirty = true
		}
	}
	if !dirty {
		return false
	}

	if err := p.store.Save(ctx, p.dir); err != nil {
		metrics.DirectorySaves.WithLabelValues("error").Inc()
		p.log.Error("directory save failed", logx.Err(err), logx.Int("users", len(p.dir)))
		return true
	}
	metrics.DirectorySaves.WithLabelValues("ok").Inc()
	p.users.Store(int64(len(p.dir)))
	metrics.DirectoryEntries.Set(float64(len(p.dir)))
	p.log.Debug("directory saved", logx.Int("users", len(p.dir)))
	return true
}

// safeHandle is handle with a panicking update skipped instead of
// abandoning the rest of the batch. A panic counts as a change, since it
// may have struck after the upsert.
func (p *Poller) safeHandle(ctx context.Context, up tele.Update) (changed bool) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("update handler panicked; skipping update",
				logx.Int64("update_id", int64(up.ID)), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			changed = true
		}
	}()
	return p.handle(ctx, up)
}

// handle processes one update and reports whether the directory changed.
func (p *Poller) handle(ctx context.Context, up tele.Update) bool {
	id := int64(up.ID)
	if p.hasCursor && id <= p.cursor {
		p.log.Debug("skipping already processed update", logx.Int64("update_id", id), logx.Int64("cursor", p.cursor))
		return false
	}
	defer func() {
		p.setCursor(id)
		p.processed.Add(1)
		metrics.UpdatesProcessed.Inc()
	}()

	m := up.Message
	if m == nil || m.Chat == nil {
		return false
	}

	name := displayName(m.Sender)
	addr := telegram.ChatIDFromInt(m.Chat.ID)
	changed := p.dir.Upsert(name, addr)
	if changed {
		p.log.Info("directory entry updated", logx.String("username", name), logx.String("chat_id", addr.String()))
	}

	if cmd, text := reply(m.Text, name, addr); text != "" {
		rctx, cancel := context.WithTimeout(ctx, p.cfg.ReplyTimeout)
		_, err := p.api.SendText(rctx, addr, text)
		cancel()
		if err != nil {
			metrics.RepliesTotal.WithLabelValues(cmd, "error").Inc()
			p.log.Warn("reply failed", logx.String("command", cmd), logx.String("username", name), logx.Err(err))
		} else {
			metrics.RepliesTotal.WithLabelValues(cmd, "ok").Inc()
			p.log.Info("reply sent", logx.String("command", cmd), logx.String("username", name))
		}
	}
	return changed
}

func (p *Poller) heartbeat() *cron.Cron {
	if p.cfg.Heartbeat == "" {
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc(p.cfg.Heartbeat, func() {
		p.log.Info("poller alive",
			logx.Int64("polls", int64(p.polls.Load())),
			logx.Int64("idle_polls", int64(p.idlePolls.Load())),
			logx.Int64("processed", int64(p.processed.Load())),
			logx.Int64("users", p.users.Load()),
			logx.Int64("cursor", p.lastSeen.Load()),
		)
	})
	if err != nil {
		p.log.Warn("invalid heartbeat schedule; heartbeat disabled", logx.String("spec", p.cfg.Heartbeat), logx.Err(err))
		return nil
	}
	return c
}
