package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	chatQueueSize   = 128
	chatSendTimeout = 10 * time.Second
	// Bot API messages are capped at 4096 characters.
	chatMaxLen   = 3500
	chatMaxValue = 600
)

type chatRecord struct {
	chatID int64
	text   string
}

// chatSink is a zerolog.LevelWriter that forwards records at or above a
// minimum level to an operator chat. It never blocks the caller: records
// beyond the rate limit are skipped and a full queue drops them.
type chatSink struct {
	sender Sender
	queue  chan chatRecord
	cancel context.CancelFunc
	done   chan struct{}

	dropped atomic.Uint64

	mu       sync.Mutex
	chatID   int64
	minLevel zerolog.Level
	limiter  *rate.Limiter
}

func newChatSink(sender Sender) *chatSink {
	ctx, cancel := context.WithCancel(context.Background())
	c := &chatSink{
		sender: sender,
		queue:  make(chan chatRecord, chatQueueSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.run(ctx)
	return c
}

func (c *chatSink) configure(tc TelegramConfig) {
	rps := max(1, tc.RatePerSec)
	c.mu.Lock()
	c.chatID = tc.ChatID
	c.minLevel = parseLevel(tc.MinLevel, zerolog.WarnLevel)
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	c.mu.Unlock()
}

func (c *chatSink) run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-c.queue:
			sctx, cancel := context.WithTimeout(ctx, chatSendTimeout)
			_ = c.sender.SendLog(sctx, rec.chatID, rec.text)
			cancel()
		}
	}
}

// close stops the worker and reports how many records were dropped.
func (c *chatSink) close() uint64 {
	c.cancel()
	<-c.done
	return c.dropped.Load()
}

func (c *chatSink) Write(p []byte) (int, error) { return c.WriteLevel(zerolog.NoLevel, p) }

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	chatID, minLevel, lim := c.chatID, c.minLevel, c.limiter
	c.mu.Unlock()

	if chatID == 0 || level == zerolog.NoLevel || level < minLevel {
		return len(p), nil
	}
	if lim != nil && !lim.Allow() {
		c.dropped.Add(1)
		return len(p), nil
	}
	text := formatChatRecord(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case c.queue <- chatRecord{chatID: chatID, text: text}:
	default:
		c.dropped.Add(1)
	}
	return len(p), nil
}

// formatChatRecord turns one JSON line into
//
//	[WARN] poller: directory save failed
//	err: disk full
//
// with the remaining keys sorted. time and caller are left out.
func formatChatRecord(p []byte) string {
	var rec map[string]any
	if err := json.Unmarshal(p, &rec); err != nil {
		return clip(strings.TrimSpace(string(p)), chatMaxLen)
	}

	var b strings.Builder
	if lvl, _ := rec[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	if comp, _ := rec["comp"].(string); comp != "" {
		b.WriteString(comp + ": ")
	}
	msg, _ := rec[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(rec))
	for k := range rec {
		switch k {
		case zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.TimestampFieldName, zerolog.CallerFieldName, "comp":
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, clip(fmt.Sprint(rec[k]), chatMaxValue))
	}
	return clip(b.String(), chatMaxLen)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
