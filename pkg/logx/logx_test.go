package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recordingSender struct {
	mu   sync.Mutex
	ids  []int64
	msgs []string
}

func (r *recordingSender) SendLog(_ context.Context, chatID int64, text string) error {
	r.mu.Lock()
	r.ids = append(r.ids, chatID)
	r.msgs = append(r.msgs, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) snapshot() ([]int64, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.ids...), append([]string(nil), r.msgs...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" INFO ", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"Error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"trace", zerolog.InfoLevel},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in, zerolog.InfoLevel); got != tc.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestFormatChatRecord(t *testing.T) {
	line := []byte(`{"level":"warn","time":"x","caller":"poller/poller.go:10","message":"directory save failed","comp":"poller","users":3,"err":"disk full"}`)
	got := formatChatRecord(line)
	want := "[WARN] poller: directory save failed\nerr: disk full\nusers: 3"
	if got != want {
		t.Fatalf("formatChatRecord = %q, want %q", got, want)
	}

	if got := formatChatRecord([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("non-JSON line = %q", got)
	}
}

func TestClip(t *testing.T) {
	if got := clip("abcdefghijklmnop", 12); got != "abcdefghi..." {
		t.Fatalf("clip = %q", got)
	}
	if got := clip("short", 12); got != "short" {
		t.Fatalf("clip short = %q", got)
	}
}

func TestWriterLoggerRecordsFieldsAndCaller(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").Component("directory")
	log.Info("loaded", Int("users", 3), String("path", "./users.json"))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if rec["comp"] != "directory" || rec["message"] != "loaded" || rec["users"] != float64(3) {
		t.Fatalf("unexpected record: %v", rec)
	}
	if c, _ := rec["caller"].(string); !strings.HasPrefix(c, "logx/logx_test.go:") {
		t.Fatalf("caller = %q", c)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	log.Warn("shown", Err(nil))
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("output = %q", buf.String())
	}
	if strings.Contains(buf.String(), `"err"`) {
		t.Fatalf("nil error should add no field: %q", buf.String())
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("ignored")
	l.With(String("k", "v")).Error("ignored")
	if Nop().IsZero() {
		t.Fatal("Nop logger is configured, not zero")
	}
}

func TestServiceRedactsSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "breathr.log")
	const token = "123456:SECRET-token"
	svc, log := New(Config{
		Level:  "info",
		File:   FileConfig{Enabled: true, Path: path},
		Redact: []string{token, " "},
	}, nil)

	log.Error("poll failed", String("err", `Post "https://api.telegram.org/bot`+token+`/getUpdates": EOF`))
	if err := svc.Close(); err != nil {
		t.Fatal(err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(b), token) {
		t.Fatalf("token leaked into log file: %s", b)
	}
	if !strings.Contains(string(b), "bot[redacted]/getUpdates") {
		t.Fatalf("redaction marker missing: %s", b)
	}
}

func TestApplySwapsLevelForExistingLoggers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "breathr.log")
	svc, log := New(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}}, nil)
	t.Cleanup(func() { _ = svc.Close() })
	child := log.Component("poller")

	child.Info("before")
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	child.Info("after")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(b), "before") || !strings.Contains(string(b), "after") {
		t.Fatalf("log file = %s", b)
	}
}

func TestChatSinkFiltersByLevelAndChat(t *testing.T) {
	sender := &recordingSender{}
	dir := t.TempDir()
	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: filepath.Join(dir, "a.log")},
		Telegram: TelegramConfig{
			Enabled:    true,
			ChatID:     42,
			MinLevel:   "warn",
			RatePerSec: 100,
		},
	}, sender)
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("not forwarded")
	log.Component("poller").Warn("forwarded")

	waitFor(t, func() bool { _, msgs := sender.snapshot(); return len(msgs) >= 1 })
	ids, msgs := sender.snapshot()
	if len(msgs) != 1 || ids[0] != 42 {
		t.Fatalf("forwarded = %v to %v", msgs, ids)
	}
	if !strings.HasPrefix(msgs[0], "[WARN] poller: forwarded") {
		t.Fatalf("message = %q", msgs[0])
	}

	// Clearing the chat id silences the sink.
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: filepath.Join(dir, "b.log")}, Telegram: TelegramConfig{Enabled: true}})
	log.Error("dropped")
	time.Sleep(50 * time.Millisecond)
	if _, msgs := sender.snapshot(); len(msgs) != 1 {
		t.Fatalf("expected no new records after clearing chat id, got %v", msgs)
	}
}

func TestChatSinkRateLimitCountsDrops(t *testing.T) {
	c := &chatSink{queue: make(chan chatRecord, 4)}
	c.configure(TelegramConfig{ChatID: 7, RatePerSec: 1})

	line := []byte(`{"level":"error","message":"boom"}`)
	for range 3 {
		if _, err := c.WriteLevel(zerolog.ErrorLevel, line); err != nil {
			t.Fatal(err)
		}
	}
	if len(c.queue) != 1 {
		t.Fatalf("queued = %d, want 1", len(c.queue))
	}
	if n := c.dropped.Load(); n != 2 {
		t.Fatalf("dropped = %d, want 2", n)
	}
}
