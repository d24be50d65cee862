package poller

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	tele "gopkg.in/telebot.v4"

	"github.com/fattiesbombom/breathr/internal/directory"
	"github.com/fattiesbombom/breathr/internal/telegram"
	logx "github.com/fattiesbombom/breathr/pkg/logx"
)

type pollResult struct {
	ups []tele.Update
	err error
}

type sent struct {
	addr telegram.ChatID
	text string
}

type fakeAPI struct {
	mu      sync.Mutex
	script  []pollResult
	reqs    []telegram.UpdatesRequest
	sent    []sent
	latest  *tele.Update
	lErr    error
	sendErr error
	// done is called once the script is exhausted.
	done func()
}

func (f *fakeAPI) GetUpdates(ctx context.Context, req telegram.UpdatesRequest) ([]tele.Update, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if len(f.script) == 0 {
		if f.done != nil {
			f.done()
		}
		return nil, ctx.Err()
	}
	r := f.script[0]
	f.script = f.script[1:]
	return r.ups, r.err
}

func (f *fakeAPI) Latest(context.Context) (*tele.Update, error) { return f.latest, f.lErr }

func (f *fakeAPI) SendText(_ context.Context, addr telegram.ChatID, text string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{addr, text})
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return json.RawMessage(`{"message_id":1}`), nil
}

type fakeStore struct {
	initial directory.Directory
	saved   []directory.Directory
	initErr error
	loadErr error
	saveErr error
}

func (s *fakeStore) Init(context.Context) error { return s.initErr }

func (s *fakeStore) Load(context.Context) (directory.Directory, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.initial == nil {
		return directory.Directory{}, nil
	}
	return s.initial.Clone(), nil
}

func (s *fakeStore) Save(_ context.Context, d directory.Directory) error {
	s.saved = append(s.saved, d.Clone())
	return s.saveErr
}

func (s *fakeStore) Close() error { return nil }

func msg(id int, chat int64, username, first, text string) tele.Update {
	return tele.Update{
		ID: id,
		Message: &tele.Message{
			Sender: &tele.User{ID: chat, Username: username, FirstName: first},
			Chat:   &tele.Chat{ID: chat},
			Text:   text,
		},
	}
}

func newTestPoller(t *testing.T, api *fakeAPI, st *fakeStore) *Poller {
	t.Helper()
	p := New(Config{PollWait: time.Second, RetryDelay: time.Minute}, api, st, logx.Nop())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return p
}

func TestStartCommandUpsertsAndWelcomes(t *testing.T) {
	api := &fakeAPI{}
	st := &fakeStore{}
	p := newTestPoller(t, api, st)

	p.ProcessBatch(context.Background(), []tele.Update{msg(7, 42, "foo", "Foo", "/start foo")})

	if got := p.Directory(); !cmp.Equal(got, directory.Directory{"foo": "42"}) {
		t.Fatalf("directory = %v", got)
	}
	if len(st.saved) != 1 {
		t.Fatalf("saves = %d, want 1", len(st.saved))
	}
	want := []sent{{"42", "Welcome foo! Your ID has been obtained and saved automatically. You are now connected!"}}
	if diff := cmp.Diff(want, api.sent, cmp.AllowUnexported(sent{})); diff != "" {
		t.Fatalf("replies (-want +got):\n%s", diff)
	}
	if c, ok := p.Cursor(); !ok || c != 7 {
		t.Fatalf("cursor = %d,%v want 7,true", c, ok)
	}
}

func TestUnknownCommandUpsertsWithoutReply(t *testing.T) {
	api := &fakeAPI{}
	st := &fakeStore{}
	p := newTestPoller(t, api, st)

	p.ProcessBatch(context.Background(), []tele.Update{msg(3, 9, "bar", "", "/unknown")})

	if got := p.Directory(); !cmp.Equal(got, directory.Directory{"bar": "9"}) {
		t.Fatalf("directory = %v", got)
	}
	if len(api.sent) != 0 {
		t.Fatalf("unexpected replies: %v", api.sent)
	}
}

func TestReplies(t *testing.T) {
	cases := []struct {
		text    string
		command string
		want    string
	}{
		{"/hello", "hello", "Hello, amy! I have saved your ID."},
		{"  /HELLO ", "hello", "Hello, amy! I have saved your ID."},
		{"/info", "info", "Your Chat ID is 5. Your username is: amy. I am running on a server."},
		{"/Start", "start", "Welcome amy! Your ID has been obtained and saved automatically. You are now connected!"},
		{"/start@relay_bot", "start", "Welcome amy! Your ID has been obtained and saved automatically. You are now connected!"},
		{"/hello there", "", ""},
		{"/information", "", ""},
		{"hi", "", ""},
		{"", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			cmd, got := reply(tc.text, "amy", "5")
			if cmd != tc.command || got != tc.want {
				t.Fatalf("reply(%q) = %q,%q want %q,%q", tc.text, cmd, got, tc.command, tc.want)
			}
		})
	}
}

func TestDisplayNameFallbacks(t *testing.T) {
	cases := []struct {
		name string
		user *tele.User
		want string
	}{
		{"username", &tele.User{Username: "u", FirstName: "F"}, "u"},
		{"first name", &tele.User{FirstName: "F"}, "F"},
		{"blank", &tele.User{Username: " "}, "Unknown"},
		{"nil", nil, "Unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := displayName(tc.user); got != tc.want {
				t.Fatalf("displayName = %q want %q", got, tc.want)
			}
		})
	}
}

func TestDuplicateUpdateIsIgnored(t *testing.T) {
	api := &fakeAPI{}
	st := &fakeStore{}
	p := newTestPoller(t, api, st)
	ctx := context.Background()

	up := msg(10, 1, "a", "", "/hello")
	p.ProcessBatch(ctx, []tele.Update{up})
	p.ProcessBatch(ctx, []tele.Update{up})

	if len(api.sent) != 1 {
		t.Fatalf("replies = %d, want 1", len(api.sent))
	}
	if len(st.saved) != 1 {
		t.Fatalf("saves = %d, want 1", len(st.saved))
	}
}

func TestCursorNeverDecreases(t *testing.T) {
	api := &fakeAPI{}
	p := newTestPoller(t, api, &fakeStore{})

	p.ProcessBatch(context.Background(), []tele.Update{
		msg(20, 1, "a", "", "x"),
		msg(15, 2, "b", "", "y"),
		{ID: 21},
	})
	if c, _ := p.Cursor(); c != 21 {
		t.Fatalf("cursor = %d, want 21", c)
	}
	// 15 is behind the cursor once 20 has been seen.
	if _, ok := p.Directory()["b"]; ok {
		t.Fatalf("stale update applied")
	}
}

func TestOneSavePerBatch(t *testing.T) {
	st := &fakeStore{initial: directory.Directory{"keep": "1"}}
	p := newTestPoller(t, &fakeAPI{}, st)

	p.ProcessBatch(context.Background(), []tele.Update{
		msg(1, 100, "a", "", "hi"),
		msg(2, 200, "b", "", "hi"),
		msg(3, 300, "c", "", "hi"),
		msg(4, 1, "keep", "", "hi"),
	})
	if len(st.saved) != 1 {
		t.Fatalf("saves = %d, want 1", len(st.saved))
	}
	want := directory.Directory{"keep": "1", "a": "100", "b": "200", "c": "300"}
	if diff := cmp.Diff(want, st.saved[0]); diff != "" {
		t.Fatalf("saved (-want +got):\n%s", diff)
	}

	// unchanged mapping: nothing to persist
	if p.ProcessBatch(context.Background(), []tele.Update{msg(5, 100, "a", "", "hi")}) {
		t.Fatalf("expected no save for unchanged entry")
	}
}

func TestSaveFailureKeepsPolling(t *testing.T) {
	st := &fakeStore{saveErr: errors.New("disk full")}
	p := newTestPoller(t, &fakeAPI{}, st)

	p.ProcessBatch(context.Background(), []tele.Update{msg(1, 5, "a", "", "hi")})
	if c, ok := p.Cursor(); !ok || c != 1 {
		t.Fatalf("cursor = %d,%v", c, ok)
	}
	if _, ok := p.Directory()["a"]; !ok {
		t.Fatalf("in-memory entry lost after failed save")
	}
}

func TestReplyFailureDoesNotBlockUpsert(t *testing.T) {
	api := &fakeAPI{sendErr: errors.New("forbidden")}
	st := &fakeStore{}
	p := newTestPoller(t, api, st)

	p.ProcessBatch(context.Background(), []tele.Update{msg(1, 5, "a", "", "/info")})
	if len(st.saved) != 1 {
		t.Fatalf("saves = %d, want 1", len(st.saved))
	}
}

func TestNonMessageUpdatesAdvanceCursor(t *testing.T) {
	st := &fakeStore{}
	p := newTestPoller(t, &fakeAPI{}, st)

	if p.ProcessBatch(context.Background(), []tele.Update{{ID: 4}, {ID: 5, Message: &tele.Message{Text: "no chat"}}}) {
		t.Fatalf("unexpected save")
	}
	if c, ok := p.Cursor(); !ok || c != 5 {
		t.Fatalf("cursor = %d,%v want 5,true", c, ok)
	}
}

func TestStartSkipsBacklog(t *testing.T) {
	api := &fakeAPI{latest: &tele.Update{ID: 99}}
	p := New(Config{SkipBacklog: true}, api, &fakeStore{}, logx.Nop())
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c, ok := p.Cursor(); !ok || c != 99 {
		t.Fatalf("cursor = %d,%v want 99,true", c, ok)
	}
}

func TestStartWithoutLatestLeavesNoCursor(t *testing.T) {
	for name, api := range map[string]*fakeAPI{
		"error": {lErr: errors.New("unreachable")},
		"empty": {},
	} {
		t.Run(name, func(t *testing.T) {
			p := New(Config{SkipBacklog: true}, api, &fakeStore{}, logx.Nop())
			if err := p.Start(context.Background()); err != nil {
				t.Fatal(err)
			}
			if _, ok := p.Cursor(); ok {
				t.Fatalf("cursor set without a latest update")
			}
		})
	}
}

func TestStartFailsOnStoreErrors(t *testing.T) {
	for name, st := range map[string]*fakeStore{
		"init": {initErr: errors.New("read-only")},
		"load": {loadErr: errors.New("db down")},
	} {
		t.Run(name, func(t *testing.T) {
			p := New(Config{}, &fakeAPI{}, st, logx.Nop())
			if err := p.Run(context.Background()); err == nil {
				t.Fatalf("expected startup error")
			}
		})
	}
}

func TestRunBacksOffOnlyOnNonTimeoutErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := &fakeAPI{
		script: []pollResult{
			{err: context.DeadlineExceeded},
			{ups: []tele.Update{msg(1, 10, "a", "", "/hello")}},
			{err: errors.New("bad gateway")},
			{ups: nil},
			{ups: []tele.Update{msg(2, 20, "b", "", "hi")}},
		},
		done: cancel,
	}
	st := &fakeStore{}
	p := New(Config{PollWait: time.Second, RetryDelay: 3 * time.Second}, api, st, logx.Nop())

	var sleeps []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) bool {
		sleeps = append(sleeps, d)
		return true
	}

	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]time.Duration{3 * time.Second}, sleeps); diff != "" {
		t.Fatalf("backoff (-want +got):\n%s", diff)
	}

	var offsets []int64
	for _, r := range api.reqs {
		offsets = append(offsets, r.Offset)
	}
	if diff := cmp.Diff([]int64{0, 0, 2, 2, 2, 3}, offsets); diff != "" {
		t.Fatalf("offsets (-want +got):\n%s", diff)
	}
	if len(st.saved) != 2 {
		t.Fatalf("saves = %d, want 2", len(st.saved))
	}
	if got := p.Directory(); !cmp.Equal(got, directory.Directory{"a": "10", "b": "20"}) {
		t.Fatalf("directory = %v", got)
	}
}

func TestStepRecoversPanics(t *testing.T) {
	p := New(Config{}, panicAPI{&fakeAPI{}}, &fakeStore{}, logx.Nop())
	err := p.Step(context.Background())
	if err == nil {
		t.Fatalf("expected error from panicking poll")
	}
}

type panicAPI struct{ *fakeAPI }

func (panicAPI) GetUpdates(context.Context, telegram.UpdatesRequest) ([]tele.Update, error) {
	panic("boom")
}

// replyPanicAPI panics when replying to one address.
type replyPanicAPI struct {
	*fakeAPI
	addr telegram.ChatID
}

func (a replyPanicAPI) SendText(ctx context.Context, addr telegram.ChatID, text string) (json.RawMessage, error) {
	if addr == a.addr {
		panic("reply exploded")
	}
	return a.fakeAPI.SendText(ctx, addr, text)
}

func TestPanickingUpdateStillPersistsBatch(t *testing.T) {
	st := &fakeStore{}
	p := New(Config{}, replyPanicAPI{&fakeAPI{}, "200"}, st, logx.Nop())
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	saved := p.ProcessBatch(context.Background(), []tele.Update{
		msg(1, 100, "a", "", "hi"),
		msg(2, 200, "b", "", "/start"),
		msg(3, 300, "c", "", "hi"),
	})
	if !saved || len(st.saved) != 1 {
		t.Fatalf("saved = %v, saves = %d; want one save", saved, len(st.saved))
	}
	want := directory.Directory{"a": "100", "b": "200", "c": "300"}
	if diff := cmp.Diff(want, st.saved[0]); diff != "" {
		t.Fatalf("saved (-want +got):\n%s", diff)
	}
	if c, ok := p.Cursor(); !ok || c != 3 {
		t.Fatalf("cursor = %d,%v want 3,true", c, ok)
	}
}
