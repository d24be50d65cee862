package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "github.com/fattiesbombom/breathr/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	watchRetryFirst = 250 * time.Millisecond
	watchRetryMax   = 5 * time.Second
)

// Watch follows the config file until ctx is done, reloading after each
// burst of changes. The directory is watched rather than the file so
// editors that replace the file by rename are seen. A watcher that fails
// or closes is recreated with backoff.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		<-ctx.Done()
		return nil
	}
	fw := &fileWatcher{m: m, dir: filepath.Dir(m.path), name: filepath.Base(m.path)}
	defer fw.stopTimer()

	retry := watchRetryFirst
	for ctx.Err() == nil {
		healthy, err := fw.session(ctx)
		if ctx.Err() != nil {
			break
		}
		if healthy {
			retry = watchRetryFirst
		}
		wait := retry + rand.N(retry/2+1)
		retry = min(retry*2, watchRetryMax)
		m.log.Warn("config watcher restarting", logx.String("dir", fw.dir), logx.Duration("backoff", wait), logx.Err(err))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
	return nil
}

type fileWatcher struct {
	m         *Manager
	dir, name string

	mu    sync.Mutex
	timer *time.Timer
}

var errWatcherClosed = errors.New("watcher channels closed")

// session runs one fsnotify watcher. healthy reports whether it got as
// far as watching the directory.
func (fw *fileWatcher) session(ctx context.Context) (healthy bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, err
	}
	defer w.Close()
	if err := w.Add(fw.dir); err != nil {
		return false, err
	}
	fw.m.log.Debug("config watcher started", logx.String("dir", fw.dir), logx.String("file", fw.name))

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, errWatcherClosed
			}
			if filepath.Base(ev.Name) == fw.name && !ev.Has(fsnotify.Chmod) {
				fw.schedule()
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return true, errWatcherClosed
			}
			if errors.Is(werr, fsnotify.ErrEventOverflow) {
				// events were lost; the file may have changed
				fw.schedule()
				continue
			}
			fw.m.log.Warn("config watch error", logx.String("dir", fw.dir), logx.Err(werr))
		}
	}
}

func (fw *fileWatcher) schedule() {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.timer = time.AfterFunc(reloadDebounce, fw.m.reload)
}

func (fw *fileWatcher) stopTimer() {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.timer != nil {
		fw.timer.Stop()
	}
}
