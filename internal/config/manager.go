package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"sync"

	logx "github.com/fattiesbombom/breathr/pkg/logx"
)

// Manager layers defaults, the optional config file and the environment
// (in that order) and republishes the result when the file changes.
type Manager struct {
	path   string
	lookup lookupFunc
	log    logx.Logger

	mu  sync.RWMutex
	cfg *Config

	subMu sync.Mutex
	subs  map[chan *Config]struct{}
}

func NewManager(path string) *Manager {
	return &Manager{
		path:   strings.TrimSpace(path),
		lookup: os.LookupEnv,
		subs:   make(map[chan *Config]struct{}),
	}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// Path is the config file, or "" when running from env alone.
func (m *Manager) Path() string { return m.path }

// Parse resolves and validates a Config without committing it.
func (m *Manager) Parse() (*Config, error) {
	cfg := Default()
	if m.path != "" {
		if err := decodeFile(m.path, cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg, m.lookup); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeFile overlays the file onto into. Unknown keys and trailing
// documents are errors.
func decodeFile(path string, into *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	doc, format, err := toJSON(path, raw)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return fmt.Errorf("%s (%s): %w", path, format, err)
	}
	switch err := dec.Decode(&struct{}{}); err {
	case io.EOF:
		return nil
	case nil:
		return fmt.Errorf("%s: more than one document", path)
	default:
		return fmt.Errorf("%s: %w", path, err)
	}
}

// Load parses and commits the configuration.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.commit(cfg)
	return cfg, nil
}

func (m *Manager) commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Get returns the last committed Config, or nil before Load.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel that receives each newly committed Config.
// A slow subscriber only ever sees the latest one.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(1, buffer))
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- cfg:
		default:
			// Full: replace the oldest entry. publish is the only sender and
			// holds subMu, so the second send has room.
			select {
			case <-ch:
			default:
			}
			ch <- cfg
		}
	}
}

// reload re-reads the file. Invalid or unchanged configs are not published.
func (m *Manager) reload() {
	next, err := m.Parse()
	if err != nil {
		m.log.Warn("config reload rejected", logx.String("path", m.path), logx.Err(err))
		return
	}
	if reflect.DeepEqual(m.Get(), next) {
		m.log.Debug("config file touched without changes", logx.String("path", m.path))
		return
	}
	m.commit(next)
	m.publish(next)
	m.log.Info("config reloaded", logx.String("path", m.path))
}
