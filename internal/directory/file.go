package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fattiesbombom/breathr/internal/telegram"
	logx "github.com/fattiesbombom/breathr/pkg/logx"
)

// fileStore keeps the directory as a single JSON object on disk.
//
// Writes go to a temp file in the same directory and are renamed over the
// target, so concurrent readers in other processes never see a torn file.
type fileStore struct {
	path string
	log  logx.Logger
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &fileStore{path: path, log: log}, nil
}

// Load never fails: a missing, empty or unreadable document is an empty directory.
func (s *fileStore) Load(ctx context.Context) (Directory, error) {
	_ = ctx
	d, err := s.read()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("directory document unreadable; treating as empty", logx.String("path", s.path), logx.Err(err))
		}
		return Directory{}, nil
	}
	return d, nil
}

func (s *fileStore) read() (Directory, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return Directory{}, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	d := make(Directory, len(raw))
	for name, v := range raw {
		var id telegram.ChatID
		if err := json.Unmarshal(v, &id); err == nil {
			d[name] = id
			continue
		}
		// Scalars that are not integer ids are kept verbatim as opaque addresses.
		if lit := bytes.TrimSpace(v); len(lit) > 0 && lit[0] != '{' && lit[0] != '[' {
			s.log.Warn("directory entry is not an integer chat id; keeping as text",
				logx.String("path", s.path), logx.String("name", name), logx.String("value", string(lit)))
			d[name] = telegram.ChatID(lit)
			continue
		}
		s.log.Warn("directory entry skipped", logx.String("path", s.path), logx.String("name", name))
	}
	return d, nil
}

func (s *fileStore) Save(ctx context.Context, d Directory) error {
	_ = ctx
	if d == nil {
		d = Directory{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(d); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return err
	}
	return nil
}

// Init creates an absent document and rewrites one that is not a JSON
// object as "{}". Documents with individual bad entries are left alone.
func (s *fileStore) Init(ctx context.Context) error {
	_, err := s.read()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		s.log.Info("creating empty directory document", logx.String("path", s.path))
	default:
		s.log.Warn("directory document malformed; recreating", logx.String("path", s.path), logx.Err(err))
	}
	return s.Save(ctx, Directory{})
}

func (s *fileStore) Close() error { return nil }
