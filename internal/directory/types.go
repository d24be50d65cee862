package directory

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/fattiesbombom/breathr/internal/telegram"
)

// Directory maps usernames to the most recently observed delivery address.
type Directory map[string]telegram.ChatID

// Upsert records addr for username and reports whether anything changed.
func (d Directory) Upsert(username string, addr telegram.ChatID) bool {
	if cur, ok := d[username]; ok && cur == addr {
		return false
	}
	d[username] = addr
	return true
}

// Usernames returns the keys in ascending order.
func (d Directory) Usernames() []string {
	out := make([]string, 0, len(d))
	for k := range d {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// First returns the lexicographically first entry.
func (d Directory) First() (string, telegram.ChatID, bool) {
	names := d.Usernames()
	if len(names) == 0 {
		return "", "", false
	}
	return names[0], d[names[0]], true
}

func (d Directory) Clone() Directory {
	out := make(Directory, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Store persists a Directory.
//
// Implementations must make Save atomic with respect to concurrent Load
// calls from other processes: a reader sees the previous mapping or the new
// one, never a mix.
type Store interface {
	// Load returns the persisted mapping.
	Load(ctx context.Context) (Directory, error)
	// Save replaces the persisted mapping.
	Save(ctx context.Context, d Directory) error
	// Init makes sure a valid (possibly empty) document exists.
	Init(ctx context.Context) error
	Close() error
}

var ErrUnknownDriver = errors.New("unknown directory driver")

// Config selects and configures a backend.
//
// Driver values:
//   - "file" (default): JSON document at Path
//   - "sqlite": SQLite database at Path
//   - "postgres": PostgreSQL at DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only
}

const DefaultPath = "./users.json"
