package directory

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/fattiesbombom/breathr/internal/telegram"
	logx "github.com/fattiesbombom/breathr/pkg/logx"
)

//go:embed schema_sqlite.sql schema_postgres.sql
var schemaFS embed.FS

const sqlOperationTimeout = 5 * time.Second

type dialect struct {
	name   string
	schema string
	load   string
	upsert string
	stamp  func(time.Time) any
}

var sqliteDialect = dialect{
	name:   "sqlite",
	schema: "schema_sqlite.sql",
	load:   `SELECT username, chat_id FROM directory_users`,
	upsert: `INSERT INTO directory_users(username, chat_id, updated_at) VALUES(?,?,?)
		 ON CONFLICT(username) DO UPDATE SET chat_id=excluded.chat_id, updated_at=excluded.updated_at`,
	stamp: func(t time.Time) any { return t.UTC().Format(time.RFC3339Nano) },
}

var postgresDialect = dialect{
	name:   "postgres",
	schema: "schema_postgres.sql",
	load:   `SELECT username, chat_id FROM directory_users`,
	upsert: `INSERT INTO directory_users(username, chat_id, updated_at) VALUES($1,$2,$3)
		 ON CONFLICT (username) DO UPDATE SET chat_id = EXCLUDED.chat_id, updated_at = EXCLUDED.updated_at`,
	stamp: func(t time.Time) any { return t.UTC() },
}

// sqlStore keeps one row per user. Save upserts every entry in a single
// transaction; entries are never deleted, so this equals a full overwrite.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
	now func() time.Time
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	return &sqlStore{db: db, d: d, log: log, now: time.Now}
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("directory.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	return newSQLStore(db, sqliteDialect, log), nil
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("directory.dsn is required for postgres driver")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return newSQLStore(db, postgresDialect, log), nil
}

func (s *sqlStore) Init(ctx context.Context) error {
	b, err := schemaFS.ReadFile(s.d.schema)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("%s: create schema: %w", s.d.name, err)
	}
	return nil
}

func (s *sqlStore) Load(ctx context.Context) (Directory, error) {
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.d.load)
	if err != nil {
		return nil, fmt.Errorf("%s: load directory: %w", s.d.name, err)
	}
	defer rows.Close()

	out := Directory{}
	for rows.Next() {
		var user, chat string
		if err := rows.Scan(&user, &chat); err != nil {
			return nil, fmt.Errorf("%s: scan directory row: %w", s.d.name, err)
		}
		out[user] = telegram.ChatID(chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: load directory: %w", s.d.name, err)
	}
	return out, nil
}

func (s *sqlStore) Save(ctx context.Context, d Directory) error {
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", s.d.name, err)
	}
	stmt, err := tx.PrepareContext(ctx, s.d.upsert)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%s: prepare upsert: %w", s.d.name, err)
	}
	defer stmt.Close()

	at := s.d.stamp(s.now())
	for _, user := range d.Usernames() {
		if _, err := stmt.ExecContext(ctx, user, string(d[user]), at); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%s: upsert %q: %w", s.d.name, user, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", s.d.name, err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
