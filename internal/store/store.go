// Package store provides persistent server state backed by an embedded
// SQLite database: users, chat groups, memberships, message history, the
// per-user offline queue, and uploaded file metadata.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// PublicGroupName is the reserved group every registered user belongs to.
const PublicGroupName = "public"

// Domain errors surfaced by store operations. Callers match with errors.Is
// and translate to wire error codes at the handler boundary.
var (
	ErrUserExists     = errors.New("username already taken")
	ErrUserNotFound   = errors.New("user not found")
	ErrGroupExists    = errors.New("group name already taken")
	ErrGroupNotFound  = errors.New("group not found")
	ErrGroupBanned    = errors.New("group refuses new messages")
	ErrNotAMember     = errors.New("user is not a member of the group")
	ErrMessageTooLong = errors.New("message content exceeds limit")
	ErrFileNotFound   = errors.New("file metadata not found")
)

// MaxContentLength mirrors the wire-level chat body limit.
const MaxContentLength = 2000

// migrations holds the ordered list of DDL/DML statements that bring the
// schema up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — users
	`CREATE TABLE IF NOT EXISTS users (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		username      TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		is_online     INTEGER NOT NULL DEFAULT 0,
		is_banned     INTEGER NOT NULL DEFAULT 0,
		created_at    INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v2 — chat groups
	`CREATE TABLE IF NOT EXISTS chat_groups (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		name            TEXT NOT NULL UNIQUE,
		is_private_chat INTEGER NOT NULL DEFAULT 0,
		is_banned       INTEGER NOT NULL DEFAULT 0,
		created_at      INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v3 — group membership
	`CREATE TABLE IF NOT EXISTS group_members (
		group_id  INTEGER NOT NULL,
		user_id   INTEGER NOT NULL,
		joined_at INTEGER NOT NULL DEFAULT (unixepoch()),
		PRIMARY KEY (group_id, user_id)
	)`,
	// v4 — message history
	`CREATE TABLE IF NOT EXISTS messages (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		group_id     INTEGER NOT NULL,
		sender_id    INTEGER NOT NULL,
		content      TEXT NOT NULL,
		message_type TEXT NOT NULL DEFAULT 'text',
		timestamp    INTEGER NOT NULL
	)`,
	// v5 — offline queue
	`CREATE TABLE IF NOT EXISTS offline_messages (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id      INTEGER NOT NULL,
		payload      BLOB NOT NULL,
		created_at   INTEGER NOT NULL DEFAULT (unixepoch()),
		is_delivered INTEGER NOT NULL DEFAULT 0
	)`,
	// v6 — uploaded file metadata
	`CREATE TABLE IF NOT EXISTS files (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		file_id           TEXT NOT NULL UNIQUE,
		original_filename TEXT NOT NULL,
		server_filepath   TEXT NOT NULL UNIQUE,
		file_size         INTEGER NOT NULL,
		checksum          TEXT NOT NULL,
		uploader_id       INTEGER NOT NULL,
		group_id          INTEGER NOT NULL,
		upload_time       INTEGER NOT NULL DEFAULT (unixepoch()),
		message_id        INTEGER
	)`,
	// v7 — history paging index
	`CREATE INDEX IF NOT EXISTS idx_messages_group_ts ON messages(group_id, timestamp DESC)`,
	// v8 — offline drain index
	`CREATE INDEX IF NOT EXISTS idx_offline_user_delivered ON offline_messages(user_id, is_delivered)`,
	// v9 — the reserved public group exists from first boot
	`INSERT INTO chat_groups(name) SELECT 'public'
	 WHERE NOT EXISTS (SELECT 1 FROM chat_groups WHERE name = 'public')`,
	// v10 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store wraps a SQLite database and exposes chat-server state operations.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies any
// pending migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// Allow multiple read connections but serialise writes.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	// Busy timeout to avoid SQLITE_BUSY on concurrent access.
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		slog.Warn("busy_timeout pragma failed", "err", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	slog.Info("sqlite store opened", "path", path)
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		slog.Debug("applied migration", "version", v)
	}
	return nil
}

// withTx runs fn inside a transaction, committing on nil and rolling back
// on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Stats is an operational snapshot of the persistent state.
type Stats struct {
	Users            int64
	Groups           int64
	Messages         int64
	Files            int64
	OfflinePending   int64
	OfflineDelivered int64
}

// Stats returns row counts for the operational surface.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	for _, q := range []struct {
		sql  string
		dest *int64
	}{
		{`SELECT COUNT(*) FROM users`, &st.Users},
		{`SELECT COUNT(*) FROM chat_groups`, &st.Groups},
		{`SELECT COUNT(*) FROM messages`, &st.Messages},
		{`SELECT COUNT(*) FROM files`, &st.Files},
		{`SELECT COUNT(*) FROM offline_messages WHERE is_delivered = 0`, &st.OfflinePending},
		{`SELECT COUNT(*) FROM offline_messages WHERE is_delivered = 1`, &st.OfflineDelivered},
	} {
		if err := s.db.QueryRowContext(ctx, q.sql).Scan(q.dest); err != nil {
			return Stats{}, fmt.Errorf("stats query: %w", err)
		}
	}
	return st, nil
}

// Vacuum reclaims free pages in the database file.
func (s *Store) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `VACUUM`)
	return err
}
