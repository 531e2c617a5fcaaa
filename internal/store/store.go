// Package store owns the durable state of the delivery engine: the trigger
// queue, the append-only delivery history, notification preferences, push
// subscriptions, schedules, insights, and the updates chat store. All access
// goes through a single SQLite file in WAL mode with one writer connection.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lunahq/pulse/internal/audit"
)

const (
	// Schema ledger constants used to gate startup safety.
	schemaVersionV1  = 1
	schemaChecksumV1 = "pl-v1-2026-07-30-trigger-core"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1

	defaultMaxAttempts = 3
	defaultPriority    = 5
	maxPriority        = 10
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// ErrInvalidTransition is returned when a status change is not in the
// allowed transition table.
var ErrInvalidTransition = errors.New("invalid trigger status transition")

type TriggerStatus string

const (
	TriggerStatusPending    TriggerStatus = "PENDING"
	TriggerStatusProcessing TriggerStatus = "PROCESSING"
	TriggerStatusDelivered  TriggerStatus = "DELIVERED"
	TriggerStatusFailed     TriggerStatus = "FAILED"
)

type TriggerSource string

const (
	SourceSchedule TriggerSource = "schedule"
	SourceWebhook  TriggerSource = "webhook"
	SourceEvent    TriggerSource = "event"
	SourcePattern  TriggerSource = "pattern"
	SourceInsight  TriggerSource = "insight"
)

type DeliveryMethod string

const (
	DeliveryChat     DeliveryMethod = "chat"
	DeliveryPush     DeliveryMethod = "push"
	DeliverySSE      DeliveryMethod = "sse"
	DeliveryTelegram DeliveryMethod = "telegram"
)

var allowedTransitions = map[TriggerStatus]map[TriggerStatus]struct{}{
	TriggerStatusPending: {
		TriggerStatusProcessing: {},
	},
	TriggerStatusProcessing: {
		TriggerStatusPending:   {}, // Retry requeue.
		TriggerStatusDelivered: {},
		TriggerStatusFailed:    {},
	},
}

func canTransition(from, to TriggerStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// ValidSource reports whether s is a known trigger source.
func ValidSource(s TriggerSource) bool {
	switch s {
	case SourceSchedule, SourceWebhook, SourceEvent, SourcePattern, SourceInsight:
		return true
	}
	return false
}

// ValidDeliveryMethod reports whether m is a known delivery method.
func ValidDeliveryMethod(m DeliveryMethod) bool {
	switch m {
	case DeliveryChat, DeliveryPush, DeliverySSE, DeliveryTelegram:
		return true
	}
	return false
}

type Store struct {
	db *sql.DB

	// enqueued counts trigger inserts since process start; the metrics layer
	// exposes it as a monotonic observable counter.
	enqueued atomic.Int64
}

func DefaultDBPath() string {
	if home := os.Getenv("PULSE_HOME"); home != "" {
		return filepath.Join(home, "pulse.db")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".pulse", "pulse.db")
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// EnqueuedCount reports how many triggers this process has inserted.
func (s *Store) EnqueuedCount() int64 {
	return s.enqueued.Load()
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter. maxRetries=5 gives ~3s total wait on top of
// the driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		// Exponential backoff: 50ms, 100ms, 200ms, 400ms, 500ms (capped).
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Add jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	// mattn/go-sqlite3 wraps errors as sqlite3.Error with Code field.
	// Check the error string for the code to avoid a direct dependency
	// on the sqlite3 package in non-CGO-importing code paths.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	// Already at the latest schema: verify the checksum and stop.
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	// Phase 1: Create tables (without indexes).
	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS triggers (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			schedule_id TEXT,
			trigger_type TEXT NOT NULL,
			source TEXT NOT NULL CHECK(source IN ('schedule', 'webhook', 'event', 'pattern', 'insight')),
			status TEXT NOT NULL CHECK(status IN ('PENDING', 'PROCESSING', 'DELIVERED', 'FAILED')),
			priority INTEGER NOT NULL DEFAULT 5,
			message TEXT NOT NULL,
			payload JSON NOT NULL DEFAULT '{}',
			delivery_method TEXT NOT NULL DEFAULT 'chat' CHECK(delivery_method IN ('chat', 'push', 'sse', 'telegram')),
			target_session_id TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			error_message TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			processed_at DATETIME,
			delivered_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS trigger_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trigger_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			trigger_type TEXT NOT NULL,
			source TEXT NOT NULL,
			message TEXT NOT NULL,
			delivered_via TEXT NOT NULL,
			session_id TEXT,
			delivered_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS notification_prefs (
			user_id TEXT PRIMARY KEY,
			chat_enabled INTEGER NOT NULL DEFAULT 1,
			push_enabled INTEGER NOT NULL DEFAULT 1,
			email_digest_enabled INTEGER NOT NULL DEFAULT 0,
			telegram_enabled INTEGER NOT NULL DEFAULT 1,
			persist_telegram_to_chat INTEGER NOT NULL DEFAULT 1,
			quiet_enabled INTEGER NOT NULL DEFAULT 0,
			quiet_start TEXT NOT NULL DEFAULT '22:00',
			quiet_end TEXT NOT NULL DEFAULT '08:00',
			timezone TEXT NOT NULL DEFAULT 'UTC',
			reminders_enabled INTEGER NOT NULL DEFAULT 1,
			checkins_enabled INTEGER NOT NULL DEFAULT 1,
			insights_enabled INTEGER NOT NULL DEFAULT 1,
			achievements_enabled INTEGER NOT NULL DEFAULT 1,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS push_subscriptions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			p256dh TEXT NOT NULL,
			auth TEXT NOT NULL,
			device_name TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(user_id, endpoint)
		);`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			schedule_type TEXT NOT NULL CHECK(schedule_type IN ('time', 'pattern')),
			trigger_type TEXT NOT NULL,
			message TEXT NOT NULL,
			delivery_method TEXT NOT NULL DEFAULT 'chat',
			priority INTEGER NOT NULL DEFAULT 5,
			cron_expr TEXT,
			interval_minutes INTEGER,
			enabled INTEGER NOT NULL DEFAULT 1,
			next_run_at DATETIME,
			last_triggered_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS insights (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL,
			payload JSON NOT NULL DEFAULT '{}',
			priority TEXT NOT NULL DEFAULT 'normal' CHECK(priority IN ('low', 'normal', 'high')),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			shared_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'chat',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			user_id TEXT NOT NULL,
			role TEXT NOT NULL CHECK(role IN ('system', 'user', 'assistant')),
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			archived_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS mood_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			score REAL NOT NULL CHECK(score >= -1.0 AND score <= 1.0),
			note TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS task_completions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			task_ref TEXT NOT NULL DEFAULT '',
			completed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS telegram_links (
			user_id TEXT PRIMARY KEY,
			chat_id INTEGER NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			linked_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS link_codes (
			code TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			expires_at DATETIME NOT NULL,
			used_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			subject TEXT,
			action TEXT NOT NULL,
			event TEXT NOT NULL,
			reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}

	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// Phase 2: Indexes.
	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_triggers_claim ON triggers(status, priority, created_at, id);`,
		`CREATE INDEX IF NOT EXISTS idx_triggers_user ON triggers(user_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_history_user ON trigger_history(user_id, delivered_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_push_user_active ON push_subscriptions(user_id, active);`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(enabled, schedule_type, next_run_at);`,
		`CREATE INDEX IF NOT EXISTS idx_insights_unshared ON insights(priority, shared_at);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_mood_user_time ON mood_entries(user_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_completions_user_time ON task_completions(user_id, completed_at);`,
		// One updates session per user; plain chat sessions are unconstrained.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_user_updates ON sessions(user_id) WHERE kind = 'updates';`,
	}

	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}

	audit.Record("allow", "data.migration", "migration_applied",
		fmt.Sprintf("schema migrated from v%d to v%d (checksum %s)", maxVersion, schemaVersionLatest, schemaChecksumLatest))
	return nil
}
