package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mtzanidakis/bullpen/internal/config"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Enable WAL mode for concurrent read/write access and set a busy
	// timeout so writers retry instead of immediately returning SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id                TEXT PRIMARY KEY,
			name              TEXT NOT NULL,
			role              TEXT NOT NULL,
			status            TEXT DEFAULT 'active',
			model             TEXT,
			workspace         TEXT,
			prompt            TEXT,
			tools             TEXT,
			salary_balance    INTEGER DEFAULT 0,
			performance_score REAL DEFAULT 0.5,
			token_budget      INTEGER DEFAULT 0,
			low_streak        INTEGER DEFAULT 0,
			learnings         TEXT DEFAULT '',
			created_at        DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at        DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS channels (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			description TEXT,
			kind        TEXT DEFAULT 'project',
			dm_agent_id TEXT,
			coordinator TEXT,
			archived    BOOLEAN DEFAULT FALSE,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS members (
			channel_id TEXT NOT NULL REFERENCES channels(id),
			agent_id   TEXT NOT NULL REFERENCES agents(id),
			paused     BOOLEAN DEFAULT FALSE,
			joined_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (channel_id, agent_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id  TEXT NOT NULL REFERENCES channels(id),
			sender_id   TEXT NOT NULL,
			sender_kind TEXT NOT NULL,
			kind        TEXT DEFAULT 'chat',
			content     TEXT NOT NULL,
			mentions    TEXT,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS updates (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id   TEXT NOT NULL REFERENCES agents(id),
			channel_id TEXT,
			summary    TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_updates_agent ON updates(agent_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS work_items (
			id            TEXT PRIMARY KEY,
			channel_id    TEXT REFERENCES channels(id),
			title         TEXT NOT NULL,
			description   TEXT,
			assigned_to   TEXT,
			created_by    TEXT,
			status        TEXT DEFAULT 'open',
			priority      INTEGER DEFAULT 0,
			quality_score REAL,
			completed_at  DATETIME,
			created_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at    DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_work_items_status ON work_items(status, created_at)`,
		`CREATE TABLE IF NOT EXISTS pipeline_runs (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			channel_id   TEXT NOT NULL REFERENCES channels(id),
			status       TEXT DEFAULT 'running',
			current_step INTEGER DEFAULT 0,
			context      TEXT,
			steps        TEXT,
			error        TEXT,
			started_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_posts (
			id          TEXT PRIMARY KEY,
			channel_id  TEXT NOT NULL REFERENCES channels(id),
			name        TEXT NOT NULL,
			schedule    TEXT NOT NULL,
			prompt      TEXT NOT NULL,
			kind        TEXT DEFAULT 'chat',
			status      TEXT DEFAULT 'active',
			next_run_at DATETIME,
			last_run_at DATETIME,
			last_status TEXT,
			last_error  TEXT,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_posts_next_run ON scheduled_posts(status, next_run_at)`,
		`CREATE TABLE IF NOT EXISTS rewards (
			id         TEXT PRIMARY KEY,
			agent_id   TEXT NOT NULL REFERENCES agents(id),
			kind       TEXT NOT NULL,
			amount     INTEGER NOT NULL,
			reason     TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rewards_agent ON rewards(agent_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS economy_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id   TEXT NOT NULL REFERENCES agents(id),
			kind       TEXT NOT NULL,
			tokens     INTEGER DEFAULT 0,
			score      REAL,
			detail     TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_economy_events_agent ON economy_events(agent_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			name        TEXT PRIMARY KEY,
			description TEXT,
			value       BLOB NOT NULL,
			nonce       BLOB NOT NULL,
			global      BOOLEAN DEFAULT FALSE,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS agent_secrets (
			agent_id    TEXT NOT NULL REFERENCES agents(id),
			secret_name TEXT NOT NULL REFERENCES secrets(name),
			PRIMARY KEY (agent_id, secret_name)
		)`,
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value BLOB
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// Schema additions (idempotent ALTER TABLE)
	alterations := []string{
		`ALTER TABLE channels ADD COLUMN coordinator TEXT`,
	}
	for _, a := range alterations {
		_, _ = s.db.Exec(a) // ignore "duplicate column" errors
	}

	return nil
}
