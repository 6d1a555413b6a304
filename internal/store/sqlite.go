package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"agentchat/internal/session"
)

// SQLiteStore keeps snapshots in a local database file.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}
	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}
	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}
	for i := version; i < len(migrations); i++ {
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}
	return nil
}

// migrateV1 creates the snapshot table.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS session_snapshots (
			session_key TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			saved_at TEXT NOT NULL
		)
	`)
	return err
}

// migrateV2 adds message counts for listing without decoding payloads.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`
		ALTER TABLE session_snapshots ADD COLUMN message_count INTEGER NOT NULL DEFAULT 0;
		ALTER TABLE session_snapshots ADD COLUMN last_activity TEXT NOT NULL DEFAULT '';
	`)
	return err
}

func (s *SQLiteStore) Save(ctx context.Context, snap session.Snapshot) error {
	if strings.TrimSpace(string(snap.Key)) == "" {
		return errEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap = settled(snap)
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now()
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	e := entryFor(snap)
	lastActivity := ""
	if !e.LastActivity.IsZero() {
		lastActivity = e.LastActivity.UTC().Format(time.RFC3339Nano)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO session_snapshots
			(session_key, conversation_id, agent_id, payload, saved_at, message_count, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(snap.Key), snap.ConversationID, snap.AgentID, string(payload),
		snap.SavedAt.UTC().Format(time.RFC3339Nano), e.Messages, lastActivity,
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, key session.Key) (session.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payload string
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM session_snapshots WHERE session_key = ?", string(key)).Scan(&payload)
	if err == sql.ErrNoRows {
		return session.Snapshot{}, false, nil
	}
	if err != nil {
		return session.Snapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	var snap session.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return session.Snapshot{}, false, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return snap, true, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key session.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM session_snapshots WHERE session_key = ?", string(key)); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT session_key, message_count, saved_at, last_activity FROM session_snapshots ORDER BY session_key ASC")
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e            Entry
			key          string
			savedAt      string
			lastActivity string
		)
		if err := rows.Scan(&key, &e.Messages, &savedAt, &lastActivity); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		e.Key = session.Key(key)
		e.SavedAt, _ = time.Parse(time.RFC3339Nano, savedAt)
		if lastActivity != "" {
			e.LastActivity, _ = time.Parse(time.RFC3339Nano, lastActivity)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return entries, nil
}
