package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentchat/internal/session"
)

const (
	DriverNone   = "none"
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
)

// Store persists session snapshots.
type Store interface {
	session.SnapshotStore
	List(ctx context.Context) ([]Entry, error)
	Close() error
}

// Entry describes one stored snapshot without its message log.
type Entry struct {
	Key          session.Key `json:"key"`
	Messages     int         `json:"messages"`
	SavedAt      time.Time   `json:"saved_at"`
	LastActivity time.Time   `json:"last_activity,omitempty"`
}

type Config struct {
	Driver     string
	RedisURL   string
	SQLitePath string
	// TTL bounds how long Redis keeps a snapshot. Zero keeps it forever.
	TTL time.Duration
}

// Open returns the store selected by cfg.Driver. An empty driver is "none".
func Open(cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverNone:
		return Noop{}, nil
	case DriverRedis:
		return NewRedisStore(cfg.RedisURL, cfg.TTL)
	case DriverSQLite:
		return OpenSQLite(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Noop discards everything.
type Noop struct{}

func (Noop) Save(context.Context, session.Snapshot) error { return nil }
func (Noop) Load(context.Context, session.Key) (session.Snapshot, bool, error) {
	return session.Snapshot{}, false, nil
}
func (Noop) Delete(context.Context, session.Key) error { return nil }
func (Noop) List(context.Context) ([]Entry, error)     { return []Entry{}, nil }
func (Noop) Close() error                              { return nil }

var errEmptyKey = errors.New("session key is required")

// settled strips state that only makes sense on a live connection.
func settled(snap session.Snapshot) session.Snapshot {
	snap.Connection = session.ConnectionState{}
	snap.StreamingMessageID = ""
	snap.StreamingContent = ""
	snap.ActiveInputRequest = nil
	return snap
}

func entryFor(snap session.Snapshot) Entry {
	e := Entry{Key: snap.Key, Messages: len(snap.Messages), SavedAt: snap.SavedAt}
	if n := len(snap.Messages); n > 0 {
		e.LastActivity = snap.Messages[n-1].Timestamp
	}
	return e
}
