// Package store persists per-identity session state (device id, credential,
// event cursor) and the stale-device exclusion list in SQLite.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// ErrNoState is returned by field updates when no record exists for the user.
var ErrNoState = errors.New("store: no session state for user")

// Store wraps a SQLite database. All writes to the session record are
// field-level so that independent writers (the event consumer advancing the
// cursor, the renewal timer replacing the token) never overwrite each other.
type Store struct {
	db         *sqlx.DB
	sealSecret []byte
	seal       *sealer // nil when secrets are stored in the clear
}

const schema = `
CREATE TABLE IF NOT EXISTS session_state (
	user_id TEXT PRIMARY KEY,
	domain TEXT NOT NULL DEFAULT '',
	device_id TEXT NOT NULL DEFAULT '',
	access_token BLOB,
	expires_in INTEGER NOT NULL DEFAULT 0,
	cookie BLOB,
	cursor TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS excluded_device (
	domain TEXT NOT NULL,
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	failures INTEGER NOT NULL DEFAULT 0,
	retry_after INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (domain, user_id, device_id)
);
`

// Option configures a Store.
type Option func(*Store)

// WithSealSecret enables at-rest encryption of the access token and cookie.
// The encryption key is derived from secret; the same secret must be supplied
// on every Open of the database.
func WithSealSecret(secret []byte) Option {
	return func(s *Store) { s.sealSecret = secret }
}

// DefaultDataDir returns the default data directory for wire-go databases.
// Uses $XDG_DATA_HOME/wire-go, falling back to ~/.local/share/wire-go.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "wire-go")
}

// Open opens or creates a SQLite store at the given path.
// If dbPath is empty, it defaults to $XDG_DATA_HOME/wire-go/session.db.
func Open(dbPath string, opts ...Option) (*Store, error) {
	s := &Store{}
	for _, o := range opts {
		o(s)
	}
	if len(s.sealSecret) > 0 {
		sl, err := newSealer(s.sealSecret)
		if err != nil {
			return nil, err
		}
		s.seal = sl
	}

	if dbPath == "" {
		dbPath = filepath.Join(DefaultDataDir(), "session.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	// One connection serializes the read-check-write in SetCursor and keeps
	// SQLite from returning SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	s.db = db
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
