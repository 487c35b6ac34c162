package session

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the production identity store, backed by a single
// SQLite database with one table namespaced by map name. All public
// methods are safe for concurrent use (SQLite serializes writes).
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the identity store at dbPath. A
// corrupt database is moved aside and replaced with an empty one — the
// conversation state is advisory and must never take the daemon down.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := open(dbPath)
	if err != nil {
		// Open failures on an existing file usually mean corruption.
		// Preserve the bad file for forensics and start empty.
		if _, statErr := os.Stat(dbPath); statErr == nil {
			backup := dbPath + ".corrupt." + time.Now().UTC().Format("20060102T150405Z")
			logger.Error("identity store unreadable, starting empty",
				"path", dbPath, "backup", backup, "error", err)
			if renameErr := os.Rename(dbPath, backup); renameErr != nil {
				return nil, fmt.Errorf("move corrupt identity store: %w", renameErr)
			}
			db, err = open(dbPath)
		}
		if err != nil {
			return nil, err
		}
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

func open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS identity_state (
		map        TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (map, key)
	);
	CREATE INDEX IF NOT EXISTS idx_identity_value ON identity_state (map, value);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) get(mapName, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM identity_state WHERE map = ? AND key = ?`,
		mapName, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", mapName, key, err)
	}
	return value, nil
}

func (s *SQLiteStore) set(mapName, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO identity_state (map, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (map, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		mapName, key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", mapName, key, err)
	}
	return nil
}

// SessionFor returns the session id for a contact, minting one on first
// use. The insert-or-ignore followed by a read makes concurrent callers
// converge on whichever id won the insert.
func (s *SQLiteStore) SessionFor(contact string) (string, error) {
	candidate := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO identity_state (map, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (map, key) DO NOTHING`,
		MapSessions, contact, candidate, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("create session for %s: %w", contact, err)
	}
	return s.get(MapSessions, contact)
}

// LookupSession returns the existing session id for a contact, or "".
func (s *SQLiteStore) LookupSession(contact string) (string, error) {
	return s.get(MapSessions, contact)
}

// ContactFor reverse-maps a session id to its contact, or "".
func (s *SQLiteStore) ContactFor(sessionID string) (string, error) {
	var contact string
	err := s.db.QueryRow(
		`SELECT key FROM identity_state WHERE map = ? AND value = ?`,
		MapSessions, sessionID,
	).Scan(&contact)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reverse lookup session %s: %w", sessionID, err)
	}
	return contact, nil
}

// ContinuationToken returns the last finalized token for a session, or "".
func (s *SQLiteStore) ContinuationToken(sessionID string) (string, error) {
	return s.get(MapResponses, sessionID)
}

// SetContinuationToken overwrites the token for a session.
func (s *SQLiteStore) SetContinuationToken(sessionID, token string) error {
	return s.set(MapResponses, sessionID, token)
}

// Language returns the stored language tag for a contact, or "".
func (s *SQLiteStore) Language(contact string) (string, error) {
	return s.get(MapLanguage, contact)
}

// SetLanguage stores the language tag for a contact.
func (s *SQLiteStore) SetLanguage(contact, tag string) error {
	return s.set(MapLanguage, contact, tag)
}

// HumanActivity returns the last human outbound timestamp for a contact.
// An unparseable stored value is treated as absent and logged, never
// surfaced as an error to the gate.
func (s *SQLiteStore) HumanActivity(contact string) (time.Time, error) {
	raw, err := s.get(MapHandoff, contact)
	if err != nil || raw == "" {
		return time.Time{}, err
	}
	unix, parseErr := strconv.ParseInt(raw, 10, 64)
	if parseErr != nil {
		s.logger.Warn("discarding unparseable handoff timestamp",
			"contact", contact, "value", raw)
		return time.Time{}, nil
	}
	return time.Unix(unix, 0), nil
}

// MarkHumanActivity records when a human operator last messaged the contact.
func (s *SQLiteStore) MarkHumanActivity(contact string, at time.Time) error {
	return s.set(MapHandoff, contact, strconv.FormatInt(at.Unix(), 10))
}

// Counts returns per-map entry counts.
func (s *SQLiteStore) Counts() (Counts, error) {
	var c Counts
	rows, err := s.db.Query(
		`SELECT map, COUNT(*) FROM identity_state GROUP BY map`)
	if err != nil {
		return c, fmt.Errorf("count maps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return c, fmt.Errorf("scan counts: %w", err)
		}
		switch name {
		case MapSessions:
			c.Sessions = n
		case MapResponses:
			c.Responses = n
		case MapLanguage:
			c.Language = n
		case MapHandoff:
			c.Handoff = n
		}
	}
	return c, rows.Err()
}

// Snapshot copies all four maps.
func (s *SQLiteStore) Snapshot() (Snapshot, error) {
	snap := make(Snapshot, len(Maps))
	for _, name := range Maps {
		snap[name] = make(map[string]string)
	}

	rows, err := s.db.Query(`SELECT map, key, value FROM identity_state`)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, k, v string
		if err := rows.Scan(&name, &k, &v); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		m, ok := snap[name]
		if !ok {
			continue
		}
		m[k] = v
	}
	return snap, rows.Err()
}

// Reset clears all four maps.
func (s *SQLiteStore) Reset() error {
	if _, err := s.db.Exec(`DELETE FROM identity_state`); err != nil {
		return fmt.Errorf("reset identity store: %w", err)
	}
	return nil
}
