// Package catalog is a client-side, SQLite-backed history of past uploads
// and downloads, supplementing spec.md with local state the CLI can report
// against (it plays no part in dedup semantics, which live entirely on the
// server). Grounded on the teacher's daemon/manager/persistence.go
// PersistentStore: a mutex-guarded *sql.DB over modernc.org/sqlite, a
// schema-version-tracked initSchema, and parameterized Save/List queries.
package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/quantarax/dispersa/internal/errs"
	"github.com/quantarax/dispersa/internal/model"
)

// ErrNotFound is returned when a session id has no catalog entry.
var ErrNotFound = errors.New("catalog: session not found")

// Catalog is a SQLite-backed store of CatalogEntry records.
type Catalog struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates (or reopens) a catalog database at path, initializing its
// schema if necessary.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open catalog %s: %v", errs.ErrIO, path, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	c := &Catalog{db: db}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) initSchema() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS catalog_entries (
			session_id   TEXT PRIMARY KEY,
			file_path    TEXT NOT NULL,
			user_id      INTEGER NOT NULL,
			direction    TEXT NOT NULL,
			n            INTEGER NOT NULL,
			m            INTEGER NOT NULL,
			profile      TEXT NOT NULL,
			total_bytes  INTEGER NOT NULL,
			unique_bytes INTEGER NOT NULL,
			started_at   TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			succeeded    INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_catalog_user ON catalog_entries(user_id);
		CREATE INDEX IF NOT EXISTS idx_catalog_path ON catalog_entries(file_path);
	`
	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("%w: init catalog schema: %v", errs.ErrIO, err)
	}

	var version int
	err := c.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		if _, err := c.db.Exec("INSERT INTO schema_version (version) VALUES (1)"); err != nil {
			return fmt.Errorf("%w: set catalog schema version: %v", errs.ErrIO, err)
		}
	} else if err != nil {
		return fmt.Errorf("%w: query catalog schema version: %v", errs.ErrIO, err)
	}
	return nil
}

// NewSessionID mints a fresh session id for a new upload or download.
func NewSessionID() string {
	return uuid.NewString()
}

// Save inserts or replaces a CatalogEntry keyed by SessionID.
func (c *Catalog) Save(e model.CatalogEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	succeeded := 0
	if e.Succeeded {
		succeeded = 1
	}
	_, err := c.db.Exec(`
		INSERT OR REPLACE INTO catalog_entries
		(session_id, file_path, user_id, direction, n, m, profile, total_bytes, unique_bytes, started_at, completed_at, succeeded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.SessionID, e.FilePath, e.UserID, e.Direction, e.N, e.M, e.Profile, e.TotalBytes, e.UniqueBytes, e.StartedAt, e.CompletedAt, succeeded)
	if err != nil {
		return fmt.Errorf("%w: save catalog entry %s: %v", errs.ErrIO, e.SessionID, err)
	}
	return nil
}

// Get retrieves a single entry by session id.
func (c *Catalog) Get(sessionID string) (model.CatalogEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var e model.CatalogEntry
	var succeeded int
	var completedAt sql.NullTime
	e.SessionID = sessionID
	err := c.db.QueryRow(`
		SELECT file_path, user_id, direction, n, m, profile, total_bytes, unique_bytes, started_at, completed_at, succeeded
		FROM catalog_entries WHERE session_id = ?
	`, sessionID).Scan(&e.FilePath, &e.UserID, &e.Direction, &e.N, &e.M, &e.Profile, &e.TotalBytes, &e.UniqueBytes, &e.StartedAt, &completedAt, &succeeded)
	if err == sql.ErrNoRows {
		return model.CatalogEntry{}, ErrNotFound
	}
	if err != nil {
		return model.CatalogEntry{}, fmt.Errorf("%w: load catalog entry %s: %v", errs.ErrIO, sessionID, err)
	}
	e.Succeeded = succeeded != 0
	if completedAt.Valid {
		e.CompletedAt = completedAt.Time
	}
	return e, nil
}

// ListByUser returns the most recent entries for userID, newest first.
func (c *Catalog) ListByUser(userID int64, limit int) ([]model.CatalogEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows, err := c.db.Query(`
		SELECT session_id, file_path, direction, n, m, profile, total_bytes, unique_bytes, started_at, completed_at, succeeded
		FROM catalog_entries WHERE user_id = ? ORDER BY started_at DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list catalog entries for user %d: %v", errs.ErrIO, userID, err)
	}
	defer rows.Close()

	var out []model.CatalogEntry
	for rows.Next() {
		var e model.CatalogEntry
		var succeeded int
		var completedAt sql.NullTime
		e.UserID = userID
		if err := rows.Scan(&e.SessionID, &e.FilePath, &e.Direction, &e.N, &e.M, &e.Profile, &e.TotalBytes, &e.UniqueBytes, &e.StartedAt, &completedAt, &succeeded); err != nil {
			return nil, fmt.Errorf("%w: scan catalog entry: %v", errs.ErrIO, err)
		}
		e.Succeeded = succeeded != 0
		if completedAt.Valid {
			e.CompletedAt = completedAt.Time
		}
		out = append(out, e)
	}
	return out, nil
}

// Close closes the underlying database connection.
func (c *Catalog) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}
