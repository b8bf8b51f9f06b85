package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Schema for the transforms table. Applied by OpenDisk.
const Schema = `
CREATE TABLE IF NOT EXISTS transforms (
	key TEXT PRIMARY KEY,
	code BLOB NOT NULL,
	map BLOB,
	deps TEXT NOT NULL DEFAULT '[]',
	created INTEGER NOT NULL
);
`

// Disk persists transform results in a SQLite database so that unchanged
// files are not recompiled by the next build.
type Disk struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenDisk opens (or creates) the cache database in dir.
func OpenDisk(dir string, logger *slog.Logger) (*Disk, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "transforms.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open transform cache: %w", err)
	}
	// SQLite allows one writer; workers share a single connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialise transform cache: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Disk{db: db, logger: logger}, nil
}

func (d *Disk) Get(key string) (Entry, bool) {
	var (
		e    Entry
		deps string
	)
	err := d.db.QueryRow(`SELECT code, map, deps FROM transforms WHERE key = ?`, key).Scan(&e.Code, &e.Map, &deps)
	if err != nil {
		if err != sql.ErrNoRows {
			d.logger.Warn("transform cache read failed", "error", err)
		}
		return Entry{}, false
	}
	if err := json.Unmarshal([]byte(deps), &e.Deps); err != nil {
		return Entry{}, false
	}
	return e, true
}

func (d *Disk) Put(key string, e Entry) {
	deps, err := json.Marshal(e.Deps)
	if err != nil {
		return
	}
	if e.Deps == nil {
		deps = []byte("[]")
	}
	_, err = d.db.Exec(
		`INSERT OR REPLACE INTO transforms (key, code, map, deps, created) VALUES (?, ?, ?, ?, ?)`,
		key, e.Code, e.Map, string(deps), time.Now().Unix(),
	)
	if err != nil {
		d.logger.Warn("transform cache write failed", "error", err)
	}
}

// Prune deletes entries older than maxAge.
func (d *Disk) Prune(maxAge time.Duration) (int64, error) {
	res, err := d.db.Exec(`DELETE FROM transforms WHERE created < ?`, time.Now().Add(-maxAge).Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close closes the database.
func (d *Disk) Close() error {
	return d.db.Close()
}
