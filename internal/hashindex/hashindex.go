// Package hashindex persists the per-path content digest the agent uses for
// change detection. An entry is updated only after the server acknowledges an
// upload, so a failed file is always retried on the next cycle.
package hashindex

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"io"
	"os"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/stormcloudapp/stormcloud/internal/logging"
)

// Entry is the stored state for one path.
type Entry struct {
	Path   string
	Digest []byte
	Size   int64
	MTime  time.Time
}

// Index is the on-disk hash database.
type Index struct {
	db     *sql.DB
	dbPath string
}

const schema = `
CREATE TABLE IF NOT EXISTS hash_index (
	path   TEXT PRIMARY KEY,
	digest BLOB NOT NULL,
	size   INTEGER NOT NULL,
	mtime  INTEGER NOT NULL
)`

// Open opens (creating on first use) the hash database at dbPath.
func Open(dbPath string) (*Index, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open hash database: %w", err)
	}

	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping hash database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create hash_index table: %w", err)
	}

	logging.Debug("Hash index opened at %s", dbPath)
	return &Index{db: db, dbPath: dbPath}, nil
}

// Close closes the database connection.
func (i *Index) Close() error {
	if i.db != nil {
		return i.db.Close()
	}
	return nil
}

// Lookup returns the stored entry for path, if any.
func (i *Index) Lookup(ctx context.Context, path string) (Entry, bool, error) {
	var e Entry
	var mtime int64
	err := i.db.QueryRowContext(ctx,
		`SELECT path, digest, size, mtime FROM hash_index WHERE path = ?`, path,
	).Scan(&e.Path, &e.Digest, &e.Size, &mtime)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to query hash index: %w", err)
	}
	e.MTime = time.Unix(0, mtime)
	return e, true, nil
}

// Record upserts the entry for path. Must be called only after the server
// acknowledged the upload for that content.
func (i *Index) Record(ctx context.Context, path string, digest []byte, size int64, mtime time.Time) error {
	_, err := i.db.ExecContext(ctx,
		`INSERT INTO hash_index (path, digest, size, mtime) VALUES (?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET digest = excluded.digest, size = excluded.size, mtime = excluded.mtime`,
		path, digest, size, mtime.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record hash entry: %w", err)
	}
	return nil
}

// Decision classifies a file against the index.
type Decision int

const (
	// DecisionUnchanged means the file matches the stored entry; skip upload
	// and record nothing.
	DecisionUnchanged Decision = iota
	// DecisionUpload means content changed (or is new); upload required.
	DecisionUpload
)

// Evaluate applies the change-detection policy for a file with the observed
// size and mtime:
//  1. size and mtime both match the stored entry: unchanged, digest not computed.
//  2. digest matches the stored digest: unchanged; stored size/mtime refreshed.
//  3. otherwise: upload. The returned digest is non-nil whenever it was computed.
func (i *Index) Evaluate(ctx context.Context, path string, size int64, mtime time.Time) (Decision, []byte, error) {
	stored, found, err := i.Lookup(ctx, path)
	if err != nil {
		return DecisionUpload, nil, err
	}

	if found && stored.Size == size && stored.MTime.Equal(mtime) {
		return DecisionUnchanged, nil, nil
	}

	digest, err := HashFile(path)
	if err != nil {
		return DecisionUpload, nil, err
	}

	if found && bytes.Equal(stored.Digest, digest) {
		// Content identical; an editor touched size/mtime metadata only.
		if err := i.Record(ctx, path, digest, size, mtime); err != nil {
			return DecisionUnchanged, digest, err
		}
		return DecisionUnchanged, digest, nil
	}

	return DecisionUpload, digest, nil
}

// HashFile computes the sha256 digest of the file contents.
func HashFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file for hashing: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("failed to hash file: %w", err)
	}
	return h.Sum(nil), nil
}
