// Package ledger maintains a SQLite index of staged documents. The index
// survives restarts and is reconciled against the staging directory on
// startup, so a crash between a staging commit and the ledger insert is
// healed by the next sync.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/coverloop/intake/logger"
	"github.com/coverloop/intake/stager"
)

const IndexDB = "staging_index.db"
const DeleteBatchSize = 1000

type Ledger struct {
	stagingDir string
	dbPath     string
	db         *sql.DB
	mu         sync.Mutex
}

// Entry is one staged document as recorded in the index.
type Entry struct {
	Path     string
	Size     int64
	Digest   string
	ModTime  time.Time
	Uploaded bool
}

// Stats summarizes the ledger state.
type Stats struct {
	StagedCount   int64
	StagedBytes   int64
	PendingUpload int64
}

// New opens the index at dbPath, creating the schema when missing. An
// empty dbPath places the index next to the staged documents.
func New(stagingDir, dbPath string) (*Ledger, error) {
	stagingDir = filepath.Clean(strings.TrimSpace(stagingDir))
	if stagingDir == "" {
		return nil, fmt.Errorf("staging directory cannot be empty")
	}
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory %s: %w", stagingDir, err)
	}

	if dbPath == "" {
		dbPath = filepath.Join(stagingDir, IndexDB)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open staging index DB: %w", err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		// WAL is an optimization, not a requirement.
		logger.Warn("failed to set PRAGMA journal_mode = WAL", "error", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS staging_index (
		path TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		digest TEXT NOT NULL,
		mod_time TIMESTAMP NOT NULL,
		uploaded INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_staging_uploaded ON staging_index(uploaded);
	CREATE INDEX IF NOT EXISTS idx_staging_mod_time ON staging_index(mod_time);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create staging index schema: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("staging index DB ping failed: %w", err)
	}
	return &Ledger{stagingDir: stagingDir, dbPath: dbPath, db: db}, nil
}

func (l *Ledger) Close() error {
	if l.db != nil {
		logger.Debug("closing staging index DB")
		return l.db.Close()
	}
	return nil
}

// Track records a committed file in the index. The digest is stored so the
// uploader can address content without rehashing.
func (l *Ledger) Track(path string, digest string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat staged file %s: %w", path, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.db.Exec(`INSERT OR REPLACE INTO staging_index (path, size, digest, mod_time, uploaded) VALUES (?, ?, ?, ?, 0)`,
		path, info.Size(), digest, info.ModTime())
	if err != nil {
		return fmt.Errorf("failed to track staged file %s: %w", path, err)
	}
	return nil
}

// MarkUploaded flags an entry as delivered to durable storage.
func (l *Ledger) MarkUploaded(ctx context.Context, path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.ExecContext(ctx, `UPDATE staging_index SET uploaded = 1 WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("failed to mark %s uploaded: %w", path, err)
	}
	return nil
}

// PendingUploads returns up to limit entries that have not been delivered
// yet, oldest first.
func (l *Ledger) PendingUploads(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT path, size, digest, mod_time, uploaded FROM staging_index WHERE uploaded = 0 ORDER BY mod_time ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending uploads: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Path, &e.Size, &e.Digest, &e.ModTime, &e.Uploaded); err != nil {
			logger.Warn("error scanning pending upload entry", "error", err)
			continue
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending uploads: %w", err)
	}
	return out, nil
}

// Remove deletes the staged file and its index entry. A missing file is not
// an error; the index row is removed either way.
func (l *Ledger) Remove(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove staged file %s: %w", path, err)
	}
	if _, err := l.db.Exec(`DELETE FROM staging_index WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to remove index entry for %s: %w", path, err)
	}
	return nil
}

type fileStat struct {
	path    string
	size    int64
	modTime time.Time
}

// SyncFromDisk reconciles the index with the staging directory: files on
// disk that the index misses are hashed and tracked, then entries whose
// files disappeared are dropped. Leftover temp files from interrupted
// writes are removed.
func (l *Ledger) SyncFromDisk(ctx context.Context, st *stager.Stager) error {
	logger.Info("starting staging directory sync")
	var files []fileStat

	err := filepath.WalkDir(l.stagingDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		base := filepath.Base(path)
		if strings.HasPrefix(base, filepath.Base(l.dbPath)) {
			// The index itself, plus its WAL and SHM companions.
			return nil
		}
		if strings.HasPrefix(base, ".") && strings.HasSuffix(base, ".tmp") {
			// Interrupted write before its rename; never observable as a
			// committed document, safe to discard.
			logger.Warn("removing leftover temp file", "path", path)
			os.Remove(path)
			return nil
		}
		info, statErr := d.Info()
		if statErr != nil {
			logger.Warn("failed to stat file during sync", "path", path, "error", statErr)
			return nil
		}
		files = append(files, fileStat{path: path, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk staging directory: %w", err)
	}

	if len(files) > 0 {
		l.mu.Lock()
		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			l.mu.Unlock()
			return fmt.Errorf("failed to begin sync transaction: %w", err)
		}

		stmt, err := tx.Prepare(`INSERT OR IGNORE INTO staging_index (path, size, digest, mod_time, uploaded) VALUES (?, ?, ?, ?, 0)`)
		if err != nil {
			tx.Rollback()
			l.mu.Unlock()
			return fmt.Errorf("failed to prepare sync statement: %w", err)
		}

		for _, f := range files {
			digest, hashErr := st.Hash(f.path)
			if hashErr != nil {
				logger.Warn("failed to hash file during sync", "path", f.path, "error", hashErr)
				continue
			}
			if _, err := stmt.Exec(f.path, f.size, digest, f.modTime); err != nil {
				logger.Warn("error tracking file during sync", "path", f.path, "error", err)
			}
		}
		stmt.Close()

		if err := tx.Commit(); err != nil {
			l.mu.Unlock()
			return fmt.Errorf("failed to commit sync transaction: %w", err)
		}
		l.mu.Unlock()
		logger.Info("staging index updated from disk", "files", len(files))
	}

	return l.RemoveStaleEntries(ctx)
}

// RemoveStaleEntries drops index rows whose files no longer exist on disk.
func (l *Ledger) RemoveStaleEntries(ctx context.Context) error {
	rows, err := l.db.QueryContext(ctx, `SELECT path FROM staging_index`)
	if err != nil {
		return fmt.Errorf("failed to query staging index: %w", err)
	}
	defer rows.Close()

	var allPaths []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			logger.Warn("error scanning path during stale check", "error", err)
			continue
		}
		allPaths = append(allPaths, path)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating indexed paths: %w", err)
	}

	var stalePaths []string
	for _, path := range allPaths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			stalePaths = append(stalePaths, path)
		}
	}
	if len(stalePaths) == 0 {
		return nil
	}

	for len(stalePaths) > 0 {
		batch := stalePaths
		if len(batch) > DeleteBatchSize {
			batch = batch[:DeleteBatchSize]
		}
		stalePaths = stalePaths[len(batch):]
		if err := l.removeIndexEntries(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

// removeIndexEntries removes a batch of paths from the index in one
// transaction. SQLite takes no array parameters, so the query is built with
// placeholders; paths are generated internally, not user input.
func (l *Ledger) removeIndexEntries(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for index removal: %w", err)
	}
	defer tx.Rollback()

	query := `DELETE FROM staging_index WHERE path IN (?` + strings.Repeat(",?", len(paths)-1) + `)`
	args := make([]interface{}, len(paths))
	for i, p := range paths {
		args[i] = p
	}

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to batch delete from index: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit index deletions: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	logger.Info("removed stale entries from staging index", "count", rowsAffected)
	return nil
}

// GetStats returns the current index totals.
func (l *Ledger) GetStats(ctx context.Context) (*Stats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var s Stats
	row := l.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(size), 0) FROM staging_index`)
	if err := row.Scan(&s.StagedCount, &s.StagedBytes); err != nil {
		return nil, fmt.Errorf("failed to query staging statistics: %w", err)
	}
	row = l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM staging_index WHERE uploaded = 0`)
	if err := row.Scan(&s.PendingUpload); err != nil {
		return nil, fmt.Errorf("failed to query pending count: %w", err)
	}
	return &s, nil
}
