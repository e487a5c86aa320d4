// Package history keeps a durable log of completed transfers in SQLite,
// backing the gc command's reporting.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const schemaVersion = "1"

// Entry is one completed transfer.
type Entry struct {
	TaskID     string
	Src        string
	Dst        string
	Bytes      int64
	Chunks     int
	Elapsed    time.Duration
	FileHash   string
	FinishedAt time.Time
}

// DB records transfer history. Writes are batched and flushed
// periodically so bursts of small transfers stay cheap.
type DB struct {
	db   *sql.DB
	path string

	mu      sync.Mutex
	batch   []Entry
	done    chan struct{}
	stopped bool
}

// Open opens (or creates) the history database inside stateDir.
func Open(stateDir string) (*DB, error) {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	dbPath := filepath.Join(stateDir, "history.db")

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	h := &DB{
		db:   db,
		path: dbPath,
		done: make(chan struct{}),
	}

	if err := h.init(); err != nil {
		db.Close()
		return nil, err
	}

	go h.flushLoop()

	return h, nil
}

func (h *DB) init() error {
	_, err := h.db.Exec(`
		CREATE TABLE IF NOT EXISTS transfers (
			task_id     TEXT NOT NULL,
			src         TEXT NOT NULL,
			dst         TEXT NOT NULL,
			bytes       INTEGER NOT NULL,
			chunks      INTEGER NOT NULL,
			elapsed_ms  INTEGER NOT NULL,
			file_hash   TEXT NOT NULL,
			finished_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_transfers_finished
			ON transfers (finished_at DESC);
		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

	_, err = h.db.Exec(
		"INSERT OR REPLACE INTO meta (key, value) VALUES ('schema_version', ?)",
		schemaVersion,
	)
	if err != nil {
		return fmt.Errorf("store meta: %w", err)
	}
	return nil
}

// Record queues an entry for insertion. Entries are flushed in batches.
func (h *DB) Record(e Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.batch = append(h.batch, e)
	if len(h.batch) >= 32 {
		return h.flushLocked()
	}
	return nil
}

// Flush writes any pending entries to the database.
func (h *DB) Flush() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.flushLocked()
}

func (h *DB) flushLocked() error {
	if len(h.batch) == 0 {
		return nil
	}

	tx, err := h.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO transfers
			(task_id, src, dst, bytes, chunks, elapsed_ms, file_hash, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range h.batch {
		_, err := stmt.Exec(
			e.TaskID, e.Src, e.Dst, e.Bytes, e.Chunks,
			e.Elapsed.Milliseconds(), e.FileHash, e.FinishedAt.Unix(),
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("insert %s: %w", e.TaskID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	h.batch = h.batch[:0]
	return nil
}

func (h *DB) flushLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.mu.Lock()
			_ = h.flushLocked()
			h.mu.Unlock()
		}
	}
}

// Recent returns the most recent entries, newest first.
func (h *DB) Recent(limit int) ([]Entry, error) {
	if err := h.Flush(); err != nil {
		return nil, err
	}

	rows, err := h.db.Query(`
		SELECT task_id, src, dst, bytes, chunks, elapsed_ms, file_hash, finished_at
		FROM transfers ORDER BY finished_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var elapsedMs, finished int64
		if err := rows.Scan(&e.TaskID, &e.Src, &e.Dst, &e.Bytes, &e.Chunks,
			&elapsedMs, &e.FileHash, &finished); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		e.FinishedAt = time.Unix(finished, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close flushes pending writes and closes the database.
func (h *DB) Close() error {
	h.mu.Lock()
	if !h.stopped {
		h.stopped = true
		close(h.done)
	}
	_ = h.flushLocked()
	h.mu.Unlock()
	return h.db.Close()
}

// Path returns the database file path.
func (h *DB) Path() string { return h.path }
