package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrInvalidTransition is returned when a status change is not allowed or
// the row is no longer in the expected state.
var ErrInvalidTransition = errors.New("invalid status transition")

// DB wraps a sql.DB connection to the SQLite catalog.
type DB struct {
	db *sql.DB
}

// NewDB opens (or creates) a SQLite database at path and runs schema migrations.
func NewDB(path string) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS keys (
    id TEXT PRIMARY KEY,
    salt BLOB NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS files (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    size INTEGER NOT NULL,
    mime_type TEXT,
    key_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_files_status ON files(status, updated_at);`
	_, err := d.db.Exec(schema)
	return err
}

// --- Key CRUD ---

// CreateKey inserts a new key record.
func (d *DB) CreateKey(k *Key) error {
	_, err := d.db.Exec(
		`INSERT INTO keys (id, salt, created_at) VALUES (?, ?, ?)`,
		k.ID, k.Salt, k.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create key: %w", err)
	}
	return nil
}

// GetKey retrieves a key by ID.
func (d *DB) GetKey(id string) (*Key, error) {
	k := &Key{}
	err := d.db.QueryRow(
		`SELECT id, salt, created_at FROM keys WHERE id = ?`, id,
	).Scan(&k.ID, &k.Salt, &k.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get key: %w", err)
	}
	return k, nil
}

// --- File CRUD ---

const fileColumns = `id, name, size, mime_type, key_id, status, attempts, last_error, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(s scanner) (*File, error) {
	f := &File{}
	var mime sql.NullString
	err := s.Scan(&f.ID, &f.Name, &f.Size, &mime, &f.KeyID, &f.Status, &f.Attempts, &f.LastError, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	f.MimeType = mime.String
	return f, nil
}

// CreateFile inserts a new file record. An empty status is stored as pending.
func (d *DB) CreateFile(f *File) error {
	if f.Status == "" {
		f.Status = StatusPending
	}
	if f.UpdatedAt == 0 {
		f.UpdatedAt = f.CreatedAt
	}
	_, err := d.db.Exec(
		`INSERT INTO files (`+fileColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Name, f.Size, f.MimeType, f.KeyID, f.Status, f.Attempts, f.LastError, f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	return nil
}

// GetFile retrieves a file by ID.
func (d *DB) GetFile(id string) (*File, error) {
	f, err := scanFile(d.db.QueryRow(`SELECT `+fileColumns+` FROM files WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	return f, nil
}

// ListFiles returns all files, newest first.
func (d *DB) ListFiles() ([]File, error) {
	return d.queryFiles(`SELECT `+fileColumns+` FROM files ORDER BY created_at DESC, id`, "list files")
}

// ListFilesByStatus returns up to limit files in status, least recently
// updated first.
func (d *DB) ListFilesByStatus(status TransferStatus, limit int) ([]File, error) {
	return d.queryFiles(
		`SELECT `+fileColumns+` FROM files WHERE status = ? ORDER BY updated_at, id LIMIT ?`,
		"list files by status", status, limit,
	)
}

func (d *DB) queryFiles(query, op string, args ...any) ([]File, error) {
	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, *f)
	}
	return files, rows.Err()
}

// TransitionFile moves a file from one status to another. It fails with
// ErrInvalidTransition when the move is not allowed or the file is no longer
// in from, which lets concurrent workers claim a file at most once.
func (d *DB) TransitionFile(id string, from, to TransferStatus, lastErr string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("transition file %s: %w: %s -> %s", id, ErrInvalidTransition, from, to)
	}
	attempts := 0
	if to == StatusReplicating {
		attempts = 1
	}
	res, err := d.db.Exec(
		`UPDATE files SET status = ?, last_error = ?, attempts = attempts + ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		to, lastErr, attempts, time.Now().Unix(), id, from,
	)
	if err != nil {
		return fmt.Errorf("transition file: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition file rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("transition file %s: %w: not in %s", id, ErrInvalidTransition, from)
	}
	return nil
}

// ResetInterrupted returns files stuck in replicating to pending. Called at
// startup, when no worker can still own them.
func (d *DB) ResetInterrupted() (int, error) {
	res, err := d.db.Exec(
		`UPDATE files SET status = ?, updated_at = ? WHERE status = ?`,
		StatusPending, time.Now().Unix(), StatusReplicating,
	)
	if err != nil {
		return 0, fmt.Errorf("reset interrupted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset interrupted rows affected: %w", err)
	}
	return int(n), nil
}

// CountFilesByStatus returns the number of files per status.
func (d *DB) CountFilesByStatus() (map[TransferStatus]int, error) {
	rows, err := d.db.Query(`SELECT status, COUNT(*) FROM files GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count files: %w", err)
	}
	defer rows.Close()

	counts := make(map[TransferStatus]int)
	for rows.Next() {
		var s TransferStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[s] = n
	}
	return counts, rows.Err()
}

// DeleteFile removes a file by ID.
func (d *DB) DeleteFile(id string) error {
	res, err := d.db.Exec(`DELETE FROM files WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete file rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete file: %w", sql.ErrNoRows)
	}
	return nil
}
