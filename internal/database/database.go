package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned for unknown records
var ErrNotFound = errors.New("record not found")

// Database handles SQLite database operations
type Database struct {
	db *sql.DB
}

// CaptureRecord is one stored one-shot capture
type CaptureRecord struct {
	ID        string
	Title     string
	Path      string
	Width     int
	Height    int
	SizeBytes int64
	CreatedAt time.Time
}

// New opens the database at dbPath
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL lets readers run while a capture is being written
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate creates the schema
func (d *Database) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS captures (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			path TEXT NOT NULL,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_captures_time ON captures(created_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// SaveCapture inserts a capture record
func (d *Database) SaveCapture(ctx context.Context, rec *CaptureRecord) error {
	query := `INSERT INTO captures (id, title, path, width, height, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := d.db.ExecContext(ctx, query, rec.ID, rec.Title, rec.Path, rec.Width, rec.Height, rec.SizeBytes, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save capture: %w", err)
	}
	return nil
}

// GetCapture looks up a capture by ID
func (d *Database) GetCapture(ctx context.Context, id string) (*CaptureRecord, error) {
	query := `SELECT id, title, path, width, height, size_bytes, created_at FROM captures WHERE id = ?`
	rec := &CaptureRecord{}
	err := d.db.QueryRowContext(ctx, query, id).Scan(&rec.ID, &rec.Title, &rec.Path, &rec.Width, &rec.Height, &rec.SizeBytes, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get capture: %w", err)
	}
	return rec, nil
}

// ListCaptures returns the newest captures first
func (d *Database) ListCaptures(ctx context.Context, limit int) ([]*CaptureRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, title, path, width, height, size_bytes, created_at FROM captures
		ORDER BY created_at DESC LIMIT ?`
	rows, err := d.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list captures: %w", err)
	}
	defer rows.Close()

	var out []*CaptureRecord
	for rows.Next() {
		rec := &CaptureRecord{}
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.Path, &rec.Width, &rec.Height, &rec.SizeBytes, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteCapturesBefore removes records older than before and returns them
// so their files can be removed
func (d *Database) DeleteCapturesBefore(ctx context.Context, before time.Time) ([]*CaptureRecord, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id, title, path, width, height, size_bytes, created_at FROM captures WHERE created_at < ?`, before.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to select old captures: %w", err)
	}
	var old []*CaptureRecord
	for rows.Next() {
		rec := &CaptureRecord{}
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.Path, &rec.Width, &rec.Height, &rec.SizeBytes, &rec.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		old = append(old, rec)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM captures WHERE created_at < ?`, before.UTC()); err != nil {
		return nil, fmt.Errorf("failed to delete old captures: %w", err)
	}
	return old, tx.Commit()
}

// SaveConfig saves a configuration value
func (d *Database) SaveConfig(ctx context.Context, key, value string) error {
	query := `INSERT INTO app_config (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`
	if _, err := d.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// GetConfig returns a configuration value, or ErrNotFound
func (d *Database) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := d.db.QueryRowContext(ctx, "SELECT value FROM app_config WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get config: %w", err)
	}
	return value, nil
}
