// Package gallery keeps the catalog of finalized recordings in SQLite and
// implements the registrar the recorder calls after a clean stop.
package gallery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned for unknown recording ids.
var ErrNotFound = errors.New("gallery: recording not found")

// Recording is one registered file.
type Recording struct {
	ID        string        `json:"id"`
	Path      string        `json:"path"`
	Width     int           `json:"width"`
	Height    int           `json:"height"`
	Codec     string        `json:"codec"`
	Duration  time.Duration `json:"duration"`
	SizeBytes int64         `json:"size_bytes"`
	Probed    bool          `json:"probed"`
	CreatedAt time.Time     `json:"created_at"`
}

// Store is the SQLite recordings table.
type Store struct {
	db *sql.DB
}

// OpenDB opens (or creates) the SQLite file at path.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("gallery: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("gallery: open %s: %w", path, err)
	}
	return db, nil
}

// NewInMemoryDB returns a private in-memory database.
func NewInMemoryDB() (*sql.DB, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, err
	}
	// Each pooled connection would get its own empty :memory: database.
	db.SetMaxOpenConns(1)
	return db, nil
}

// NewStore creates the recordings table if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("gallery: failed to create tables: %w", err)
	}
	return s, nil
}

func (s *Store) createTables() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS recordings (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL UNIQUE,
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		codec TEXT NOT NULL,
		duration INTEGER NOT NULL,
		size_bytes INTEGER NOT NULL,
		probed INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);`)
	return err
}

// Add inserts rec. A path registered twice replaces the earlier row.
func (s *Store) Add(ctx context.Context, rec Recording) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO recordings (id, path, width, height, codec, duration, size_bytes, probed, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(path) DO UPDATE SET
		id = excluded.id,
		width = excluded.width,
		height = excluded.height,
		codec = excluded.codec,
		duration = excluded.duration,
		size_bytes = excluded.size_bytes,
		probed = excluded.probed,
		created_at = excluded.created_at`,
		rec.ID, rec.Path, rec.Width, rec.Height, rec.Codec,
		int64(rec.Duration), rec.SizeBytes, boolToInt(rec.Probed),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("gallery: failed to add recording: %w", err)
	}
	return nil
}

// Get returns the recording with id.
func (s *Store) Get(ctx context.Context, id string) (Recording, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT id, path, width, height, codec, duration, size_bytes, probed, created_at
	FROM recordings WHERE id = ?`, id)
	rec, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Recording{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// List returns the newest recordings first. limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]Recording, error) {
	query := `
	SELECT id, path, width, height, codec, duration, size_bytes, probed, created_at
	FROM recordings ORDER BY created_at DESC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("gallery: failed to list recordings: %w", err)
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes the row with id. The file itself is left alone.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM recordings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("gallery: failed to delete recording: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecording(row scanner) (Recording, error) {
	var (
		rec      Recording
		duration int64
		probed   int
		created  string
	)
	err := row.Scan(&rec.ID, &rec.Path, &rec.Width, &rec.Height, &rec.Codec, &duration, &rec.SizeBytes, &probed, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Recording{}, err
		}
		return Recording{}, fmt.Errorf("gallery: failed to scan recording: %w", err)
	}
	rec.Duration = time.Duration(duration)
	rec.Probed = probed == 1
	rec.CreatedAt, err = time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return Recording{}, fmt.Errorf("gallery: failed to parse timestamp: %w", err)
	}
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
