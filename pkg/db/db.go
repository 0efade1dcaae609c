package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

var (
	// ErrNotFound is returned when a lookup by id/name matches no row.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateTrade is returned when (bot, trade_id) already exists.
	ErrDuplicateTrade = errors.New("duplicate trade id for bot")
)

// SecretSealer encrypts bot api secrets before they hit disk.
type SecretSealer interface {
	Seal(plaintext string) (string, error)
	Open(stored string) (string, error)
}

// Database wraps the SQL handle for easier swapping/testing.
type Database struct {
	DB     *sql.DB
	sealer SecretSealer
}

// New opens (and creates if needed) the SQLite database at path.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite prefers single writer.
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &Database{DB: db}, nil
}

// SetSecretSealer enables at-rest encryption of bot api secrets.
func (d *Database) SetSecretSealer(s SecretSealer) {
	d.sealer = s
}

// Close releases the underlying DB handle.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}

// Timestamps are stored as unix microseconds so ordering and strict
// before/after comparisons stay exact.
func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

type rowScanner interface {
	Scan(dest ...any) error
}
