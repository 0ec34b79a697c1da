// Package store is the durable message store: users, channels, messages and
// their content revisions, consent state, and index bookkeeping, all in one
// SQLite database. Writes are transactional and safe to retry; reads see
// only committed rows.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"mimic/internal/logging"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the SQLite database holding all durable state.
type Store struct {
	db        *sql.DB
	path      string
	indexPath string
	mu        sync.RWMutex
}

// Open opens (or creates) the store at dbPath and brings its schema up to
// date. indexPath locates the ANN index file; some migrations reset it.
// A database written by a newer schema version is rejected.
func Open(dbPath, indexPath string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Opening store at %s", dbPath)

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("store: failed to create directory: %w", err)
		}
	}

	db, err := sql.Open(driverName, dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.StoreDebug("pragma failed: %q: %v", pragma, err)
		}
	}

	s := &Store{db: db, path: dbPath, indexPath: indexPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for migrations tooling and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// withTx runs fn inside a transaction, retrying the whole operation when
// SQLite reports a write conflict. fn must be safe to re-run from scratch.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	const attempts = 3

	var err error
	for i := 0; i < attempts; i++ {
		err = s.runTx(ctx, fn)
		if err == nil || !isBusy(err) {
			return err
		}
		logging.StoreDebug("transaction conflict, retrying (%d/%d): %v", i+1, attempts, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * 50 * time.Millisecond):
		}
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// isBusy recognizes lock contention errors from either SQLite driver.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// Timestamps are stored as integer Unix milliseconds in UTC so that both
// drivers round-trip them identically.

func tsMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func millisTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullTsMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: tsMillis(*t), Valid: true}
}

func nullMillisTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := millisTime(v.Int64)
	return &t
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
