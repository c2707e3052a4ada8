package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// RetryConfig governs the backoff applied to statements that hit a
// "database is locked"/SQLITE_BUSY condition, per spec.md §4.1.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 10, InitialDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// DB is the durable store's single handle. Writes serialize through a
// connection pool pinned to one connection (writer); reads use a separate,
// more concurrent pool. Both point at the same WAL-mode sqlite file.
type DB struct {
	writer *sql.DB
	reader *sql.DB
	retry  RetryConfig
	log    zerolog.Logger
	path   string
}

// Open validates dbPath against stateDir (symlink/traversal checks, 0600
// perms), applies WAL/synchronous/foreign_keys/busy_timeout pragmas, and
// returns a ready DB.
func Open(ctx context.Context, stateDir, dbPath string, retry RetryConfig, logger zerolog.Logger) (*DB, error) {
	if err := EnsureDirPerms(stateDir); err != nil {
		return nil, fmt.Errorf("preparing state directory: %w", err)
	}
	if err := ValidatePath(stateDir, dbPath); err != nil {
		return nil, err
	}

	writer, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	writer.SetMaxOpenConns(1)

	reader, err := sql.Open("sqlite", dbPath)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("opening database (reader pool): %w", err)
	}
	reader.SetMaxOpenConns(4)

	d := &DB{writer: writer, reader: reader, retry: retry, log: logger.With().Str("component", "store").Logger(), path: dbPath}

	for _, h := range []*sql.DB{writer, reader} {
		if _, err := h.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			d.Close()
			return nil, fmt.Errorf("setting WAL mode: %w", err)
		}
		if _, err := h.ExecContext(ctx, "PRAGMA synchronous=NORMAL"); err != nil {
			d.Close()
			return nil, err
		}
		if _, err := h.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
			d.Close()
			return nil, err
		}
		if _, err := h.ExecContext(ctx, "PRAGMA busy_timeout=10000"); err != nil {
			d.Close()
			return nil, err
		}
	}

	if _, err := writer.ExecContext(ctx, schema); err != nil {
		d.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	if err := os.Chmod(dbPath, 0o600); err != nil && !os.IsNotExist(err) {
		d.Close()
		return nil, fmt.Errorf("tightening database permissions: %w", err)
	}

	return d, nil
}

func (d *DB) Close() error {
	var errs []error
	if d.writer != nil {
		errs = append(errs, d.writer.Close())
	}
	if d.reader != nil {
		errs = append(errs, d.reader.Close())
	}
	return errors.Join(errs...)
}

// Reader returns the read-only handle for SELECT statements.
func (d *DB) Reader() *sql.DB { return d.reader }

// Writer returns the single-connection handle for writes/transactions.
func (d *DB) Writer() *sql.DB { return d.writer }

// Path returns the underlying database file path, for healer subchecks.
func (d *DB) Path() string { return d.path }

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "locked") || strings.Contains(msg, "busy") || strings.Contains(msg, "SQLITE_BUSY")
}

// WithImmediateTx runs fn inside a BEGIN IMMEDIATE transaction on the writer
// handle, retrying the whole transaction with exponential backoff + jitter
// on a busy/locked error, per spec.md §4.1. On retry-budget exhaustion it
// returns ErrUnavailable and the caller must not mutate other state.
func (d *DB) WithImmediateTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	delay := d.retry.InitialDelay
	var lastErr error
	for attempt := 0; attempt <= d.retry.MaxRetries; attempt++ {
		err := d.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isBusy(err) {
			return err
		}
		d.log.Warn().Int("attempt", attempt).Err(err).Msg("store busy, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(delay)):
		}
		delay *= 2
		if delay > d.retry.MaxDelay {
			delay = d.retry.MaxDelay
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (d *DB) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.writer.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		// sqlite's database/sql driver already started a transaction via
		// BeginTx; some drivers reject a nested BEGIN IMMEDIATE. Ignore
		// that specific case and proceed with the already-open tx.
		if !strings.Contains(err.Error(), "within a transaction") {
			tx.Rollback()
			return err
		}
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	//nolint:gosec // non-cryptographic jitter
	n := rand.Int63n(int64(base) / 2)
	return base + time.Duration(n)
}
