// Package state persists the apply journal.
//
// The journal records, per ruleset name, the content hash last applied to
// the kernel and the kernel fingerprint observed right after the apply. A
// PULL whose hash matches the journal while the fingerprint is unchanged can
// be skipped, which makes repeated PULLs of the same content idempotent even
// across restarts.
//
// Storage is SQLite through modernc.org/sqlite (pure Go, no CGO).
package state

import (
	"context"
	"database/sql"
	"encoding/hex"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/nftsync/internal/clock"
	"grimm.is/nftsync/internal/errors"
	"grimm.is/nftsync/internal/ruleset"
)

// ErrClosed is returned by operations on a closed journal.
var ErrClosed = errors.New(errors.KindInternal, "journal closed")

// Entry is the latest apply record for one ruleset.
type Entry struct {
	Name        string
	Hash        ruleset.Hash
	Fingerprint string
	AppliedAt   time.Time
}

// Options configures the journal.
type Options struct {
	Path      string        // Database file path (":memory:" for in-memory)
	WALMode   bool          // Enable WAL mode
	Retention time.Duration // How long to keep history rows (0 keeps forever)
	Clock     clock.Clock   // Optional time source
}

// DefaultOptions returns sensible defaults.
func DefaultOptions(path string) Options {
	return Options{
		Path:      path,
		WALMode:   true,
		Retention: 30 * 24 * time.Hour,
	}
}

// Journal is a SQLite-backed apply journal. It is safe for concurrent use.
type Journal struct {
	db        *sql.DB
	mu        sync.RWMutex
	closed    bool
	clock     clock.Clock
	retention time.Duration
}

// Open opens or creates the journal database.
func Open(opts Options) (*Journal, error) {
	dsn := opts.Path
	if opts.WALMode && opts.Path != ":memory:" {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to open journal")
	}
	// A single connection keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.KindInternal, "failed to connect to journal")
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real
	}

	j := &Journal{
		db:        db,
		clock:     clk,
		retention: opts.Retention,
	}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.KindInternal, "failed to initialize journal schema")
	}
	return j, nil
}

func (j *Journal) initSchema() error {
	schema := `
		-- Latest apply per ruleset
		CREATE TABLE IF NOT EXISTS applied (
			name TEXT PRIMARY KEY,
			hash TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		);

		-- Every apply, for audit
		CREATE TABLE IF NOT EXISTS history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			hash TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_history_applied ON history(applied_at);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Record stores a successful apply of hash under name.
func (j *Journal) Record(ctx context.Context, name string, hash ruleset.Hash, fingerprint string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}

	now := j.clock.Now()
	hexHash := hex.EncodeToString(hash[:])

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to begin journal transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO applied (name, hash, fingerprint, applied_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			hash = excluded.hash,
			fingerprint = excluded.fingerprint,
			applied_at = excluded.applied_at
	`, name, hexHash, fingerprint, now.UnixNano()); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "failed to record apply of %s", name)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO history (name, hash, fingerprint, applied_at) VALUES (?, ?, ?, ?)",
		name, hexHash, fingerprint, now.UnixNano()); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "failed to append history for %s", name)
	}

	if j.retention > 0 {
		cutoff := now.Add(-j.retention).UnixNano()
		if _, err := tx.ExecContext(ctx, "DELETE FROM history WHERE applied_at < ?", cutoff); err != nil {
			return errors.Wrap(err, errors.KindInternal, "failed to prune history")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to commit journal")
	}
	return nil
}

// Last returns the latest apply record for name. It returns a KindNotFound
// error when the name has never been applied.
func (j *Journal) Last(ctx context.Context, name string) (*Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.closed {
		return nil, ErrClosed
	}

	row := j.db.QueryRowContext(ctx,
		"SELECT name, hash, fingerprint, applied_at FROM applied WHERE name = ?", name)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Errorf(errors.KindNotFound, "no apply recorded for %s", name)
	}
	return e, err
}

// Unchanged reports whether hash was the last content applied under name and
// the kernel still carries the fingerprint recorded at that time.
func (j *Journal) Unchanged(ctx context.Context, name string, hash ruleset.Hash, fingerprint string) (bool, error) {
	e, err := j.Last(ctx, name)
	if errors.IsKind(err, errors.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return e.Hash == hash && e.Fingerprint == fingerprint, nil
}

// List returns the latest record of every applied ruleset, ordered by name.
func (j *Journal) List(ctx context.Context) ([]Entry, error) {
	return j.query(ctx, "SELECT name, hash, fingerprint, applied_at FROM applied ORDER BY name")
}

// History returns up to limit past applies of name, newest first.
func (j *Journal) History(ctx context.Context, name string, limit int) ([]Entry, error) {
	return j.query(ctx, `
		SELECT name, hash, fingerprint, applied_at FROM history
		WHERE name = ? ORDER BY id DESC LIMIT ?
	`, name, limit)
}

// Forget drops the latest record of name, so the next PULL applies
// unconditionally. History is kept.
func (j *Journal) Forget(ctx context.Context, name string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	if _, err := j.db.ExecContext(ctx, "DELETE FROM applied WHERE name = ?", name); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "failed to forget %s", name)
	}
	return nil
}

// Ping checks that the database is reachable.
func (j *Journal) Ping(ctx context.Context) error {
	if err := j.db.PingContext(ctx); err != nil {
		return errors.Wrap(err, errors.KindInternal, "apply journal unavailable")
	}
	return nil
}

// Close closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	return j.db.Close()
}

func (j *Journal) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.closed {
		return nil, ErrClosed
	}

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "journal query failed")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var (
		e       Entry
		hexHash string
		nanos   int64
	)
	if err := s.Scan(&e.Name, &hexHash, &e.Fingerprint, &nanos); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(hexHash)
	if err != nil || len(raw) != ruleset.HashSize {
		return nil, errors.Errorf(errors.KindInternal, "corrupt hash for %s in journal", e.Name)
	}
	copy(e.Hash[:], raw)
	e.AppliedAt = time.Unix(0, nanos).UTC()
	return &e, nil
}
