// Package sqlite is a single-file Resource Store backed by modernc's pure Go
// SQLite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/ehr/intake/internal/platform/store"
)

const schema = `CREATE TABLE IF NOT EXISTS records (
	kind       TEXT    NOT NULL,
	id         TEXT    NOT NULL,
	version    INTEGER NOT NULL,
	payload    BLOB    NOT NULL,
	updated_at TEXT    NOT NULL,
	PRIMARY KEY (kind, id)
)`

// Store serialises transactions over one connection, which gives every
// transaction exclusive access to the file.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates the database file and schema if needed.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = "intake.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil && path != ":memory:" {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create records table: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Driver() string { return "sqlite" }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) RunInTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	tx := &txn{ctx: ctx, tx: sqlTx, now: time.Now().UTC()}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrCommitUncertain, err)
	}
	return nil
}

type txn struct {
	ctx context.Context
	tx  *sql.Tx
	now time.Time
}

func (t *txn) Get(kind, id string) (store.Record, error) {
	var (
		rec     store.Record
		updated string
	)
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT kind, id, version, payload, updated_at FROM records WHERE kind = ? AND id = ?`,
		kind, id,
	).Scan(&rec.Kind, &rec.ID, &rec.Version, &rec.Data, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("select %s/%s: %w", kind, id, err)
	}
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return rec, nil
}

func (t *txn) List(kind string) ([]store.Record, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT kind, id, version, payload, updated_at FROM records WHERE kind = ? ORDER BY id`, kind)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", kind, err)
	}
	defer func() { _ = rows.Close() }()

	var out []store.Record
	for rows.Next() {
		var (
			rec     store.Record
			updated string
		)
		if err := rows.Scan(&rec.Kind, &rec.ID, &rec.Version, &rec.Data, &updated); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (t *txn) Put(rec store.Record) (store.Record, error) {
	updated := t.now.Format(time.RFC3339Nano)
	if rec.Version == 0 {
		res, err := t.tx.ExecContext(t.ctx,
			`INSERT INTO records (kind, id, version, payload, updated_at) VALUES (?, ?, 1, ?, ?)
			 ON CONFLICT (kind, id) DO NOTHING`,
			rec.Kind, rec.ID, []byte(rec.Data), updated)
		if err != nil {
			return store.Record{}, fmt.Errorf("insert %s/%s: %w", rec.Kind, rec.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.Record{}, store.ErrExists
		}
	} else {
		res, err := t.tx.ExecContext(t.ctx,
			`UPDATE records SET version = version + 1, payload = ?, updated_at = ?
			 WHERE kind = ? AND id = ? AND version = ?`,
			[]byte(rec.Data), updated, rec.Kind, rec.ID, rec.Version)
		if err != nil {
			return store.Record{}, fmt.Errorf("update %s/%s: %w", rec.Kind, rec.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.Record{}, t.missOrConflict(rec.Kind, rec.ID)
		}
	}
	rec.Version++
	rec.UpdatedAt = t.now
	return rec, nil
}

func (t *txn) Delete(kind, id string, version int64) error {
	query := `DELETE FROM records WHERE kind = ? AND id = ?`
	args := []any{kind, id}
	if version != 0 {
		query += ` AND version = ?`
		args = append(args, version)
	}
	res, err := t.tx.ExecContext(t.ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", kind, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return t.missOrConflict(kind, id)
	}
	return nil
}

func (t *txn) missOrConflict(kind, id string) error {
	if _, err := t.Get(kind, id); errors.Is(err, store.ErrNotFound) {
		return store.ErrNotFound
	}
	return store.ErrConflict
}
