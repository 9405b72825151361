// Package postgres is the production Resource Store: one records table in
// PostgreSQL accessed through pgxpool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/intake/internal/platform/store"
)

// Store runs each transaction at READ COMMITTED. Updates are guarded by the
// version column, so a concurrent writer that commits first causes the
// other's UPDATE to match zero rows.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an open pool. The records table must exist (see migrations/).
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Driver() string { return "postgres" }

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }

func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) RunInTx(ctx context.Context, fn func(tx store.Tx) error) error {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer pgTx.Rollback(ctx)

	if err := fn(&txn{ctx: ctx, tx: pgTx}); err != nil {
		return err
	}

	if err := pgTx.Commit(ctx); err != nil {
		if errors.Is(err, pgx.ErrTxCommitRollback) {
			return store.ErrConflict
		}
		return fmt.Errorf("%w: %v", store.ErrCommitUncertain, err)
	}
	return nil
}

type txn struct {
	ctx context.Context
	tx  pgx.Tx
}

const selectColumns = `SELECT kind, id, version, payload, updated_at FROM records`

func (t *txn) Get(kind, id string) (store.Record, error) {
	var rec store.Record
	err := t.tx.QueryRow(t.ctx, selectColumns+` WHERE kind = $1 AND id = $2`, kind, id).
		Scan(&rec.Kind, &rec.ID, &rec.Version, &rec.Data, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("select %s/%s: %w", kind, id, err)
	}
	return rec, nil
}

func (t *txn) List(kind string) ([]store.Record, error) {
	rows, err := t.tx.Query(t.ctx, selectColumns+` WHERE kind = $1 ORDER BY id`, kind)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", kind, err)
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		var rec store.Record
		if err := rows.Scan(&rec.Kind, &rec.ID, &rec.Version, &rec.Data, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan %s: %w", kind, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", kind, err)
	}
	return out, nil
}

func (t *txn) Put(rec store.Record) (store.Record, error) {
	var updated time.Time
	if rec.Version == 0 {
		err := t.tx.QueryRow(t.ctx,
			`INSERT INTO records (kind, id, version, payload, updated_at)
			 VALUES ($1, $2, 1, $3, NOW())
			 ON CONFLICT (kind, id) DO NOTHING
			 RETURNING updated_at`,
			rec.Kind, rec.ID, []byte(rec.Data),
		).Scan(&updated)
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Record{}, store.ErrExists
		}
		if err != nil {
			return store.Record{}, fmt.Errorf("insert %s/%s: %w", rec.Kind, rec.ID, err)
		}
	} else {
		err := t.tx.QueryRow(t.ctx,
			`UPDATE records SET version = version + 1, payload = $3, updated_at = NOW()
			 WHERE kind = $1 AND id = $2 AND version = $4
			 RETURNING updated_at`,
			rec.Kind, rec.ID, []byte(rec.Data), rec.Version,
		).Scan(&updated)
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Record{}, t.missOrConflict(rec.Kind, rec.ID)
		}
		if err != nil {
			return store.Record{}, fmt.Errorf("update %s/%s: %w", rec.Kind, rec.ID, err)
		}
	}
	rec.Version++
	rec.UpdatedAt = updated
	return rec, nil
}

func (t *txn) Delete(kind, id string, version int64) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if version == 0 {
		tag, err = t.tx.Exec(t.ctx, `DELETE FROM records WHERE kind = $1 AND id = $2`, kind, id)
	} else {
		tag, err = t.tx.Exec(t.ctx, `DELETE FROM records WHERE kind = $1 AND id = $2 AND version = $3`, kind, id, version)
	}
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", kind, id, err)
	}
	if tag.RowsAffected() == 0 {
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
