// Package store is the Resource Store: durable per-record storage with
// optimistic versions and multi-record transactions.
//
// Every record is addressed by (kind, id) and carries a version. Put with a
// zero version inserts; any other version must equal the stored one or the
// write fails with ErrConflict. RunInTx applies all writes made by fn
// atomically or none of them.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record version conflict")
	ErrExists   = errors.New("record already exists")
	// ErrCommitUncertain means the backend could not confirm whether the
	// transaction committed.
	ErrCommitUncertain = errors.New("commit outcome unknown")
)

// Record is the persisted unit of state.
type Record struct {
	Kind      string          `json:"kind"`
	ID        string          `json:"id"`
	Version   int64           `json:"version"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Tx is the read/write view available inside RunInTx. Reads observe the
// transaction's own writes.
type Tx interface {
	Get(kind, id string) (Record, error)
	// List returns all records of kind ordered by id.
	List(kind string) ([]Record, error)
	// Put inserts (Version == 0) or replaces (Version == stored version) a
	// record and returns it with its new version.
	Put(rec Record) (Record, error)
	// Delete removes a record. A zero version deletes unconditionally.
	Delete(kind, id string, version int64) error
}

// Store runs transactions against one backend.
type Store interface {
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Driver() string
	Close() error
}

// GetJSON loads kind/id into v and returns the record version.
func GetJSON(tx Tx, kind, id string, v any) (int64, error) {
	rec, err := tx.Get(kind, id)
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(rec.Data, v); err != nil {
		return 0, fmt.Errorf("decode %s/%s: %w", kind, id, err)
	}
	return rec.Version, nil
}

// PutJSON stores v under kind/id guarded by version and returns the new version.
func PutJSON(tx Tx, kind, id string, version int64, v any) (int64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s/%s: %w", kind, id, err)
	}
	rec, err := tx.Put(Record{Kind: kind, ID: id, Version: version, Data: data})
	if err != nil {
		return 0, err
	}
	return rec.Version, nil
}

// ListJSON decodes every record of kind with decode. decode receives the raw
// payload and the record version.
func ListJSON(tx Tx, kind string, decode func(data []byte, version int64) error) error {
	recs, err := tx.List(kind)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := decode(rec.Data, rec.Version); err != nil {
			return fmt.Errorf("decode %s/%s: %w", kind, rec.ID, err)
		}
	}
	return nil
}
