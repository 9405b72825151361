package storetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ehr/intake/internal/platform/store"
)

type pinKey struct{ kind, id string }

// StaleReads wraps a store so that Get returns a pinned snapshot of chosen
// records. It reproduces a read that happened before another transaction
// committed, as READ COMMITTED backends allow, on a store that otherwise
// runs transactions one at a time. Writes go to the wrapped store unchanged,
// so a write based on a stale read fails its version check.
type StaleReads struct {
	store.Store

	mu     sync.Mutex
	pinned map[pinKey]store.Record
}

func NewStaleReads(s store.Store) *StaleReads {
	return &StaleReads{Store: s, pinned: make(map[pinKey]store.Record)}
}

// Pin snapshots kind/id as it is now. Later transactions see that snapshot
// until they write the record themselves.
func (s *StaleReads) Pin(ctx context.Context, kind, id string) error {
	var rec store.Record
	err := s.Store.RunInTx(ctx, func(tx store.Tx) error {
		var err error
		rec, err = tx.Get(kind, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("pin %s/%s: %w", kind, id, err)
	}
	s.mu.Lock()
	s.pinned[pinKey{kind, id}] = rec
	s.mu.Unlock()
	return nil
}

func (s *StaleReads) Unpin(kind, id string) {
	s.mu.Lock()
	delete(s.pinned, pinKey{kind, id})
	s.mu.Unlock()
}

func (s *StaleReads) RunInTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.Store.RunInTx(ctx, func(tx store.Tx) error {
		return fn(&staleTx{Tx: tx, s: s, written: make(map[pinKey]bool)})
	})
}

func (s *StaleReads) snapshot(k pinKey) (store.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.pinned[k]
	if ok {
		rec.Data = append([]byte(nil), rec.Data...)
	}
	return rec, ok
}

type staleTx struct {
	store.Tx
	s       *StaleReads
	written map[pinKey]bool
}

func (tx *staleTx) Get(kind, id string) (store.Record, error) {
	k := pinKey{kind, id}
	if !tx.written[k] {
		if rec, ok := tx.s.snapshot(k); ok {
			return rec, nil
		}
	}
	return tx.Tx.Get(kind, id)
}

func (tx *staleTx) Put(rec store.Record) (store.Record, error) {
	out, err := tx.Tx.Put(rec)
	if err == nil {
		tx.written[pinKey{rec.Kind, rec.ID}] = true
	}
	return out, err
}

func (tx *staleTx) Delete(kind, id string, version int64) error {
	err := tx.Tx.Delete(kind, id, version)
	if err == nil {
		tx.written[pinKey{kind, id}] = true
	}
	return err
}
