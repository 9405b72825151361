package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type recordKey struct {
	kind string
	id   string
}

// Memory is an in-process Store. Transactions are serialised by a single
// writer lock; writes are staged in an overlay and applied on success.
type Memory struct {
	mu    sync.Mutex
	state map[recordKey]Record
	nowFn func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		state: make(map[recordKey]Record),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Driver() string { return "memory" }

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// RunInTx executes fn with exclusive access to the store. If fn or the
// context fails, no staged write is applied.
func (m *Memory) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{
		base:    m.state,
		overlay: make(map[recordKey]*Record),
		now:     m.nowFn(),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for k, rec := range tx.overlay {
		if rec == nil {
			delete(m.state, k)
			continue
		}
		m.state[k] = *rec
	}
	return nil
}

type memoryTx struct {
	base    map[recordKey]Record
	overlay map[recordKey]*Record // nil value marks a delete
	now     time.Time
}

func (tx *memoryTx) lookup(k recordKey) (Record, bool) {
	if rec, staged := tx.overlay[k]; staged {
		if rec == nil {
			return Record{}, false
		}
		return *rec, true
	}
	rec, ok := tx.base[k]
	return rec, ok
}

func (tx *memoryTx) Get(kind, id string) (Record, error) {
	rec, ok := tx.lookup(recordKey{kind, id})
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (tx *memoryTx) List(kind string) ([]Record, error) {
	seen := make(map[string]struct{})
	var out []Record
	for k := range tx.overlay {
		if k.kind != kind {
			continue
		}
		seen[k.id] = struct{}{}
		if rec, ok := tx.lookup(k); ok {
			out = append(out, cloneRecord(rec))
		}
	}
	for k, rec := range tx.base {
		if k.kind != kind {
			continue
		}
		if _, done := seen[k.id]; done {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memoryTx) Put(rec Record) (Record, error) {
	k := recordKey{rec.Kind, rec.ID}
	cur, exists := tx.lookup(k)
	switch {
	case rec.Version == 0 && exists:
		return Record{}, ErrExists
	case rec.Version != 0 && !exists:
		return Record{}, ErrNotFound
	case rec.Version != 0 && cur.Version != rec.Version:
		return Record{}, ErrConflict
	}

	next := cloneRecord(rec)
	next.Version = rec.Version + 1
	next.UpdatedAt = tx.now
	tx.overlay[k] = &next
	return cloneRecord(next), nil
}

func (tx *memoryTx) Delete(kind, id string, version int64) error {
	k := recordKey{kind, id}
	cur, exists := tx.lookup(k)
	if !exists {
		return ErrNotFound
	}
	if version != 0 && cur.Version != version {
		return ErrConflict
	}
	tx.overlay[k] = nil
	return nil
}

func cloneRecord(r Record) Record {
	if r.Data != nil {
		data := make([]byte, len(r.Data))
		copy(data, r.Data)
		r.Data = data
	}
	return r
}
