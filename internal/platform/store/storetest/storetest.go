// Package storetest holds the behaviour every store.Store backend must share.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/ehr/intake/internal/platform/store"
)

// Run exercises s against the Resource Store contract. s must be empty.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("InsertGet", func(t *testing.T) {
		err := s.RunInTx(ctx, func(tx store.Tx) error {
			rec, err := tx.Put(store.Record{Kind: "unit", ID: "u1", Data: []byte(`{"status":"Available"}`)})
			if err != nil {
				return err
			}
			if rec.Version != 1 {
				return fmt.Errorf("expected version 1, got %d", rec.Version)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		err = s.RunInTx(ctx, func(tx store.Tx) error {
			rec, err := tx.Get("unit", "u1")
			if err != nil {
				return err
			}
			if !sameJSON(rec.Data, []byte(`{"status":"Available"}`)) {
				return fmt.Errorf("unexpected payload %s", rec.Data)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("get: %v", err)
		}
	})

	t.Run("InsertExisting", func(t *testing.T) {
		err := s.RunInTx(ctx, func(tx store.Tx) error {
			_, err := tx.Put(store.Record{Kind: "unit", ID: "u1", Data: []byte(`{}`)})
			return err
		})
		if !errors.Is(err, store.ErrExists) {
			t.Fatalf("expected ErrExists, got %v", err)
		}
	})

	t.Run("StaleVersion", func(t *testing.T) {
		err := s.RunInTx(ctx, func(tx store.Tx) error {
			_, err := tx.Put(store.Record{Kind: "unit", ID: "u1", Version: 7, Data: []byte(`{}`)})
			return err
		})
		if !errors.Is(err, store.ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		err := s.RunInTx(ctx, func(tx store.Tx) error {
			_, err := tx.Put(store.Record{Kind: "unit", ID: "nope", Version: 1, Data: []byte(`{}`)})
			return err
		})
		if !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("RollbackOnError", func(t *testing.T) {
		boom := errors.New("boom")
		err := s.RunInTx(ctx, func(tx store.Tx) error {
			if _, err := tx.Put(store.Record{Kind: "bed", ID: "b1", Data: []byte(`{"n":1}`)}); err != nil {
				return err
			}
			if _, err := tx.Put(store.Record{Kind: "unit", ID: "u1", Version: 1, Data: []byte(`{"status":"Dispatched"}`)}); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		err = s.RunInTx(ctx, func(tx store.Tx) error {
			if _, err := tx.Get("bed", "b1"); !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("expected bed insert rolled back, got %v", err)
			}
			rec, err := tx.Get("unit", "u1")
			if err != nil {
				return err
			}
			if rec.Version != 1 {
				return fmt.Errorf("expected unit version 1 after rollback, got %d", rec.Version)
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	})

	t.Run("ReadYourWrites", func(t *testing.T) {
		err := s.RunInTx(ctx, func(tx store.Tx) error {
			if _, err := tx.Put(store.Record{Kind: "ward", ID: "w2", Data: []byte(`{}`)}); err != nil {
				return err
			}
			if _, err := tx.Put(store.Record{Kind: "ward", ID: "w1", Data: []byte(`{}`)}); err != nil {
				return err
			}
			recs, err := tx.List("ward")
			if err != nil {
				return err
			}
			if len(recs) != 2 || recs[0].ID != "w1" || recs[1].ID != "w2" {
				return fmt.Errorf("expected [w1 w2], got %v", recs)
			}
			return tx.Delete("ward", "w2", recs[1].Version)
		})
		if err != nil {
			t.Fatal(err)
		}
		err = s.RunInTx(ctx, func(tx store.Tx) error {
			recs, err := tx.List("ward")
			if err != nil {
				return err
			}
			if len(recs) != 1 {
				return fmt.Errorf("expected 1 ward after delete, got %d", len(recs))
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	})

	t.Run("ConcurrentWritersOneWins", func(t *testing.T) {
		err := s.RunInTx(ctx, func(tx store.Tx) error {
			_, err := tx.Put(store.Record{Kind: "bed", ID: "race", Data: []byte(`{"status":"Available"}`)})
			return err
		})
		if err != nil {
			t.Fatal(err)
		}

		const writers = 8
		var wg sync.WaitGroup
		results := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results <- s.RunInTx(ctx, func(tx store.Tx) error {
					rec, err := tx.Get("bed", "race")
					if err != nil {
						return err
					}
					if rec.Version != 1 {
						return store.ErrConflict
					}
					rec.Data = []byte(fmt.Sprintf(`{"status":"Occupied","by":%d}`, i))
					_, err = tx.Put(rec)
					return err
				})
			}(i)
		}
		wg.Wait()
		close(results)

		wins := 0
		for err := range results {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, store.ErrConflict):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}
		if wins != 1 {
			t.Fatalf("expected exactly one winner, got %d", wins)
		}
	})
}

// sameJSON compares payloads by value; jsonb does not keep the input text.
func sameJSON(a, b []byte) bool {
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}
