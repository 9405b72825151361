package store

import (
	"context"
	"errors"
	"time"
)

// TxObserver receives one observation per transaction.
type TxObserver interface {
	ObserveTx(driver, outcome string, d time.Duration)
}

// Outcome classifies a transaction result for observation.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "committed"
	case errors.Is(err, ErrConflict), errors.Is(err, ErrExists):
		return "conflict"
	case errors.Is(err, ErrCommitUncertain):
		return "uncertain"
	default:
		return "aborted"
	}
}

type observed struct {
	Store
	obs TxObserver
}

// WithObserver reports the duration and outcome of every transaction on s.
func WithObserver(s Store, obs TxObserver) Store {
	if obs == nil {
		return s
	}
	return &observed{Store: s, obs: obs}
}

func (o *observed) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	start := time.Now()
	err := o.Store.RunInTx(ctx, fn)
	o.obs.ObserveTx(o.Store.Driver(), Outcome(err), time.Since(start))
	return err
}
