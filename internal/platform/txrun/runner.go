// Package txrun runs one core operation as one store transaction and
// publishes the operation's events only after the commit succeeds.
package txrun

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/internal/platform/auth"
	"github.com/ehr/intake/internal/platform/clock"
	"github.com/ehr/intake/internal/platform/events"
	"github.com/ehr/intake/internal/platform/metrics"
	"github.com/ehr/intake/internal/platform/store"
)

// Op names an operation and the error kind a lost version race maps to.
type Op struct {
	Name string
	// Conflict defaults to apperr.Conflict.
	Conflict apperr.Kind
}

// Tx is the store transaction plus the operation's timestamp, actor and
// pending events.
type Tx struct {
	store.Tx
	Now   time.Time
	Actor string

	pending []events.Event
}

// Emit queues an event. It is dropped if the transaction does not commit.
func (t *Tx) Emit(typ, topic, id string, v any) {
	ev := events.New(typ, topic, id, t.Now, v)
	ev.Actor = t.Actor
	t.pending = append(t.pending, ev)
}

type Runner struct {
	store   store.Store
	clock   clock.Clock
	events  events.Publisher
	metrics metrics.Recorder
	logger  zerolog.Logger
}

type Option func(*Runner)

func WithClock(c clock.Clock) Option { return func(r *Runner) { r.clock = c } }

func WithPublisher(p events.Publisher) Option { return func(r *Runner) { r.events = p } }

func WithRecorder(m metrics.Recorder) Option { return func(r *Runner) { r.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(r *Runner) { r.logger = l } }

func New(s store.Store, opts ...Option) *Runner {
	r := &Runner{
		store:   s,
		clock:   clock.System{},
		events:  events.Nop{},
		metrics: metrics.Nop{},
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) Clock() clock.Clock { return r.clock }

// Read runs fn in a transaction without recording or publishing anything.
func (r *Runner) Read(ctx context.Context, fn func(tx store.Tx) error) error {
	return r.store.RunInTx(ctx, fn)
}

// Do runs fn in one transaction. A store conflict that fn did not translate
// becomes op.Conflict; an unknown commit outcome becomes PartiallyApplied.
func (r *Runner) Do(ctx context.Context, op Op, fn func(tx *Tx) error) error {
	start := time.Now()
	var pending []events.Event

	err := r.store.RunInTx(ctx, func(stx store.Tx) error {
		tx := &Tx{Tx: stx, Now: r.clock.Now(), Actor: auth.UserIDFromContext(ctx)}
		if err := fn(tx); err != nil {
			return err
		}
		pending = tx.pending
		return nil
	})
	err = r.classify(op, err)
	r.metrics.Observe(ctx, op.Name, err, time.Since(start))

	if err != nil {
		if apperr.KindOf(err) == apperr.PartiallyApplied {
			r.logger.Error().Err(err).Str("operation", op.Name).Msg("commit outcome unknown, manual reconciliation required")
		}
		return err
	}

	for _, ev := range pending {
		if perr := r.events.Publish(ctx, ev); perr != nil {
			r.logger.Warn().Err(perr).Str("operation", op.Name).Str("type", ev.Type).Msg("event publish failed")
		}
	}
	return nil
}

func (r *Runner) classify(op Op, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	switch {
	case errors.Is(err, store.ErrCommitUncertain):
		return apperr.Wrap(err, apperr.PartiallyApplied, "%s: commit outcome unknown", op.Name)
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrExists):
		kind := op.Conflict
		if kind == "" {
			kind = apperr.Conflict
		}
		return apperr.Wrap(err, kind, "%s: lost a concurrent update", op.Name)
	}
	return err
}
