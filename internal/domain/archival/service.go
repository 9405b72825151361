// Package archival exports terminal records to an archive sink and stamps
// them archived_at. Records are never deleted.
package archival

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/domain/admission"
	"github.com/ehr/intake/internal/domain/dispatch"
	"github.com/ehr/intake/internal/domain/handover"
	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/internal/platform/archive"
	"github.com/ehr/intake/internal/platform/store"
	"github.com/ehr/intake/internal/platform/txrun"
)

// state is the subset of fields every archivable record carries.
type state struct {
	Status       string     `json:"status"`
	Consumed     bool       `json:"consumed"`
	CompletedAt  *time.Time `json:"completed_at"`
	CancelledAt  *time.Time `json:"cancelled_at"`
	ConsumedAt   *time.Time `json:"consumed_at"`
	DischargedAt *time.Time `json:"discharged_at"`
	ArchivedAt   *time.Time `json:"archived_at"`
}

// target names a record kind and when its records became terminal.
type target struct {
	kind     string
	terminal func(st state) *time.Time
}

var targets = []target{
	{kind: dispatch.KindIncident, terminal: func(st state) *time.Time {
		switch dispatch.IncidentStatus(st.Status) {
		case dispatch.IncidentCompleted:
			return st.CompletedAt
		case dispatch.IncidentCancelled:
			return st.CancelledAt
		}
		return nil
	}},
	{kind: handover.KindHandover, terminal: func(st state) *time.Time {
		if st.Consumed {
			return st.ConsumedAt
		}
		return nil
	}},
	{kind: admission.KindAdmission, terminal: func(st state) *time.Time {
		if admission.Status(st.Status) == admission.StatusDischarged {
			return st.DischargedAt
		}
		return nil
	}},
}

// Report summarises one archive run.
type Report struct {
	Before   time.Time      `json:"before"`
	Sink     string         `json:"sink"`
	Archived map[string]int `json:"archived"`
	Skipped  int            `json:"skipped"`
}

type Service struct {
	run    *txrun.Runner
	sink   archive.Sink
	logger zerolog.Logger
}

func NewService(run *txrun.Runner, sink archive.Sink, logger zerolog.Logger) *Service {
	return &Service{run: run, sink: sink, logger: logger.With().Str("component", "archival").Logger()}
}

type candidate struct {
	id      string
	version int64
	at      time.Time
	data    []byte
}

// Run archives every terminal, unarchived record that became terminal
// before the cutoff. A zero cutoff means now. The object is written before
// the record is stamped; a record changed in between is left for the next
// run.
func (s *Service) Run(ctx context.Context, before time.Time) (*Report, error) {
	if before.IsZero() {
		before = s.run.Clock().Now()
	}
	rep := &Report{Before: before, Sink: s.sink.Name(), Archived: make(map[string]int, len(targets))}
	for _, t := range targets {
		cands, err := s.candidates(ctx, t, before)
		if err != nil {
			return rep, err
		}
		for _, c := range cands {
			key := fmt.Sprintf("%s/%s/%s.json", t.kind, c.at.UTC().Format("2006/01"), c.id)
			if _, err := s.sink.Put(ctx, key, c.data); err != nil {
				return rep, fmt.Errorf("export %s: %w", key, err)
			}
			err := s.mark(ctx, t.kind, c)
			switch {
			case err == nil:
				rep.Archived[t.kind]++
			case apperr.IsKind(err, apperr.Conflict):
				rep.Skipped++
				s.logger.Debug().Str("kind", t.kind).Str("id", c.id).Msg("record changed during export, skipped")
			default:
				return rep, err
			}
		}
	}
	s.logger.Info().Time("before", before).Interface("archived", rep.Archived).Int("skipped", rep.Skipped).Msg("archive run finished")
	return rep, nil
}

func (s *Service) candidates(ctx context.Context, t target, before time.Time) ([]candidate, error) {
	var out []candidate
	err := s.run.Read(ctx, func(tx store.Tx) error {
		recs, err := tx.List(t.kind)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			var st state
			if err := json.Unmarshal(rec.Data, &st); err != nil {
				return fmt.Errorf("decode %s/%s: %w", t.kind, rec.ID, err)
			}
			at := t.terminal(st)
			if st.ArchivedAt != nil || at == nil || !at.Before(before) {
				continue
			}
			out = append(out, candidate{id: rec.ID, version: rec.Version, at: *at, data: rec.Data})
		}
		return nil
	})
	return out, err
}

// mark stamps archived_at, guarded by the version the export was taken from.
func (s *Service) mark(ctx context.Context, kind string, c candidate) error {
	return s.run.Do(ctx, txrun.Op{Name: "archive_record"}, func(tx *txrun.Tx) error {
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(c.data, &doc); err != nil {
			return err
		}
		stamp, err := json.Marshal(tx.Now)
		if err != nil {
			return err
		}
		doc["archived_at"] = stamp
		if _, err := store.PutJSON(tx, kind, c.id, c.version, doc); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.Wrap(err, apperr.Conflict, "%s %s disappeared", kind, c.id)
			}
			return err
		}
		tx.Emit("record.archived", kind, c.id, map[string]any{"kind": kind, "id": c.id})
		return nil
	})
}
