// Package handover gates custody transfer from a response unit to the
// hospital: a handover is created once per incident, verified once and
// consumed once by an admission.
package handover

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/domain/dispatch"
	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/internal/platform/store"
	"github.com/ehr/intake/internal/platform/txrun"
)

type Service struct {
	run    *txrun.Runner
	logger zerolog.Logger
}

func NewService(run *txrun.Runner, logger zerolog.Logger) *Service {
	return &Service{run: run, logger: logger.With().Str("component", "handover").Logger()}
}

func validateSnapshot(s Snapshot) error {
	v := s.Vitals
	var problems []string
	check := func(name string, val *int, lo, hi int) {
		if val != nil && (*val < lo || *val > hi) {
			problems = append(problems, name+" out of range")
		}
	}
	check("heart_rate", v.HeartRate, 0, 300)
	check("systolic_bp", v.SystolicBP, 0, 300)
	check("diastolic_bp", v.DiastolicBP, 0, 200)
	check("respiratory_rate", v.RespiratoryRate, 0, 80)
	check("spo2", v.SpO2, 0, 100)
	check("gcs", v.GCS, 3, 15)
	if v.Temperature != nil && (*v.Temperature < 25 || *v.Temperature > 45) {
		problems = append(problems, "temperature out of range")
	}
	if s.TriageHint != 0 && (s.TriageHint < 1 || s.TriageHint > 5) {
		problems = append(problems, "triage_hint must be 1-5")
	}
	if len(problems) > 0 {
		return apperr.Validation("snapshot: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Create records the handover for an incident that is Transporting or
// Completed. The complaint defaults to the incident's and the patient ref
// to handover:<id>.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Record, error) {
	if strings.TrimSpace(req.IncidentID) == "" {
		return nil, apperr.Validation("incident_id is required")
	}
	if err := validateSnapshot(req.Snapshot); err != nil {
		return nil, err
	}

	var rec *Record
	err := s.run.Do(ctx, txrun.Op{Name: "create_handover"}, func(tx *txrun.Tx) error {
		inc, err := dispatch.GetIncidentTx(tx, req.IncidentID)
		if err != nil {
			return err
		}
		if inc.Status != dispatch.IncidentTransporting && inc.Status != dispatch.IncidentCompleted {
			return apperr.Transition("incident %s is %s; handover needs Transporting or Completed", inc.ID, inc.Status)
		}
		if err := dispatch.HoldIncidentTx(tx, inc); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return apperr.Wrap(err, apperr.InvalidTransition, "incident %s changed while the handover was recorded", inc.ID)
			}
			return err
		}

		id := uuid.NewString()
		_, err = store.PutJSON(tx, kindByIncident, inc.ID, 0, map[string]string{"handover_id": id})
		if errors.Is(err, store.ErrExists) {
			return apperr.New(apperr.AlreadyExists, "incident %s already has a handover", inc.ID)
		}
		if err != nil {
			return err
		}

		snap := req.Snapshot
		if strings.TrimSpace(snap.Complaint) == "" {
			snap.Complaint = inc.Complaint
		}
		patientRef := strings.TrimSpace(req.PatientRef)
		if patientRef == "" {
			patientRef = "handover:" + id
		}
		unitID := inc.BoundUnit
		if unitID == "" {
			unitID = inc.LastUnit
		}
		rec = &Record{
			ID:         id,
			IncidentID: inc.ID,
			UnitID:     unitID,
			PatientRef: patientRef,
			Snapshot:   snap,
			CreatedBy:  tx.Actor,
			CreatedAt:  tx.Now,
		}
		if err := put(tx, rec); err != nil {
			return err
		}
		tx.Emit("handover.created", KindHandover, rec.ID, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("handover_id", rec.ID).Str("incident_id", rec.IncidentID).Msg("handover created")
	return rec, nil
}

// Verify marks the handover verified. It succeeds exactly once.
func (s *Service) Verify(ctx context.Context, id, verifier string) (*Record, error) {
	verifier = strings.TrimSpace(verifier)
	if verifier == "" {
		return nil, apperr.Validation("verifier is required")
	}
	var rec *Record
	err := s.run.Do(ctx, txrun.Op{Name: "verify_handover", Conflict: apperr.AlreadyVerified}, func(tx *txrun.Tx) error {
		var err error
		if rec, err = get(tx, id); err != nil {
			return err
		}
		if rec.Verified {
			return apperr.New(apperr.AlreadyVerified, "handover %s was verified by %s", rec.ID, rec.VerifiedBy)
		}
		now := tx.Now
		rec.Verified = true
		rec.VerifiedBy = verifier
		rec.VerifiedAt = &now
		if err := put(tx, rec); err != nil {
			return err
		}
		tx.Emit("handover.verified", KindHandover, rec.ID, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("handover_id", id).Str("verified_by", verifier).Msg("handover verified")
	return rec, nil
}

// ConsumeTx marks a verified handover consumed by admissionID inside the
// caller's transaction, so it commits or rolls back with the admission.
func (s *Service) ConsumeTx(tx *txrun.Tx, id, admissionID string) (*Record, error) {
	rec, err := get(tx, id)
	if err != nil {
		return nil, err
	}
	if !rec.Verified {
		return nil, apperr.New(apperr.NotVerified, "handover %s has not been verified", rec.ID)
	}
	if rec.Consumed {
		return nil, apperr.New(apperr.AlreadyConsumed, "handover %s was consumed by admission %s", rec.ID, rec.ConsumedByAdmission)
	}
	now := tx.Now
	rec.Consumed = true
	rec.ConsumedByAdmission = admissionID
	rec.ConsumedAt = &now
	if err := put(tx, rec); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperr.Wrap(err, apperr.AlreadyConsumed, "handover %s was consumed concurrently", rec.ID)
		}
		return nil, err
	}
	tx.Emit("handover.consumed", KindHandover, rec.ID, rec)
	return rec, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	var rec *Record
	err := s.run.Read(ctx, func(tx store.Tx) error {
		var err error
		rec, err = get(tx, id)
		return err
	})
	return rec, err
}

// List returns matching handovers newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]*Record, error) {
	out, err := s.list(ctx, f.match)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListEligible returns verified, unconsumed handovers in verification order.
func (s *Service) ListEligible(ctx context.Context) ([]*Record, error) {
	out, err := s.list(ctx, (*Record).Eligible)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].VerifiedAt, out[j].VerifiedAt
		if !a.Equal(*b) {
			return a.Before(*b)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Service) list(ctx context.Context, keep func(*Record) bool) ([]*Record, error) {
	var out []*Record
	err := s.run.Read(ctx, func(tx store.Tx) error {
		return store.ListJSON(tx, KindHandover, func(data []byte, version int64) error {
			var r Record
			if err := json.Unmarshal(data, &r); err != nil {
				return err
			}
			r.Version = version
			if keep(&r) {
				out = append(out, &r)
			}
			return nil
		})
	})
	return out, err
}

func get(tx store.Tx, id string) (*Record, error) {
	var r Record
	ver, err := store.GetJSON(tx, KindHandover, id, &r)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFoundf("handover %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	r.Version = ver
	return &r, nil
}

func put(tx *txrun.Tx, r *Record) error {
	ver, err := store.PutJSON(tx, KindHandover, r.ID, r.Version, r)
	if err != nil {
		return err
	}
	r.Version = ver
	return nil
}
