// Package admission joins the EMS side to the bed side. Every admission
// claims a bed through the bed controller, and a handover-sourced admission
// consumes its handover in the same transaction.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/domain/bed"
	"github.com/ehr/intake/internal/domain/handover"
	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/internal/platform/store"
	"github.com/ehr/intake/internal/platform/txrun"
)

type Service struct {
	run       *txrun.Runner
	handovers *handover.Service
	beds      *bed.Service
	logger    zerolog.Logger
}

func NewService(run *txrun.Runner, handovers *handover.Service, beds *bed.Service, logger zerolog.Logger) *Service {
	return &Service{
		run:       run,
		handovers: handovers,
		beds:      beds,
		logger:    logger.With().Str("component", "admission").Logger(),
	}
}

// AdmitFromHandover consumes a verified handover and assigns bedID in one
// transaction. On any failure the handover stays eligible and the bed is
// untouched.
func (s *Service) AdmitFromHandover(ctx context.Context, req FromHandoverRequest) (*Admission, error) {
	if req.HandoverID == "" || req.BedID == "" {
		return nil, apperr.Validation("handover_id and bed_id are required")
	}
	var a *Admission
	err := s.run.Do(ctx, txrun.Op{Name: "admit_from_handover"}, func(tx *txrun.Tx) error {
		a = &Admission{
			ID:         uuid.NewString(),
			Source:     SourceHandover,
			HandoverID: req.HandoverID,
			Status:     StatusPending,
			CreatedBy:  tx.Actor,
			CreatedAt:  tx.Now,
		}
		if err := put(tx, a); err != nil {
			return err
		}
		rec, err := s.handovers.ConsumeTx(tx, req.HandoverID, a.ID)
		if err != nil {
			return err
		}
		a.PatientRef = rec.PatientRef
		return s.admit(tx, a, req.BedID)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("admission_id", a.ID).Str("handover_id", a.HandoverID).Str("bed_id", a.BedID).Msg("patient admitted from handover")
	return a, nil
}

// AdmitWalkIn admits a patient who arrived without an EMS handover.
func (s *Service) AdmitWalkIn(ctx context.Context, req WalkInRequest) (*Admission, error) {
	reg, err := s.validateRegistration(req.Registration)
	if err != nil {
		return nil, err
	}
	if req.BedID == "" {
		return nil, apperr.Validation("bed_id is required")
	}
	var a *Admission
	err = s.run.Do(ctx, txrun.Op{Name: "admit_walk_in"}, func(tx *txrun.Tx) error {
		a = &Admission{
			ID:           uuid.NewString(),
			PatientRef:   PatientRef(reg),
			Source:       SourceWalkIn,
			Registration: &reg,
			Status:       StatusPending,
			CreatedBy:    tx.Actor,
			CreatedAt:    tx.Now,
		}
		if err := put(tx, a); err != nil {
			return err
		}
		return s.admit(tx, a, req.BedID)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("admission_id", a.ID).Str("bed_id", a.BedID).Msg("walk-in patient admitted")
	return a, nil
}

// admit assigns the bed, moves a Pending admission to Admitted and claims
// the patient's active-admission slot.
func (s *Service) admit(tx *txrun.Tx, a *Admission, bedID string) error {
	b, err := s.beds.AssignTx(tx, bedID, a.PatientRef, a.ID)
	if err != nil {
		return err
	}
	now := tx.Now
	a.BedID = b.ID
	a.WardID = b.WardID
	a.Status = StatusAdmitted
	a.Admitted = true
	a.AdmittedAt = &now
	if err := put(tx, a); err != nil {
		return err
	}
	_, err = store.PutJSON(tx, kindActive, a.PatientRef, 0, map[string]string{"admission_id": a.ID})
	if errors.Is(err, store.ErrExists) {
		return apperr.New(apperr.AlreadyAdmitted, "patient %s already has an active admission", a.PatientRef)
	}
	if err != nil {
		return err
	}
	tx.Emit("admission.admitted", KindAdmission, a.ID, a)
	return nil
}

// DischargePatient ends an admission and sends its bed to Cleaning.
func (s *Service) DischargePatient(ctx context.Context, id string) (*Admission, error) {
	var a *Admission
	err := s.run.Do(ctx, txrun.Op{Name: "discharge_patient", Conflict: apperr.InvalidTransition}, func(tx *txrun.Tx) error {
		var err error
		if a, err = get(tx, id); err != nil {
			return err
		}
		if a.Status != StatusAdmitted {
			return apperr.Transition("admission %s is %s, not Admitted", a.ID, a.Status)
		}
		if _, err := s.beds.DischargeTx(tx, a.BedID); err != nil {
			return err
		}
		if err := tx.Delete(kindActive, a.PatientRef, 0); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		now := tx.Now
		a.Status = StatusDischarged
		a.Admitted = false
		a.DischargedAt = &now
		if err := put(tx, a); err != nil {
			return err
		}
		tx.Emit("admission.discharged", KindAdmission, a.ID, a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("admission_id", a.ID).Str("bed_id", a.BedID).Msg("patient discharged")
	return a, nil
}

// TransferPatient moves an admitted patient to toBedID and records the move.
func (s *Service) TransferPatient(ctx context.Context, id string, req TransferRequest) (*Admission, error) {
	if req.ToBedID == "" {
		return nil, apperr.Validation("to_bed_id is required")
	}
	var a *Admission
	err := s.run.Do(ctx, txrun.Op{Name: "transfer_patient"}, func(tx *txrun.Tx) error {
		var err error
		if a, err = get(tx, id); err != nil {
			return err
		}
		if a.Status != StatusAdmitted {
			return apperr.Transition("admission %s is %s, not Admitted", a.ID, a.Status)
		}
		from, to, err := s.beds.TransferTx(tx, a.BedID, req.ToBedID, req.Reason)
		if err != nil {
			return err
		}
		a.Moves = append(a.Moves, Move{
			FromBedID:  from.ID,
			ToBedID:    to.ID,
			FromWardID: from.WardID,
			ToWardID:   to.WardID,
			Reason:     strings.TrimSpace(req.Reason),
			Actor:      tx.Actor,
			At:         tx.Now,
		})
		a.BedID = to.ID
		a.WardID = to.WardID
		if err := put(tx, a); err != nil {
			return err
		}
		tx.Emit("admission.transferred", KindAdmission, a.ID, a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("admission_id", a.ID).Str("bed_id", a.BedID).Int("moves", len(a.Moves)).Msg("patient transferred")
	return a, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Admission, error) {
	var a *Admission
	err := s.run.Read(ctx, func(tx store.Tx) error {
		var err error
		a, err = get(tx, id)
		return err
	})
	return a, err
}

// List returns admissions newest first. An empty status matches all.
func (s *Service) List(ctx context.Context, status Status) ([]*Admission, error) {
	if status != "" && !status.Valid() {
		return nil, apperr.Validation("unknown admission status %q", status)
	}
	var out []*Admission
	err := s.run.Read(ctx, func(tx store.Tx) error {
		return store.ListJSON(tx, KindAdmission, func(data []byte, version int64) error {
			var a Admission
			if err := json.Unmarshal(data, &a); err != nil {
				return err
			}
			a.Version = version
			if status == "" || a.Status == status {
				out = append(out, &a)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Service) validateRegistration(r Registration) (Registration, error) {
	r.FullName = strings.TrimSpace(r.FullName)
	r.DateOfBirth = strings.TrimSpace(r.DateOfBirth)
	r.PresentingComplaint = strings.TrimSpace(r.PresentingComplaint)
	r.Identifier = strings.TrimSpace(r.Identifier)

	var missing []string
	if r.FullName == "" {
		missing = append(missing, "full_name")
	}
	if r.DateOfBirth == "" {
		missing = append(missing, "date_of_birth")
	}
	if r.PresentingComplaint == "" {
		missing = append(missing, "presenting_complaint")
	}
	if len(missing) > 0 {
		return r, apperr.Validation("registration is missing %s", strings.Join(missing, ", "))
	}
	dob, err := time.Parse(time.DateOnly, r.DateOfBirth)
	if err != nil {
		return r, apperr.Validation("date_of_birth must be YYYY-MM-DD")
	}
	if dob.After(s.run.Clock().Now()) {
		return r, apperr.Validation("date_of_birth is in the future")
	}
	return r, nil
}

// PatientRef identifies a walk-in patient: the registration identifier when
// given, otherwise the normalised name and date of birth.
func PatientRef(r Registration) string {
	if id := strings.TrimSpace(r.Identifier); id != "" {
		return id
	}
	return "walkin:" + normaliseName(r.FullName) + ":" + strings.TrimSpace(r.DateOfBirth)
}

func normaliseName(name string) string {
	fields := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, "-")
}

func get(tx store.Tx, id string) (*Admission, error) {
	var a Admission
	ver, err := store.GetJSON(tx, KindAdmission, id, &a)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFoundf("admission %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	a.Version = ver
	return &a, nil
}

func put(tx *txrun.Tx, a *Admission) error {
	if a.Moves == nil {
		a.Moves = []Move{}
	}
	ver, err := store.PutJSON(tx, KindAdmission, a.ID, a.Version, a)
	if err != nil {
		return err
	}
	a.Version = ver
	return nil
}
