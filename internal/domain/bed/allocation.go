package bed

import (
	"errors"
	"strings"

	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/internal/platform/store"
	"github.com/ehr/intake/internal/platform/txrun"
)

// AssignTx puts a patient into an Available bed. Any other state, or losing
// the bed to a concurrent writer, is BedNotAvailable.
func (s *Service) AssignTx(tx *txrun.Tx, bedID, patientRef, admissionID string) (*Bed, error) {
	if strings.TrimSpace(patientRef) == "" {
		return nil, apperr.Validation("patient_ref is required")
	}
	b, err := getBed(tx, bedID)
	if err != nil {
		return nil, err
	}
	if b.Status != StatusAvailable {
		return nil, apperr.New(apperr.BedNotAvailable, "bed %s is %s", b.ID, b.Status)
	}
	occupy(tx, b, patientRef, admissionID)
	if err := putBed(tx, b); err != nil {
		return nil, lostBed(err, b.ID)
	}
	tx.Emit("bed.assigned", KindBed, b.ID, b)
	return b, nil
}

// TransferTx moves the patient in fromID to toID. Both beds change together
// or neither does.
func (s *Service) TransferTx(tx *txrun.Tx, fromID, toID, reason string) (from, to *Bed, err error) {
	if fromID == toID {
		return nil, nil, apperr.Transition("cannot transfer bed %s to itself", fromID)
	}
	if from, err = getBed(tx, fromID); err != nil {
		return nil, nil, err
	}
	if to, err = getBed(tx, toID); err != nil {
		return nil, nil, err
	}
	if from.Status != StatusOccupied {
		return nil, nil, apperr.Transition("bed %s is %s, not Occupied", from.ID, from.Status)
	}
	if to.Status != StatusAvailable {
		return nil, nil, apperr.New(apperr.BedNotAvailable, "bed %s is %s", to.ID, to.Status)
	}

	occupy(tx, to, from.CurrentPatient, from.AdmissionID)
	vacate(tx, from)

	if err := putBed(tx, to); err != nil {
		return nil, nil, lostBed(err, to.ID)
	}
	if err := putBed(tx, from); err != nil {
		return nil, nil, err
	}
	tx.Emit("bed.assigned", KindBed, to.ID, to)
	tx.Emit("bed.vacated", KindBed, from.ID, from)
	s.logger.Debug().Str("from_bed", from.ID).Str("to_bed", to.ID).Str("reason", reason).Msg("bed transfer staged")
	return from, to, nil
}

// DischargeTx empties an Occupied bed and sends it to Cleaning.
func (s *Service) DischargeTx(tx *txrun.Tx, bedID string) (*Bed, error) {
	b, err := getBed(tx, bedID)
	if err != nil {
		return nil, err
	}
	if b.Status != StatusOccupied {
		return nil, apperr.Transition("bed %s is %s, not Occupied", b.ID, b.Status)
	}
	vacate(tx, b)
	if err := putBed(tx, b); err != nil {
		return nil, err
	}
	tx.Emit("bed.vacated", KindBed, b.ID, b)
	return b, nil
}

func occupy(tx *txrun.Tx, b *Bed, patientRef, admissionID string) {
	now := tx.Now
	b.Status = StatusOccupied
	b.CurrentPatient = patientRef
	b.AdmissionID = admissionID
	b.AssignedAt = &now
	b.DischargedAt = nil
}

func vacate(tx *txrun.Tx, b *Bed) {
	now := tx.Now
	b.Status = StatusCleaning
	b.CurrentPatient = ""
	b.AdmissionID = ""
	b.DischargedAt = &now
	b.CleaningStatus = CleaningDirty
}

func lostBed(err error, bedID string) error {
	if errors.Is(err, store.ErrConflict) {
		return apperr.Wrap(err, apperr.BedNotAvailable, "bed %s was taken concurrently", bedID)
	}
	return err
}
