package bed

import (
	"context"
	"strings"

	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/internal/platform/txrun"
)

// change loads a bed, applies fn and writes it back in one operation.
func (s *Service) change(ctx context.Context, op, bedID, event string, fn func(tx *txrun.Tx, b *Bed) error) (*Bed, error) {
	var b *Bed
	err := s.run.Do(ctx, txrun.Op{Name: op, Conflict: apperr.InvalidTransition}, func(tx *txrun.Tx) error {
		var err error
		if b, err = getBed(tx, bedID); err != nil {
			return err
		}
		if err := fn(tx, b); err != nil {
			return err
		}
		if err := putBed(tx, b); err != nil {
			return err
		}
		tx.Emit(event, KindBed, b.ID, b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("bed_id", bedID).Str("status", string(b.Status)).Str("operation", op).Msg("bed updated")
	return b, nil
}

// MarkClean returns a Cleaning bed to Available.
func (s *Service) MarkClean(ctx context.Context, bedID string) (*Bed, error) {
	return s.change(ctx, "mark_bed_clean", bedID, "bed.cleaned", func(_ *txrun.Tx, b *Bed) error {
		if b.Status != StatusCleaning {
			return apperr.Transition("bed %s is %s, not Cleaning", b.ID, b.Status)
		}
		b.Status = StatusAvailable
		b.CleaningStatus = CleaningClean
		return nil
	})
}

func (s *Service) SetMaintenance(ctx context.Context, bedID string, on bool) (*Bed, error) {
	return s.toggle(ctx, "bed_maintenance", bedID, StatusMaintenance, on)
}

func (s *Service) SetOutOfService(ctx context.Context, bedID string, on bool) (*Bed, error) {
	return s.toggle(ctx, "bed_out_of_service", bedID, StatusOutOfService, on)
}

// toggle takes an Available or Cleaning bed into state, or brings it back
// to Available. Occupied and Reserved beds are never taken out of service.
func (s *Service) toggle(ctx context.Context, op, bedID string, state Status, on bool) (*Bed, error) {
	event := "bed." + strings.ToLower(string(state))
	if !on {
		event = "bed.returned_to_service"
	}
	return s.change(ctx, op, bedID, event, func(_ *txrun.Tx, b *Bed) error {
		if on {
			if b.Status != StatusAvailable && b.Status != StatusCleaning {
				return apperr.Transition("bed %s is %s; only Available or Cleaning beds can go to %s", b.ID, b.Status, state)
			}
			b.Status = state
			return nil
		}
		if b.Status != state {
			return apperr.Transition("bed %s is %s, not %s", b.ID, b.Status, state)
		}
		b.Status = StatusAvailable
		return nil
	})
}

func (s *Service) Reserve(ctx context.Context, bedID, reservedFor string) (*Bed, error) {
	reservedFor = strings.TrimSpace(reservedFor)
	if reservedFor == "" {
		return nil, apperr.Validation("reserved_for is required")
	}
	return s.change(ctx, "reserve_bed", bedID, "bed.reserved", func(_ *txrun.Tx, b *Bed) error {
		if b.Status != StatusAvailable {
			return apperr.New(apperr.BedNotAvailable, "bed %s is %s", b.ID, b.Status)
		}
		b.Status = StatusReserved
		b.ReservedFor = reservedFor
		return nil
	})
}

func (s *Service) ReleaseReservation(ctx context.Context, bedID string) (*Bed, error) {
	return s.change(ctx, "release_bed", bedID, "bed.released", func(_ *txrun.Tx, b *Bed) error {
		if b.Status != StatusReserved {
			return apperr.Transition("bed %s is %s, not Reserved", b.ID, b.Status)
		}
		b.Status = StatusAvailable
		b.ReservedFor = ""
		return nil
	})
}

// SetCleaningStatus records housekeeping progress. It never changes Status.
func (s *Service) SetCleaningStatus(ctx context.Context, bedID, status string) (*Bed, error) {
	if !validCleaningStatus(status) {
		return nil, apperr.Validation("cleaning_status must be one of dirty, in_progress, clean, inspected")
	}
	return s.change(ctx, "set_cleaning_status", bedID, "bed.cleaning_status", func(_ *txrun.Tx, b *Bed) error {
		b.CleaningStatus = status
		return nil
	})
}
