package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/internal/platform/store"
	"github.com/ehr/intake/internal/platform/txrun"
)

func (s *Service) CreateUnit(ctx context.Context, req CreateUnitRequest) (*Unit, error) {
	callSign := strings.TrimSpace(req.CallSign)
	if callSign == "" {
		return nil, apperr.Validation("call_sign is required")
	}
	if err := validateCrew(req.Crew); err != nil {
		return nil, err
	}

	var u *Unit
	err := s.run.Do(ctx, txrun.Op{Name: "create_unit"}, func(tx *txrun.Tx) error {
		u = &Unit{
			ID:            uuid.NewString(),
			CallSign:      callSign,
			VehicleNumber: strings.TrimSpace(req.VehicleNumber),
			Status:        UnitAvailable,
			Crew:          req.Crew,
			CreatedAt:     tx.Now,
		}
		_, err := store.PutJSON(tx, kindCallSign, strings.ToUpper(callSign), 0, map[string]string{"unit_id": u.ID})
		if errors.Is(err, store.ErrExists) {
			return apperr.New(apperr.AlreadyExists, "call sign %s is already in use", callSign)
		}
		if err != nil {
			return err
		}
		if err := putUnit(tx, u); err != nil {
			return err
		}
		tx.Emit("unit.created", KindUnit, u.ID, u)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("unit_id", u.ID).Str("call_sign", u.CallSign).Msg("unit created")
	return u, nil
}

func (s *Service) GetUnit(ctx context.Context, id string) (*Unit, error) {
	var u *Unit
	err := s.run.Read(ctx, func(tx store.Tx) error {
		var err error
		u, err = getUnit(tx, id)
		return err
	})
	return u, err
}

// ListUnits returns units ordered by call sign. An empty status lists all.
func (s *Service) ListUnits(ctx context.Context, status UnitStatus) ([]*Unit, error) {
	if status != "" && !status.Valid() {
		return nil, apperr.Validation("unknown unit status %q", status)
	}
	var out []*Unit
	err := s.run.Read(ctx, func(tx store.Tx) error {
		return store.ListJSON(tx, KindUnit, func(data []byte, version int64) error {
			u, err := decodeUnit(data, version)
			if err != nil {
				return err
			}
			if status == "" || u.Status == status {
				out = append(out, u)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CallSign < out[j].CallSign })
	return out, nil
}

func (s *Service) UpdateCrew(ctx context.Context, unitID string, crew []CrewMember) (*Unit, error) {
	if err := validateCrew(crew); err != nil {
		return nil, err
	}
	var u *Unit
	err := s.run.Do(ctx, txrun.Op{Name: "update_crew"}, func(tx *txrun.Tx) error {
		var err error
		if u, err = getUnit(tx, unitID); err != nil {
			return err
		}
		u.Crew = crew
		if err := putUnit(tx, u); err != nil {
			return err
		}
		tx.Emit("unit.crew_updated", KindUnit, u.ID, u)
		return nil
	})
	return u, err
}

// Dispatch binds an Available unit to an unbound Reported incident.
func (s *Service) Dispatch(ctx context.Context, unitID, incidentID string) (*Binding, error) {
	if unitID == "" || incidentID == "" {
		return nil, apperr.Validation("unit_id and incident_id are required")
	}
	var b Binding
	err := s.run.Do(ctx, txrun.Op{Name: "dispatch", Conflict: apperr.UnitUnavailable}, func(tx *txrun.Tx) error {
		u, err := getUnit(tx, unitID)
		if err != nil {
			return err
		}
		inc, err := getIncident(tx, incidentID)
		if err != nil {
			return err
		}
		if u.Status != UnitAvailable {
			return apperr.New(apperr.UnitUnavailable, "unit %s is %s", u.ID, u.Status)
		}
		if inc.Status.Terminal() {
			return apperr.Transition("incident %s is %s", inc.ID, inc.Status)
		}
		if inc.BoundUnit != "" || inc.Status != IncidentReported {
			return apperr.New(apperr.IncidentAlreadyBound, "incident %s is already bound to unit %s", inc.ID, inc.BoundUnit)
		}
		b = Binding{Unit: u, Incident: inc}
		return applyStage(tx, u, inc, IncidentDispatched, "")
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("unit_id", unitID).Str("incident_id", incidentID).Msg("unit dispatched")
	return &b, nil
}

// Advance moves a bound unit to the next stage and mirrors it onto the
// incident. expectedVersion, when set, must equal the unit's version.
func (s *Service) Advance(ctx context.Context, unitID string, target UnitStatus, expectedVersion *int64) (*Binding, error) {
	if !target.Valid() {
		return nil, apperr.Validation("unknown unit status %q", target)
	}
	op := txrun.Op{Name: "advance", Conflict: apperr.InvalidTransition}
	if expectedVersion != nil {
		op.Conflict = apperr.Conflict
	}

	var b Binding
	err := s.run.Do(ctx, op, func(tx *txrun.Tx) error {
		u, err := getUnit(tx, unitID)
		if err != nil {
			return err
		}
		if expectedVersion != nil && *expectedVersion != u.Version {
			return apperr.New(apperr.Conflict, "unit %s is at version %d, expected %d", u.ID, u.Version, *expectedVersion)
		}
		next, ok := advanceTable[u.Status]
		if !ok || next.unit != target {
			return apperr.Transition("unit %s cannot move from %s to %s", u.ID, u.Status, target)
		}
		inc, err := getIncident(tx, u.BoundIncident)
		if err != nil {
			return fmt.Errorf("bound incident: %w", err)
		}
		b = Binding{Unit: u, Incident: inc}
		return applyStage(tx, u, inc, next.incident, "")
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("unit_id", unitID).Str("status", string(target)).Msg("unit advanced")
	return &b, nil
}

// Cancel releases a bound unit and cancels its incident.
func (s *Service) Cancel(ctx context.Context, unitID, reason string) (*Binding, error) {
	var b Binding
	err := s.run.Do(ctx, txrun.Op{Name: "cancel", Conflict: apperr.InvalidTransition}, func(tx *txrun.Tx) error {
		u, err := getUnit(tx, unitID)
		if err != nil {
			return err
		}
		if !u.Status.Bound() {
			return apperr.Transition("unit %s is %s and has no incident to cancel", u.ID, u.Status)
		}
		inc, err := getIncident(tx, u.BoundIncident)
		if err != nil {
			return fmt.Errorf("bound incident: %w", err)
		}
		b = Binding{Unit: u, Incident: inc}
		return applyStage(tx, u, inc, IncidentCancelled, strings.TrimSpace(reason))
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("unit_id", unitID).Str("incident_id", b.Incident.ID).Msg("dispatch cancelled")
	return &b, nil
}

func (s *Service) SetMaintenance(ctx context.Context, unitID string, on bool) (*Unit, error) {
	return s.setServiceState(ctx, "unit_maintenance", unitID, UnitMaintenance, on)
}

func (s *Service) SetOutOfService(ctx context.Context, unitID string, on bool) (*Unit, error) {
	return s.setServiceState(ctx, "unit_out_of_service", unitID, UnitOutOfService, on)
}

// setServiceState toggles an unbound unit between Available and state.
func (s *Service) setServiceState(ctx context.Context, op, unitID string, state UnitStatus, on bool) (*Unit, error) {
	from, to := UnitAvailable, state
	if !on {
		from, to = state, UnitAvailable
	}
	var u *Unit
	err := s.run.Do(ctx, txrun.Op{Name: op, Conflict: apperr.InvalidTransition}, func(tx *txrun.Tx) error {
		var err error
		if u, err = getUnit(tx, unitID); err != nil {
			return err
		}
		if u.Status != from {
			return apperr.Transition("unit %s is %s, expected %s", u.ID, u.Status, from)
		}
		u.Status = to
		if err := putUnit(tx, u); err != nil {
			return err
		}
		ev := UnitEvent{ID: uuid.NewString(), UnitID: u.ID, From: from, To: to, Actor: tx.Actor, At: tx.Now}
		if _, err := store.PutJSON(tx, KindUnitEvent, ev.ID, 0, ev); err != nil {
			return err
		}
		tx.Emit("unit."+strings.ToLower(string(to)), KindUnit, u.ID, u)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("unit_id", unitID).Str("status", string(to)).Msg("unit service state changed")
	return u, nil
}

// UnitHistory returns the unit's transitions oldest first.
func (s *Service) UnitHistory(ctx context.Context, unitID string) ([]UnitEvent, error) {
	var out []UnitEvent
	err := s.run.Read(ctx, func(tx store.Tx) error {
		if _, err := getUnit(tx, unitID); err != nil {
			return err
		}
		return store.ListJSON(tx, KindUnitEvent, func(data []byte, _ int64) error {
			var ev UnitEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				return err
			}
			if ev.UnitID == unitID {
				out = append(out, ev)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (s *Service) FleetSummary(ctx context.Context) (*FleetSummary, error) {
	units, err := s.ListUnits(ctx, "")
	if err != nil {
		return nil, err
	}
	return summarize(units), nil
}

func summarize(units []*Unit) *FleetSummary {
	sum := &FleetSummary{ByStatus: make(map[UnitStatus]int, len(unitStatuses))}
	for _, st := range unitStatuses {
		sum.ByStatus[st] = 0
	}
	for _, u := range units {
		sum.Total++
		sum.ByStatus[u.Status]++
		if u.Status == UnitAvailable {
			sum.Available++
		}
		if u.Status.Bound() {
			sum.Committed++
		}
	}
	if sum.Total > 0 {
		sum.AvailabilityPct = float64(sum.Available) * 100 / float64(sum.Total)
	}
	return sum
}

func validateCrew(crew []CrewMember) error {
	for i, m := range crew {
		if strings.TrimSpace(m.Name) == "" {
			return apperr.Validation("crew[%d].name is required", i)
		}
	}
	return nil
}

func decodeUnit(data []byte, version int64) (*Unit, error) {
	var u Unit
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, err
	}
	u.Version = version
	return &u, nil
}
