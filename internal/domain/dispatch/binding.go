package dispatch

import (
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/internal/platform/store"
	"github.com/ehr/intake/internal/platform/txrun"
)

// Binding is the unit and incident after a transition that touched both.
type Binding struct {
	Unit     *Unit     `json:"unit"`
	Incident *Incident `json:"incident"`
}

type stage struct {
	unit     UnitStatus
	incident IncidentStatus
}

// advanceTable holds the only forward edge out of each bound stage.
var advanceTable = map[UnitStatus]stage{
	UnitDispatched:   {UnitEnRoute, IncidentEnRoute},
	UnitEnRoute:      {UnitOnScene, IncidentOnScene},
	UnitOnScene:      {UnitTransporting, IncidentTransporting},
	UnitTransporting: {UnitCompleted, IncidentCompleted},
}

// NextStage returns the stage a unit in status s may advance to.
func NextStage(s UnitStatus) (UnitStatus, bool) {
	st, ok := advanceTable[s]
	return st.unit, ok
}

// applyStage moves a unit and its incident together. It is the only code
// that writes either side of a binding. Callers have already checked that
// the move is permitted; applyStage only refuses a binding that does not
// match on both records.
func applyStage(tx *txrun.Tx, u *Unit, inc *Incident, to IncidentStatus, reason string) error {
	if to != IncidentDispatched && (u.BoundIncident != inc.ID || inc.BoundUnit != u.ID) {
		return apperr.Transition("unit %s is not bound to incident %s", u.ID, inc.ID)
	}

	now := tx.Now
	var history []UnitEvent
	record := func(from, to UnitStatus) {
		history = append(history, UnitEvent{
			ID:         uuid.NewString(),
			UnitID:     u.ID,
			IncidentID: inc.ID,
			From:       from,
			To:         to,
			Actor:      tx.Actor,
			Reason:     reason,
			At:         now,
			Seq:        len(history),
		})
	}

	switch to {
	case IncidentDispatched:
		record(u.Status, UnitDispatched)
		u.Status = UnitDispatched
		u.BoundIncident = inc.ID
		inc.BoundUnit = u.ID
		inc.LastUnit = u.ID
		inc.DispatchedAt = &now
	case IncidentEnRoute, IncidentOnScene, IncidentTransporting:
		record(u.Status, UnitStatus(to))
		u.Status = UnitStatus(to)
	case IncidentCompleted:
		record(u.Status, UnitCompleted)
		record(UnitCompleted, UnitAvailable)
		u.Status = UnitAvailable
		u.BoundIncident = ""
		inc.BoundUnit = ""
		inc.CompletedAt = &now
	case IncidentCancelled:
		record(u.Status, UnitAvailable)
		u.Status = UnitAvailable
		u.BoundIncident = ""
		inc.BoundUnit = ""
		inc.CancelledAt = &now
		inc.CancelReason = reason
	default:
		return apperr.Transition("no binding stage %s", to)
	}
	inc.Status = to

	if err := putUnit(tx, u); err != nil {
		return lostDispatch(err, to, apperr.UnitUnavailable, "unit %s was dispatched concurrently", u.ID)
	}
	if err := putIncident(tx, inc); err != nil {
		return lostDispatch(err, to, apperr.IncidentAlreadyBound, "incident %s was bound to another unit concurrently", inc.ID)
	}
	for _, ev := range history {
		if _, err := store.PutJSON(tx, KindUnitEvent, ev.ID, 0, ev); err != nil {
			return err
		}
	}

	tx.Emit("unit."+strings.ToLower(string(history[0].To)), KindUnit, u.ID, u)
	tx.Emit("incident."+strings.ToLower(string(inc.Status)), KindIncident, inc.ID, inc)
	return nil
}

// lostDispatch names the side of a dispatch that lost a version race. Later
// stages leave conflicts to the operation's default kind.
func lostDispatch(err error, to IncidentStatus, kind apperr.Kind, format string, args ...any) error {
	if to != IncidentDispatched || !errors.Is(err, store.ErrConflict) {
		return err
	}
	return apperr.Wrap(err, kind, format, args...)
}

func getUnit(tx store.Tx, id string) (*Unit, error) {
	var u Unit
	ver, err := store.GetJSON(tx, KindUnit, id, &u)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFoundf("unit %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	u.Version = ver
	return &u, nil
}

func putUnit(tx *txrun.Tx, u *Unit) error {
	u.UpdatedAt = tx.Now
	ver, err := store.PutJSON(tx, KindUnit, u.ID, u.Version, u)
	if err != nil {
		return err
	}
	u.Version = ver
	return nil
}

func getIncident(tx store.Tx, id string) (*Incident, error) {
	var inc Incident
	ver, err := store.GetJSON(tx, KindIncident, id, &inc)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFoundf("incident %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	inc.Version = ver
	return &inc, nil
}

func putIncident(tx *txrun.Tx, inc *Incident) error {
	ver, err := store.PutJSON(tx, KindIncident, inc.ID, inc.Version, inc)
	if err != nil {
		return err
	}
	inc.Version = ver
	return nil
}

// HoldIncidentTx rewrites inc unchanged at the version it was read at, so the
// caller's transaction fails with store.ErrConflict if the incident moved
// after that read.
func HoldIncidentTx(tx *txrun.Tx, inc *Incident) error {
	return putIncident(tx, inc)
}

// GetIncidentTx reads an incident inside another component's transaction.
func GetIncidentTx(tx store.Tx, id string) (*Incident, error) {
	return getIncident(tx, id)
}
