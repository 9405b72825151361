package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/internal/platform/store"
	"github.com/ehr/intake/internal/platform/txrun"
)

func validateIncident(req CreateIncidentRequest) error {
	var problems []string
	if !req.Priority.Valid() {
		problems = append(problems, "priority must be one of Critical, High, Medium, Low")
	}
	if strings.TrimSpace(req.Complaint) == "" {
		problems = append(problems, "complaint is required")
	}
	if strings.TrimSpace(req.Location.Address) == "" {
		problems = append(problems, "location.address is required")
	}
	if len(problems) > 0 {
		return apperr.Validation("%s", strings.Join(problems, "; "))
	}
	return nil
}

// CreateIncident records a Reported incident. An empty incident number is
// generated as INC-YYYYMMDD-XXXXXX.
func (s *Service) CreateIncident(ctx context.Context, req CreateIncidentRequest) (*Incident, error) {
	if err := validateIncident(req); err != nil {
		return nil, err
	}

	var inc *Incident
	err := s.run.Do(ctx, txrun.Op{Name: "create_incident"}, func(tx *txrun.Tx) error {
		id := uuid.NewString()
		number := strings.TrimSpace(req.IncidentNumber)
		if number == "" {
			number = "INC-" + tx.Now.Format("20060102") + "-" + strings.ToUpper(strings.ReplaceAll(id, "-", "")[:6])
		}
		inc = &Incident{
			ID:             id,
			IncidentNumber: number,
			Priority:       req.Priority,
			Complaint:      strings.TrimSpace(req.Complaint),
			Location:       req.Location,
			Caller:         req.Caller,
			Status:         IncidentReported,
			ReportedAt:     tx.Now,
		}
		_, err := store.PutJSON(tx, kindIncidentNumber, number, 0, map[string]string{"incident_id": id})
		if errors.Is(err, store.ErrExists) {
			return apperr.New(apperr.AlreadyExists, "incident number %s is already in use", number)
		}
		if err != nil {
			return err
		}
		if err := putIncident(tx, inc); err != nil {
			return err
		}
		tx.Emit("incident.reported", KindIncident, inc.ID, inc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("incident_id", inc.ID).Str("priority", string(inc.Priority)).Msg("incident reported")
	return inc, nil
}

func (s *Service) GetIncident(ctx context.Context, id string) (*Incident, error) {
	var inc *Incident
	err := s.run.Read(ctx, func(tx store.Tx) error {
		var err error
		inc, err = getIncident(tx, id)
		return err
	})
	return inc, err
}

// ListIncidents returns incidents newest first. An empty status lists all.
func (s *Service) ListIncidents(ctx context.Context, status IncidentStatus) ([]*Incident, error) {
	if status != "" && !status.Valid() {
		return nil, apperr.Validation("unknown incident status %q", status)
	}
	out, err := s.listIncidents(ctx, func(inc *Incident) bool {
		return status == "" || inc.Status == status
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReportedAt.Equal(out[j].ReportedAt) {
			return out[i].ReportedAt.After(out[j].ReportedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListAssignable returns unbound Reported incidents by priority, then
// oldest report, then id.
func (s *Service) ListAssignable(ctx context.Context) ([]*Incident, error) {
	out, err := s.listIncidents(ctx, func(inc *Incident) bool {
		return inc.Status == IncidentReported && inc.BoundUnit == ""
	})
	if err != nil {
		return nil, err
	}
	SortAssignable(out)
	return out, nil
}

func SortAssignable(incs []*Incident) {
	sort.SliceStable(incs, func(i, j int) bool {
		a, b := incs[i], incs[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() < b.Priority.Rank()
		}
		if !a.ReportedAt.Equal(b.ReportedAt) {
			return a.ReportedAt.Before(b.ReportedAt)
		}
		return a.ID < b.ID
	})
}

// CancelIncident cancels an incident no unit has been bound to. A bound
// incident is cancelled through its unit.
func (s *Service) CancelIncident(ctx context.Context, id, reason string) (*Incident, error) {
	var inc *Incident
	err := s.run.Do(ctx, txrun.Op{Name: "cancel_incident", Conflict: apperr.InvalidTransition}, func(tx *txrun.Tx) error {
		var err error
		if inc, err = getIncident(tx, id); err != nil {
			return err
		}
		if inc.BoundUnit != "" {
			return apperr.Transition("incident %s is bound to unit %s; cancel through the unit", inc.ID, inc.BoundUnit)
		}
		if inc.Status != IncidentReported {
			return apperr.Transition("incident %s is %s", inc.ID, inc.Status)
		}
		now := tx.Now
		inc.Status = IncidentCancelled
		inc.CancelledAt = &now
		inc.CancelReason = strings.TrimSpace(reason)
		if err := putIncident(tx, inc); err != nil {
			return err
		}
		tx.Emit("incident.cancelled", KindIncident, inc.ID, inc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("incident_id", id).Msg("incident cancelled")
	return inc, nil
}

func (s *Service) listIncidents(ctx context.Context, keep func(*Incident) bool) ([]*Incident, error) {
	var out []*Incident
	err := s.run.Read(ctx, func(tx store.Tx) error {
		return store.ListJSON(tx, KindIncident, func(data []byte, version int64) error {
			var inc Incident
			if err := json.Unmarshal(data, &inc); err != nil {
				return err
			}
			inc.Version = version
			if keep(&inc) {
				out = append(out, &inc)
			}
			return nil
		})
	})
	return out, err
}
