package dispatch

import (
	"time"
)

// Record kinds in the resource store.
const (
	KindUnit      = "unit"
	KindIncident  = "incident"
	KindUnitEvent = "unit_event"

	kindCallSign       = "unit_call_sign"
	kindIncidentNumber = "incident_number"
)

type UnitStatus string

const (
	UnitAvailable    UnitStatus = "Available"
	UnitDispatched   UnitStatus = "Dispatched"
	UnitEnRoute      UnitStatus = "EnRoute"
	UnitOnScene      UnitStatus = "OnScene"
	UnitTransporting UnitStatus = "Transporting"
	UnitCompleted    UnitStatus = "Completed"
	UnitMaintenance  UnitStatus = "Maintenance"
	UnitOutOfService UnitStatus = "OutOfService"
)

var unitStatuses = []UnitStatus{
	UnitAvailable, UnitDispatched, UnitEnRoute, UnitOnScene,
	UnitTransporting, UnitCompleted, UnitMaintenance, UnitOutOfService,
}

func (s UnitStatus) Valid() bool {
	for _, v := range unitStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Bound reports whether a unit in this status must carry an incident.
func (s UnitStatus) Bound() bool {
	switch s {
	case UnitDispatched, UnitEnRoute, UnitOnScene, UnitTransporting:
		return true
	}
	return false
}

type IncidentStatus string

const (
	IncidentReported     IncidentStatus = "Reported"
	IncidentDispatched   IncidentStatus = "Dispatched"
	IncidentEnRoute      IncidentStatus = "EnRoute"
	IncidentOnScene      IncidentStatus = "OnScene"
	IncidentTransporting IncidentStatus = "Transporting"
	IncidentCompleted    IncidentStatus = "Completed"
	IncidentCancelled    IncidentStatus = "Cancelled"
)

func (s IncidentStatus) Valid() bool {
	switch s {
	case IncidentReported, IncidentDispatched, IncidentEnRoute, IncidentOnScene,
		IncidentTransporting, IncidentCompleted, IncidentCancelled:
		return true
	}
	return false
}

func (s IncidentStatus) Terminal() bool {
	return s == IncidentCompleted || s == IncidentCancelled
}

type Priority string

const (
	PriorityCritical Priority = "Critical"
	PriorityHigh     Priority = "High"
	PriorityMedium   Priority = "Medium"
	PriorityLow      Priority = "Low"
)

// Rank orders priorities, most urgent first. Unknown priorities sort last.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

func (p Priority) Valid() bool { return p.Rank() < 4 }

type CrewMember struct {
	Name          string `json:"name"`
	Role          string `json:"role,omitempty"`
	Certification string `json:"certification,omitempty"`
}

type Unit struct {
	ID            string       `json:"id"`
	CallSign      string       `json:"call_sign"`
	VehicleNumber string       `json:"vehicle_number,omitempty"`
	Status        UnitStatus   `json:"status"`
	BoundIncident string       `json:"bound_incident,omitempty"`
	Crew          []CrewMember `json:"crew,omitempty"`
	Version       int64        `json:"version"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

type Location struct {
	Address   string   `json:"address"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

type Incident struct {
	ID             string         `json:"id"`
	IncidentNumber string         `json:"incident_number"`
	Priority       Priority       `json:"priority"`
	Complaint      string         `json:"complaint"`
	Location       Location       `json:"location"`
	Caller         string         `json:"caller,omitempty"`
	Status         IncidentStatus `json:"status"`
	BoundUnit      string         `json:"bound_unit,omitempty"`
	// LastUnit keeps the serving unit after the binding is cleared.
	LastUnit       string         `json:"last_unit,omitempty"`
	ReportedAt     time.Time      `json:"reported_at"`
	DispatchedAt   *time.Time     `json:"dispatched_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	CancelledAt    *time.Time     `json:"cancelled_at,omitempty"`
	CancelReason   string         `json:"cancel_reason,omitempty"`
	ArchivedAt     *time.Time     `json:"archived_at,omitempty"`
	Version        int64          `json:"version"`
}

// UnitEvent is one entry in a unit's append-only transition history.
type UnitEvent struct {
	ID         string     `json:"id"`
	UnitID     string     `json:"unit_id"`
	IncidentID string     `json:"incident_id,omitempty"`
	From       UnitStatus `json:"from"`
	To         UnitStatus `json:"to"`
	Actor      string     `json:"actor,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	At         time.Time  `json:"at"`
	// Seq orders events written in the same transaction.
	Seq int `json:"seq"`
}

// FleetSummary is computed on read from the current unit records.
type FleetSummary struct {
	Total           int                `json:"total"`
	ByStatus        map[UnitStatus]int `json:"by_status"`
	Available       int                `json:"available"`
	Committed       int                `json:"committed"`
	AvailabilityPct float64            `json:"availability_pct"`
}

type CreateUnitRequest struct {
	CallSign      string       `json:"call_sign"`
	VehicleNumber string       `json:"vehicle_number"`
	Crew          []CrewMember `json:"crew"`
}

type CreateIncidentRequest struct {
	IncidentNumber string   `json:"incident_number"`
	Priority       Priority `json:"priority"`
	Complaint      string   `json:"complaint"`
	Location       Location `json:"location"`
	Caller         string   `json:"caller"`
}
