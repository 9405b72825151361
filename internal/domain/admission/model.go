package admission

import "time"

const (
	KindAdmission = "admission"

	// kindActive holds one record per patient_ref with a non-discharged
	// admission.
	kindActive = "admission_active"
)

type Status string

const (
	StatusPending    Status = "Pending"
	StatusAdmitted   Status = "Admitted"
	StatusDischarged Status = "Discharged"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAdmitted, StatusDischarged:
		return true
	}
	return false
}

type Source string

const (
	SourceHandover Source = "handover"
	SourceWalkIn   Source = "walk_in"
)

// Registration is the identity captured at the front desk for a walk-in.
type Registration struct {
	Identifier          string `json:"identifier,omitempty"`
	FullName            string `json:"full_name"`
	DateOfBirth         string `json:"date_of_birth"`
	Sex                 string `json:"sex,omitempty"`
	PresentingComplaint string `json:"presenting_complaint"`
	ContactPhone        string `json:"contact_phone,omitempty"`
}

// Move is one bed transfer in an admission's history.
type Move struct {
	FromBedID  string    `json:"from_bed_id"`
	ToBedID    string    `json:"to_bed_id"`
	FromWardID string    `json:"from_ward_id"`
	ToWardID   string    `json:"to_ward_id"`
	Reason     string    `json:"reason,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	At         time.Time `json:"at"`
}

type Admission struct {
	ID           string        `json:"id"`
	PatientRef   string        `json:"patient_ref"`
	Source       Source        `json:"source"`
	HandoverID   string        `json:"handover_id,omitempty"`
	Registration *Registration `json:"registration,omitempty"`
	BedID        string        `json:"bed_id"`
	WardID       string        `json:"ward_id"`
	Status       Status        `json:"status"`
	Admitted     bool          `json:"admitted"`
	AdmittedAt   *time.Time    `json:"admitted_at,omitempty"`
	DischargedAt *time.Time    `json:"discharged_at,omitempty"`
	Moves        []Move        `json:"moves"`
	CreatedBy    string        `json:"created_by,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	ArchivedAt   *time.Time    `json:"archived_at,omitempty"`
	Version      int64         `json:"version"`
}

type FromHandoverRequest struct {
	HandoverID string `json:"handover_id"`
	BedID      string `json:"bed_id"`
}

type WalkInRequest struct {
	Registration Registration `json:"registration"`
	BedID        string       `json:"bed_id"`
}

type TransferRequest struct {
	ToBedID string `json:"to_bed_id"`
	Reason  string `json:"reason"`
}
