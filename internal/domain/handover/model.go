package handover

import "time"

const (
	KindHandover = "handover"

	// kindByIncident holds one record per incident that has a handover.
	kindByIncident = "handover_by_incident"
)

// Vitals are the last field observations before custody transfer.
type Vitals struct {
	HeartRate       *int     `json:"heart_rate,omitempty"`
	SystolicBP      *int     `json:"systolic_bp,omitempty"`
	DiastolicBP     *int     `json:"diastolic_bp,omitempty"`
	RespiratoryRate *int     `json:"respiratory_rate,omitempty"`
	SpO2            *int     `json:"spo2,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	GCS             *int     `json:"gcs,omitempty"`
}

// Snapshot is copied by value into the handover and never updated.
type Snapshot struct {
	Vitals     Vitals `json:"vitals"`
	Complaint  string `json:"complaint,omitempty"`
	TriageHint int    `json:"triage_hint,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

type Record struct {
	ID                  string     `json:"id"`
	IncidentID          string     `json:"incident_id"`
	UnitID              string     `json:"unit_id,omitempty"`
	PatientRef          string     `json:"patient_ref"`
	Snapshot            Snapshot   `json:"snapshot"`
	Verified            bool       `json:"verified"`
	VerifiedBy          string     `json:"verified_by,omitempty"`
	VerifiedAt          *time.Time `json:"verified_at,omitempty"`
	Consumed            bool       `json:"consumed"`
	ConsumedByAdmission string     `json:"consumed_by_admission,omitempty"`
	ConsumedAt          *time.Time `json:"consumed_at,omitempty"`
	CreatedBy           string     `json:"created_by,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	ArchivedAt          *time.Time `json:"archived_at,omitempty"`
	Version             int64      `json:"version"`
}

// Eligible reports whether an admission may consume the handover.
func (r *Record) Eligible() bool { return r.Verified && !r.Consumed }

type CreateRequest struct {
	IncidentID string   `json:"incident_id"`
	PatientRef string   `json:"patient_ref"`
	Snapshot   Snapshot `json:"snapshot"`
}

// Filter narrows List. Nil fields match everything.
type Filter struct {
	IncidentID string
	Verified   *bool
	Consumed   *bool
}

func (f Filter) match(r *Record) bool {
	if f.IncidentID != "" && r.IncidentID != f.IncidentID {
		return false
	}
	if f.Verified != nil && r.Verified != *f.Verified {
		return false
	}
	if f.Consumed != nil && r.Consumed != *f.Consumed {
		return false
	}
	return true
}
