package bed

import "time"

const (
	KindWard = "ward"
	KindBed  = "bed"

	kindWardCode  = "ward_code"
	kindBedNumber = "bed_number"
)

type Status string

const (
	StatusAvailable    Status = "Available"
	StatusOccupied     Status = "Occupied"
	StatusReserved     Status = "Reserved"
	StatusCleaning     Status = "Cleaning"
	StatusMaintenance  Status = "Maintenance"
	StatusOutOfService Status = "OutOfService"
)

var statuses = []Status{
	StatusAvailable, StatusOccupied, StatusReserved,
	StatusCleaning, StatusMaintenance, StatusOutOfService,
}

func (s Status) Valid() bool {
	for _, v := range statuses {
		if v == s {
			return true
		}
	}
	return false
}

// Cleaning statuses are informational and never gate a transition.
const (
	CleaningDirty      = "dirty"
	CleaningInProgress = "in_progress"
	CleaningClean      = "clean"
	CleaningInspected  = "inspected"
)

func validCleaningStatus(s string) bool {
	switch s {
	case CleaningDirty, CleaningInProgress, CleaningClean, CleaningInspected:
		return true
	}
	return false
}

type Ward struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	WardType  string    `json:"ward_type,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Version   int64     `json:"version"`
}

type Bed struct {
	ID             string     `json:"id"`
	BedNumber      string     `json:"bed_number"`
	WardID         string     `json:"ward_id"`
	Status         Status     `json:"status"`
	CurrentPatient string     `json:"current_patient,omitempty"`
	AdmissionID    string     `json:"admission_id,omitempty"`
	AssignedAt     *time.Time `json:"assigned_at,omitempty"`
	DischargedAt   *time.Time `json:"discharged_at,omitempty"`
	ReservedFor    string     `json:"reserved_for,omitempty"`
	CleaningStatus string     `json:"cleaning_status,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	Version        int64      `json:"version"`
}

// WardOccupancy is computed on read from the ward's beds.
type WardOccupancy struct {
	WardID       string         `json:"ward_id"`
	Code         string         `json:"code"`
	Name         string         `json:"name"`
	Total        int            `json:"total"`
	ByStatus     map[Status]int `json:"by_status"`
	Occupied     int            `json:"occupied"`
	Available    int            `json:"available"`
	OccupancyPct float64        `json:"occupancy_pct"`
}

type CreateWardRequest struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	WardType string `json:"ward_type"`
}

type CreateBedRequest struct {
	WardID    string `json:"ward_id"`
	BedNumber string `json:"bed_number"`
}
