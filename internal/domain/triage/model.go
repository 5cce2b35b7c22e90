package triage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Guiloteman/CI-CD-Back/internal/domain/staff"
)

// Status is the admission lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusFinalized  Status = "FINALIZED"
)

// MaxReportLength bounds admission and treatment reports.
const MaxReportLength = 1000

// SeverityLevel maps to the severity_level table. Lower Priority is more urgent.
type SeverityLevel struct {
	ID             int    `db:"id" json:"id"`
	Name           string `db:"name" json:"name"`
	Color          string `db:"color" json:"color"`
	MaxWaitMinutes int    `db:"max_wait_minutes" json:"max_wait_minutes"`
	Priority       int    `db:"priority" json:"priority"`
}

// MaxWait returns the level's wait threshold as a duration.
func (l SeverityLevel) MaxWait() time.Duration {
	return time.Duration(l.MaxWaitMinutes) * time.Minute
}

// EmergencyCategory maps to the emergency_category table, resolved with its level.
type EmergencyCategory struct {
	ID      int           `db:"id" json:"id"`
	Name    string        `db:"name" json:"name"`
	LevelID int           `db:"severity_level_id" json:"severity_level_id"`
	Level   SeverityLevel `json:"level"`
}

// VitalSigns recorded at admission. Temperature is optional.
type VitalSigns struct {
	TemperatureC    decimal.NullDecimal `db:"temperature_c" json:"temperature_c"`
	HeartRate       decimal.Decimal     `db:"heart_rate" json:"heart_rate"`
	RespiratoryRate decimal.Decimal     `db:"respiratory_rate" json:"respiratory_rate"`
	Systolic        decimal.Decimal     `db:"systolic" json:"systolic"`
	Diastolic       decimal.Decimal     `db:"diastolic" json:"diastolic"`
}

// Admission maps to the admission table.
type Admission struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	PatientID   uuid.UUID  `db:"patient_id" json:"patient_id"`
	NurseID     uuid.UUID  `db:"nurse_id" json:"nurse_id"`
	DoctorID    *uuid.UUID `db:"doctor_id" json:"doctor_id,omitempty"`
	CategoryID  int        `db:"category_id" json:"category_id"`
	Report      string     `db:"report" json:"report"`
	Status      Status     `db:"status" json:"status"`
	Vitals      VitalSigns `json:"vitals"`
	ArrivedAt   time.Time  `db:"arrived_at" json:"arrived_at"`
	ClaimedAt   *time.Time `db:"claimed_at" json:"claimed_at,omitempty"`
	FinalizedAt *time.Time `db:"finalized_at" json:"finalized_at,omitempty"`
}

// AdmissionDetail is an admission with its relations resolved.
type AdmissionDetail struct {
	Admission
	Patient  staff.Patient     `json:"patient"`
	Nurse    *staff.Clinician  `json:"nurse,omitempty"`
	Doctor   *staff.Clinician  `json:"doctor,omitempty"`
	Category EmergencyCategory `json:"category"`
}

// Treatment maps to the treatment table. At most one exists per admission.
type Treatment struct {
	ID          uuid.UUID `db:"id" json:"id"`
	AdmissionID uuid.UUID `db:"admission_id" json:"admission_id"`
	DoctorID    uuid.UUID `db:"doctor_id" json:"doctor_id"`
	Report      string    `db:"report" json:"report"`
	PerformedAt time.Time `db:"performed_at" json:"performed_at"`
}

// QueueEntry is one row of the waiting-queue view.
type QueueEntry struct {
	Position       int           `json:"position"`
	AdmissionID    uuid.UUID     `json:"admission_id"`
	PatientID      uuid.UUID     `json:"patient_id"`
	PatientName    string        `json:"patient_name"`
	NationalID     string        `json:"national_id"`
	CategoryName   string        `json:"category_name"`
	LevelName      string        `json:"level_name"`
	LevelColor     string        `json:"level_color"`
	Priority       int           `json:"priority"`
	MaxWaitMinutes int           `json:"max_wait_minutes"`
	Vitals         VitalSigns    `json:"vitals"`
	BloodPressure  string        `json:"blood_pressure"`
	Report         string        `json:"report"`
	ArrivedAt      time.Time     `json:"arrived_at"`
	Waiting        time.Duration `json:"-"`
	WaitingMinutes int           `json:"waiting_minutes"`
	Overdue        bool          `json:"overdue"`
}

// AdmissionFilter narrows ListAdmissions. Zero values match everything.
type AdmissionFilter struct {
	PatientID *uuid.UUID
	NurseID   *uuid.UUID
	DoctorID  *uuid.UUID
	Status    Status
}
