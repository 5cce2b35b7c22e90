package triage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Guiloteman/CI-CD-Back/internal/domain/staff"
)

// ErrDuplicateTreatment is returned by CreateTreatment when the admission
// already has one.
var ErrDuplicateTreatment = errors.New("treatment already filed for admission")

// Store is the storage gateway behind the triage engine. Lookups return
// (nil, nil) when the row does not exist.
type Store interface {
	// Atomic runs fn as one unit of work. It commits when fn returns nil and
	// rolls back otherwise. Calls nested inside fn join the same unit.
	Atomic(ctx context.Context, fn func(ctx context.Context) error) error
	Ping(ctx context.Context) error

	FindPatientByNationalID(ctx context.Context, nationalID string) (*staff.Patient, error)
	ClinicianExists(ctx context.Context, role staff.Role, id uuid.UUID) (bool, error)

	ListLevels(ctx context.Context) ([]SeverityLevel, error)
	ListCategories(ctx context.Context) ([]EmergencyCategory, error)
	GetCategory(ctx context.Context, id int) (*EmergencyCategory, error)

	CreateAdmission(ctx context.Context, a *Admission) error
	GetAdmission(ctx context.Context, id uuid.UUID) (*AdmissionDetail, error)
	// LockAdmission reads the admission and holds a row lock on it until the
	// surrounding unit of work ends.
	LockAdmission(ctx context.Context, id uuid.UUID) (*Admission, error)
	ListPending(ctx context.Context) ([]*AdmissionDetail, error)
	ListAdmissions(ctx context.Context, f AdmissionFilter, limit, offset int) ([]*AdmissionDetail, int, error)
	// ClaimNext moves the first pending admission in queue order that no
	// concurrent unit holds to IN_PROGRESS. It returns (nil, nil) when
	// nothing is claimable.
	ClaimNext(ctx context.Context, doctorID uuid.UUID, at time.Time) (*AdmissionDetail, error)
	// LockDoctor serialises claims by one doctor until the surrounding unit
	// of work ends.
	LockDoctor(ctx context.Context, doctorID uuid.UUID) error
	CountActiveClaims(ctx context.Context, doctorID uuid.UUID) (int, error)
	MarkFinalized(ctx context.Context, id uuid.UUID, at time.Time) error

	GetTreatment(ctx context.Context, admissionID uuid.UUID) (*Treatment, error)
	CreateTreatment(ctx context.Context, t *Treatment) error
	ListTreatmentsByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Treatment, int, error)
}
