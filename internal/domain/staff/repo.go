package staff

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("staff: record not found")
	ErrDuplicate = errors.New("staff: duplicate record")
)

type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByNationalID(ctx context.Context, nationalID string) (*Patient, error)
	List(ctx context.Context, limit, offset int) ([]*Patient, int, error)
}

type ClinicianRepository interface {
	Create(ctx context.Context, c *Clinician) error
	GetByID(ctx context.Context, role Role, id uuid.UUID) (*Clinician, error)
	GetByLicense(ctx context.Context, role Role, license string) (*Clinician, error)
	List(ctx context.Context, role Role, limit, offset int) ([]*Clinician, int, error)
}

type InsurerRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Insurer, error)
	List(ctx context.Context) ([]*Insurer, error)
}

// PersonLookup reports whether a national id is already taken by anyone.
type PersonLookup interface {
	NationalIDExists(ctx context.Context, nationalID string) (bool, error)
}
