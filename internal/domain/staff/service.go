package staff

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Guiloteman/CI-CD-Back/internal/platform/outcome"
	"github.com/Guiloteman/CI-CD-Back/internal/platform/validation"
)

// PersonInput is the identity block shared by every registration request.
type PersonInput struct {
	NationalID string  `json:"national_id" validate:"required,len=11,numeric"`
	LastName   string  `json:"last_name" validate:"required,max=100"`
	FirstName  string  `json:"first_name" validate:"required,max=100"`
	Email      *string `json:"email,omitempty" validate:"omitempty,email,max=200"`
}

type RegisterPatientRequest struct {
	PersonInput
	Street          string     `json:"street" validate:"required,max=200"`
	StreetNumber    int        `json:"street_number" validate:"gte=0"`
	Locality        string     `json:"locality" validate:"required,max=100"`
	InsurerID       *uuid.UUID `json:"insurer_id,omitempty"`
	AffiliateNumber *string    `json:"affiliate_number,omitempty" validate:"omitempty,max=50"`
}

type RegisterClinicianRequest struct {
	PersonInput
	License string `json:"license" validate:"required,max=50"`
}

type Service struct {
	patients   PatientRepository
	clinicians ClinicianRepository
	insurers   InsurerRepository
	people     PersonLookup
	logger     zerolog.Logger
}

func NewService(p PatientRepository, c ClinicianRepository, i InsurerRepository, people PersonLookup, logger zerolog.Logger) *Service {
	return &Service{patients: p, clinicians: c, insurers: i, people: people, logger: logger}
}

func trimPerson(in *PersonInput) {
	in.NationalID = strings.TrimSpace(in.NationalID)
	in.LastName = strings.TrimSpace(in.LastName)
	in.FirstName = strings.TrimSpace(in.FirstName)
}

func (s *Service) ensureNationalIDFree(ctx context.Context, nationalID string) error {
	taken, err := s.people.NationalIDExists(ctx, nationalID)
	if err != nil {
		return outcome.Storage("check national id", err)
	}
	if taken {
		return outcome.Conflict("a person with national id %s is already registered", nationalID)
	}
	return nil
}

func storageOr(op string, err error, notFound *outcome.Error) error {
	switch {
	case errors.Is(err, ErrNotFound) && notFound != nil:
		return notFound
	case errors.Is(err, ErrDuplicate):
		return outcome.Conflict("%s: record already exists", op)
	default:
		return outcome.Storage(op, err)
	}
}

// -- Patient --

func (s *Service) RegisterPatient(ctx context.Context, req RegisterPatientRequest) (*Patient, error) {
	trimPerson(&req.PersonInput)

	var v outcome.Collector
	for _, msg := range validation.Struct(req) {
		v.Add(msg)
	}
	if req.InsurerID != nil && (req.AffiliateNumber == nil || strings.TrimSpace(*req.AffiliateNumber) == "") {
		v.Add("affiliate_number is required when insurer_id is set")
	}
	if err := v.Err("invalid patient registration"); err != nil {
		return nil, err
	}

	if err := s.ensureNationalIDFree(ctx, req.NationalID); err != nil {
		return nil, err
	}

	var insurer *Insurer
	if req.InsurerID != nil {
		ins, err := s.insurers.GetByID(ctx, *req.InsurerID)
		if err != nil {
			return nil, storageOr("get insurer", err, outcome.NotFound("insurer %s not found", *req.InsurerID))
		}
		insurer = ins
	}

	p := &Patient{
		Person: Person{
			NationalID: req.NationalID,
			LastName:   req.LastName,
			FirstName:  req.FirstName,
			Email:      req.Email,
		},
		Street:          strings.TrimSpace(req.Street),
		StreetNumber:    req.StreetNumber,
		Locality:        strings.TrimSpace(req.Locality),
		InsurerID:       req.InsurerID,
		AffiliateNumber: req.AffiliateNumber,
	}
	if err := s.patients.Create(ctx, p); err != nil {
		return nil, storageOr("create patient", err, nil)
	}
	p.Insurer = insurer

	s.logger.Info().Str("patient_id", p.ID.String()).Msg("patient registered")
	return p, nil
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := s.patients.GetByID(ctx, id)
	if err != nil {
		return nil, storageOr("get patient", err, outcome.NotFound("patient %s not found", id))
	}
	return s.withInsurer(ctx, p)
}

func (s *Service) GetPatientByNationalID(ctx context.Context, nationalID string) (*Patient, error) {
	p, err := s.patients.GetByNationalID(ctx, strings.TrimSpace(nationalID))
	if err != nil {
		return nil, storageOr("get patient", err, outcome.NotFound("no patient with national id %s", nationalID))
	}
	return s.withInsurer(ctx, p)
}

func (s *Service) withInsurer(ctx context.Context, p *Patient) (*Patient, error) {
	if p.InsurerID == nil {
		return p, nil
	}
	ins, err := s.insurers.GetByID(ctx, *p.InsurerID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, outcome.Storage("get insurer", err)
	}
	p.Insurer = ins
	return p, nil
}

func (s *Service) ListPatients(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	items, total, err := s.patients.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, outcome.Storage("list patients", err)
	}
	return items, total, nil
}

// -- Clinician --

func (s *Service) RegisterClinician(ctx context.Context, role Role, req RegisterClinicianRequest) (*Clinician, error) {
	trimPerson(&req.PersonInput)
	req.License = strings.TrimSpace(req.License)

	var v outcome.Collector
	v.Check(role.Valid(), "role must be nurse or doctor")
	for _, msg := range validation.Struct(req) {
		v.Add(msg)
	}
	if err := v.Err("invalid " + string(role) + " registration"); err != nil {
		return nil, err
	}

	if _, err := s.clinicians.GetByLicense(ctx, role, req.License); err == nil {
		return nil, outcome.Conflict("a %s with license %s is already registered", role, req.License)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, outcome.Storage("get clinician by license", err)
	}
	if err := s.ensureNationalIDFree(ctx, req.NationalID); err != nil {
		return nil, err
	}

	c := &Clinician{
		Person: Person{
			NationalID: req.NationalID,
			LastName:   req.LastName,
			FirstName:  req.FirstName,
			Email:      req.Email,
		},
		Role:    role,
		License: req.License,
	}
	if err := s.clinicians.Create(ctx, c); err != nil {
		return nil, storageOr("create "+string(role), err, nil)
	}

	s.logger.Info().Str("role", string(role)).Str("clinician_id", c.ID.String()).Msg("clinician registered")
	return c, nil
}

func (s *Service) GetClinician(ctx context.Context, role Role, id uuid.UUID) (*Clinician, error) {
	c, err := s.clinicians.GetByID(ctx, role, id)
	if err != nil {
		return nil, storageOr("get "+string(role), err, outcome.NotFound("%s %s not found", role, id))
	}
	return c, nil
}

func (s *Service) GetClinicianByLicense(ctx context.Context, role Role, license string) (*Clinician, error) {
	c, err := s.clinicians.GetByLicense(ctx, role, strings.TrimSpace(license))
	if err != nil {
		return nil, storageOr("get "+string(role), err, outcome.NotFound("no %s with license %s", role, license))
	}
	return c, nil
}

func (s *Service) ListClinicians(ctx context.Context, role Role, limit, offset int) ([]*Clinician, int, error) {
	items, total, err := s.clinicians.List(ctx, role, limit, offset)
	if err != nil {
		return nil, 0, outcome.Storage("list "+string(role), err)
	}
	return items, total, nil
}

// -- Insurer --

func (s *Service) ListInsurers(ctx context.Context) ([]*Insurer, error) {
	items, err := s.insurers.List(ctx)
	if err != nil {
		return nil, outcome.Storage("list insurers", err)
	}
	return items, nil
}
