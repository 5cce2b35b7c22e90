package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Guiloteman/CI-CD-Back/internal/domain/staff"
	"github.com/Guiloteman/CI-CD-Back/internal/platform/events"
	"github.com/Guiloteman/CI-CD-Back/internal/platform/outcome"
	"github.com/Guiloteman/CI-CD-Back/internal/platform/validation"
)

// Policy holds the configurable business rules around claims.
type Policy struct {
	// RequireClaimingDoctor rejects treatments filed by anyone other than
	// the doctor who claimed the admission.
	RequireClaimingDoctor bool
	// OneActiveClaimPerDoctor rejects a claim while the doctor still has an
	// IN_PROGRESS admission.
	OneActiveClaimPerDoctor bool
}

type Service struct {
	store     Store
	publisher events.Publisher
	policy    Policy
	now       func() time.Time
	logger    zerolog.Logger
}

type Option func(*Service)

func WithPublisher(p events.Publisher) Option { return func(s *Service) { s.publisher = p } }
func WithPolicy(p Policy) Option              { return func(s *Service) { s.policy = p } }
func WithClock(now func() time.Time) Option   { return func(s *Service) { s.now = now } }

func NewService(store Store, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:     store,
		publisher: events.Nop{},
		now:       time.Now,
		logger:    logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// timestamp is the service clock at the precision Postgres stores.
func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// fail passes classified errors through and wraps anything else as a
// storage failure, logging it once here.
func (s *Service) fail(op string, err error) error {
	var oe *outcome.Error
	if errors.As(err, &oe) {
		if oe.Kind == outcome.KindStorage {
			s.logger.Error().Err(err).Str("op", op).Msg("storage failure")
		}
		return oe
	}
	s.logger.Error().Err(err).Str("op", op).Msg("storage failure")
	return outcome.Storage(op, err)
}

func (s *Service) publish(ctx context.Context, t events.Type, id uuid.UUID, data interface{}) {
	e, err := events.New(t, id, data)
	if err == nil {
		err = s.publisher.Publish(ctx, e)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("event_type", string(t)).Str("admission_id", id.String()).Msg("publish event")
	}
}

func checkReport(v *outcome.Collector, field, report string) {
	trimmed := strings.TrimSpace(report)
	v.Check(trimmed != "", field+" is required")
	v.Check(utf8.RuneCountInString(trimmed) <= MaxReportLength, field+" must be at most 1000 characters")
}

// -- Register Admission --

type RegisterRequest struct {
	NationalID string     `json:"national_id" validate:"required,len=11,numeric"`
	NurseID    uuid.UUID  `json:"nurse_id"`
	Report     string     `json:"report" validate:"required,max=1000"`
	CategoryID int        `json:"category_id" validate:"gt=0"`
	Vitals     VitalSigns `json:"vitals"`
}

// Vital signs are stored as NUMERIC(6,2), temperature as NUMERIC(4,1).
var (
	measureLimit     = decimal.RequireFromString("9999.99")
	temperatureLimit = decimal.RequireFromString("999.9")
)

// checkMeasure rejects values the column would overflow or round.
func checkMeasure(v *outcome.Collector, field string, d, limit decimal.Decimal, places int32) {
	switch {
	case d.IsNegative():
		v.Add(field + " cannot be negative")
	case d.GreaterThan(limit):
		v.Add(fmt.Sprintf("%s must be at most %s", field, limit))
	case !d.Equal(d.Truncate(places)):
		v.Add(fmt.Sprintf("%s must have at most %d decimal places", field, places))
	}
}

func (r RegisterRequest) validate() error {
	var v outcome.Collector
	for _, msg := range validation.Struct(r) {
		v.Add(msg)
	}
	v.Check(r.NurseID != uuid.Nil, "nurse_id is required")
	v.Check(r.Report == "" || strings.TrimSpace(r.Report) != "", "report is required")
	checkMeasure(&v, "heart_rate", r.Vitals.HeartRate, measureLimit, 2)
	checkMeasure(&v, "respiratory_rate", r.Vitals.RespiratoryRate, measureLimit, 2)
	checkMeasure(&v, "systolic", r.Vitals.Systolic, measureLimit, 2)
	checkMeasure(&v, "diastolic", r.Vitals.Diastolic, measureLimit, 2)
	if r.Vitals.TemperatureC.Valid {
		checkMeasure(&v, "temperature_c", r.Vitals.TemperatureC.Decimal, temperatureLimit, 1)
	}
	return v.Err("invalid admission")
}

// Register validates the request, resolves patient, nurse and category and
// queues a new PENDING admission.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*AdmissionDetail, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	nationalID := strings.TrimSpace(req.NationalID)

	var created *AdmissionDetail
	err := s.store.Atomic(ctx, func(ctx context.Context) error {
		patient, err := s.store.FindPatientByNationalID(ctx, nationalID)
		if err != nil {
			return outcome.Storage("find patient", err)
		}
		if patient == nil {
			return outcome.NotFound("no patient with national id %s; register the patient first", nationalID)
		}

		ok, err := s.store.ClinicianExists(ctx, staff.RoleNurse, req.NurseID)
		if err != nil {
			return outcome.Storage("check nurse", err)
		}
		if !ok {
			return outcome.NotFound("nurse %s not found", req.NurseID)
		}

		cat, err := s.store.GetCategory(ctx, req.CategoryID)
		if err != nil {
			return outcome.Storage("get category", err)
		}
		if cat == nil {
			return outcome.NotFound("emergency category %d not found", req.CategoryID)
		}

		a := &Admission{
			ID:         uuid.New(),
			PatientID:  patient.ID,
			NurseID:    req.NurseID,
			CategoryID: cat.ID,
			Report:     strings.TrimSpace(req.Report),
			Status:     StatusPending,
			Vitals:     req.Vitals,
			ArrivedAt:  s.timestamp(),
		}
		if err := s.store.CreateAdmission(ctx, a); err != nil {
			return outcome.Storage("create admission", err)
		}
		created = &AdmissionDetail{Admission: *a, Patient: *patient, Category: *cat}
		return nil
	})
	if err != nil {
		return nil, s.fail("register admission", err)
	}

	if full, err := s.store.GetAdmission(ctx, created.ID); err == nil && full != nil {
		created = full
	}

	s.logger.Info().
		Str("admission_id", created.ID.String()).
		Str("patient_id", created.PatientID.String()).
		Str("level", created.Category.Level.Color).
		Msg("admission registered")
	s.publish(ctx, events.AdmissionRegistered, created.ID, map[string]interface{}{
		"patient_id":  created.PatientID,
		"category_id": created.CategoryID,
		"priority":    created.Category.Level.Priority,
		"level_color": created.Category.Level.Color,
	})
	return created, nil
}

// -- Waiting Queue --

// Queue returns the pending admissions in claim order with derived wait data.
func (s *Service) Queue(ctx context.Context) ([]QueueEntry, error) {
	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return nil, s.fail("list pending", err)
	}
	return BuildQueue(pending, s.now()), nil
}

// Overdue returns the queue entries that have waited past their level's limit.
func (s *Service) Overdue(ctx context.Context) ([]QueueEntry, error) {
	q, err := s.Queue(ctx)
	if err != nil {
		return nil, err
	}
	return OverdueOnly(q), nil
}

// Position returns the 1-based queue position of a PENDING admission.
func (s *Service) Position(ctx context.Context, admissionID uuid.UUID) (int, error) {
	a, err := s.store.GetAdmission(ctx, admissionID)
	if err != nil {
		return 0, s.fail("get admission", err)
	}
	if a == nil {
		return 0, outcome.NotFound("admission %s not found", admissionID)
	}
	if a.Status != StatusPending {
		return 0, outcome.Conflict("admission %s is not waiting (status %s)", admissionID, a.Status)
	}

	q, err := s.Queue(ctx)
	if err != nil {
		return 0, err
	}
	pos := PositionOf(q, admissionID)
	if pos == 0 {
		return 0, outcome.Conflict("admission %s left the queue", admissionID)
	}
	return pos, nil
}

// -- Claim --

// ClaimNext assigns the most urgent waiting admission to doctorID.
// Concurrent callers never receive the same admission.
func (s *Service) ClaimNext(ctx context.Context, doctorID uuid.UUID) (*AdmissionDetail, error) {
	if doctorID == uuid.Nil {
		return nil, outcome.Validation("invalid claim", "doctor_id is required")
	}

	var claimed *AdmissionDetail
	err := s.store.Atomic(ctx, func(ctx context.Context) error {
		ok, err := s.store.ClinicianExists(ctx, staff.RoleDoctor, doctorID)
		if err != nil {
			return outcome.Storage("check doctor", err)
		}
		if !ok {
			return outcome.NotFound("doctor %s not found", doctorID)
		}

		if s.policy.OneActiveClaimPerDoctor {
			if err := s.store.LockDoctor(ctx, doctorID); err != nil {
				return outcome.Storage("lock doctor", err)
			}
			n, err := s.store.CountActiveClaims(ctx, doctorID)
			if err != nil {
				return outcome.Storage("count active claims", err)
			}
			if n > 0 {
				return outcome.Conflict("doctor %s already has a patient in progress", doctorID)
			}
		}

		claimed, err = s.store.ClaimNext(ctx, doctorID, s.timestamp())
		if err != nil {
			return outcome.Storage("claim next", err)
		}
		if claimed == nil {
			return outcome.EmptyQueue("no patients waiting")
		}
		return nil
	})
	if err != nil {
		return nil, s.fail("claim next", err)
	}

	s.logger.Info().
		Str("admission_id", claimed.ID.String()).
		Str("doctor_id", doctorID.String()).
		Int("priority", claimed.Category.Level.Priority).
		Msg("admission claimed")
	s.publish(ctx, events.AdmissionClaimed, claimed.ID, map[string]interface{}{
		"doctor_id": doctorID,
	})
	return claimed, nil
}

// -- Treatment --

type TreatmentRequest struct {
	DoctorID uuid.UUID `json:"doctor_id"`
	Report   string    `json:"report"`
}

// FileTreatment records the doctor's report and finalizes the admission.
func (s *Service) FileTreatment(ctx context.Context, admissionID uuid.UUID, req TreatmentRequest) (*Treatment, error) {
	var v outcome.Collector
	v.Check(admissionID != uuid.Nil, "admission_id is required")
	v.Check(req.DoctorID != uuid.Nil, "doctor_id is required")
	checkReport(&v, "report", req.Report)
	if err := v.Err("invalid treatment"); err != nil {
		return nil, err
	}

	var filed *Treatment
	err := s.store.Atomic(ctx, func(ctx context.Context) error {
		ok, err := s.store.ClinicianExists(ctx, staff.RoleDoctor, req.DoctorID)
		if err != nil {
			return outcome.Storage("check doctor", err)
		}
		if !ok {
			return outcome.NotFound("doctor %s not found", req.DoctorID)
		}

		a, err := s.store.LockAdmission(ctx, admissionID)
		if err != nil {
			return outcome.Storage("lock admission", err)
		}
		if a == nil {
			return outcome.NotFound("admission %s not found", admissionID)
		}

		existing, err := s.store.GetTreatment(ctx, admissionID)
		if err != nil {
			return outcome.Storage("get treatment", err)
		}
		switch {
		case existing != nil || a.Status == StatusFinalized:
			return outcome.Conflict("admission %s already has a treatment", admissionID)
		case a.Status == StatusPending:
			return outcome.Conflict("admission %s has not been claimed by a doctor", admissionID)
		case s.policy.RequireClaimingDoctor && (a.DoctorID == nil || *a.DoctorID != req.DoctorID):
			return outcome.Conflict("only the doctor who claimed admission %s may file its treatment", admissionID)
		}

		now := s.timestamp()
		t := &Treatment{
			ID:          uuid.New(),
			AdmissionID: admissionID,
			DoctorID:    req.DoctorID,
			Report:      strings.TrimSpace(req.Report),
			PerformedAt: now,
		}
		if err := s.store.CreateTreatment(ctx, t); err != nil {
			if errors.Is(err, ErrDuplicateTreatment) {
				return outcome.Conflict("admission %s already has a treatment", admissionID)
			}
			return outcome.Storage("create treatment", err)
		}
		if err := s.store.MarkFinalized(ctx, admissionID, now); err != nil {
			return outcome.Storage("finalize admission", err)
		}
		filed = t
		return nil
	})
	if errors.Is(err, ErrDuplicateTreatment) {
		err = outcome.Conflict("admission %s already has a treatment", admissionID)
	}
	if err != nil {
		return nil, s.fail("file treatment", err)
	}

	s.logger.Info().
		Str("admission_id", admissionID.String()).
		Str("doctor_id", req.DoctorID.String()).
		Msg("treatment filed")
	s.publish(ctx, events.AdmissionFinalized, admissionID, map[string]interface{}{
		"doctor_id":    req.DoctorID,
		"treatment_id": filed.ID,
	})
	return filed, nil
}

// -- Lookups --

func (s *Service) Levels(ctx context.Context) ([]SeverityLevel, error) {
	levels, err := s.store.ListLevels(ctx)
	if err != nil {
		return nil, s.fail("list levels", err)
	}
	return levels, nil
}

func (s *Service) Categories(ctx context.Context) ([]EmergencyCategory, error) {
	cats, err := s.store.ListCategories(ctx)
	if err != nil {
		return nil, s.fail("list categories", err)
	}
	return cats, nil
}

func (s *Service) Category(ctx context.Context, id int) (*EmergencyCategory, error) {
	c, err := s.store.GetCategory(ctx, id)
	if err != nil {
		return nil, s.fail("get category", err)
	}
	if c == nil {
		return nil, outcome.NotFound("emergency category %d not found", id)
	}
	return c, nil
}

func (s *Service) Admission(ctx context.Context, id uuid.UUID) (*AdmissionDetail, error) {
	a, err := s.store.GetAdmission(ctx, id)
	if err != nil {
		return nil, s.fail("get admission", err)
	}
	if a == nil {
		return nil, outcome.NotFound("admission %s not found", id)
	}
	return a, nil
}

func (s *Service) Admissions(ctx context.Context, f AdmissionFilter, limit, offset int) ([]*AdmissionDetail, int, error) {
	switch f.Status {
	case "", StatusPending, StatusInProgress, StatusFinalized:
	default:
		return nil, 0, outcome.Validation("invalid filter", "status must be one of PENDING, IN_PROGRESS, FINALIZED")
	}
	items, total, err := s.store.ListAdmissions(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, s.fail("list admissions", err)
	}
	return items, total, nil
}

func (s *Service) Treatment(ctx context.Context, admissionID uuid.UUID) (*Treatment, error) {
	t, err := s.store.GetTreatment(ctx, admissionID)
	if err != nil {
		return nil, s.fail("get treatment", err)
	}
	if t == nil {
		return nil, outcome.NotFound("admission %s has no treatment", admissionID)
	}
	return t, nil
}

func (s *Service) TreatmentsByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Treatment, int, error) {
	ok, err := s.store.ClinicianExists(ctx, staff.RoleDoctor, doctorID)
	if err != nil {
		return nil, 0, s.fail("check doctor", err)
	}
	if !ok {
		return nil, 0, outcome.NotFound("doctor %s not found", doctorID)
	}
	items, total, err := s.store.ListTreatmentsByDoctor(ctx, doctorID, limit, offset)
	if err != nil {
		return nil, 0, s.fail("list treatments", err)
	}
	return items, total, nil
}
