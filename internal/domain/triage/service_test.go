package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Guiloteman/CI-CD-Back/internal/domain/staff"
	"github.com/Guiloteman/CI-CD-Back/internal/platform/events"
	"github.com/Guiloteman/CI-CD-Back/internal/platform/outcome"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	svc    *Service
	store  *MemoryStore
	staff  *staff.Memory
	events *events.Recorder
	clock  *fakeClock
	nurse  uuid.UUID
	doctor uuid.UUID
	seq    int
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	mem := staff.NewMemory()
	levels, cats := DefaultCatalog()
	f := &fixture{
		store:  NewMemoryStore(mem.Patients(), mem.Clinicians(), levels, cats),
		staff:  mem,
		events: events.NewRecorder(256),
		clock:  &fakeClock{now: t0},
	}
	f.nurse = f.clinician(t, staff.RoleNurse)
	f.doctor = f.clinician(t, staff.RoleDoctor)

	opts = append([]Option{WithPublisher(f.events), WithClock(f.clock.Now)}, opts...)
	f.svc = NewService(f.store, zerolog.Nop(), opts...)
	return f
}

func (f *fixture) nextNationalID() string {
	f.seq++
	return fmt.Sprintf("20%09d", f.seq)
}

func (f *fixture) clinician(t *testing.T, role staff.Role) uuid.UUID {
	t.Helper()
	c := &staff.Clinician{
		Person:  staff.Person{NationalID: f.nextNationalID(), LastName: "Lopez", FirstName: "Eva"},
		Role:    role,
		License: fmt.Sprintf("%s-%d", role, f.seq),
	}
	require.NoError(t, f.staff.Clinicians().Create(context.Background(), c))
	return c.ID
}

func (f *fixture) patient(t *testing.T) *staff.Patient {
	t.Helper()
	p := &staff.Patient{
		Person:   staff.Person{NationalID: f.nextNationalID(), LastName: "Diaz", FirstName: "Luis"},
		Street:   "Belgrano",
		Locality: "Rosario",
	}
	require.NoError(t, f.staff.Patients().Create(context.Background(), p))
	return p
}

func (f *fixture) request(nationalID string, category int) RegisterRequest {
	return RegisterRequest{
		NationalID: nationalID,
		NurseID:    f.nurse,
		Report:     "chest pain radiating to left arm",
		CategoryID: category,
		Vitals: VitalSigns{
			TemperatureC:    decimal.NewNullDecimal(decimal.RequireFromString("37.2")),
			HeartRate:       decimal.NewFromInt(92),
			RespiratoryRate: decimal.NewFromInt(18),
			Systolic:        decimal.NewFromInt(130),
			Diastolic:       decimal.NewFromInt(85),
		},
	}
}

func (f *fixture) admit(t *testing.T, category int) *AdmissionDetail {
	t.Helper()
	a, err := f.svc.Register(context.Background(), f.request(f.patient(t).NationalID, category))
	require.NoError(t, err)
	return a
}

func requireKind(t *testing.T, err error, kind outcome.Kind) *outcome.Error {
	t.Helper()
	require.Error(t, err)
	var oe *outcome.Error
	require.True(t, errors.As(err, &oe), "expected *outcome.Error, got %T", err)
	require.Equal(t, kind, oe.Kind, oe.Error())
	return oe
}

func eventTypes(evs []events.Event) []events.Type {
	out := make([]events.Type, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Type)
	}
	return out
}

// =========== Register ===========

func TestRegister(t *testing.T) {
	f := newFixture(t)
	p := f.patient(t)

	a, err := f.svc.Register(context.Background(), f.request(p.NationalID, 4))
	require.NoError(t, err)

	assert.Equal(t, StatusPending, a.Status)
	assert.Equal(t, p.ID, a.PatientID)
	assert.Equal(t, t0, a.ArrivedAt)
	assert.Nil(t, a.DoctorID)
	assert.Equal(t, "ORANGE", a.Category.Level.Color)
	require.NotNil(t, a.Nurse)
	assert.Equal(t, f.nurse, a.Nurse.ID)
	assert.Equal(t, "Diaz, Luis", a.Patient.FullName())

	evs := f.events.Drain()
	require.Len(t, evs, 1)
	assert.Equal(t, events.AdmissionRegistered, evs[0].Type)
	assert.Equal(t, a.ID.String(), evs[0].AggregateID)
}

func TestRegister_ValidationCollectsAll(t *testing.T) {
	f := newFixture(t)
	req := RegisterRequest{
		Report: "   ",
		Vitals: VitalSigns{
			HeartRate:       decimal.NewFromInt(-1),
			RespiratoryRate: decimal.RequireFromString("18.00"),
			Systolic:        decimal.NewFromInt(12345),
			Diastolic:       decimal.RequireFromString("72.555"),
			TemperatureC:    decimal.NewNullDecimal(decimal.NewFromInt(-3)),
		},
	}

	_, err := f.svc.Register(context.Background(), req)
	oe := requireKind(t, err, outcome.KindValidation)
	assert.ElementsMatch(t, []string{
		"national_id is required",
		"nurse_id is required",
		"report is required",
		"category_id must be greater than 0",
		"heart_rate cannot be negative",
		"systolic must be at most 9999.99",
		"diastolic must have at most 2 decimal places",
		"temperature_c cannot be negative",
	}, oe.Errors)
	assert.Empty(t, f.events.Drain())

	_, total, err := f.svc.Admissions(context.Background(), AdmissionFilter{}, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestRegister_TemperatureFitsColumn(t *testing.T) {
	f := newFixture(t)
	nid := f.patient(t).NationalID

	tests := []struct {
		name  string
		value string
		want  string
	}{
		{name: "too high", value: "1000", want: "temperature_c must be at most 999.9"},
		{name: "too precise", value: "37.25", want: "temperature_c must have at most 1 decimal places"},
		{name: "upper bound", value: "999.9"},
		{name: "trailing zeros", value: "37.50"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := f.request(nid, 4)
			req.Vitals.TemperatureC = decimal.NewNullDecimal(decimal.RequireFromString(tt.value))

			_, err := f.svc.Register(context.Background(), req)
			if tt.want == "" {
				require.NoError(t, err)
				return
			}
			oe := requireKind(t, err, outcome.KindValidation)
			assert.Equal(t, []string{tt.want}, oe.Errors)
		})
	}
}

func TestRegister_NationalIDFormat(t *testing.T) {
	f := newFixture(t)
	req := f.request("123", 4)

	_, err := f.svc.Register(context.Background(), req)
	oe := requireKind(t, err, outcome.KindValidation)
	assert.Equal(t, []string{"national_id must be exactly 11 characters"}, oe.Errors)
}

func TestRegister_ReportTooLong(t *testing.T) {
	f := newFixture(t)
	req := f.request(f.patient(t).NationalID, 4)
	req.Report = strings.Repeat("x", MaxReportLength+1)

	_, err := f.svc.Register(context.Background(), req)
	oe := requireKind(t, err, outcome.KindValidation)
	assert.Equal(t, []string{"report must be at most 1000 characters"}, oe.Errors)
}

func TestRegister_MissingReferences(t *testing.T) {
	f := newFixture(t)
	p := f.patient(t)
	ctx := context.Background()

	_, err := f.svc.Register(ctx, f.request("27999999999", 4))
	requireKind(t, err, outcome.KindNotFound)

	req := f.request(p.NationalID, 4)
	req.NurseID = f.doctor
	_, err = f.svc.Register(ctx, req)
	requireKind(t, err, outcome.KindNotFound)

	_, err = f.svc.Register(ctx, f.request(p.NationalID, 99))
	requireKind(t, err, outcome.KindNotFound)

	q, err := f.svc.Queue(ctx)
	require.NoError(t, err)
	assert.Empty(t, q)
}

// =========== Queue, Position, Overdue ===========

func TestQueue_OrdersBySeverityThenArrival(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	yellow := f.admit(t, 7)
	f.clock.Advance(time.Minute)
	red := f.admit(t, 1)
	f.clock.Advance(time.Minute)
	yellow2 := f.admit(t, 8)

	q, err := f.svc.Queue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{red.ID, yellow.ID, yellow2.ID}, ids(q))

	pos, err := f.svc.Position(ctx, yellow2.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, pos)
}

func TestPosition_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Position(ctx, uuid.New())
	requireKind(t, err, outcome.KindNotFound)

	a := f.admit(t, 4)
	_, err = f.svc.ClaimNext(ctx, f.doctor)
	require.NoError(t, err)
	_, err = f.svc.Position(ctx, a.ID)
	requireKind(t, err, outcome.KindConflict)
}

func TestOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	orange := f.admit(t, 4) // 10 minutes
	yellow := f.admit(t, 7) // 60 minutes

	f.clock.Advance(10 * time.Minute)
	over, err := f.svc.Overdue(ctx)
	require.NoError(t, err)
	assert.Empty(t, over)

	f.clock.Advance(time.Second)
	over, err = f.svc.Overdue(ctx)
	require.NoError(t, err)
	require.Len(t, over, 1)
	assert.Equal(t, orange.ID, over[0].AdmissionID)
	assert.Equal(t, 1, over[0].Position)

	f.clock.Advance(time.Hour)
	over, err = f.svc.Overdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{orange.ID, yellow.ID}, ids(over))
}

// =========== Claim ===========

func TestClaimNext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	green := f.admit(t, 10)
	f.clock.Advance(5 * time.Minute)
	red := f.admit(t, 1)
	f.events.Drain()

	got, err := f.svc.ClaimNext(ctx, f.doctor)
	require.NoError(t, err)
	assert.Equal(t, red.ID, got.ID)
	assert.Equal(t, StatusInProgress, got.Status)
	require.NotNil(t, got.DoctorID)
	assert.Equal(t, f.doctor, *got.DoctorID)
	require.NotNil(t, got.ClaimedAt)
	require.NotNil(t, got.Doctor)

	q, err := f.svc.Queue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{green.ID}, ids(q))

	assert.Equal(t, []events.Type{events.AdmissionClaimed}, eventTypes(f.events.Drain()))
}

func TestClaimNext_EmptyQueue(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ClaimNext(context.Background(), f.doctor)
	requireKind(t, err, outcome.KindEmptyQueue)
}

func TestClaimNext_UnknownDoctor(t *testing.T) {
	f := newFixture(t)
	f.admit(t, 4)
	ctx := context.Background()

	_, err := f.svc.ClaimNext(ctx, f.nurse)
	requireKind(t, err, outcome.KindNotFound)

	_, err = f.svc.ClaimNext(ctx, uuid.Nil)
	requireKind(t, err, outcome.KindValidation)

	q, err := f.svc.Queue(ctx)
	require.NoError(t, err)
	assert.Len(t, q, 1)
}

func TestClaimNext_ConcurrentClaimsAreDistinct(t *testing.T) {
	f := newFixture(t)
	const pending, claimers = 12, 20

	for i := 0; i < pending; i++ {
		f.admit(t, 1+i%13)
		f.clock.Advance(time.Second)
	}
	doctors := make([]uuid.UUID, claimers)
	for i := range doctors {
		doctors[i] = f.clinician(t, staff.RoleDoctor)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[uuid.UUID]uuid.UUID)
		empty   int
	)
	g, ctx := errgroup.WithContext(context.Background())
	for _, doc := range doctors {
		doc := doc
		g.Go(func() error {
			a, err := f.svc.ClaimNext(ctx, doc)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				if prev, dup := claimed[a.ID]; dup {
					return fmt.Errorf("admission %s claimed by %s and %s", a.ID, prev, doc)
				}
				claimed[a.ID] = doc
				return nil
			case errors.Is(err, outcome.ErrEmptyQueue):
				empty++
				return nil
			default:
				return err
			}
		})
	}
	require.NoError(t, g.Wait())

	assert.Len(t, claimed, pending)
	assert.Equal(t, claimers-pending, empty)

	q, err := f.svc.Queue(context.Background())
	require.NoError(t, err)
	assert.Empty(t, q)
}

func TestClaimNext_OneActivePerDoctor(t *testing.T) {
	f := newFixture(t, WithPolicy(Policy{OneActiveClaimPerDoctor: true}))
	ctx := context.Background()
	first := f.admit(t, 4)
	f.admit(t, 7)

	_, err := f.svc.ClaimNext(ctx, f.doctor)
	require.NoError(t, err)
	_, err = f.svc.ClaimNext(ctx, f.doctor)
	requireKind(t, err, outcome.KindConflict)

	_, err = f.svc.FileTreatment(ctx, first.ID, TreatmentRequest{DoctorID: f.doctor, Report: "stable"})
	require.NoError(t, err)
	_, err = f.svc.ClaimNext(ctx, f.doctor)
	require.NoError(t, err)
}

func TestClaimNext_OneActivePerDoctorConcurrent(t *testing.T) {
	f := newFixture(t, WithPolicy(Policy{OneActiveClaimPerDoctor: true}))
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		f.admit(t, 1+i)
	}

	const claimers = 12
	var (
		mu               sync.Mutex
		succeeded, taken int
	)
	var g errgroup.Group
	for i := 0; i < claimers; i++ {
		g.Go(func() error {
			_, err := f.svc.ClaimNext(ctx, f.doctor)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, outcome.ErrConflict):
				taken++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, claimers-1, taken)

	active, err := f.store.CountActiveClaims(ctx, f.doctor)
	require.NoError(t, err)
	assert.Equal(t, 1, active)

	q, err := f.svc.Queue(ctx)
	require.NoError(t, err)
	assert.Len(t, q, 5)
}

// =========== Treatment ===========

func TestFileTreatment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.admit(t, 4)
	_, err := f.svc.ClaimNext(ctx, f.doctor)
	require.NoError(t, err)
	f.clock.Advance(20 * time.Minute)

	tr, err := f.svc.FileTreatment(ctx, a.ID, TreatmentRequest{DoctorID: f.doctor, Report: "  ECG normal, discharged  "})
	require.NoError(t, err)
	assert.Equal(t, "ECG normal, discharged", tr.Report)
	assert.Equal(t, t0.Add(20*time.Minute), tr.PerformedAt)

	got, err := f.svc.Admission(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinalized, got.Status)
	require.NotNil(t, got.FinalizedAt)

	stored, err := f.svc.Treatment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, tr.ID, stored.ID)

	list, total, err := f.svc.TreatmentsByDoctor(ctx, f.doctor, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, tr.ID, list[0].ID)

	assert.Equal(t,
		[]events.Type{events.AdmissionRegistered, events.AdmissionClaimed, events.AdmissionFinalized},
		eventTypes(f.events.Drain()))

	_, err = f.svc.FileTreatment(ctx, a.ID, TreatmentRequest{DoctorID: f.doctor, Report: "again"})
	requireKind(t, err, outcome.KindConflict)
}

func TestFileTreatment_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.admit(t, 4)

	_, err := f.svc.FileTreatment(ctx, a.ID, TreatmentRequest{})
	oe := requireKind(t, err, outcome.KindValidation)
	assert.Len(t, oe.Errors, 2)

	_, err = f.svc.FileTreatment(ctx, uuid.New(), TreatmentRequest{DoctorID: f.doctor, Report: "x"})
	requireKind(t, err, outcome.KindNotFound)

	_, err = f.svc.FileTreatment(ctx, a.ID, TreatmentRequest{DoctorID: f.nurse, Report: "x"})
	requireKind(t, err, outcome.KindNotFound)

	_, err = f.svc.FileTreatment(ctx, a.ID, TreatmentRequest{DoctorID: f.doctor, Report: "x"})
	requireKind(t, err, outcome.KindConflict)

	// a rejected filing leaves the admission claimable
	got, err := f.svc.ClaimNext(ctx, f.doctor)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
}

func TestFileTreatment_RequireClaimingDoctor(t *testing.T) {
	f := newFixture(t, WithPolicy(Policy{RequireClaimingDoctor: true}))
	ctx := context.Background()
	a := f.admit(t, 4)
	other := f.clinician(t, staff.RoleDoctor)

	_, err := f.svc.ClaimNext(ctx, f.doctor)
	require.NoError(t, err)

	_, err = f.svc.FileTreatment(ctx, a.ID, TreatmentRequest{DoctorID: other, Report: "x"})
	requireKind(t, err, outcome.KindConflict)

	_, err = f.svc.FileTreatment(ctx, a.ID, TreatmentRequest{DoctorID: f.doctor, Report: "x"})
	require.NoError(t, err)
}

func TestFileTreatment_ConcurrentFilingsKeepOne(t *testing.T) {
	f := newFixture(t)
	a := f.admit(t, 4)
	_, err := f.svc.ClaimNext(context.Background(), f.doctor)
	require.NoError(t, err)

	var (
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		i := i
		g.Go(func() error {
			_, err := f.svc.FileTreatment(context.Background(), a.ID,
				TreatmentRequest{DoctorID: f.doctor, Report: fmt.Sprintf("report %d", i)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, outcome.ErrConflict):
				conflicts++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, ok)
	assert.Equal(t, 7, conflicts)
}

// =========== Lookups ===========

func TestAdmissions_Filter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.admit(t, 4)
	f.clock.Advance(time.Minute)
	f.admit(t, 7)
	_, err := f.svc.ClaimNext(ctx, f.doctor)
	require.NoError(t, err)

	items, total, err := f.svc.Admissions(ctx, AdmissionFilter{Status: StatusInProgress}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, a.ID, items[0].ID)

	items, total, err = f.svc.Admissions(ctx, AdmissionFilter{PatientID: &a.PatientID}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, a.ID, items[0].ID)

	_, total, err = f.svc.Admissions(ctx, AdmissionFilter{}, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	_, _, err = f.svc.Admissions(ctx, AdmissionFilter{Status: "DONE"}, 10, 0)
	requireKind(t, err, outcome.KindValidation)
}

func TestCatalogue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	levels, err := f.svc.Levels(ctx)
	require.NoError(t, err)
	require.Len(t, levels, 5)
	assert.Equal(t, "RED", levels[0].Color)

	cats, err := f.svc.Categories(ctx)
	require.NoError(t, err)
	assert.Len(t, cats, 13)

	c, err := f.svc.Category(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "GREEN", c.Level.Color)

	_, err = f.svc.Category(ctx, 42)
	requireKind(t, err, outcome.KindNotFound)
}

type failingStore struct {
	*MemoryStore
}

func (failingStore) ListPending(context.Context) ([]*AdmissionDetail, error) {
	return nil, errors.New("connection reset by peer")
}

func TestQueue_StorageFailureIsClassified(t *testing.T) {
	f := newFixture(t)
	svc := NewService(failingStore{f.store}, zerolog.Nop())

	_, err := svc.Queue(context.Background())
	oe := requireKind(t, err, outcome.KindStorage)
	assert.Equal(t, "internal storage failure", outcome.Fail(oe).Message)
}
