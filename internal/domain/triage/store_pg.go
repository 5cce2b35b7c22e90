package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Guiloteman/CI-CD-Back/internal/domain/staff"
	"github.com/Guiloteman/CI-CD-Back/internal/platform/db"
)

// PGStore is the Postgres gateway. Every method runs on the transaction
// bound to ctx by Atomic, or on the pool when there is none.
type PGStore struct {
	pool *pgxpool.Pool
	tx   *db.TxManager
}

var _ Store = (*PGStore)(nil)

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool, tx: db.NewTxManager(pool)}
}

func (s *PGStore) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, s.pool)
}

func (s *PGStore) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.tx.Atomic(ctx, fn)
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// =========== Staff lookups ===========

func (s *PGStore) FindPatientByNationalID(ctx context.Context, nationalID string) (*staff.Patient, error) {
	var p staff.Patient
	err := s.conn(ctx).QueryRow(ctx, `SELECT p.id, p.national_id, p.last_name, p.first_name, p.email, p.created_at,
			pt.street, pt.street_number, pt.locality, pt.insurer_id, pt.affiliate_number
		FROM patient pt JOIN person p ON p.id = pt.person_id
		WHERE p.national_id = $1`, nationalID).
		Scan(&p.ID, &p.NationalID, &p.LastName, &p.FirstName, &p.Email, &p.CreatedAt,
			&p.Street, &p.StreetNumber, &p.Locality, &p.InsurerID, &p.AffiliateNumber)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find patient by national id: %w", err)
	}
	return &p, nil
}

func (s *PGStore) ClinicianExists(ctx context.Context, role staff.Role, id uuid.UUID) (bool, error) {
	if !role.Valid() {
		return false, fmt.Errorf("unknown role %q", role)
	}
	var exists bool
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+string(role)+` WHERE person_id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check %s exists: %w", role, err)
	}
	return exists, nil
}

// =========== Severity catalogue ===========

func (s *PGStore) ListLevels(ctx context.Context) ([]SeverityLevel, error) {
	rows, err := s.conn(ctx).Query(ctx,
		`SELECT id, name, color, max_wait_minutes, priority FROM severity_level ORDER BY priority`)
	if err != nil {
		return nil, fmt.Errorf("list severity levels: %w", err)
	}
	defer rows.Close()

	var out []SeverityLevel
	for rows.Next() {
		var l SeverityLevel
		if err := rows.Scan(&l.ID, &l.Name, &l.Color, &l.MaxWaitMinutes, &l.Priority); err != nil {
			return nil, fmt.Errorf("scan severity level: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

const categorySelect = `SELECT c.id, c.name, c.severity_level_id,
		l.id, l.name, l.color, l.max_wait_minutes, l.priority
	FROM emergency_category c JOIN severity_level l ON l.id = c.severity_level_id`

func scanCategory(row pgx.Row) (*EmergencyCategory, error) {
	var c EmergencyCategory
	err := row.Scan(&c.ID, &c.Name, &c.LevelID,
		&c.Level.ID, &c.Level.Name, &c.Level.Color, &c.Level.MaxWaitMinutes, &c.Level.Priority)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PGStore) ListCategories(ctx context.Context) ([]EmergencyCategory, error) {
	rows, err := s.conn(ctx).Query(ctx, categorySelect+` ORDER BY c.id`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	var out []EmergencyCategory
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *PGStore) GetCategory(ctx context.Context, id int) (*EmergencyCategory, error) {
	c, err := scanCategory(s.conn(ctx).QueryRow(ctx, categorySelect+` WHERE c.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get category: %w", err)
	}
	return c, nil
}

// =========== Admission Repository ===========

const admissionCols = `a.id, a.patient_id, a.nurse_id, a.doctor_id, a.category_id, a.report, a.status,
	a.temperature_c, a.heart_rate, a.respiratory_rate, a.systolic, a.diastolic,
	a.arrived_at, a.claimed_at, a.finalized_at`

const detailSelect = `SELECT ` + admissionCols + `,
		pp.national_id, pp.last_name, pp.first_name, pp.email, pp.created_at,
		pt.street, pt.street_number, pt.locality, pt.insurer_id, pt.affiliate_number,
		c.name, l.id, l.name, l.color, l.max_wait_minutes, l.priority,
		np.national_id, np.last_name, np.first_name, n.license,
		dp.national_id, dp.last_name, dp.first_name, d.license
	FROM admission a
	JOIN patient pt ON pt.person_id = a.patient_id
	JOIN person pp ON pp.id = pt.person_id
	JOIN emergency_category c ON c.id = a.category_id
	JOIN severity_level l ON l.id = c.severity_level_id
	JOIN nurse n ON n.person_id = a.nurse_id
	JOIN person np ON np.id = n.person_id
	LEFT JOIN doctor d ON d.person_id = a.doctor_id
	LEFT JOIN person dp ON dp.id = d.person_id`

const queueOrder = ` ORDER BY l.priority ASC, a.arrived_at ASC, a.id ASC`

func admissionDest(a *Admission) []interface{} {
	return []interface{}{
		&a.ID, &a.PatientID, &a.NurseID, &a.DoctorID, &a.CategoryID, &a.Report, &a.Status,
		&a.Vitals.TemperatureC, &a.Vitals.HeartRate, &a.Vitals.RespiratoryRate,
		&a.Vitals.Systolic, &a.Vitals.Diastolic,
		&a.ArrivedAt, &a.ClaimedAt, &a.FinalizedAt,
	}
}

func scanDetail(row pgx.Row) (*AdmissionDetail, error) {
	var (
		d                         AdmissionDetail
		nurse                     staff.Clinician
		docNID, docLast, docFirst *string
		docLicense                *string
	)
	dest := admissionDest(&d.Admission)
	dest = append(dest,
		&d.Patient.NationalID, &d.Patient.LastName, &d.Patient.FirstName, &d.Patient.Email, &d.Patient.CreatedAt,
		&d.Patient.Street, &d.Patient.StreetNumber, &d.Patient.Locality, &d.Patient.InsurerID, &d.Patient.AffiliateNumber,
		&d.Category.Name, &d.Category.Level.ID, &d.Category.Level.Name, &d.Category.Level.Color,
		&d.Category.Level.MaxWaitMinutes, &d.Category.Level.Priority,
		&nurse.NationalID, &nurse.LastName, &nurse.FirstName, &nurse.License,
		&docNID, &docLast, &docFirst, &docLicense,
	)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	d.Patient.ID = d.PatientID
	d.Category.ID = d.CategoryID
	d.Category.LevelID = d.Category.Level.ID
	nurse.ID = d.NurseID
	nurse.Role = staff.RoleNurse
	d.Nurse = &nurse
	if d.DoctorID != nil && docNID != nil {
		d.Doctor = &staff.Clinician{
			Person: staff.Person{ID: *d.DoctorID, NationalID: *docNID, LastName: deref(docLast), FirstName: deref(docFirst)},
			Role:   staff.RoleDoctor,
		}
		d.Doctor.License = deref(docLicense)
	}
	return &d, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func collectDetails(rows pgx.Rows) ([]*AdmissionDetail, error) {
	defer rows.Close()
	var out []*AdmissionDetail
	for rows.Next() {
		d, err := scanDetail(rows)
		if err != nil {
			return nil, fmt.Errorf("scan admission: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PGStore) CreateAdmission(ctx context.Context, a *Admission) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := s.conn(ctx).Exec(ctx, `INSERT INTO admission
		(id, patient_id, nurse_id, category_id, report, status,
		 temperature_c, heart_rate, respiratory_rate, systolic, diastolic, arrived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.PatientID, a.NurseID, a.CategoryID, a.Report, a.Status,
		a.Vitals.TemperatureC, a.Vitals.HeartRate, a.Vitals.RespiratoryRate,
		a.Vitals.Systolic, a.Vitals.Diastolic, a.ArrivedAt)
	if err != nil {
		return fmt.Errorf("insert admission: %w", err)
	}
	return nil
}

func (s *PGStore) GetAdmission(ctx context.Context, id uuid.UUID) (*AdmissionDetail, error) {
	d, err := scanDetail(s.conn(ctx).QueryRow(ctx, detailSelect+` WHERE a.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get admission: %w", err)
	}
	return d, nil
}

func (s *PGStore) LockAdmission(ctx context.Context, id uuid.UUID) (*Admission, error) {
	var a Admission
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT `+admissionCols+` FROM admission a WHERE a.id = $1 FOR UPDATE`, id).
		Scan(admissionDest(&a)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock admission: %w", err)
	}
	return &a, nil
}

func (s *PGStore) ListPending(ctx context.Context) ([]*AdmissionDetail, error) {
	rows, err := s.conn(ctx).Query(ctx, detailSelect+` WHERE a.status = $1`+queueOrder, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending admissions: %w", err)
	}
	return collectDetails(rows)
}

func (s *PGStore) ListAdmissions(ctx context.Context, f AdmissionFilter, limit, offset int) ([]*AdmissionDetail, int, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.PatientID != nil {
		add("a.patient_id = $%d", *f.PatientID)
	}
	if f.NurseID != nil {
		add("a.nurse_id = $%d", *f.NurseID)
	}
	if f.DoctorID != nil {
		add("a.doctor_id = $%d", *f.DoctorID)
	}
	if f.Status != "" {
		add("a.status = $%d", f.Status)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	q := s.conn(ctx)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM admission a`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count admissions: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := q.Query(ctx, detailSelect+clause+
		fmt.Sprintf(` ORDER BY a.arrived_at DESC, a.id ASC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list admissions: %w", err)
	}
	items, err := collectDetails(rows)
	return items, total, err
}

// claimNextSQL locks the head of the queue, skipping rows other
// transactions hold, and moves it to IN_PROGRESS in one statement.
const claimNextSQL = `WITH next AS (
		SELECT a.id
		FROM admission a
		JOIN emergency_category c ON c.id = a.category_id
		JOIN severity_level l ON l.id = c.severity_level_id
		WHERE a.status = 'PENDING'` + queueOrder + `
		LIMIT 1
		FOR UPDATE OF a SKIP LOCKED
	)
	UPDATE admission SET status = 'IN_PROGRESS', doctor_id = $1, claimed_at = $2
	FROM next WHERE admission.id = next.id
	RETURNING admission.id`

func (s *PGStore) ClaimNext(ctx context.Context, doctorID uuid.UUID, at time.Time) (*AdmissionDetail, error) {
	var id uuid.UUID
	err := s.conn(ctx).QueryRow(ctx, claimNextSQL, doctorID, at).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next admission: %w", err)
	}
	return s.GetAdmission(ctx, id)
}

func (s *PGStore) LockDoctor(ctx context.Context, doctorID uuid.UUID) error {
	var one int
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT 1 FROM doctor WHERE person_id = $1 FOR NO KEY UPDATE`, doctorID).Scan(&one)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("lock doctor: %w", err)
	}
	return nil
}

func (s *PGStore) CountActiveClaims(ctx context.Context, doctorID uuid.UUID) (int, error) {
	var n int
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM admission WHERE doctor_id = $1 AND status = $2`,
		doctorID, StatusInProgress).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active claims: %w", err)
	}
	return n, nil
}

func (s *PGStore) MarkFinalized(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.conn(ctx).Exec(ctx,
		`UPDATE admission SET status = $2, finalized_at = $3 WHERE id = $1`, id, StatusFinalized, at)
	if err != nil {
		return fmt.Errorf("finalize admission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("admission %s does not exist", id)
	}
	return nil
}

// =========== Treatment Repository ===========

const treatmentCols = `id, admission_id, doctor_id, report, performed_at`

func scanTreatment(row pgx.Row) (*Treatment, error) {
	var t Treatment
	if err := row.Scan(&t.ID, &t.AdmissionID, &t.DoctorID, &t.Report, &t.PerformedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PGStore) GetTreatment(ctx context.Context, admissionID uuid.UUID) (*Treatment, error) {
	t, err := scanTreatment(s.conn(ctx).QueryRow(ctx,
		`SELECT `+treatmentCols+` FROM treatment WHERE admission_id = $1`, admissionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get treatment: %w", err)
	}
	return t, nil
}

func (s *PGStore) CreateTreatment(ctx context.Context, t *Treatment) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	_, err := s.conn(ctx).Exec(ctx,
		`INSERT INTO treatment (`+treatmentCols+`) VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.AdmissionID, t.DoctorID, t.Report, t.PerformedAt)
	if db.IsUniqueViolation(err, "treatment_admission_id_key") {
		return ErrDuplicateTreatment
	}
	if err != nil {
		return fmt.Errorf("insert treatment: %w", err)
	}
	return nil
}

func (s *PGStore) ListTreatmentsByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Treatment, int, error) {
	q := s.conn(ctx)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM treatment WHERE doctor_id = $1`, doctorID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count treatments: %w", err)
	}

	rows, err := q.Query(ctx, `SELECT `+treatmentCols+` FROM treatment WHERE doctor_id = $1
		ORDER BY performed_at DESC LIMIT $2 OFFSET $3`, doctorID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list treatments: %w", err)
	}
	defer rows.Close()

	var out []*Treatment
	for rows.Next() {
		t, err := scanTreatment(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan treatment: %w", err)
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}
