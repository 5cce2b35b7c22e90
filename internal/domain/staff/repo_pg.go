package staff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Guiloteman/CI-CD-Back/internal/platform/db"
)

func translate(op string, err error) error {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case db.IsUniqueViolation(err, ""):
		return fmt.Errorf("%s: %w", op, ErrDuplicate)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

const insertPerson = `INSERT INTO person (id, national_id, last_name, first_name, email, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)`

func prepPerson(p *Person) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = time.Now().UTC()
}

// =========== Patient Repository ===========

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

const patientCols = `p.id, p.national_id, p.last_name, p.first_name, p.email, p.created_at,
	pt.street, pt.street_number, pt.locality, pt.insurer_id, pt.affiliate_number`

const patientFrom = `FROM patient pt JOIN person p ON p.id = pt.person_id`

func scanPatient(row pgx.Row) (*Patient, error) {
	var pt Patient
	err := row.Scan(&pt.ID, &pt.NationalID, &pt.LastName, &pt.FirstName, &pt.Email, &pt.CreatedAt,
		&pt.Street, &pt.StreetNumber, &pt.Locality, &pt.InsurerID, &pt.AffiliateNumber)
	if err != nil {
		return nil, err
	}
	return &pt, nil
}

func (r *patientRepoPG) Create(ctx context.Context, pt *Patient) error {
	prepPerson(&pt.Person)
	return db.NewTxManager(r.pool).Atomic(ctx, func(ctx context.Context) error {
		q := db.Conn(ctx, r.pool)
		if _, err := q.Exec(ctx, insertPerson,
			pt.ID, pt.NationalID, pt.LastName, pt.FirstName, pt.Email, pt.CreatedAt); err != nil {
			return translate("insert person", err)
		}
		_, err := q.Exec(ctx, `INSERT INTO patient (person_id, street, street_number, locality, insurer_id, affiliate_number)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			pt.ID, pt.Street, pt.StreetNumber, pt.Locality, pt.InsurerID, pt.AffiliateNumber)
		if err != nil {
			return translate("insert patient", err)
		}
		return nil
	})
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	pt, err := scanPatient(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+patientCols+` `+patientFrom+` WHERE p.id = $1`, id))
	if err != nil {
		return nil, translate("get patient", err)
	}
	return pt, nil
}

func (r *patientRepoPG) GetByNationalID(ctx context.Context, nationalID string) (*Patient, error) {
	pt, err := scanPatient(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+patientCols+` `+patientFrom+` WHERE p.national_id = $1`, nationalID))
	if err != nil {
		return nil, translate("get patient by national id", err)
	}
	return pt, nil
}

func (r *patientRepoPG) List(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	q := db.Conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM patient`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count patients: %w", err)
	}

	rows, err := q.Query(ctx, `SELECT `+patientCols+` `+patientFrom+`
		ORDER BY p.last_name, p.first_name, p.id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()

	var items []*Patient
	for rows.Next() {
		pt, err := scanPatient(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan patient: %w", err)
		}
		items = append(items, pt)
	}
	return items, total, rows.Err()
}

type personLookupPG struct{ pool *pgxpool.Pool }

func NewPersonLookupPG(pool *pgxpool.Pool) PersonLookup {
	return &personLookupPG{pool: pool}
}

func (r *personLookupPG) NationalIDExists(ctx context.Context, nationalID string) (bool, error) {
	var exists bool
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM person WHERE national_id = $1)`, nationalID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check national id: %w", err)
	}
	return exists, nil
}

// =========== Clinician Repository ===========

type clinicianRepoPG struct{ pool *pgxpool.Pool }

func NewClinicianRepoPG(pool *pgxpool.Pool) ClinicianRepository {
	return &clinicianRepoPG{pool: pool}
}

// table returns the role table name. Roles are validated by the service, so
// the value never comes from user input unchecked.
func table(role Role) (string, error) {
	if !role.Valid() {
		return "", fmt.Errorf("unknown role %q", role)
	}
	return string(role), nil
}

func clinicianSelect(tbl string) string {
	return `SELECT p.id, p.national_id, p.last_name, p.first_name, p.email, p.created_at, c.license
		FROM ` + tbl + ` c JOIN person p ON p.id = c.person_id`
}

func scanClinician(row pgx.Row, role Role) (*Clinician, error) {
	c := Clinician{Role: role}
	if err := row.Scan(&c.ID, &c.NationalID, &c.LastName, &c.FirstName, &c.Email, &c.CreatedAt, &c.License); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *clinicianRepoPG) Create(ctx context.Context, c *Clinician) error {
	tbl, err := table(c.Role)
	if err != nil {
		return err
	}
	prepPerson(&c.Person)
	return db.NewTxManager(r.pool).Atomic(ctx, func(ctx context.Context) error {
		q := db.Conn(ctx, r.pool)
		if _, err := q.Exec(ctx, insertPerson,
			c.ID, c.NationalID, c.LastName, c.FirstName, c.Email, c.CreatedAt); err != nil {
			return translate("insert person", err)
		}
		if _, err := q.Exec(ctx, `INSERT INTO `+tbl+` (person_id, license) VALUES ($1, $2)`, c.ID, c.License); err != nil {
			return translate("insert "+tbl, err)
		}
		return nil
	})
}

func (r *clinicianRepoPG) GetByID(ctx context.Context, role Role, id uuid.UUID) (*Clinician, error) {
	tbl, err := table(role)
	if err != nil {
		return nil, err
	}
	c, err := scanClinician(db.Conn(ctx, r.pool).QueryRow(ctx, clinicianSelect(tbl)+` WHERE p.id = $1`, id), role)
	if err != nil {
		return nil, translate("get "+tbl, err)
	}
	return c, nil
}

func (r *clinicianRepoPG) GetByLicense(ctx context.Context, role Role, license string) (*Clinician, error) {
	tbl, err := table(role)
	if err != nil {
		return nil, err
	}
	c, err := scanClinician(db.Conn(ctx, r.pool).QueryRow(ctx, clinicianSelect(tbl)+` WHERE c.license = $1`, license), role)
	if err != nil {
		return nil, translate("get "+tbl+" by license", err)
	}
	return c, nil
}

func (r *clinicianRepoPG) List(ctx context.Context, role Role, limit, offset int) ([]*Clinician, int, error) {
	tbl, err := table(role)
	if err != nil {
		return nil, 0, err
	}
	q := db.Conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM `+tbl).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count %s: %w", tbl, err)
	}

	rows, err := q.Query(ctx, clinicianSelect(tbl)+` ORDER BY p.last_name, p.first_name, p.id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list %s: %w", tbl, err)
	}
	defer rows.Close()

	var items []*Clinician
	for rows.Next() {
		c, err := scanClinician(rows, role)
		if err != nil {
			return nil, 0, fmt.Errorf("scan %s: %w", tbl, err)
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

// =========== Insurer Repository ===========

type insurerRepoPG struct{ pool *pgxpool.Pool }

func NewInsurerRepoPG(pool *pgxpool.Pool) InsurerRepository {
	return &insurerRepoPG{pool: pool}
}

func (r *insurerRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Insurer, error) {
	var ins Insurer
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT id, name FROM insurer WHERE id = $1`, id).Scan(&ins.ID, &ins.Name)
	if err != nil {
		return nil, translate("get insurer", err)
	}
	return &ins, nil
}

func (r *insurerRepoPG) List(ctx context.Context) ([]*Insurer, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT id, name FROM insurer ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list insurers: %w", err)
	}
	defer rows.Close()

	var items []*Insurer
	for rows.Next() {
		var ins Insurer
		if err := rows.Scan(&ins.ID, &ins.Name); err != nil {
			return nil, fmt.Errorf("scan insurer: %w", err)
		}
		items = append(items, &ins)
	}
	return items, rows.Err()
}
