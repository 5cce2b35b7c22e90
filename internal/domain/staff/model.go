package staff

import (
	"time"

	"github.com/google/uuid"
)

// Person holds the identity shared by patients and clinicians.
type Person struct {
	ID         uuid.UUID `db:"id" json:"id"`
	NationalID string    `db:"national_id" json:"national_id"`
	LastName   string    `db:"last_name" json:"last_name"`
	FirstName  string    `db:"first_name" json:"first_name"`
	Email      *string   `db:"email" json:"email,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// FullName renders "Last, First".
func (p Person) FullName() string {
	return p.LastName + ", " + p.FirstName
}

// Patient maps to the patient table joined with person.
type Patient struct {
	Person
	Street          string     `db:"street" json:"street"`
	StreetNumber    int        `db:"street_number" json:"street_number"`
	Locality        string     `db:"locality" json:"locality"`
	InsurerID       *uuid.UUID `db:"insurer_id" json:"insurer_id,omitempty"`
	AffiliateNumber *string    `db:"affiliate_number" json:"affiliate_number,omitempty"`
	Insurer         *Insurer   `json:"insurer,omitempty"`
}

// Role distinguishes nurses from doctors; each has its own table.
type Role string

const (
	RoleNurse  Role = "nurse"
	RoleDoctor Role = "doctor"
)

func (r Role) Valid() bool { return r == RoleNurse || r == RoleDoctor }

// Clinician is a nurse or doctor identified by a license number unique per role.
type Clinician struct {
	Person
	Role    Role   `json:"role"`
	License string `db:"license" json:"license"`
}

// Insurer maps to the insurer table.
type Insurer struct {
	ID   uuid.UUID `db:"id" json:"id"`
	Name string    `db:"name" json:"name"`
}
