package staff

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guiloteman/CI-CD-Back/internal/platform/outcome"
)

func ptrStr(s string) *string { return &s }

func newTestService(insurers ...Insurer) (*Service, *Memory) {
	mem := NewMemory(insurers...)
	return NewService(mem.Patients(), mem.Clinicians(), mem.Insurers(), mem, zerolog.Nop()), mem
}

func validPatient() RegisterPatientRequest {
	return RegisterPatientRequest{
		PersonInput: PersonInput{
			NationalID: "20123456789",
			LastName:   "Gomez",
			FirstName:  "Ana",
		},
		Street:       "San Martin",
		StreetNumber: 123,
		Locality:     "Tucuman",
	}
}

func TestRegisterPatient(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	p, err := svc.RegisterPatient(ctx, validPatient())
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, p.ID)
	assert.Equal(t, "Gomez, Ana", p.FullName())

	got, err := svc.GetPatientByNationalID(ctx, "20123456789")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
}

func TestRegisterPatient_ValidationCollectsAll(t *testing.T) {
	svc, _ := newTestService()
	req := RegisterPatientRequest{
		PersonInput:  PersonInput{NationalID: "123", Email: ptrStr("nope")},
		StreetNumber: -1,
		InsurerID:    ptrUUID(uuid.New()),
	}

	_, err := svc.RegisterPatient(context.Background(), req)
	require.Error(t, err)

	var oe *outcome.Error
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, outcome.KindValidation, oe.Kind)
	assert.Contains(t, oe.Errors, "national_id must be exactly 11 characters")
	assert.Contains(t, oe.Errors, "last_name is required")
	assert.Contains(t, oe.Errors, "first_name is required")
	assert.Contains(t, oe.Errors, "email must be a valid email address")
	assert.Contains(t, oe.Errors, "street is required")
	assert.Contains(t, oe.Errors, "street_number must be greater than or equal to 0")
	assert.Contains(t, oe.Errors, "affiliate_number is required when insurer_id is set")
}

func TestRegisterPatient_DuplicateNationalID(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.RegisterPatient(ctx, validPatient())
	require.NoError(t, err)

	_, err = svc.RegisterPatient(ctx, validPatient())
	assert.ErrorIs(t, err, outcome.ErrConflict)
}

func TestRegisterPatient_UnknownInsurer(t *testing.T) {
	svc, _ := newTestService()
	req := validPatient()
	req.InsurerID = ptrUUID(uuid.New())
	req.AffiliateNumber = ptrStr("A-1")

	_, err := svc.RegisterPatient(context.Background(), req)
	assert.ErrorIs(t, err, outcome.ErrNotFound)
}

func TestRegisterPatient_WithInsurer(t *testing.T) {
	osde := Insurer{ID: uuid.New(), Name: "OSDE"}
	svc, _ := newTestService(osde)
	req := validPatient()
	req.InsurerID = &osde.ID
	req.AffiliateNumber = ptrStr("123-456")

	p, err := svc.RegisterPatient(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, p.Insurer)
	assert.Equal(t, "OSDE", p.Insurer.Name)

	got, err := svc.GetPatient(context.Background(), p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Insurer)
	assert.Equal(t, osde.ID, got.Insurer.ID)
}

func TestRegisterClinician(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	nurse, err := svc.RegisterClinician(ctx, RoleNurse, RegisterClinicianRequest{
		PersonInput: PersonInput{NationalID: "27111111111", LastName: "Lopez", FirstName: "Marta"},
		License:     "MN-100",
	})
	require.NoError(t, err)
	assert.Equal(t, RoleNurse, nurse.Role)

	got, err := svc.GetClinicianByLicense(ctx, RoleNurse, "MN-100")
	require.NoError(t, err)
	assert.Equal(t, nurse.ID, got.ID)

	_, err = svc.GetClinician(ctx, RoleDoctor, nurse.ID)
	assert.ErrorIs(t, err, outcome.ErrNotFound, "a nurse is not a doctor")
}

func TestRegisterClinician_DuplicateLicense(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.RegisterClinician(ctx, RoleDoctor, RegisterClinicianRequest{
		PersonInput: PersonInput{NationalID: "20222222222", LastName: "Diaz", FirstName: "Juan"},
		License:     "MP-1",
	})
	require.NoError(t, err)

	_, err = svc.RegisterClinician(ctx, RoleDoctor, RegisterClinicianRequest{
		PersonInput: PersonInput{NationalID: "20333333333", LastName: "Diaz", FirstName: "Pedro"},
		License:     "MP-1",
	})
	assert.ErrorIs(t, err, outcome.ErrConflict)

	// The same license may exist for the other role.
	_, err = svc.RegisterClinician(ctx, RoleNurse, RegisterClinicianRequest{
		PersonInput: PersonInput{NationalID: "20444444444", LastName: "Ruiz", FirstName: "Eva"},
		License:     "MP-1",
	})
	assert.NoError(t, err)
}

func TestRegisterClinician_InvalidRole(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.RegisterClinician(context.Background(), Role("janitor"), RegisterClinicianRequest{
		PersonInput: PersonInput{NationalID: "20555555555", LastName: "X", FirstName: "Y"},
		License:     "L",
	})
	assert.ErrorIs(t, err, outcome.ErrValidation)
}

func TestListClinicians_Paginates(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	names := []string{"Alvarez", "Benitez", "Castro"}
	for i, last := range names {
		_, err := svc.RegisterClinician(ctx, RoleDoctor, RegisterClinicianRequest{
			PersonInput: PersonInput{NationalID: "2000000000" + string(rune('0'+i)), LastName: last, FirstName: "A"},
			License:     "MP-" + last,
		})
		require.NoError(t, err)
	}

	items, total, err := svc.ListClinicians(ctx, RoleDoctor, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, items, 2)
	assert.Equal(t, "Benitez", items[0].LastName)
	assert.Equal(t, "Castro", items[1].LastName)
}

func ptrUUID(u uuid.UUID) *uuid.UUID { return &u }
