package triage

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guiloteman/CI-CD-Back/internal/platform/outcome"
	"github.com/Guiloteman/CI-CD-Back/pkg/pagination"
)

func newTestServer(t *testing.T, f *fixture) *echo.Echo {
	t.Helper()
	e := echo.New()
	e.HTTPErrorHandler = outcome.HTTPErrorHandler(zerolog.Nop())
	NewHandler(f.svc).RegisterRoutes(e.Group("/api/v1"))
	return e
}

func do(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) outcome.Result[T] {
	t.Helper()
	var out outcome.Result[T]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHandler_AdmissionLifecycle(t *testing.T) {
	f := newFixture(t)
	e := newTestServer(t, f)
	p := f.patient(t)

	body := fmt.Sprintf(`{"national_id":%q,"nurse_id":%q,"report":"fall from bike","category_id":10,
		"vitals":{"temperature_c":"36.8","heart_rate":80,"respiratory_rate":16,"systolic":118,"diastolic":76}}`,
		p.NationalID, f.nurse)
	rec := do(e, http.MethodPost, "/api/v1/admissions", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[AdmissionDetail](t, rec)
	assert.True(t, created.Success)
	assert.Equal(t, StatusPending, created.Data.Status)
	assert.Equal(t, "36.8", created.Data.Vitals.TemperatureC.Decimal.String())

	f.clock.Advance(3 * time.Minute)
	rec = do(e, http.MethodGet, "/api/v1/triage/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	queue := decode[QueueView](t, rec)
	require.Len(t, queue.Data.Entries, 1)
	assert.Equal(t, 1, queue.Data.Total)
	assert.Equal(t, 3, queue.Data.Entries[0].WaitingMinutes)
	assert.Equal(t, "118/76", queue.Data.Entries[0].BloodPressure)

	rec = do(e, http.MethodGet, "/api/v1/admissions/"+created.Data.ID.String()+"/position", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[PositionView](t, rec).Data.Position)

	rec = do(e, http.MethodPost, "/api/v1/triage/claim", fmt.Sprintf(`{"doctor_id":%q}`, f.doctor))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, created.Data.ID, decode[AdmissionDetail](t, rec).Data.ID)

	rec = do(e, http.MethodPost, "/api/v1/triage/claim", fmt.Sprintf(`{"doctor_id":%q}`, f.doctor))
	require.Equal(t, http.StatusNotFound, rec.Code)
	empty := decode[any](t, rec)
	assert.False(t, empty.Success)
	assert.Equal(t, outcome.KindEmptyQueue, empty.Kind)

	target := "/api/v1/admissions/" + created.Data.ID.String() + "/treatment"
	rec = do(e, http.MethodPost, target, fmt.Sprintf(`{"doctor_id":%q,"report":"sutured"}`, f.doctor))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(e, http.MethodPost, target, fmt.Sprintf(`{"doctor_id":%q,"report":"again"}`, f.doctor))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(e, http.MethodGet, target, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sutured", decode[Treatment](t, rec).Data.Report)

	rec = do(e, http.MethodGet, "/api/v1/doctors/"+f.doctor.String()+"/treatments", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[pagination.Page[Treatment]](t, rec).Data.Total)

	rec = do(e, http.MethodGet, "/api/v1/admissions?status=FINALIZED", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[pagination.Page[AdmissionDetail]](t, rec).Data.Total)
}

func TestHandler_RegisterValidation(t *testing.T) {
	f := newFixture(t)
	e := newTestServer(t, f)

	rec := do(e, http.MethodPost, "/api/v1/admissions", `{"report":""}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	res := decode[any](t, rec)
	assert.Equal(t, outcome.KindValidation, res.Kind)
	assert.GreaterOrEqual(t, len(res.Errors), 3)

	rec = do(e, http.MethodPost, "/api/v1/admissions", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_BadParams(t *testing.T) {
	f := newFixture(t)
	e := newTestServer(t, f)

	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodGet, "/api/v1/admissions/nope", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodGet, "/api/v1/admissions?patient_id=nope", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodGet, "/api/v1/emergency-categories/zero", "").Code)
	assert.Equal(t, http.StatusNotFound, do(e, http.MethodGet, "/api/v1/emergency-categories/99", "").Code)
	assert.Equal(t, http.StatusNotFound,
		do(e, http.MethodGet, "/api/v1/admissions/"+f.doctor.String()+"/position", "").Code)
}

func TestHandler_Catalogue(t *testing.T) {
	f := newFixture(t)
	e := newTestServer(t, f)

	rec := do(e, http.MethodGet, "/api/v1/severity-levels", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]SeverityLevel](t, rec).Data, 5)

	rec = do(e, http.MethodGet, "/api/v1/emergency-categories/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "RED", decode[EmergencyCategory](t, rec).Data.Level.Color)

	rec = do(e, http.MethodGet, "/api/v1/triage/queue/overdue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[QueueView](t, rec).Data.Entries)
}
