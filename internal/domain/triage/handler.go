package triage

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Guiloteman/CI-CD-Back/internal/platform/outcome"
	"github.com/Guiloteman/CI-CD-Back/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/severity-levels", h.ListLevels)
	api.GET("/emergency-categories", h.ListCategories)
	api.GET("/emergency-categories/:id", h.GetCategory)

	api.POST("/admissions", h.Register)
	api.GET("/admissions", h.ListAdmissions)
	api.GET("/admissions/:id", h.GetAdmission)
	api.GET("/admissions/:id/position", h.Position)
	api.POST("/admissions/:id/treatment", h.FileTreatment)
	api.GET("/admissions/:id/treatment", h.GetTreatment)

	api.GET("/doctors/:id/treatments", h.ListTreatmentsByDoctor)

	api.GET("/triage/queue", h.Queue)
	api.GET("/triage/queue/overdue", h.Overdue)
	api.POST("/triage/claim", h.Claim)
}

// QueueView is the payload of the queue endpoints.
type QueueView struct {
	Entries     []QueueEntry `json:"entries"`
	Total       int          `json:"total"`
	Overdue     int          `json:"overdue"`
	GeneratedAt time.Time    `json:"generated_at"`
}

func newQueueView(entries []QueueEntry, at time.Time) QueueView {
	v := QueueView{Entries: entries, Total: len(entries), GeneratedAt: at.UTC()}
	for _, e := range entries {
		if e.Overdue {
			v.Overdue++
		}
	}
	return v
}

type ClaimRequest struct {
	DoctorID uuid.UUID `json:"doctor_id"`
}

type PositionView struct {
	AdmissionID uuid.UUID `json:"admission_id"`
	Position    int       `json:"position"`
}

func parseUUID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, outcome.Validation("invalid "+name, name+" must be a UUID")
	}
	return id, nil
}

func optionalUUID(c echo.Context, name string, errs *outcome.Collector) *uuid.UUID {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		errs.Add(name + " must be a UUID")
		return nil
	}
	return &id
}

// bindError keeps 413 from the body limit and reports anything else as a
// malformed body.
func bindError(err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) && he.Code == http.StatusRequestEntityTooLarge {
		return he
	}
	return outcome.Validation("malformed request body", err.Error())
}

// -- Catalogue --

func (h *Handler) ListLevels(c echo.Context) error {
	levels, err := h.svc.Levels(c.Request().Context())
	if err != nil {
		return err
	}
	return outcome.Respond(c, http.StatusOK, levels, "")
}

func (h *Handler) ListCategories(c echo.Context) error {
	cats, err := h.svc.Categories(c.Request().Context())
	if err != nil {
		return err
	}
	return outcome.Respond(c, http.StatusOK, cats, "")
}

func (h *Handler) GetCategory(c echo.Context) error {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		return outcome.Validation("invalid id", "id must be a positive integer")
	}
	cat, err := h.svc.Category(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return outcome.Respond(c, http.StatusOK, cat, "")
}

// -- Admissions --

func (h *Handler) Register(c echo.Context) error {
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return bindError(err)
	}
	a, err := h.svc.Register(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return outcome.Respond(c, http.StatusCreated, a, "admission registered")
}

func (h *Handler) ListAdmissions(c echo.Context) error {
	var errs outcome.Collector
	f := AdmissionFilter{
		PatientID: optionalUUID(c, "patient_id", &errs),
		NurseID:   optionalUUID(c, "nurse_id", &errs),
		DoctorID:  optionalUUID(c, "doctor_id", &errs),
		Status:    Status(c.QueryParam("status")),
	}
	if err := errs.Err("invalid filter"); err != nil {
		return err
	}

	pg := pagination.FromContext(c)
	items, total, err := h.svc.Admissions(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return outcome.Respond(c, http.StatusOK, pagination.NewPage(items, total, pg), "")
}

func (h *Handler) GetAdmission(c echo.Context) error {
	id, err := parseUUID(c, "id")
	if err != nil {
		return err
	}
	a, err := h.svc.Admission(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return outcome.Respond(c, http.StatusOK, a, "")
}

func (h *Handler) Position(c echo.Context) error {
	id, err := parseUUID(c, "id")
	if err != nil {
		return err
	}
	pos, err := h.svc.Position(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return outcome.Respond(c, http.StatusOK, PositionView{AdmissionID: id, Position: pos}, "")
}

// -- Treatment --

func (h *Handler) FileTreatment(c echo.Context) error {
	id, err := parseUUID(c, "id")
	if err != nil {
		return err
	}
	var req TreatmentRequest
	if err := c.Bind(&req); err != nil {
		return bindError(err)
	}
	t, err := h.svc.FileTreatment(c.Request().Context(), id, req)
	if err != nil {
		return err
	}
	return outcome.Respond(c, http.StatusCreated, t, "treatment filed")
}

func (h *Handler) GetTreatment(c echo.Context) error {
	id, err := parseUUID(c, "id")
	if err != nil {
		return err
	}
	t, err := h.svc.Treatment(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return outcome.Respond(c, http.StatusOK, t, "")
}

func (h *Handler) ListTreatmentsByDoctor(c echo.Context) error {
	id, err := parseUUID(c, "id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.TreatmentsByDoctor(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return outcome.Respond(c, http.StatusOK, pagination.NewPage(items, total, pg), "")
}

// -- Queue --

func (h *Handler) Queue(c echo.Context) error {
	entries, err := h.svc.Queue(c.Request().Context())
	if err != nil {
		return err
	}
	return outcome.Respond(c, http.StatusOK, newQueueView(entries, h.svc.now()), "")
}

func (h *Handler) Overdue(c echo.Context) error {
	entries, err := h.svc.Overdue(c.Request().Context())
	if err != nil {
		return err
	}
	return outcome.Respond(c, http.StatusOK, newQueueView(entries, h.svc.now()), "")
}

func (h *Handler) Claim(c echo.Context) error {
	var req ClaimRequest
	if err := c.Bind(&req); err != nil {
		return bindError(err)
	}
	a, err := h.svc.ClaimNext(c.Request().Context(), req.DoctorID)
	if err != nil {
		return err
	}
	return outcome.Respond(c, http.StatusOK, a, "admission claimed")
}
