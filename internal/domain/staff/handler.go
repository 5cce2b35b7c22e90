package staff

import (
	"errors"
	"net/http"

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
	api.POST("/patients", h.RegisterPatient)
	api.GET("/patients", h.ListPatients)
	api.GET("/patients/:id", h.GetPatient)
	api.GET("/patients/national-id/:nid", h.GetPatientByNationalID)

	for _, role := range []Role{RoleNurse, RoleDoctor} {
		g := api.Group("/" + string(role) + "s")
		g.POST("", h.registerClinician(role))
		g.GET("", h.listClinicians(role))
		g.GET("/:id", h.getClinician(role))
		g.GET("/license/:license", h.getClinicianByLicense(role))
	}

	api.GET("/insurers", h.ListInsurers)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, outcome.Validation("invalid id", "id must be a UUID")
	}
	return id, nil
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

// -- Patient Handlers --

func (h *Handler) RegisterPatient(c echo.Context) error {
	var req RegisterPatientRequest
	if err := c.Bind(&req); err != nil {
		return bindError(err)
	}
	p, err := h.svc.RegisterPatient(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return outcome.Respond(c, http.StatusCreated, p, "patient registered")
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPatient(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return outcome.Respond(c, http.StatusOK, p, "")
}

func (h *Handler) GetPatientByNationalID(c echo.Context) error {
	p, err := h.svc.GetPatientByNationalID(c.Request().Context(), c.Param("nid"))
	if err != nil {
		return err
	}
	return outcome.Respond(c, http.StatusOK, p, "")
}

func (h *Handler) ListPatients(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPatients(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return outcome.Respond(c, http.StatusOK, pagination.NewPage(items, total, pg), "")
}

// -- Clinician Handlers --

func (h *Handler) registerClinician(role Role) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req RegisterClinicianRequest
		if err := c.Bind(&req); err != nil {
			return bindError(err)
		}
		cl, err := h.svc.RegisterClinician(c.Request().Context(), role, req)
		if err != nil {
			return err
		}
		return outcome.Respond(c, http.StatusCreated, cl, string(role)+" registered")
	}
}

func (h *Handler) getClinician(role Role) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := parseID(c)
		if err != nil {
			return err
		}
		cl, err := h.svc.GetClinician(c.Request().Context(), role, id)
		if err != nil {
			return err
		}
		return outcome.Respond(c, http.StatusOK, cl, "")
	}
}

func (h *Handler) getClinicianByLicense(role Role) echo.HandlerFunc {
	return func(c echo.Context) error {
		cl, err := h.svc.GetClinicianByLicense(c.Request().Context(), role, c.Param("license"))
		if err != nil {
			return err
		}
		return outcome.Respond(c, http.StatusOK, cl, "")
	}
}

func (h *Handler) listClinicians(role Role) echo.HandlerFunc {
	return func(c echo.Context) error {
		pg := pagination.FromContext(c)
		items, total, err := h.svc.ListClinicians(c.Request().Context(), role, pg.Limit, pg.Offset)
		if err != nil {
			return err
		}
		return outcome.Respond(c, http.StatusOK, pagination.NewPage(items, total, pg), "")
	}
}

// -- Insurer Handlers --

func (h *Handler) ListInsurers(c echo.Context) error {
	items, err := h.svc.ListInsurers(c.Request().Context())
	if err != nil {
		return err
	}
	return outcome.Respond(c, http.StatusOK, items, "")
}
