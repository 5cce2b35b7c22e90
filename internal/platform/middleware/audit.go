package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const apiPrefix = "/api/v1/"

// AuditEntry describes one state-changing API call.
type AuditEntry struct {
	Action     string
	Resource   string
	ResourceID string
	Method     string
	Path       string
	Status     int
	RemoteIP   string
	UserAgent  string
	RequestID  string
	Timestamp  time.Time
}

// AuditRecorder persists audit entries somewhere other than the log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every non-GET request under /api/v1/ after the handler runs:
// registrations, claims and treatment filings. Recorders receive the same
// entry; their failures are logged and never fail the request.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isAuditable(req.Method, req.URL.Path) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if err != nil {
				status = statusOf(err)
			}
			resource, id, action := describe(req.Method, req.URL.Path)
			entry := AuditEntry{
				Action:     action,
				Resource:   resource,
				ResourceID: id,
				Method:     req.Method,
				Path:       req.URL.Path,
				Status:     status,
				RemoteIP:   c.RealIP(),
				UserAgent:  req.UserAgent(),
				RequestID:  requestID(c),
				Timestamp:  time.Now().UTC(),
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).Str("request_id", entry.RequestID).Msg("record audit entry")
				}
			}

			logger.Info().
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("action", entry.Action).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Int("status", entry.Status).
				Str("remote_ip", entry.RemoteIP).
				Msg("api_write")

			return err
		}
	}
}

func isAuditable(method, path string) bool {
	if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
		return false
	}
	return strings.HasPrefix(path, apiPrefix)
}

// describe splits an API path into resource, the first UUID segment, and an
// action name such as "admissions.treatment" or "triage.claim".
//
//	/api/v1/admissions                    -> admissions, "", admissions.create
//	/api/v1/admissions/<id>/treatment     -> admissions, <id>, admissions.treatment
//	/api/v1/triage/claim                  -> triage, "", triage.claim
func describe(method, path string) (resource, id, action string) {
	segments := strings.Split(strings.Trim(strings.TrimPrefix(path, apiPrefix), "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		return "unknown", "", "unknown"
	}
	resource = segments[0]

	var verbs []string
	for _, s := range segments[1:] {
		if _, err := uuid.Parse(s); err == nil {
			if id == "" {
				id = s
			}
			continue
		}
		verbs = append(verbs, s)
	}

	switch {
	case len(verbs) > 0:
		action = resource + "." + strings.Join(verbs, ".")
	case method == http.MethodPost:
		action = resource + ".create"
	case method == http.MethodDelete:
		action = resource + ".delete"
	default:
		action = resource + ".update"
	}
	return resource, id, action
}
