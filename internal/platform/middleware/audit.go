package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/stockledger/internal/platform/auth"
)

// AuditEntry describes one state-changing API call.
type AuditEntry struct {
	UserID       string
	ResourceType string
	ResourceID   string
	Action       string
	Method       string
	Path         string
	IPAddress    string
	RequestID    string
	StatusCode   int
	Timestamp    time.Time
}

// AuditRecorder persists audit entries somewhere other than the log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every mutating request under /api/v1 with the acting user, so
// stock changes and approval decisions can be traced to a person. Reads are
// not audited.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, "/api/v1/") || !isMutating(req.Method) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			resourceType, resourceID, action := describePath(req.Method, req.URL.Path)
			entry := AuditEntry{
				UserID:       auth.UserIDFromContext(req.Context()),
				ResourceType: resourceType,
				ResourceID:   resourceID,
				Action:       action,
				Method:       req.Method,
				Path:         req.URL.Path,
				IPAddress:    c.RealIP(),
				StatusCode:   status,
				Timestamp:    time.Now().UTC(),
			}
			entry.RequestID, _ = c.Get("request_id").(string)

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Str("resource_type", entry.ResourceType).
				Str("resource_id", entry.ResourceID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("api_write")

			return err
		}
	}
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// describePath splits /api/v1/<resource>[/<id>[/<action>]] into its parts.
// Without an explicit action segment the action comes from the method.
//
//   - POST   /api/v1/products                        -> products, "", create
//   - PUT    /api/v1/products/<id>                   -> products, <id>, update
//   - POST   /api/v1/transactions/<id>/approve       -> transactions, <id>, approve
func describePath(method, path string) (resourceType, resourceID, action string) {
	segments := strings.Split(strings.Trim(strings.TrimPrefix(path, "/api/v1/"), "/"), "/")
	resourceType = "unknown"
	if len(segments) > 0 && segments[0] != "" {
		resourceType = segments[0]
	}
	if len(segments) > 1 {
		if _, err := uuid.Parse(segments[1]); err == nil {
			resourceID = segments[1]
		}
	}
	if len(segments) > 2 && segments[2] != "" {
		return resourceType, resourceID, segments[2]
	}
	switch method {
	case http.MethodPost:
		action = "create"
	case http.MethodPut, http.MethodPatch:
		action = "update"
	case http.MethodDelete:
		action = "delete"
	}
	return resourceType, resourceID, action
}
