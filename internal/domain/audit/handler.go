package audit

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/vitalred/triage/internal/platform/auth"
	"github.com/vitalred/triage/internal/platform/middleware"
	"github.com/vitalred/triage/pkg/pagination"
)

type Handler struct {
	rec *Recorder
}

func NewHandler(rec *Recorder) *Handler {
	return &Handler{rec: rec}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	staff := api.Group("", auth.RequireRole(auth.RoleMedico, auth.RoleAdministrador))
	staff.GET("/requests/:id/audit", h.ForRequest)

	admin := api.Group("", auth.RequireRole(auth.RoleAdministrador))
	admin.GET("/audit", h.Search)
}

func invalid(msg string) error {
	return middleware.APIError(http.StatusUnprocessableEntity, "validation_failed", msg)
}

func parseUUIDParam(v, name string) (*uuid.UUID, error) {
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, invalid("invalid " + name)
	}
	return &id, nil
}

// parseTime accepts RFC 3339 timestamps or plain dates.
func parseTime(v, name string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return &t, nil
		}
	}
	return nil, invalid("invalid " + name + ": use RFC 3339 or YYYY-MM-DD")
}

func (h *Handler) Search(c echo.Context) error {
	var f Filter
	var err error
	if f.RequestID, err = parseUUIDParam(c.QueryParam("request_id"), "request_id"); err != nil {
		return err
	}
	if f.ActorID, err = parseUUIDParam(c.QueryParam("actor_id"), "actor_id"); err != nil {
		return err
	}
	if f.From, err = parseTime(c.QueryParam("from"), "from"); err != nil {
		return err
	}
	if f.To, err = parseTime(c.QueryParam("to"), "to"); err != nil {
		return err
	}
	if a := c.QueryParam("action"); a != "" {
		if !IsKnownAction(a) {
			return invalid("unknown action " + a)
		}
		f.Action = a
	}
	return h.list(c, f)
}

func (h *Handler) ForRequest(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return middleware.APIError(http.StatusBadRequest, "bad_request", "invalid id")
	}
	return h.list(c, Filter{RequestID: &id})
}

func (h *Handler) list(c echo.Context, f Filter) error {
	pg := pagination.FromContext(c)
	items, total, err := h.rec.Query(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
