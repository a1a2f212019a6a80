package notify

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/vitalred/triage/internal/platform/auth"
	"github.com/vitalred/triage/internal/platform/middleware"
	"github.com/vitalred/triage/pkg/pagination"
)

type Handler struct {
	d *Dispatcher
}

func NewHandler(d *Dispatcher) *Handler {
	return &Handler{d: d}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/notifications", auth.RequireRole(auth.RoleMedico, auth.RoleAdministrador))
	g.GET("", h.List)
	g.POST("/:id/read", h.MarkRead)
}

func callerID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return uuid.Nil, middleware.APIError(http.StatusUnauthorized, "unauthorized", "caller is not a registered evaluator")
	}
	return id, nil
}

func (h *Handler) List(c echo.Context) error {
	caller, err := callerID(c)
	if err != nil {
		return err
	}
	unread := false
	if v := c.QueryParam("unread"); v != "" {
		if unread, err = strconv.ParseBool(v); err != nil {
			return middleware.APIError(http.StatusUnprocessableEntity, "validation_failed", "unread must be true or false")
		}
	}
	pg := pagination.FromContext(c)
	items, total, err := h.d.List(c.Request().Context(), caller, unread, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) MarkRead(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return middleware.APIError(http.StatusBadRequest, "bad_request", "invalid id")
	}
	caller, err := callerID(c)
	if err != nil {
		return err
	}
	n, err := h.d.MarkRead(c.Request().Context(), id, caller)
	switch {
	case errors.Is(err, ErrNotFound):
		return middleware.APIError(http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrForbidden):
		return middleware.APIError(http.StatusForbidden, "forbidden", err.Error())
	case err != nil:
		return err
	}
	return c.JSON(http.StatusOK, n)
}
