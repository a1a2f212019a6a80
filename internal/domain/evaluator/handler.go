package evaluator

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/vitalred/triage/internal/platform/auth"
	"github.com/vitalred/triage/internal/platform/middleware"
	"github.com/vitalred/triage/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	staff := api.Group("", auth.RequireRole(auth.RoleMedico, auth.RoleAdministrador))
	staff.GET("/evaluators/me", h.Me)
	staff.PATCH("/evaluators/me/preferences", h.UpdatePreferences)

	admin := api.Group("", auth.RequireRole(auth.RoleAdministrador))
	admin.GET("/evaluators", h.List)
	admin.POST("/evaluators", h.Create)
	admin.PATCH("/evaluators/:id", h.UpdateProfile)
}

func callerID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return uuid.Nil, middleware.APIError(http.StatusUnauthorized, "unauthorized", "caller is not a registered evaluator")
	}
	return id, nil
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return middleware.APIError(http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrInvalidPhone), errors.Is(err, ErrInvalidUser):
		return middleware.APIError(http.StatusUnprocessableEntity, "validation_failed", err.Error())
	case errors.Is(err, ErrEmailTaken):
		return middleware.APIError(http.StatusConflict, "conflict", err.Error())
	}
	return err
}

func (h *Handler) Me(c echo.Context) error {
	id, err := callerID(c)
	if err != nil {
		return err
	}
	u, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := ListFilter{
		Role:       c.QueryParam("role"),
		Specialty:  c.QueryParam("specialty"),
		ActiveOnly: c.QueryParam("active") == "true",
	}
	if f.Role != "" && f.Role != auth.RoleMedico && f.Role != auth.RoleAdministrador {
		return middleware.APIError(http.StatusUnprocessableEntity, "validation_failed", "unknown role "+f.Role)
	}
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdatePreferences(c echo.Context) error {
	id, err := callerID(c)
	if err != nil {
		return err
	}
	var p Preferences
	if err := c.Bind(&p); err != nil {
		return middleware.APIError(http.StatusBadRequest, "bad_request", "invalid request body")
	}
	u, err := h.svc.UpdatePreferences(c.Request().Context(), id, p)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) Create(c echo.Context) error {
	var in NewUser
	if err := c.Bind(&in); err != nil {
		return middleware.APIError(http.StatusBadRequest, "bad_request", "invalid request body")
	}
	u, err := h.svc.Create(c.Request().Context(), in)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, u)
}

func (h *Handler) UpdateProfile(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return middleware.APIError(http.StatusBadRequest, "bad_request", "invalid evaluator id")
	}
	var in UserUpdate
	if err := c.Bind(&in); err != nil {
		return middleware.APIError(http.StatusBadRequest, "bad_request", "invalid request body")
	}
	u, err := h.svc.UpdateProfile(c.Request().Context(), id, in)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, u)
}
