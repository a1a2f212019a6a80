package referral

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
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	staff := api.Group("", auth.RequireRole(auth.RoleMedico, auth.RoleAdministrador))
	staff.GET("/requests", h.List)
	staff.GET("/requests/:id", h.Get)
	staff.GET("/requests/:id/attachments/:index", h.Attachment)
	staff.POST("/requests/:id/claim", h.Claim)
	staff.PATCH("/requests/:id/evaluate", h.Evaluate)
	staff.POST("/requests/:id/complete", h.Complete)

	intake := api.Group("", auth.RequireRole(auth.RoleIngest, auth.RoleAdministrador))
	intake.POST("/requests", h.Create)
	intake.POST("/requests/:id/attachments", h.UploadAttachment)
	intake.PATCH("/requests/:id/score", h.UpdateScore)

	resubmit := api.Group("", auth.RequireRole(auth.RoleIngest, auth.RoleMedico, auth.RoleAdministrador))
	resubmit.POST("/requests/:id/resubmit", h.Resubmit)

	admin := api.Group("", auth.RequireRole(auth.RoleAdministrador))
	admin.POST("/requests/:id/reassign", h.Reassign)
}

// MapError translates lifecycle errors to API errors.
func MapError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidState):
		return middleware.APIError(http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, ErrConcurrentModification):
		return middleware.APIError(http.StatusConflict, "concurrent_modification", err.Error())
	case errors.Is(err, ErrDuplicate):
		return middleware.APIError(http.StatusConflict, "duplicate", err.Error())
	case errors.Is(err, ErrForbidden):
		return middleware.APIError(http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, ErrNotFound):
		return middleware.APIError(http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrValidationFailed):
		return middleware.APIError(http.StatusUnprocessableEntity, "validation_failed", err.Error())
	}
	return err
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, middleware.APIError(http.StatusBadRequest, "bad_request", "invalid id")
	}
	return id, nil
}

func callerID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return uuid.Nil, middleware.APIError(http.StatusUnauthorized, "unauthorized", "caller is not a registered evaluator")
	}
	return id, nil
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return middleware.APIError(http.StatusBadRequest, "bad_request", "malformed request body")
	}
	return nil
}

func (h *Handler) Create(c echo.Context) error {
	var in IntakeInput
	if err := bind(c, &in); err != nil {
		return err
	}
	r, err := h.svc.Intake(c.Request().Context(), in)
	if err != nil {
		return MapError(err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return MapError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := ListFilter{
		State:     c.QueryParam("state"),
		Priority:  c.QueryParam("priority"),
		Specialty: c.QueryParam("specialty"),
	}
	if v := c.QueryParam("evaluator_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return middleware.APIError(http.StatusUnprocessableEntity, "validation_failed", "invalid evaluator_id")
		}
		f.EvaluatorID = &id
	}
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return MapError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Claim(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	caller, err := callerID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.Claim(c.Request().Context(), id, caller)
	if err != nil {
		return MapError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) Evaluate(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	caller, err := callerID(c)
	if err != nil {
		return err
	}
	var in EvaluationInput
	if err := bind(c, &in); err != nil {
		return err
	}
	r, err := h.svc.Evaluate(c.Request().Context(), id, caller, in)
	if err != nil {
		return MapError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) Resubmit(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.Resubmit(c.Request().Context(), id)
	if err != nil {
		return MapError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) Complete(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.Complete(c.Request().Context(), id)
	if err != nil {
		return MapError(err)
	}
	return c.JSON(http.StatusOK, r)
}

type reassignBody struct {
	EvaluatorID uuid.UUID `json:"evaluator_id"`
}

func (h *Handler) Reassign(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	caller, err := callerID(c)
	if err != nil {
		return err
	}
	var body reassignBody
	if err := bind(c, &body); err != nil {
		return err
	}
	if body.EvaluatorID == uuid.Nil {
		return middleware.APIError(http.StatusUnprocessableEntity, "validation_failed", "evaluator_id is required")
	}
	r, err := h.svc.Reassign(c.Request().Context(), id, body.EvaluatorID, caller)
	if err != nil {
		return MapError(err)
	}
	return c.JSON(http.StatusOK, r)
}

type scoreBody struct {
	UrgencyScore *int   `json:"urgency_score"`
	Priority     string `json:"priority"`
}

func (h *Handler) UpdateScore(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var body scoreBody
	if err := bind(c, &body); err != nil {
		return err
	}
	if body.UrgencyScore == nil {
		return middleware.APIError(http.StatusUnprocessableEntity, "validation_failed", "urgency_score is required")
	}
	r, err := h.svc.UpdateScore(c.Request().Context(), id, *body.UrgencyScore, body.Priority)
	if err != nil {
		return MapError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) Attachment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return middleware.APIError(http.StatusBadRequest, "bad_request", "invalid attachment index")
	}
	url, err := h.svc.AttachmentURL(c.Request().Context(), id, index)
	if err != nil {
		return MapError(err)
	}
	if c.QueryParam("redirect") == "true" {
		return c.Redirect(http.StatusFound, url)
	}
	return c.JSON(http.StatusOK, map[string]string{"url": url})
}

func (h *Handler) UploadAttachment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return middleware.APIError(http.StatusBadRequest, "bad_request", "multipart field \"file\" is required")
	}
	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer f.Close()
	att, err := h.svc.AddAttachment(c.Request().Context(), id, fh.Filename, fh.Header.Get(echo.HeaderContentType), f)
	if err != nil {
		return MapError(err)
	}
	return c.JSON(http.StatusCreated, att)
}
