package metrics

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/vitalred/triage/internal/platform/auth"
	"github.com/vitalred/triage/internal/platform/middleware"
	"github.com/vitalred/triage/pkg/pagination"
)

type Handler struct {
	agg *Aggregator
}

func NewHandler(agg *Aggregator) *Handler {
	return &Handler{agg: agg}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/metrics", auth.RequireRole(auth.RoleMedico, auth.RoleAdministrador))
	g.GET("/snapshots", h.Snapshots)
	g.GET("/gauges/latest", h.LatestGauges)
}

func invalid(msg string) error {
	return middleware.APIError(http.StatusUnprocessableEntity, "validation_failed", msg)
}

func parseDate(v, name string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil, invalid("invalid " + name + ": use YYYY-MM-DD")
	}
	return &t, nil
}

func (h *Handler) Snapshots(c echo.Context) error {
	f := SnapshotFilter{Period: c.QueryParam("period")}
	if f.Period != "" && !ValidPeriod(f.Period) {
		return invalid(ErrInvalidPeriod.Error())
	}
	var err error
	if f.From, err = parseDate(c.QueryParam("from"), "from"); err != nil {
		return err
	}
	if f.To, err = parseDate(c.QueryParam("to"), "to"); err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.agg.ListSnapshots(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) LatestGauges(c echo.Context) error {
	gauges, err := h.agg.LatestGauges(c.Request().Context())
	if err != nil {
		return err
	}
	out := make(map[string]Gauge, len(gauges))
	for _, g := range gauges {
		out[g.Name] = g
	}
	return c.JSON(http.StatusOK, out)
}
