// Package reporting runs predefined read-only measures over the referral
// tables for administrators.
package reporting

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/vitalred/triage/internal/platform/auth"
	"github.com/vitalred/triage/internal/platform/middleware"
)

// MeasureDefinition defines a reporting measure with its SQL query.
// Parameters bind positionally as $1..$n; absent ones bind as NULL.
type MeasureDefinition struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	SQL         string   `json:"-"`
	Parameters  []string `json:"parameters"`
}

// MeasureReport holds the results of evaluating a measure.
type MeasureReport struct {
	MeasureID   string                   `json:"measure_id"`
	MeasureName string                   `json:"measure_name"`
	GeneratedAt time.Time                `json:"generated_at"`
	Results     []map[string]interface{} `json:"results"`
	Parameters  map[string]string        `json:"parameters,omitempty"`
}

var dateRange = []string{"from", "to"}

const receivedInRange = `deleted_at IS NULL
	AND ($1::date IS NULL OR received_at >= $1::date)
	AND ($2::date IS NULL OR received_at < $2::date + 1)`

// PredefinedMeasures is the list of available reporting measures.
var PredefinedMeasures = []MeasureDefinition{
	{
		ID:          "requests-by-state",
		Name:        "Requests by State",
		Description: "Referrals received in the range grouped by lifecycle state",
		SQL:         `SELECT state, COUNT(*) AS total FROM medical_requests WHERE ` + receivedInRange + ` GROUP BY state ORDER BY total DESC`,
		Parameters:  dateRange,
	},
	{
		ID:          "requests-by-specialty",
		Name:        "Requests by Specialty",
		Description: "Referrals received in the range per requested specialty, with urgent counts",
		SQL: `SELECT requested_specialty AS specialty, COUNT(*) AS total,
			COUNT(*) FILTER (WHERE urgency_score >= 80) AS urgent
			FROM medical_requests WHERE ` + receivedInRange + `
			GROUP BY requested_specialty ORDER BY total DESC`,
		Parameters: dateRange,
	},
	{
		ID:          "response-time-by-specialty",
		Name:        "Response Time by Specialty",
		Description: "Mean hours from receipt to decision per specialty",
		SQL: `SELECT requested_specialty AS specialty, COUNT(*) AS evaluated,
			ROUND(AVG(EXTRACT(EPOCH FROM evaluated_at - received_at) / 3600)::numeric, 2)::text AS avg_hours
			FROM medical_requests WHERE evaluated_at IS NOT NULL AND ` + receivedInRange + `
			GROUP BY requested_specialty ORDER BY evaluated DESC`,
		Parameters: dateRange,
	},
	{
		ID:          "evaluator-workload",
		Name:        "Evaluator Workload",
		Description: "Decision counters and open assignments per active evaluator",
		SQL: `SELECT u.name, u.evaluations_count, u.accepted_count, u.rejected_count, u.referred_count,
			COUNT(m.id) AS open_assignments
			FROM evaluator_users u
			LEFT JOIN medical_requests m ON m.evaluator_id = u.id
				AND m.state IN ('in_review', 'pending_info') AND m.deleted_at IS NULL
			WHERE u.active
			GROUP BY u.id ORDER BY u.evaluations_count DESC`,
		Parameters: []string{},
	},
	{
		ID:          "notification-delivery",
		Name:        "Notification Delivery",
		Description: "Notifications by type and delivery state",
		SQL:         `SELECT type, state, COUNT(*) AS total FROM internal_notifications GROUP BY type, state ORDER BY type, state`,
		Parameters:  []string{},
	},
}

// Querier runs a measure. *pgxpool.Pool satisfies it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Handler provides HTTP handlers for the reporting API.
type Handler struct {
	db     Querier
	logger zerolog.Logger
}

func NewHandler(db Querier, logger zerolog.Logger) *Handler {
	return &Handler{db: db, logger: logger.With().Str("component", "reporting").Logger()}
}

// RegisterRoutes registers the reporting API routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	reportGroup := api.Group("/reports", auth.RequireRole(auth.RoleAdministrador))
	reportGroup.GET("/measures", h.ListMeasures)
	reportGroup.GET("/measures/:id/evaluate", h.EvaluateMeasure)
}

// ListMeasures returns all available measure definitions.
func (h *Handler) ListMeasures(c echo.Context) error {
	return c.JSON(http.StatusOK, PredefinedMeasures)
}

// EvaluateMeasure executes a measure's SQL and returns the results.
func (h *Handler) EvaluateMeasure(c echo.Context) error {
	measure := FindMeasure(c.Param("id"))
	if measure == nil {
		return middleware.APIError(http.StatusNotFound, "not_found", "measure not found")
	}

	params := map[string]string{}
	args := make([]any, len(measure.Parameters))
	for i, p := range measure.Parameters {
		v := c.QueryParam(p)
		if v == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", v); err != nil {
			return middleware.APIError(http.StatusUnprocessableEntity, "validation_failed",
				fmt.Sprintf("invalid %s: use YYYY-MM-DD", p))
		}
		params[p] = v
		args[i] = v
	}

	results, err := h.executeSQL(c.Request().Context(), measure.SQL, args...)
	if err != nil {
		h.logger.Error().Err(err).Str("measure", measure.ID).Msg("measure query failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "measure query failed")
	}

	return c.JSON(http.StatusOK, MeasureReport{
		MeasureID:   measure.ID,
		MeasureName: measure.Name,
		GeneratedAt: time.Now().UTC(),
		Results:     results,
		Parameters:  params,
	})
}

// executeSQL runs a SQL query and returns results as a slice of maps.
func (h *Handler) executeSQL(ctx context.Context, sql string, args ...any) ([]map[string]interface{}, error) {
	rows, err := h.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	results, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []map[string]interface{}{}
	}
	return results, nil
}

// FindMeasure looks up a measure by ID.
func FindMeasure(id string) *MeasureDefinition {
	for i := range PredefinedMeasures {
		if PredefinedMeasures[i].ID == id {
			return &PredefinedMeasures[i]
		}
	}
	return nil
}
