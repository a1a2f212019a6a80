package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns    int32 `json:"total_conns"`
	IdleConns     int32 `json:"idle_conns"`
	AcquiredConns int32 `json:"acquired_conns"`
	MaxConns      int32 `json:"max_conns"`
}

func GetPoolStats(pool *pgxpool.Pool) PoolStats {
	stat := pool.Stat()
	return PoolStats{
		TotalConns:    stat.TotalConns(),
		IdleConns:     stat.IdleConns(),
		AcquiredConns: stat.AcquiredConns(),
		MaxConns:      stat.MaxConns(),
	}
}

// Check is a named dependency check (Redis, NATS, ...) reported next to the
// database on the health endpoint.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// HealthReport is the body returned by HealthHandler.
type HealthReport struct {
	Status     string            `json:"status"`
	Pool       *PoolStats        `json:"pool,omitempty"`
	Components map[string]string `json:"components"`
}

// RunChecks pings every check and reports "ok" or the error text per
// component. healthy is false when any check failed.
func RunChecks(ctx context.Context, checks []Check) (components map[string]string, healthy bool) {
	components = make(map[string]string, len(checks))
	healthy = true
	for _, c := range checks {
		if err := c.Ping(ctx); err != nil {
			components[c.Name] = err.Error()
			healthy = false
			continue
		}
		components[c.Name] = "ok"
	}
	return components, healthy
}

// HealthHandler pings the database and any extra dependencies.
func HealthHandler(pool *pgxpool.Pool, extra ...Check) echo.HandlerFunc {
	checks := append([]Check{{Name: "postgres", Ping: pool.Ping}}, extra...)
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		components, healthy := RunChecks(ctx, checks)
		stats := GetPoolStats(pool)
		report := HealthReport{Status: "healthy", Pool: &stats, Components: components}
		if !healthy {
			report.Status = "unhealthy"
			return c.JSON(http.StatusServiceUnavailable, report)
		}
		return c.JSON(http.StatusOK, report)
	}
}
