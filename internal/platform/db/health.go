package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the pool section of the /health/db response.
type PoolStats struct {
	TotalConns    int32 `json:"total_conns"`
	IdleConns     int32 `json:"idle_conns"`
	AcquiredConns int32 `json:"acquired_conns"`
	MaxConns      int32 `json:"max_conns"`
	AcquireCount  int64 `json:"acquire_count"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:    stat.TotalConns(),
		IdleConns:     stat.IdleConns(),
		AcquiredConns: stat.AcquiredConns(),
		MaxConns:      stat.MaxConns(),
		AcquireCount:  stat.AcquireCount(),
	}
}

// Check is an additional dependency probe, such as the rule cache.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// HealthHandler pings Postgres and every extra check. Postgres down is 503
// "unhealthy"; a failing extra check is 200 "degraded".
func HealthHandler(pool *pgxpool.Pool, checks ...Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		status, code := "healthy", http.StatusOK
		results := map[string]string{"postgres": "ok"}
		if err := pool.Ping(ctx); err != nil {
			status, code = "unhealthy", http.StatusServiceUnavailable
			results["postgres"] = err.Error()
		}
		for _, chk := range checks {
			if err := chk.Ping(ctx); err != nil {
				results[chk.Name] = err.Error()
				if code == http.StatusOK {
					status = "degraded"
				}
				continue
			}
			results[chk.Name] = "ok"
		}

		return c.JSON(code, map[string]interface{}{
			"status": status,
			"checks": results,
			"pool":   GetPoolStats(pool),
		})
	}
}
