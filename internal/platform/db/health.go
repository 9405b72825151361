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
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Checker is the part of a store the health endpoint needs.
type Checker interface {
	Ping(ctx context.Context) error
	Driver() string
}

type pooled interface {
	Pool() *pgxpool.Pool
}

// HealthHandler pings the store. Pool statistics are included when the
// store is backed by pgxpool.
func HealthHandler(c Checker) echo.HandlerFunc {
	return func(ec echo.Context) error {
		ctx, cancel := context.WithTimeout(ec.Request().Context(), 5*time.Second)
		defer cancel()

		body := map[string]interface{}{"driver": c.Driver()}
		if p, ok := c.(pooled); ok {
			body["pool"] = GetPoolStats(p.Pool())
		}

		if err := c.Ping(ctx); err != nil {
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			return ec.JSON(http.StatusServiceUnavailable, body)
		}
		body["status"] = "healthy"
		return ec.JSON(http.StatusOK, body)
	}
}
