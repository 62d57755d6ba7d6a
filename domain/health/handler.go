package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/coverforge/coverforge/internal/config"
	"github.com/coverforge/coverforge/internal/version"
)

const checkTimeout = 5 * time.Second

// diskUsedPercentLimit marks the clone volume unhealthy; a full disk makes
// every clone and install fail.
const diskUsedPercentLimit = 90.0

const memUsedPercentLimit = 95.0

// Handler serves liveness, readiness, and detailed health endpoints.
type Handler struct {
	pool    *pgxpool.Pool
	cfg     *config.Config
	startAt time.Time

	// Overridable for tests.
	diskUsage func(ctx context.Context, path string) (*disk.UsageStat, error)
	memStats  func(ctx context.Context) (*mem.VirtualMemoryStat, error)
}

// NewHandler creates a health handler.
func NewHandler(pool *pgxpool.Pool, cfg *config.Config) *Handler {
	return &Handler{
		pool:      pool,
		cfg:       cfg,
		startAt:   time.Now(),
		diskUsage: disk.UsageWithContext,
		memStats:  mem.VirtualMemoryWithContext,
	}
}

// HealthResponse is the detailed health report.
type HealthResponse struct {
	Status    string           `json:"status"`
	Timestamp string           `json:"timestamp"`
	Uptime    string           `json:"uptime"`
	Version   string           `json:"version"`
	Checks    map[string]Check `json:"checks"`
}

// Check is one subsystem's health result.
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Health reports overall service health: database connectivity, free space
// on the clone volume, and memory pressure.
func (h *Handler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), checkTimeout)
	defer cancel()

	checks := map[string]Check{
		"database": h.checkDatabase(ctx),
		"disk":     h.checkDisk(ctx),
		"memory":   h.checkMemory(ctx),
	}

	overall := "healthy"
	for _, check := range checks {
		if check.Status != "healthy" {
			overall = "unhealthy"
			break
		}
	}

	statusCode := http.StatusOK
	if overall == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	return c.JSON(statusCode, HealthResponse{
		Status:    overall,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(h.startAt).String(),
		Version:   version.Version,
		Checks:    checks,
	})
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

// Ready is the readiness probe; it gates only on the database because no
// request can be served without it.
func (h *Handler) Ready(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), checkTimeout)
	defer cancel()

	if err := h.pool.Ping(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status":  "not_ready",
			"message": "database connection failed",
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (h *Handler) checkDatabase(ctx context.Context) Check {
	if err := h.pool.Ping(ctx); err != nil {
		return Check{Status: "unhealthy", Message: err.Error()}
	}
	return Check{Status: "healthy"}
}

func (h *Handler) checkDisk(ctx context.Context) Check {
	usage, err := h.diskUsage(ctx, h.cfg.GitHub.CloneBasePath)
	if err != nil {
		// Clone base may not exist until the first job; that is fine.
		return Check{Status: "healthy", Message: "clone volume not yet provisioned"}
	}
	if usage.UsedPercent > diskUsedPercentLimit {
		return Check{
			Status:  "unhealthy",
			Message: fmt.Sprintf("clone volume %.1f%% full", usage.UsedPercent),
		}
	}
	return Check{
		Status:  "healthy",
		Message: fmt.Sprintf("%.1f%% used", usage.UsedPercent),
	}
}

func (h *Handler) checkMemory(ctx context.Context) Check {
	stats, err := h.memStats(ctx)
	if err != nil {
		return Check{Status: "unhealthy", Message: err.Error()}
	}
	if stats.UsedPercent > memUsedPercentLimit {
		return Check{
			Status:  "unhealthy",
			Message: fmt.Sprintf("memory %.1f%% used", stats.UsedPercent),
		}
	}
	return Check{
		Status:  "healthy",
		Message: fmt.Sprintf("%.1f%% used", stats.UsedPercent),
	}
}
