// api/handlers/stats_handlers.go
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"

	"eventsite/api/models"
	"eventsite/api/query"
	"eventsite/api/reconcile"
	"eventsite/api/rollup"
	"eventsite/api/utils"
)

const (
	queryTimeout    = 10 * time.Second
	rollupTimeout   = time.Minute
	backfillTimeout = 10 * time.Minute
)

// EventCounter serves ad-hoc counts from the event warehouse.
type EventCounter interface {
	GetEventCountsOverTime(ctx context.Context, interval string, start, end time.Time, eventTypeFilter string) ([]models.EventCountByTime, error)
}

// StatsHandlers is the admin dashboard surface.
type StatsHandlers struct {
	Query      *query.Service
	Rollup     *rollup.Engine
	Reconciler *reconcile.Reconciler
	// Warehouse is nil when the ClickHouse mirror is not configured.
	Warehouse EventCounter

	clock  quartz.Clock
	logger *slog.Logger
}

func NewStatsHandlers(q *query.Service, engine *rollup.Engine, reconciler *reconcile.Reconciler, warehouse EventCounter, clock quartz.Clock, logger *slog.Logger) *StatsHandlers {
	return &StatsHandlers{
		Query:      q,
		Rollup:     engine,
		Reconciler: reconciler,
		Warehouse:  warehouse,
		clock:      clock,
		logger:     logger.With("component", "stats_handlers"),
	}
}

func (h *StatsHandlers) dateRange(c *gin.Context) (time.Time, time.Time, bool) {
	start, end, err := utils.ParseDateRange(c.Query("start"), c.Query("end"), h.clock.Now())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid date range", "details": err.Error()})
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

func (h *StatsHandlers) fail(c *gin.Context, msg string, err error) {
	if errors.Is(err, query.ErrInvalidRange) || errors.Is(err, rollup.ErrInvalidRange) {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg, "details": err.Error()})
		return
	}
	h.logger.Error(msg, "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}

func (h *StatsHandlers) GetSummary(c *gin.Context) {
	start, end, ok := h.dateRange(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	summary, err := h.Query.GetSummary(ctx, start, end)
	if err != nil {
		h.fail(c, "Failed to retrieve summary", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *StatsHandlers) GetPopularPages(c *gin.Context) {
	start, end, ok := h.dateRange(c)
	if !ok {
		return
	}
	limit := 0 // 0 lets the query service apply its default
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'limit' parameter. Must be a positive integer."})
			return
		}
		limit = n
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	pages, err := h.Query.GetPopularPages(ctx, start, end, limit)
	if err != nil {
		h.fail(c, "Failed to retrieve popular pages", err)
		return
	}
	c.JSON(http.StatusOK, pages)
}

func parseTimestamp(v string, fallback time.Time) (time.Time, error) {
	if v == "" {
		return fallback, nil
	}
	return time.Parse(time.RFC3339, v)
}

// GetEventCounts buckets mirrored events by interval. start and end are
// RFC3339 timestamps defaulting to the last seven days.
func (h *StatsHandlers) GetEventCounts(c *gin.Context) {
	if h.Warehouse == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Event warehouse is not configured"})
		return
	}
	interval := c.DefaultQuery("interval", "Day")
	if !utils.IsValidInterval(interval) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'interval' parameter (e.g., 'Day', 'Hour')"})
		return
	}
	// Parse start and end times, defaulting to the last 7 days
	now := h.clock.Now().UTC()
	start, err := parseTimestamp(c.Query("start"), now.AddDate(0, 0, -7))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'start' timestamp format. Use RFC3339 (e.g., 2006-01-02T15:04:05Z)"})
		return
	}
	end, err := parseTimestamp(c.Query("end"), now)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'end' timestamp format. Use RFC3339 (e.g., 2006-01-02T15:04:05Z)"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	results, err := h.Warehouse.GetEventCountsOverTime(ctx, interval, start, end, c.Query("eventType"))
	if err != nil {
		h.fail(c, "Failed to retrieve event statistics", err)
		return
	}
	if results == nil {
		results = []models.EventCountByTime{} // Render [] rather than null
	}
	c.JSON(http.StatusOK, results)
}

// RollupDate recomputes the aggregate for one day on demand.
func (h *StatsHandlers) RollupDate(c *gin.Context) {
	day, err := models.ParseDay(c.Param("date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid date", "details": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), rollupTimeout)
	defer cancel()

	agg, err := h.Rollup.RollupDate(ctx, day)
	if err != nil {
		h.fail(c, "Failed to roll up date", err)
		return
	}
	c.JSON(http.StatusOK, agg)
}

type backfillRequest struct {
	Start string `json:"start" binding:"required"`
	End   string `json:"end" binding:"required"`
}

func (h *StatsHandlers) Backfill(c *gin.Context) {
	var req backfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	start, end, err := utils.ParseDateRange(req.Start, req.End, h.clock.Now())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid date range", "details": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), backfillTimeout)
	defer cancel()

	done, err := h.Rollup.Backfill(ctx, start, end)
	// Days that did roll up stay written; report how far we got.
	if err != nil {
		if done == 0 {
			h.fail(c, "Failed to backfill", err)
			return
		}
		h.logger.Error("partial backfill", "days", done, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Backfill partially failed", "days_rolled_up": done})
		return
	}
	c.JSON(http.StatusOK, gin.H{"days_rolled_up": done})
}

// ReconcileSessions runs one abandoned-session pass now.
func (h *StatsHandlers) ReconcileSessions(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), rollupTimeout)
	defer cancel()

	res, err := h.Reconciler.RunOnce(ctx)
	if err != nil {
		h.fail(c, "Failed to reconcile sessions", err)
		return
	}
	if res.Abandoned == nil {
		res.Abandoned = []string{}
	}
	c.JSON(http.StatusOK, res)
}
