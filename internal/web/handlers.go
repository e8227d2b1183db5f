package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/exp/slog"

	"github.com/macjediwizard/offlinecal/internal/db"
)

// maxRangeDays bounds a single range query.
const maxRangeDays = 366

// Store is the read side the API serves from.
type Store interface {
	Ping(ctx context.Context) error
	GetCalendar(ctx context.Context, id int64) (*db.Calendar, error)
	OccurrencesForDay(ctx context.Context, day db.DayCode) ([]*db.OccurrenceView, error)
	OccurrencesInRange(ctx context.Context, from, to db.DayCode) ([]*db.OccurrenceView, error)
	ListOperations(ctx context.Context, calendarID int64) ([]*db.PendingOperation, error)
}

// SyncTrigger starts a sync cycle in the background.
type SyncTrigger interface {
	TriggerSync(calendarID int64, force bool)
}

// ActivitySource reports running and recent sync cycles.
type ActivitySource interface {
	GetAll() map[string]interface{}
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	store    Store
	trigger  SyncTrigger
	activity ActivitySource
	logger   *slog.Logger
	started  time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(store Store, trigger SyncTrigger, activity ActivitySource, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:    store,
		trigger:  trigger,
		activity: activity,
		logger:   logger,
		started:  time.Now(),
	}
}

// HealthCheck reports whether the local store answers.
func (h *Handlers) HealthCheck(c *gin.Context) {
	uptime := time.Since(h.started).Round(time.Second).String()
	if err := h.store.Ping(c.Request.Context()); err != nil {
		h.logger.Error("health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "uptime": uptime})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "uptime": uptime})
}

// DayOccurrences returns the visible occurrences of one day.
func (h *Handlers) DayOccurrences(c *gin.Context) {
	day, err := db.ParseDayCode(c.Param("day"))
	if err != nil || !day.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid day, expected YYYY-MM-DD"})
		return
	}

	occurrences, err := h.store.OccurrencesForDay(c.Request.Context(), day)
	if err != nil {
		h.logger.Error("failed to load occurrences", "day", day.String(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load occurrences"})
		return
	}
	if occurrences == nil {
		occurrences = []*db.OccurrenceView{}
	}
	c.JSON(http.StatusOK, gin.H{"day": day.String(), "occurrences": occurrences})
}

// RangeOccurrences returns the visible occurrences touching [from, to].
func (h *Handlers) RangeOccurrences(c *gin.Context) {
	from, errFrom := db.ParseDayCode(c.Query("from"))
	to, errTo := db.ParseDayCode(c.Query("to"))
	if errFrom != nil || errTo != nil || !from.Valid() || !to.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from and to are required as YYYY-MM-DD"})
		return
	}
	if to < from {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to must not be before from"})
		return
	}
	if from.AddDays(maxRangeDays) < to {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Range too large"})
		return
	}

	occurrences, err := h.store.OccurrencesInRange(c.Request.Context(), from, to)
	if err != nil {
		h.logger.Error("failed to load occurrences", "from", from.String(), "to", to.String(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load occurrences"})
		return
	}
	if occurrences == nil {
		occurrences = []*db.OccurrenceView{}
	}
	c.JSON(http.StatusOK, gin.H{"from": from.String(), "to": to.String(), "occurrences": occurrences})
}

// TriggerSync starts a sync cycle for a calendar. force=true also retries
// failed operations.
func (h *Handlers) TriggerSync(c *gin.Context) {
	cal, ok := h.loadCalendar(c)
	if !ok {
		return
	}
	if cal.LocalOnly {
		c.JSON(http.StatusConflict, gin.H{"error": "Calendar is local-only"})
		return
	}

	force := false
	if v := c.Query("force"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid force value"})
			return
		}
		force = parsed
	}

	h.trigger.TriggerSync(cal.ID, force)
	c.JSON(http.StatusAccepted, gin.H{"message": "Sync triggered", "calendar_id": cal.ID, "force": force})
}

// PendingOperations lists the outbound queue of a calendar.
func (h *Handlers) PendingOperations(c *gin.Context) {
	cal, ok := h.loadCalendar(c)
	if !ok {
		return
	}

	ops, err := h.store.ListOperations(c.Request.Context(), cal.ID)
	if err != nil {
		h.logger.Error("failed to list operations", "calendar_id", cal.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load operations"})
		return
	}
	failed := 0
	for _, op := range ops {
		if op.Failed() {
			failed++
		}
	}
	if ops == nil {
		ops = []*db.PendingOperation{}
	}
	c.JSON(http.StatusOK, gin.H{
		"calendar_id": cal.ID,
		"operations":  ops,
		"pending":     len(ops) - failed,
		"failed":      failed,
	})
}

// Activity returns running and recent sync cycles.
func (h *Handlers) Activity(c *gin.Context) {
	c.JSON(http.StatusOK, h.activity.GetAll())
}

func (h *Handlers) loadCalendar(c *gin.Context) (*db.Calendar, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid calendar id"})
		return nil, false
	}
	cal, err := h.store.GetCalendar(c.Request.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Calendar not found"})
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to load calendar", "calendar_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load calendar"})
		return nil, false
	}
	return cal, true
}
