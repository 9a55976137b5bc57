package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/dsyorkd/pi-doser/internal/models"
	"github.com/dsyorkd/pi-doser/internal/storage"
)

// MaxHistoryLimit caps the limit query parameter
const MaxHistoryLimit = 1000

// HistoryHandler serves the dose history log
type HistoryHandler struct {
	history storage.History
	logger  *logrus.Entry
}

// NewHistoryHandler creates a new history handler
func NewHistoryHandler(history storage.History, logger logrus.FieldLogger) *HistoryHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &HistoryHandler{
		history: history,
		logger:  logger.WithField("component", "api"),
	}
}

// List returns dose events newest first.
// Query: pump_id, since and until (RFC 3339), limit.
func (h *HistoryHandler) List(c *gin.Context) {
	var q storage.HistoryQuery

	if v := c.Query("pump_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			badQuery(c, "pump_id", err)
			return
		}
		pumpID := uint32(id)
		q.PumpID = &pumpID
	}

	var ok bool
	if q.Since, ok = queryTime(c, "since"); !ok {
		return
	}
	if q.Until, ok = queryTime(c, "until"); !ok {
		return
	}

	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Bad Request",
				"message": "limit must be a positive integer",
			})
			return
		}
		if limit > MaxHistoryLimit {
			limit = MaxHistoryLimit
		}
		q.Limit = limit
	}

	events, err := h.history.ListDoseEvents(c.Request.Context(), q)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list dose history")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Internal Server Error",
			"message": "Failed to retrieve dose history",
		})
		return
	}
	if events == nil {
		events = []models.DoseEvent{}
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// Totals returns the successfully dispensed volume per pump. Query: since.
func (h *HistoryHandler) Totals(c *gin.Context) {
	since, ok := queryTime(c, "since")
	if !ok {
		return
	}

	totals, err := h.history.Totals(c.Request.Context(), since)
	if err != nil {
		h.logger.WithError(err).Error("Failed to total dose history")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Internal Server Error",
			"message": "Failed to total dose history",
		})
		return
	}
	if totals == nil {
		totals = []storage.PumpTotal{}
	}

	c.JSON(http.StatusOK, gin.H{"totals": totals})
}

func queryTime(c *gin.Context, key string) (time.Time, bool) {
	v := c.Query(key)
	if v == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		badQuery(c, key, err)
		return time.Time{}, false
	}
	return t, true
}

func badQuery(c *gin.Context, key string, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Bad Request",
		"message": "invalid " + key + ": " + err.Error(),
	})
}
