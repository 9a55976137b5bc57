package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dsyorkd/pi-doser/internal/doser"
	"github.com/dsyorkd/pi-doser/internal/system"
	"github.com/dsyorkd/pi-doser/pkg/gpio"
)

// HealthChecker reports whether a dependency is usable
type HealthChecker interface {
	Health() error
}

// InfoCollector gathers host information
type InfoCollector interface {
	Collect(ctx context.Context) (*system.Info, error)
}

// PinReporter exposes the GPIO lines held by the pump drivers
type PinReporter interface {
	IsAvailable() bool
	Pins() ([]gpio.ClaimedPin, error)
}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	history HealthChecker
	doser   *doser.Doser
	info    InfoCollector
	pins    PinReporter
}

// NewHealthHandler creates a new health handler. history, info and pins may be nil.
func NewHealthHandler(history HealthChecker, d *doser.Doser, info InfoCollector, pins PinReporter) *HealthHandler {
	return &HealthHandler{
		history: history,
		doser:   d,
		info:    info,
		pins:    pins,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
	Uptime    string    `json:"uptime,omitempty"`
}

// ReadinessResponse represents the readiness check response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

var startTime = time.Now()

// Health returns the basic health status
func (h *HealthHandler) Health(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Uptime:    time.Since(startTime).String(),
	}
	if h.doser != nil {
		response.Version = h.doser.Version()
	}

	c.JSON(http.StatusOK, response)
}

// Ready fails while a firmware update runs, when the GPIO lines are gone or
// when a configured dose history is unreachable
func (h *HealthHandler) Ready(c *gin.Context) {
	services := make(map[string]string)
	status := "ready"
	statusCode := http.StatusOK

	if h.history != nil {
		if err := h.history.Health(); err != nil {
			services["history"] = "unhealthy: " + err.Error()
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
		} else {
			services["history"] = "healthy"
		}
	}

	if h.pins != nil {
		if h.pins.IsAvailable() {
			services["gpio"] = "available"
		} else {
			services["gpio"] = "unavailable"
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
		}
	}

	if h.doser != nil {
		st := h.doser.Status()
		services["doser"] = string(st)
		if st == doser.StatusOTA {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
		}
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Timestamp: time.Now(),
		Services:  services,
	})
}

// SystemInfo returns host information
func (h *HealthHandler) SystemInfo(c *gin.Context) {
	if h.info == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "Not Found",
			"message": "system info is disabled",
		})
		return
	}

	info, err := h.info.Collect(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Internal Server Error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, info)
}

// Pins lists the claimed GPIO lines with their owners and last levels
func (h *HealthHandler) Pins(c *gin.Context) {
	if h.pins == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "Not Found",
			"message": "no GPIO controller",
		})
		return
	}

	pins, err := h.pins.Pins()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Internal Server Error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"available": h.pins.IsAvailable(),
		"pins":      pins,
	})
}
