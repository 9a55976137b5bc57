package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/dsyorkd/pi-doser/internal/doser"
	"github.com/dsyorkd/pi-doser/internal/errors"
	"github.com/dsyorkd/pi-doser/internal/ota"
	"github.com/dsyorkd/pi-doser/internal/task"
)

// Updater installs a firmware image from a URI
type Updater interface {
	Update(ctx context.Context, uri string) (*ota.Result, error)
}

// DoserHandler serves the pump and device routes
type DoserHandler struct {
	doser   *doser.Doser
	tasks   *task.Tracker
	updater Updater
	logger  *logrus.Entry
}

// NewDoserHandler creates a doser handler. updater may be nil to disable OTA.
func NewDoserHandler(d *doser.Doser, tasks *task.Tracker, updater Updater, logger logrus.FieldLogger) *DoserHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &DoserHandler{
		doser:   d,
		tasks:   tasks,
		updater: updater,
		logger:  logger.WithField("component", "api"),
	}
}

// DispenseRequest is the body of POST /dispense
type DispenseRequest struct {
	Reqs []doser.DispenseRequest `json:"reqs"`
}

// MotorRequest addresses a single pump
type MotorRequest struct {
	MotorIdx *int `json:"motor_idx" binding:"required"`
}

// UpdatePrimeRequest is the body of POST /update-prime
type UpdatePrimeRequest struct {
	MotorIdx   *int   `json:"motor_idx" binding:"required"`
	PrimeSteps uint32 `json:"prime_steps"`
}

// CalibrateRequest is the body of POST /calibrate
type CalibrateRequest struct {
	MotorIdx *int    `json:"motor_idx" binding:"required"`
	Expected float64 `json:"expected"`
	Actual   float64 `json:"actual"`
}

// DebugStepRequest is the body of POST /debug/step
type DebugStepRequest struct {
	MotorIdx *int    `json:"motor_idx" binding:"required"`
	Steps    float64 `json:"steps"`
}

// DebugCalibrateRequest is the body of POST /debug/calibrate
type DebugCalibrateRequest struct {
	MotorIdx *int    `json:"motor_idx" binding:"required"`
	Value    float64 `json:"value"`
}

// OTARequest is the body of POST /ota
type OTARequest struct {
	URI string `json:"uri" binding:"required"`
}

// Root returns the banner
func (h *DoserHandler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, fmt.Sprintf("Nutrient doser %s", h.doser.Version()))
}

// Status returns the device status
func (h *DoserHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, doser.StatusResponse{Status: h.doser.Status()})
}

// FullStatus returns every pump with the device status and version
func (h *DoserHandler) FullStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.doser.FullStatus())
}

// Dispense runs a batch of dispenses in order
func (h *DoserHandler) Dispense(c *gin.Context) {
	var req DispenseRequest
	if !bind(c, &req) {
		return
	}

	h.run(c, "dispense", func(ctx context.Context) error {
		return h.doser.Dispense(ctx, req.Reqs)
	})
}

// Calibrate rescales ml_per_step from a measured dispense
func (h *DoserHandler) Calibrate(c *gin.Context) {
	var req CalibrateRequest
	if !bind(c, &req) {
		return
	}

	h.respond(c, "calibrate", h.doser.Calibrate(*req.MotorIdx, req.Expected, req.Actual))
}

// UpdatePrime unprimes a pump, stores the new prime length and primes it again
func (h *DoserHandler) UpdatePrime(c *gin.Context) {
	var req UpdatePrimeRequest
	if !bind(c, &req) {
		return
	}

	h.run(c, "update-prime", func(ctx context.Context) error {
		return h.doser.UpdatePrime(ctx, *req.MotorIdx, req.PrimeSteps)
	})
}

// Unprime returns one pump to position zero
func (h *DoserHandler) Unprime(c *gin.Context) {
	var req MotorRequest
	if !bind(c, &req) {
		return
	}

	h.run(c, "unprime", func(ctx context.Context) error {
		return h.doser.Unprime(ctx, *req.MotorIdx)
	})
}

// UnprimeAll returns every pump to position zero
func (h *DoserHandler) UnprimeAll(c *gin.Context) {
	h.run(c, "unprime-all", h.doser.UnprimeAll)
}

// Dose mixes a nutrient solution for the requested volume of water
func (h *DoserHandler) Dose(c *gin.Context) {
	var req doser.DoseSolutionRequest
	if !bind(c, &req) {
		return
	}

	h.run(c, "dose", func(ctx context.Context) error {
		return h.doser.DoseSolution(ctx, req)
	})
}

// DebugStep moves a motor by a raw step count
func (h *DoserHandler) DebugStep(c *gin.Context) {
	var req DebugStepRequest
	if !bind(c, &req) {
		return
	}

	h.run(c, "debug-step", func(ctx context.Context) error {
		return h.doser.DebugStep(ctx, *req.MotorIdx, req.Steps)
	})
}

// DebugCalibrate overwrites ml_per_step
func (h *DoserHandler) DebugCalibrate(c *gin.Context) {
	var req DebugCalibrateRequest
	if !bind(c, &req) {
		return
	}

	h.respond(c, "debug-calibrate", h.doser.DebugCalibrate(*req.MotorIdx, req.Value))
}

// ClearConfig wipes every pump record and restarts once the response is sent
func (h *DoserHandler) ClearConfig(c *gin.Context) {
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	h.doser.ClearConfig()
}

// Reboot restarts the device once the response is sent
func (h *DoserHandler) Reboot(c *gin.Context) {
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	h.doser.Reboot()
}

// OTA installs firmware from the given URI. Motion is refused while it runs;
// on success the device restarts into the new image.
func (h *DoserHandler) OTA(c *gin.Context) {
	if h.updater == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "Not Found",
			"message": "firmware updates are disabled",
		})
		return
	}

	var req OTARequest
	if !bind(c, &req) {
		return
	}

	if err := h.doser.BeginOTA(); err != nil {
		h.fail(c, "ota", err)
		return
	}

	// The update owns the OTA status until it fails or restarts the device
	var result *ota.Result
	t, err := h.tasks.Go(c.Request.Context(), "ota", func(ctx context.Context) error {
		var err error
		result, err = h.updater.Update(ctx, req.URI)
		if err != nil {
			h.doser.EndOTA()
			return err
		}

		h.logger.WithFields(logrus.Fields{
			"slot":  result.Slot,
			"bytes": result.Bytes,
		}).Info("Firmware installed, restarting")
		h.doser.Reboot()
		return nil
	})
	if err != nil {
		h.doser.EndOTA()
		h.fail(c, "ota", err)
		return
	}

	if err := t.Wait(c.Request.Context()); err != nil {
		h.fail(c, "ota", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"slot":  result.Slot,
		"bytes": result.Bytes,
	})
}

// run executes fn as a tracked task so a disconnecting client cannot stop a
// pump mid-stream
func (h *DoserHandler) run(c *gin.Context, name string, fn func(ctx context.Context) error) {
	h.respond(c, name, h.tasks.Run(c.Request.Context(), name, fn))
}

func (h *DoserHandler) respond(c *gin.Context, op string, err error) {
	if err != nil {
		h.fail(c, op, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *DoserHandler) fail(c *gin.Context, op string, err error) {
	status := errors.HTTPStatus(err)
	entry := h.logger.WithError(err).WithField("operation", op)
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Warn("Request rejected")
	}

	c.JSON(status, gin.H{
		"error":   http.StatusText(status),
		"message": err.Error(),
	})
}

func bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Bad Request",
			"message": err.Error(),
		})
		return false
	}
	return true
}
