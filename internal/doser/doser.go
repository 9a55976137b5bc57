// Package doser is the dosing domain: a registry of calibrated pumps, the
// device status and the dispense, prime and calibration operations.
package doser

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dsyorkd/pi-doser/internal/errors"
)

// Store persists string values by key
type Store interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

// DispenseRecord describes one completed or failed dispense
type DispenseRecord struct {
	MotorIdx int
	PumpID   uint32
	Ml       float64
	Steps    int32
	Source   string
	Nutrient string
	Err      error
	At       time.Time
}

// Recorder keeps a history of dispenses
type Recorder interface {
	RecordDispense(ctx context.Context, rec DispenseRecord) error
}

// Notifier is told about status and pump changes
type Notifier interface {
	Notify(event string, payload interface{})
}

// Sources of a dispense
const (
	SourceDispense = "dispense"
	SourceDose     = "dose"
)

// Events published through the Notifier
const (
	EventStatus = "status"
	EventPumps  = "pumps"
)

// DispenseRequest is one item of a dispense batch
type DispenseRequest struct {
	MotorIdx int     `json:"motor_idx"`
	Ml       float64 `json:"ml"`
}

// NutrientInfo is one nutrient of a feed chart stage
type NutrientInfo struct {
	Name     string  `json:"name" yaml:"name"`
	MotorIdx int     `json:"motor_idx" yaml:"motor_idx"`
	MlPerGal float64 `json:"ml_per_gal" yaml:"ml_per_gal"`
}

// DoseSolutionRequest asks for a nutrient solution of the given volume
type DoseSolutionRequest struct {
	Nutrients    []NutrientInfo `json:"nutrients"`
	TargetAmount float64        `json:"target_amount"`
	TargetUnit   VolUnit        `json:"target_unit" binding:"required"`
}

// Options configures a Doser
type Options struct {
	Store    Store
	Recorder Recorder
	Notifier Notifier
	Logger   logrus.FieldLogger
	Version  string
	// Restart is called when the device must restart
	Restart      func()
	BackoffSteps int32
}

// Doser owns the pump registry and device status
type Doser struct {
	mu    sync.Mutex // guards pumps and serializes motion
	pumps []*Pump

	statusMu sync.RWMutex
	status   Status
	running  int

	store    Store
	recorder Recorder
	notifier Notifier
	version  string
	restart  func()
	backoff  int32
	logger   *logrus.Entry
}

// New creates a doser with an empty registry. Call Load to bind motors.
func New(opts Options) *Doser {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	backoff := opts.BackoffSteps
	if backoff == 0 {
		backoff = DefaultBackoffSteps
	}
	restart := opts.Restart
	if restart == nil {
		restart = func() {}
	}

	return &Doser{
		status:   StatusIdle,
		store:    opts.Store,
		recorder: opts.Recorder,
		notifier: opts.Notifier,
		version:  opts.Version,
		restart:  restart,
		backoff:  backoff,
		logger:   logger.WithField("component", "doser"),
	}
}

// Load reads the stored calibration, reconciles it with motors and persists the result
func (d *Doser) Load(motors []Motor) error {
	var records []CalibrationRecord
	if d.store != nil {
		raw, ok, err := d.store.Get(StoreKeyMotors)
		switch {
		case err != nil:
			d.logger.WithError(err).Warn("Failed to read motor config, creating a new one")
		case !ok:
			d.logger.Info("No motor config stored, creating a new one")
		default:
			records, err = decodeRecords(raw)
			if err != nil {
				d.logger.WithError(err).Warn("Stored motor config is corrupt, creating a new one")
				records = nil
			} else {
				d.logger.WithField("config", raw).Info("Loaded existing motor config")
			}
		}
	}

	d.mu.Lock()
	d.pumps = Reconcile(records, motors)
	for _, p := range d.pumps {
		p.backoff = d.backoff
	}
	d.saveLocked()
	n := len(d.pumps)
	d.mu.Unlock()

	d.logger.WithField("pumps", n).Info("Motor config loaded")
	d.notifyPumps()
	return nil
}

// Version returns the running version string
func (d *Doser) Version() string {
	return d.version
}

// Status returns the device status
func (d *Doser) Status() Status {
	d.statusMu.RLock()
	defer d.statusMu.RUnlock()
	return d.status
}

// FullStatus returns the device status and a snapshot of every pump
func (d *Doser) FullStatus() FullStatus {
	d.mu.Lock()
	motors := make([]MotorStatus, len(d.pumps))
	for i, p := range d.pumps {
		motors[i] = MotorStatus{
			Idx:           i,
			ID:            p.ID,
			Position:      p.Position(),
			IsPrimed:      p.IsPrimed(),
			PrimeSteps:    p.PrimeSteps,
			MlPerStep:     p.MlPerStep,
			PositionKnown: p.PositionKnown(),
		}
	}
	d.mu.Unlock()

	return FullStatus{
		NumMotors: len(motors),
		Motors:    motors,
		Version:   d.version,
		Status:    d.Status(),
	}
}

// Records returns a copy of the calibration collection
func (d *Doser) Records() []CalibrationRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]CalibrationRecord, len(d.pumps))
	for i, p := range d.pumps {
		out[i] = p.CalibrationRecord
	}
	return out
}

// Dispense runs each request in order. An invalid index or a failing pump
// does not stop the remaining items; the returned error joins every failure.
func (d *Doser) Dispense(ctx context.Context, reqs []DispenseRequest) error {
	var errs []error
	for _, r := range reqs {
		if err := d.dispenseOne(ctx, r.MotorIdx, r.Ml, SourceDispense, ""); err != nil {
			errs = append(errs, err)
		}
	}
	d.notifyPumps()
	return errors.Join(errs...)
}

func (d *Doser) dispenseOne(ctx context.Context, idx int, ml float64, source, nutrient string) error {
	d.mu.Lock()
	p, err := d.pumpLocked(idx)
	if err != nil {
		d.mu.Unlock()
		d.logger.WithField("motor_idx", idx).Warn("Dispense for unknown motor index")
		return err
	}
	if err := d.beginRun(); err != nil {
		d.mu.Unlock()
		return err
	}

	d.logger.WithFields(logrus.Fields{
		"motor_idx": idx,
		"ml":        ml,
		"nutrient":  nutrient,
	}).Info("Dispensing liquid")

	steps, err := p.DispenseMl(ctx, ml)
	id := p.ID
	d.endRun()
	d.mu.Unlock()

	if err != nil {
		err = errors.Wrapf(err, "motor %d", idx)
		d.logger.WithError(err).WithField("motor_idx", idx).Error("Dispense failed")
	}
	d.record(ctx, DispenseRecord{
		MotorIdx: idx,
		PumpID:   id,
		Ml:       ml,
		Steps:    steps,
		Source:   source,
		Nutrient: nutrient,
		Err:      err,
		At:       time.Now(),
	})
	return err
}

// EnsurePrimed primes one pump if it is not already primed
func (d *Doser) EnsurePrimed(ctx context.Context, idx int) error {
	return d.withPump(ctx, idx, "prime", func(p *Pump) error {
		return p.EnsurePrimed(ctx)
	})
}

// Unprime reverses the priming of one pump and re-homes it at zero
func (d *Doser) Unprime(ctx context.Context, idx int) error {
	return d.withPump(ctx, idx, "unprime", func(p *Pump) error {
		return p.Unprime(ctx)
	})
}

// UnprimeAll unprimes every pump, continuing past failures
func (d *Doser) UnprimeAll(ctx context.Context) error {
	d.mu.Lock()
	if err := d.beginRun(); err != nil {
		d.mu.Unlock()
		return err
	}

	var errs []error
	for i, p := range d.pumps {
		d.logger.WithField("motor", p.ID).Info("Unpriming motor")
		if err := p.Unprime(ctx); err != nil {
			errs = append(errs, errors.Wrapf(err, "motor %d", i))
		}
	}
	d.endRun()
	d.mu.Unlock()

	d.notifyPumps()
	return errors.Join(errs...)
}

// UpdatePrime unprimes with the old prime length, adopts steps, re-primes and persists
func (d *Doser) UpdatePrime(ctx context.Context, idx int, steps uint32) error {
	err := d.withPump(ctx, idx, "update prime", func(p *Pump) error {
		if err := p.Unprime(ctx); err != nil {
			return err
		}
		p.PrimeSteps = steps
		return p.EnsurePrimed(ctx)
	})
	if errors.Is(err, errors.ErrInvalidMotorIndex) || errors.Is(err, errors.ErrBusy) {
		return err
	}

	d.save()
	return err
}

// Calibrate rescales ml_per_step from a measured dispense: the pump was
// asked for expected mL and actually delivered actual mL.
func (d *Doser) Calibrate(idx int, expected, actual float64) error {
	if !positive(expected) || !positive(actual) {
		return errors.Wrapf(errors.ErrInvalidInput, "expected %v and actual %v must be positive", expected, actual)
	}

	d.mu.Lock()
	p, err := d.pumpLocked(idx)
	if err != nil {
		d.mu.Unlock()
		return err
	}

	if !positive(p.MlPerStep) {
		d.mu.Unlock()
		return errors.NewConfigurationError("ml_per_step", p.MlPerStep, "pump is not calibrated")
	}
	origSteps := expected / p.MlPerStep
	p.MlPerStep = actual / origSteps
	d.logger.WithFields(logrus.Fields{
		"motor_idx":   idx,
		"ml_per_step": p.MlPerStep,
	}).Info("Calibrated pump")

	d.saveLocked()
	d.mu.Unlock()

	d.notifyPumps()
	return nil
}

// DoseSolution dispenses every nutrient scaled to the target solution volume.
// Nutrients pointing at unknown pumps are skipped.
func (d *Doser) DoseSolution(ctx context.Context, req DoseSolutionRequest) error {
	if !positive(req.TargetAmount) && req.TargetAmount != 0 {
		return errors.Wrapf(errors.ErrInvalidInput, "target amount %v", req.TargetAmount)
	}
	unit := req.TargetUnit
	if unit == "" {
		return errors.Wrapf(errors.ErrInvalidInput, "target unit is required")
	}

	solutionMl := req.TargetAmount * unit.ScaleToMl()
	solutionGal := solutionMl / Gal.ScaleToMl()
	d.logger.WithFields(logrus.Fields{
		"gallons": solutionGal,
		"ml":      solutionMl,
	}).Info("Dosing solution")

	// Hold RUNNING across the whole solution, not just each pump
	if err := d.beginRun(); err != nil {
		return err
	}
	defer d.endRun()

	var errs []error
	for _, n := range req.Nutrients {
		needed := solutionGal * n.MlPerGal
		if !d.hasPump(n.MotorIdx) {
			d.logger.WithFields(logrus.Fields{
				"nutrient":  n.Name,
				"motor_idx": n.MotorIdx,
			}).Warn("Skipping nutrient for unknown motor index")
			continue
		}
		if needed <= 0 {
			continue
		}
		if err := d.dispenseOne(ctx, n.MotorIdx, needed, SourceDose, n.Name); err != nil {
			errs = append(errs, err)
		}
	}

	d.notifyPumps()
	return errors.Join(errs...)
}

// DebugStep moves one pump by a raw number of steps
func (d *Doser) DebugStep(ctx context.Context, idx int, steps float64) error {
	if math.IsNaN(steps) || math.IsInf(steps, 0) {
		return errors.Wrapf(errors.ErrInvalidInput, "steps %v", steps)
	}
	return d.withPump(ctx, idx, "debug step", func(p *Pump) error {
		if p.motor == nil {
			return nil
		}
		return p.motor.StepBy(ctx, clampSteps(math.Trunc(steps)))
	})
}

// DebugCalibrate overwrites ml_per_step and persists
func (d *Doser) DebugCalibrate(idx int, value float64) error {
	if !positive(value) {
		return errors.Wrapf(errors.ErrInvalidInput, "ml_per_step %v must be positive", value)
	}

	d.mu.Lock()
	p, err := d.pumpLocked(idx)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	p.MlPerStep = value
	d.saveLocked()
	d.mu.Unlock()

	d.notifyPumps()
	return nil
}

// ClearConfig empties the registry, persists the empty collection and
// requests a restart so motors are detected afresh.
func (d *Doser) ClearConfig() {
	d.mu.Lock()
	d.pumps = nil
	d.saveLocked()
	d.mu.Unlock()

	d.logger.Warn("Motor config cleared, restarting")
	d.restart()
}

// Reboot requests a restart
func (d *Doser) Reboot() {
	d.logger.Info("Reboot requested")
	d.restart()
}

// BeginOTA switches to OTA status. It fails while motion is running or
// another update is in progress.
func (d *Doser) BeginOTA() error {
	d.statusMu.Lock()
	if d.running > 0 || d.status == StatusOTA {
		d.statusMu.Unlock()
		return errors.Wrapf(errors.ErrBusy, "cannot start update while %s", d.status)
	}
	d.status = StatusOTA
	d.statusMu.Unlock()

	d.notifyStatus(StatusOTA)
	return nil
}

// EndOTA returns to IDLE after a failed update
func (d *Doser) EndOTA() {
	d.statusMu.Lock()
	if d.status != StatusOTA {
		d.statusMu.Unlock()
		return
	}
	d.status = StatusIdle
	d.statusMu.Unlock()

	d.notifyStatus(StatusIdle)
}

func (d *Doser) withPump(ctx context.Context, idx int, op string, fn func(p *Pump) error) error {
	d.mu.Lock()
	p, err := d.pumpLocked(idx)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	if err := d.beginRun(); err != nil {
		d.mu.Unlock()
		return err
	}

	d.logger.WithFields(logrus.Fields{
		"motor_idx": idx,
		"motor":     p.ID,
	}).Infof("Running %s", op)

	err = fn(p)
	d.endRun()
	d.mu.Unlock()

	d.notifyPumps()
	return errors.Wrapf(err, "%s motor %d", op, idx)
}

func (d *Doser) pumpLocked(idx int) (*Pump, error) {
	if idx < 0 || idx >= len(d.pumps) {
		return nil, errors.Wrapf(errors.ErrInvalidMotorIndex, "motor %d", idx)
	}
	return d.pumps[idx], nil
}

func (d *Doser) hasPump(idx int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return idx >= 0 && idx < len(d.pumps)
}

// beginRun marks motion in flight. Motion is refused during an update.
func (d *Doser) beginRun() error {
	d.statusMu.Lock()
	if d.status == StatusOTA {
		d.statusMu.Unlock()
		return errors.Wrap(errors.ErrBusy, "firmware update in progress")
	}
	d.running++
	changed := d.status != StatusRunning
	d.status = StatusRunning
	d.statusMu.Unlock()

	if changed {
		d.notifyStatus(StatusRunning)
	}
	return nil
}

func (d *Doser) endRun() {
	d.statusMu.Lock()
	if d.running > 0 {
		d.running--
	}
	changed := false
	if d.running == 0 && d.status == StatusRunning {
		d.status = StatusIdle
		changed = true
	}
	d.statusMu.Unlock()

	if changed {
		d.notifyStatus(StatusIdle)
	}
}

func (d *Doser) save() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.saveLocked()
}

// saveLocked persists the collection. Failures are logged and never undo the
// in-memory change.
func (d *Doser) saveLocked() {
	if d.store == nil {
		return
	}
	raw, err := encodeRecords(d.pumps)
	if err != nil {
		d.logger.WithError(err).Error("Failed to serialize state")
		return
	}
	if err := d.store.Set(StoreKeyMotors, raw); err != nil {
		d.logger.WithError(errors.NewPersistenceError(StoreKeyMotors, "set", err)).Error("Failed to write state")
		return
	}
	d.logger.WithField("config", raw).Debug("Wrote state")
}

func (d *Doser) record(ctx context.Context, rec DispenseRecord) {
	if d.recorder == nil {
		return
	}
	if err := d.recorder.RecordDispense(ctx, rec); err != nil {
		d.logger.WithError(err).Warn("Failed to record dispense history")
	}
}

func (d *Doser) notifyStatus(s Status) {
	if d.notifier != nil {
		d.notifier.Notify(EventStatus, StatusResponse{Status: s})
	}
}

func (d *Doser) notifyPumps() {
	if d.notifier != nil {
		d.notifier.Notify(EventPumps, d.FullStatus())
	}
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}
