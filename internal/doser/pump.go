package doser

import (
	"context"
	"math"

	"github.com/dsyorkd/pi-doser/internal/errors"
)

// DefaultMlPerStep is the starting calibration for a new pump
const DefaultMlPerStep = 0.0032

// DefaultBackoffSteps are reversed after every dispense to relieve line pressure
const DefaultBackoffSteps int32 = 50

// Motor is a positioned stepper that a pump can be bound to
type Motor interface {
	ID() uint32
	StepBy(ctx context.Context, steps int32) error
	Position() int32
	PositionKnown() bool
	ResetPosition()
}

// CalibrationRecord is the persisted state of a pump
type CalibrationRecord struct {
	ID         uint32  `json:"id"`
	MlPerStep  float64 `json:"ml_per_step"`
	PrimeSteps uint32  `json:"prime_steps"`
}

// DefaultRecord returns the record created for a newly detected motor
func DefaultRecord(id uint32) CalibrationRecord {
	return CalibrationRecord{ID: id, MlPerStep: DefaultMlPerStep}
}

// Pump is a calibration record bound to a motor
type Pump struct {
	CalibrationRecord
	motor   Motor
	backoff int32
}

// NewPump binds rec to m. m may be nil for an inert pump.
func NewPump(rec CalibrationRecord, m Motor) *Pump {
	return &Pump{CalibrationRecord: rec, motor: m, backoff: DefaultBackoffSteps}
}

// Bound reports whether a motor is attached
func (p *Pump) Bound() bool {
	return p.motor != nil
}

// Motor returns the bound motor
func (p *Pump) Motor() Motor {
	return p.motor
}

// Position returns the motor position, zero when unbound
func (p *Pump) Position() int32 {
	if p.motor == nil {
		return 0
	}
	return p.motor.Position()
}

// PositionKnown is false after a motion fault until the pump is unprimed
func (p *Pump) PositionKnown() bool {
	return p.motor == nil || p.motor.PositionKnown()
}

// IsPrimed reports whether liquid has been pulled up to the nozzle
func (p *Pump) IsPrimed() bool {
	return p.motor != nil && p.motor.Position() > 0
}

// EnsurePrimed primes the pump unless it already is
func (p *Pump) EnsurePrimed(ctx context.Context) error {
	if p.motor == nil || p.IsPrimed() {
		return nil
	}
	if !p.motor.PositionKnown() {
		return errors.ErrPositionUnknown
	}
	return p.motor.StepBy(ctx, clampSteps(float64(p.PrimeSteps)))
}

// Unprime pushes liquid back out of the line and re-baselines the position at zero
func (p *Pump) Unprime(ctx context.Context) error {
	if p.motor == nil {
		return nil
	}
	if err := p.motor.StepBy(ctx, clampSteps(-2*float64(p.PrimeSteps))); err != nil {
		return err
	}
	p.motor.ResetPosition()
	return nil
}

// StepsFor returns the whole number of steps that dispense ml
func (p *Pump) StepsFor(ml float64) (int32, error) {
	if !(p.MlPerStep > 0) || math.IsInf(p.MlPerStep, 0) {
		return 0, errors.NewConfigurationError("ml_per_step", p.MlPerStep, "pump is not calibrated")
	}
	return clampSteps(math.Floor(ml / p.MlPerStep)), nil
}

// DispenseMl primes if needed, drives the steps for ml and backs off.
// It returns the forward steps driven.
func (p *Pump) DispenseMl(ctx context.Context, ml float64) (int32, error) {
	if p.motor == nil {
		return 0, nil
	}
	if !p.motor.PositionKnown() {
		return 0, errors.ErrPositionUnknown
	}
	if math.IsNaN(ml) || math.IsInf(ml, 0) || ml < 0 {
		return 0, errors.Wrapf(errors.ErrInvalidInput, "volume %v", ml)
	}

	steps, err := p.StepsFor(ml)
	if err != nil {
		return 0, err
	}
	if err := p.EnsurePrimed(ctx); err != nil {
		return 0, err
	}
	if err := p.motor.StepBy(ctx, steps); err != nil {
		return 0, err
	}
	if err := p.motor.StepBy(ctx, -p.backoff); err != nil {
		return steps, err
	}
	return steps, nil
}

func clampSteps(v float64) int32 {
	switch {
	case math.IsNaN(v):
		return 0
	case v > math.MaxInt32:
		return math.MaxInt32
	case v < math.MinInt32:
		return math.MinInt32
	}
	return int32(v)
}
