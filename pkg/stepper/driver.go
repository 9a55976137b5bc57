package stepper

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/physic"

	"github.com/dsyorkd/pi-doser/internal/errors"
	"github.com/dsyorkd/pi-doser/pkg/gpio"
)

// DRV8825 timing and motion limits in full steps
const (
	// DirSetup is the enable/dir to first STEP edge setup time
	DirSetup = 650 * time.Nanosecond

	DefaultMaxRPM      = 400.0
	DefaultMaxAccel    = 400.0
	DefaultStepsPerRev = 200
	DefaultMicrosteps  = Microsteps(1)
)

// Microsteps is the driver's microstep multiplier
type Microsteps uint32

// ParseMicrosteps validates a multiplier
func ParseMicrosteps(v int) (Microsteps, error) {
	switch v {
	case 1, 2, 4, 8, 16, 32:
		return Microsteps(v), nil
	}
	return 0, errors.NewConfigurationError("microsteps", v, "must be one of 1, 2, 4, 8, 16, 32")
}

// Scale multiplies a full-step quantity by the microstep multiplier
func (m Microsteps) Scale(v float64) float64 {
	return v * float64(m)
}

// DriverConfig describes one pump's driver board
type DriverConfig struct {
	EnablePin   int
	DirPin      int
	Microsteps  Microsteps
	MaxRPM      float64
	MaxAccel    float64 // full steps/s²
	StepsPerRev int
	StepPulse   time.Duration
}

func (c *DriverConfig) applyDefaults() {
	if c.Microsteps == 0 {
		c.Microsteps = DefaultMicrosteps
	}
	if c.MaxRPM == 0 {
		c.MaxRPM = DefaultMaxRPM
	}
	if c.MaxAccel == 0 {
		c.MaxAccel = DefaultMaxAccel
	}
	if c.StepsPerRev == 0 {
		c.StepsPerRev = DefaultStepsPerRev
	}
	if c.StepPulse == 0 {
		c.StepPulse = DefaultStepPulse
	}
}

// Driver is a DRV8825-style step/dir/enable driver sharing a pulse channel.
// The enable line is active low and held high whenever no stream is in flight.
type Driver struct {
	cfg     DriverConfig
	pins    gpio.Writer
	channel *Channel
	encoder *Encoder
	profile ProfileConfig

	moveMu   sync.Mutex
	position atomic.Int32
	unknown  atomic.Bool

	logger *logrus.Entry
}

// Validate checks cfg, with defaults applied, against the channel clock
func (c DriverConfig) Validate(clock physic.Frequency) error {
	c.applyDefaults()
	_, _, err := c.build(clock)
	return err
}

func (c *DriverConfig) build(clock physic.Frequency) (*Encoder, ProfileConfig, error) {
	if _, err := ParseMicrosteps(int(c.Microsteps)); err != nil {
		return nil, ProfileConfig{}, err
	}
	if c.EnablePin < 0 {
		return nil, ProfileConfig{}, errors.NewConfigurationError("enable_pin", c.EnablePin, "must not be negative")
	}
	if c.EnablePin == c.DirPin {
		return nil, ProfileConfig{}, errors.NewConfigurationError("dir_pin", c.DirPin, "must differ from the enable pin")
	}

	encoder, err := NewEncoder(clock, c.StepPulse)
	if err != nil {
		return nil, ProfileConfig{}, err
	}

	profile := ProfileConfig{
		Clock:        clock,
		Acceleration: c.Microsteps.Scale(c.MaxAccel),
		MaxSpeed:     c.Microsteps.Scale(c.MaxRPM / 60 * float64(c.StepsPerRev)),
	}
	minDelay, err := profile.MinDelay()
	if err != nil {
		return nil, ProfileConfig{}, err
	}
	if err := encoder.Validate(minDelay); err != nil {
		return nil, ProfileConfig{}, err
	}
	return encoder, profile, nil
}

// NewDriver validates cfg against the channel clock and disables the motor
func NewDriver(cfg DriverConfig, pins gpio.Writer, channel *Channel, logger logrus.FieldLogger) (*Driver, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	encoder, profile, err := cfg.build(channel.Clock())
	if err != nil {
		return nil, err
	}

	d := &Driver{
		cfg:     cfg,
		pins:    pins,
		channel: channel,
		encoder: encoder,
		profile: profile,
		logger: logger.WithFields(logrus.Fields{
			"component": "stepper",
			"motor":     cfg.EnablePin,
		}),
	}

	if err := pins.WritePin(cfg.EnablePin, gpio.High); err != nil {
		return nil, errors.NewHardwareFault(cfg.EnablePin, "disable", err)
	}

	return d, nil
}

// ID returns the enable pin number, which identifies the pump
func (d *Driver) ID() uint32 {
	return uint32(d.cfg.EnablePin)
}

// Position returns the signed full-step position since the last reset
func (d *Driver) Position() int32 {
	return d.position.Load()
}

// PositionKnown is false after a transmission fault until ResetPosition
func (d *Driver) PositionKnown() bool {
	return !d.unknown.Load()
}

// ResetPosition re-baselines the position to zero
func (d *Driver) ResetPosition() {
	d.position.Store(0)
	d.unknown.Store(false)
}

// StepBy moves steps full steps, positive is forward. It returns once the
// whole pulse stream has been emitted on the shared channel.
func (d *Driver) StepBy(ctx context.Context, steps int32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.moveMu.Lock()
	defer d.moveMu.Unlock()

	if steps == 0 {
		return nil
	}

	dir := gpio.Low
	if steps > 0 {
		dir = gpio.High
	}

	micro := uint64(abs32(steps)) * uint64(d.cfg.Microsteps)
	if micro > math.MaxUint32 {
		return errors.NewConfigurationError("steps", steps, "too many microsteps for one move")
	}

	profile, err := NewProfile(d.profile, uint32(micro))
	if err != nil {
		return err
	}
	symbols, err := d.encoder.Encode(profile)
	if err != nil {
		return err
	}

	if err := d.pins.WritePin(d.cfg.DirPin, dir); err != nil {
		return errors.NewHardwareFault(d.cfg.DirPin, "set direction", err)
	}
	if err := d.pins.WritePin(d.cfg.EnablePin, gpio.Low); err != nil {
		d.disable()
		return errors.NewHardwareFault(d.cfg.EnablePin, "enable", err)
	}
	time.Sleep(DirSetup)

	start := time.Now()
	txErr := d.channel.Transmit(symbols)
	disableErr := d.disable()

	if txErr != nil {
		d.unknown.Store(true)
		d.logger.WithError(txErr).WithField("steps", steps).Error("Move failed, position unknown")
		return errors.Join(txErr, disableErr)
	}

	pos := saturatingAdd(d.position.Load(), steps)
	d.position.Store(pos)

	d.logger.WithFields(logrus.Fields{
		"steps":    steps,
		"position": pos,
		"elapsed":  time.Since(start),
	}).Debug("Move complete")

	return disableErr
}

// Goto moves to an absolute position
func (d *Driver) Goto(ctx context.Context, target int32) error {
	return d.StepBy(ctx, saturatingSub(target, d.Position()))
}

func (d *Driver) disable() error {
	if err := d.pins.WritePin(d.cfg.EnablePin, gpio.High); err != nil {
		d.logger.WithError(err).Error("Failed to disable motor")
		return errors.NewHardwareFault(d.cfg.EnablePin, "disable", err)
	}
	return nil
}

func (d *Driver) String() string {
	return fmt.Sprintf("stepper(en=%d dir=%d x%d)", d.cfg.EnablePin, d.cfg.DirPin, d.cfg.Microsteps)
}

func abs32(v int32) uint32 {
	if v < 0 {
		return uint32(-int64(v))
	}
	return uint32(v)
}

func saturatingAdd(a, b int32) int32 {
	return clampInt32(int64(a) + int64(b))
}

func saturatingSub(a, b int32) int32 {
	return clampInt32(int64(a) - int64(b))
}

func clampInt32(s int64) int32 {
	if s > math.MaxInt32 {
		return math.MaxInt32
	}
	if s < math.MinInt32 {
		return math.MinInt32
	}
	return int32(s)
}
