// Package stepper drives step/dir/enable stepper driver boards that share a
// single pulse transmission channel.
package stepper

import (
	"math"

	"periph.io/x/conn/v3/physic"

	"github.com/dsyorkd/pi-doser/internal/errors"
)

// ProfileConfig holds the kinematic limits of a move, in (micro)steps
type ProfileConfig struct {
	// Clock is the tick rate delays are expressed in
	Clock physic.Frequency
	// Acceleration in steps/s²
	Acceleration float64
	// MaxSpeed in steps/s
	MaxSpeed float64
}

// MinDelay returns the cruise delay floor, ceil(clock/maxSpeed), in ticks
func (c ProfileConfig) MinDelay() (uint32, error) {
	if err := c.validate(); err != nil {
		return 0, err
	}
	return uint32(math.Ceil(hz(c.Clock) / c.MaxSpeed)), nil
}

func (c ProfileConfig) validate() error {
	if c.Clock <= 0 {
		return errors.NewConfigurationError("clock", c.Clock, "must be positive")
	}
	if !(c.Acceleration > 0) || math.IsInf(c.Acceleration, 0) {
		return errors.NewConfigurationError("acceleration", c.Acceleration, "must be a positive finite value")
	}
	if !(c.MaxSpeed > 0) || math.IsInf(c.MaxSpeed, 0) {
		return errors.NewConfigurationError("max_speed", c.MaxSpeed, "must be a positive finite value")
	}

	f := hz(c.Clock)
	if math.Ceil(f/c.MaxSpeed) > math.MaxUint32 {
		return errors.NewConfigurationError("max_speed", c.MaxSpeed, "delay floor does not fit in 32 bits")
	}
	if startDelay(f, c.Acceleration) > math.MaxUint32 {
		return errors.NewConfigurationError("acceleration", c.Acceleration, "start delay does not fit in 32 bits")
	}
	return nil
}

type phase int

const (
	phaseAccel phase = iota
	phaseCruise
	phaseDecel
	phaseDone
)

// Profile is a single-pass sequence of inter-step delays for a trapezoidal
// move: non-increasing while accelerating, flat while cruising and
// non-decreasing while decelerating. It yields exactly the requested number
// of delays and never one below MinDelay.
type Profile struct {
	total    uint32
	emitted  uint32
	accelLen uint32
	minDelay uint32
	cruise   uint32

	c     float64 // current recurrence value in ticks
	n     uint32  // recurrence index of c
	phase phase
}

// NewProfile builds the delay sequence for steps steps. Zero steps yields an
// empty profile.
func NewProfile(cfg ProfileConfig, steps uint32) (*Profile, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	f := hz(cfg.Clock)
	minDelay := uint32(math.Ceil(f / cfg.MaxSpeed))

	// Steps needed to reach cruise speed: v²/2a
	rampLen := math.Floor(cfg.MaxSpeed * cfg.MaxSpeed / (2 * cfg.Acceleration))
	if rampLen < 1 {
		rampLen = 1
	}
	accelLen := steps / 2
	if rampLen < float64(accelLen) {
		accelLen = uint32(rampLen)
	}

	p := &Profile{
		total:    steps,
		accelLen: accelLen,
		minDelay: minDelay,
		c:        startDelay(f, cfg.Acceleration),
		phase:    phaseAccel,
	}
	if steps == 0 {
		p.phase = phaseDone
	} else if accelLen == 0 {
		p.enterCruise()
	}
	return p, nil
}

// Len returns the total number of delays the profile yields
func (p *Profile) Len() int {
	return int(p.total)
}

// Remaining returns the number of delays not yet yielded
func (p *Profile) Remaining() int {
	return int(p.total - p.emitted)
}

// MinDelay returns the delay floor in ticks
func (p *Profile) MinDelay() uint32 {
	return p.minDelay
}

// Next returns the next delay in ticks. ok is false once the profile is exhausted.
func (p *Profile) Next() (delay uint32, ok bool) {
	switch p.phase {
	case phaseAccel:
		delay = p.clamp(p.c)
		p.emitted++
		if p.emitted == p.accelLen {
			p.enterCruise()
		} else {
			p.n++
			p.c = accelStep(p.c, p.n)
		}
		return delay, true

	case phaseCruise:
		delay = p.cruise
		p.emitted++
		if p.emitted == p.total-p.accelLen {
			p.enterDecel()
		}
		return delay, true

	case phaseDecel:
		delay = p.clamp(p.c)
		p.emitted++
		if p.emitted == p.total {
			p.phase = phaseDone
		} else if p.n > 0 {
			p.c = decelStep(p.c, p.n)
			p.n--
		}
		return delay, true
	}

	return 0, false
}

// enterCruise fixes the cruise delay to the next recurrence value, which is
// never above the last acceleration delay.
func (p *Profile) enterCruise() {
	p.phase = phaseCruise
	next := p.c
	if p.emitted > 0 {
		next = accelStep(p.c, p.n+1)
	}
	p.cruise = p.clamp(next)

	if p.emitted == p.total-p.accelLen {
		p.enterDecel()
	}
}

// enterDecel replays the acceleration ramp backwards from its last value
func (p *Profile) enterDecel() {
	if p.accelLen == 0 {
		p.phase = phaseDone
		return
	}
	p.phase = phaseDecel
}

func (p *Profile) clamp(c float64) uint32 {
	r := math.Round(c)
	if r < float64(p.minDelay) {
		return p.minDelay
	}
	if r > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(r)
}

// accelStep returns c_n from c_{n-1}
func accelStep(prev float64, n uint32) float64 {
	nf := float64(n)
	return prev * (4*nf - 1) / (4*nf + 1)
}

// decelStep returns c_{n-1} from c_n
func decelStep(cur float64, n uint32) float64 {
	nf := float64(n)
	return cur * (4*nf + 1) / (4*nf - 1)
}

// startDelay is the first step delay of a ramp from standstill, 0.676·f·√(2/a)
func startDelay(f, accel float64) float64 {
	return 0.676 * f * math.Sqrt(2/accel)
}

func hz(f physic.Frequency) float64 {
	return float64(f) / float64(physic.Hertz)
}
