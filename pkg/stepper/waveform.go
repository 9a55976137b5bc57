package stepper

import (
	"fmt"
	"math"
	"time"

	"periph.io/x/conn/v3/physic"

	"github.com/dsyorkd/pi-doser/internal/errors"
)

// DefaultStepPulse is the STEP high time required by DRV8825 class drivers
const DefaultStepPulse = 2 * time.Microsecond

// Symbol is one step pulse: High ticks at the high level followed by Low ticks low
type Symbol struct {
	High uint32
	Low  uint32
}

// Ticks returns the full period of the symbol
func (s Symbol) Ticks() uint64 {
	return uint64(s.High) + uint64(s.Low)
}

func (s Symbol) String() string {
	return fmt.Sprintf("(%d,%d)", s.High, s.Low)
}

// Encoder turns step delays into fixed-width pulse symbols
type Encoder struct {
	clock physic.Frequency
	high  uint32
}

// NewEncoder returns an encoder whose high width is highPulse expressed in clock ticks, rounded up
func NewEncoder(clock physic.Frequency, highPulse time.Duration) (*Encoder, error) {
	if clock <= 0 {
		return nil, errors.NewConfigurationError("clock", clock, "must be positive")
	}
	if highPulse <= 0 {
		return nil, errors.NewConfigurationError("step_pulse", highPulse, "must be positive")
	}

	ticks := math.Ceil(highPulse.Seconds() * hz(clock))
	if ticks < 1 {
		ticks = 1
	}
	if ticks > math.MaxUint32 {
		return nil, errors.NewConfigurationError("step_pulse", highPulse, "does not fit in 32 bits of ticks")
	}

	return &Encoder{clock: clock, high: uint32(ticks)}, nil
}

// HighTicks returns the fixed high width
func (e *Encoder) HighTicks() uint32 {
	return e.high
}

// Clock returns the tick rate
func (e *Encoder) Clock() physic.Frequency {
	return e.clock
}

// Validate checks that the shortest delay a profile can produce still fits the high pulse
func (e *Encoder) Validate(minDelay uint32) error {
	if minDelay < e.high {
		return errors.NewConfigurationError("max_speed", minDelay,
			fmt.Sprintf("step period of %d ticks is shorter than the %d tick step pulse", minDelay, e.high))
	}
	return nil
}

// Symbol encodes a single delay
func (e *Encoder) Symbol(delay uint32) (Symbol, error) {
	if delay < e.high {
		return Symbol{}, errors.NewConfigurationError("delay", delay,
			fmt.Sprintf("shorter than the %d tick step pulse", e.high))
	}
	return Symbol{High: e.high, Low: delay - e.high}, nil
}

// Encode drains p into a symbol stream
func (e *Encoder) Encode(p *Profile) ([]Symbol, error) {
	symbols := make([]Symbol, 0, p.Remaining())
	for {
		delay, ok := p.Next()
		if !ok {
			return symbols, nil
		}
		sym, err := e.Symbol(delay)
		if err != nil {
			return nil, err
		}
		symbols = append(symbols, sym)
	}
}

// Duration converts ticks to wall time at clock
func Duration(clock physic.Frequency, ticks uint64) time.Duration {
	if clock <= 0 {
		return 0
	}
	return time.Duration(float64(ticks) / hz(clock) * float64(time.Second))
}
