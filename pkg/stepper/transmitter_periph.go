package stepper

import (
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"

	"github.com/dsyorkd/pi-doser/internal/errors"
)

// DefaultClock is the tick rate used when bit-banging the STEP line
const DefaultClock = 1 * physic.MegaHertz

// PeriphTransmitter bit-bangs symbols on a periph.io output pin using busy
// waits against a running deadline, so per-symbol jitter does not accumulate.
type PeriphTransmitter struct {
	pin     gpio.PinOut
	pinNum  int
	clock   physic.Frequency
	tick    float64 // nanoseconds per tick
	nowFunc func() time.Time
}

// NewPeriphTransmitter wraps the shared STEP pin
func NewPeriphTransmitter(pin gpio.PinOut, pinNum int, clock physic.Frequency) (*PeriphTransmitter, error) {
	if pin == nil {
		return nil, errors.NewConfigurationError("step_pin", pinNum, "pin is not configured")
	}
	if clock <= 0 {
		return nil, errors.NewConfigurationError("clock", clock, "must be positive")
	}

	return &PeriphTransmitter{
		pin:     pin,
		pinNum:  pinNum,
		clock:   clock,
		tick:    float64(time.Second) / hz(clock),
		nowFunc: time.Now,
	}, nil
}

// Clock returns the tick rate
func (t *PeriphTransmitter) Clock() physic.Frequency {
	return t.clock
}

// Transmit emits every symbol and leaves the STEP line low
func (t *PeriphTransmitter) Transmit(symbols []Symbol) (err error) {
	defer func() {
		if lowErr := t.pin.Out(gpio.Low); lowErr != nil && err == nil {
			err = errors.NewHardwareFault(t.pinNum, "reset", lowErr)
		}
	}()

	start := t.nowFunc()
	var elapsed uint64
	for _, s := range symbols {
		if err := t.pin.Out(gpio.High); err != nil {
			return errors.NewHardwareFault(t.pinNum, "step high", err)
		}
		elapsed += uint64(s.High)
		t.spinUntil(start, elapsed)

		if err := t.pin.Out(gpio.Low); err != nil {
			return errors.NewHardwareFault(t.pinNum, "step low", err)
		}
		elapsed += uint64(s.Low)
		t.spinUntil(start, elapsed)
	}
	return nil
}

func (t *PeriphTransmitter) spinUntil(start time.Time, ticks uint64) {
	deadline := start.Add(time.Duration(float64(ticks) * t.tick))
	for t.nowFunc().Before(deadline) {
	}
}
