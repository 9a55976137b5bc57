package gpio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// PeriphGPIO implements the GPIO interface using periph.io
type PeriphGPIO struct {
	logger      *logrus.Entry
	initialized bool
	pins        map[int]*pinState
	mutex       sync.RWMutex
}

// pinState tracks the state of a configured GPIO pin
type pinState struct {
	pin       gpio.PinIO
	config    PinConfig
	lastValue PinValue
	updated   time.Time
}

// NewPeriphGPIO creates a new periph.io-based GPIO implementation
func NewPeriphGPIO(logger logrus.FieldLogger) *PeriphGPIO {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &PeriphGPIO{
		logger: logger.WithField("component", "periph-gpio"),
		pins:   make(map[int]*pinState),
	}
}

// Initialize initializes the periph.io GPIO system
func (p *PeriphGPIO) Initialize(ctx context.Context) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.initialized {
		return nil
	}

	p.logger.Info("Initializing periph.io GPIO system")

	if _, err := host.Init(); err != nil {
		p.logger.WithError(err).Error("Failed to initialize periph.io host")
		return fmt.Errorf("failed to initialize periph.io host: %w", err)
	}

	p.initialized = true
	p.logger.Info("periph.io GPIO system initialized successfully")
	return nil
}

// Close drives every output to its configured initial level and releases the pins.
// For enable lines this is the disabled level.
func (p *PeriphGPIO) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.initialized {
		return nil
	}

	p.logger.Info("Shutting down periph.io GPIO system")

	for pinNum, state := range p.pins {
		if state.config.Direction == DirectionOutput {
			if err := state.pin.Out(toLevel(state.config.Initial)); err != nil {
				p.logger.WithError(err).WithField("pin", pinNum).Warn("Failed to reset pin")
			}
		}
	}

	p.pins = make(map[int]*pinState)
	p.initialized = false
	return nil
}

// ConfigurePin configures a GPIO pin with the specified settings
func (p *PeriphGPIO) ConfigurePin(config PinConfig) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.initialized {
		return fmt.Errorf("GPIO system not initialized")
	}

	p.logger.WithFields(logrus.Fields{
		"pin":       config.Pin,
		"direction": config.Direction,
		"initial":   config.Initial,
	}).Debug("Configuring GPIO pin")

	pin := gpioreg.ByName(fmt.Sprintf("GPIO%d", config.Pin))
	if pin == nil {
		return fmt.Errorf("pin GPIO%d not found", config.Pin)
	}

	pull := gpio.PullNoChange
	switch config.PullMode {
	case PullNone:
		pull = gpio.Float
	case PullUp:
		pull = gpio.PullUp
	case PullDown:
		pull = gpio.PullDown
	}

	var err error
	switch config.Direction {
	case DirectionInput:
		err = pin.In(pull, gpio.NoEdge)
	case DirectionOutput:
		err = pin.Out(toLevel(config.Initial))
	default:
		return fmt.Errorf("invalid pin direction: %s", config.Direction)
	}
	if err != nil {
		return fmt.Errorf("failed to configure pin %d: %w", config.Pin, err)
	}

	p.pins[config.Pin] = &pinState{
		pin:       pin,
		config:    config,
		lastValue: config.Initial,
		updated:   time.Now(),
	}
	return nil
}

// WritePin writes a value to a GPIO pin
func (p *PeriphGPIO) WritePin(pin int, value PinValue) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	state, exists := p.pins[pin]
	if !exists {
		return fmt.Errorf("pin %d not configured", pin)
	}
	if state.config.Direction != DirectionOutput {
		return fmt.Errorf("pin %d is not configured as output", pin)
	}

	if err := state.pin.Out(toLevel(value)); err != nil {
		return fmt.Errorf("failed to write pin %d: %w", pin, err)
	}

	state.lastValue = value
	state.updated = time.Now()
	return nil
}

// OutputPin returns the raw periph output for a configured pin. The step
// transmitter toggles it directly to keep pulse timing tight.
func (p *PeriphGPIO) OutputPin(pin int) (gpio.PinOut, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	state, exists := p.pins[pin]
	if !exists || state.config.Direction != DirectionOutput {
		return nil, fmt.Errorf("pin %d not configured as output", pin)
	}
	return state.pin, nil
}

// ListConfiguredPins returns all configured pins
func (p *PeriphGPIO) ListConfiguredPins() ([]PinState, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	states := make([]PinState, 0, len(p.pins))
	for pin, state := range p.pins {
		states = append(states, PinState{
			Pin:       pin,
			Direction: state.config.Direction,
			Value:     state.lastValue,
			PullMode:  state.config.PullMode,
			Timestamp: state.updated,
		})
	}
	return states, nil
}

// IsAvailable returns whether GPIO hardware is available
func (p *PeriphGPIO) IsAvailable() bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.initialized
}

func toLevel(v PinValue) gpio.Level {
	if v == High {
		return gpio.High
	}
	return gpio.Low
}
