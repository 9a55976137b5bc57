package gpio

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PinWrite is one recorded output transition on the mock
type PinWrite struct {
	Pin   int
	Value PinValue
	At    time.Time
}

// MockGPIO provides a mock implementation of the GPIO interface for testing and development
type MockGPIO struct {
	mu        sync.RWMutex
	pins      map[int]*mockPin
	writes    []PinWrite
	failures  map[int]error
	available bool
}

type mockPin struct {
	config    PinConfig
	value     PinValue
	timestamp time.Time
}

// NewMockGPIO creates a new mock GPIO interface
func NewMockGPIO() *MockGPIO {
	return &MockGPIO{
		pins:      make(map[int]*mockPin),
		failures:  make(map[int]error),
		available: true,
	}
}

// Initialize initializes the mock GPIO interface
func (m *MockGPIO) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pins = make(map[int]*mockPin)
	m.writes = nil
	return nil
}

// Close closes the mock GPIO interface
func (m *MockGPIO) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pins = make(map[int]*mockPin)
	return nil
}

// ConfigurePin configures a GPIO pin
func (m *MockGPIO) ConfigurePin(config PinConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if config.Pin < 0 || config.Pin > 27 {
		return fmt.Errorf("invalid pin number: %d", config.Pin)
	}

	value := Low
	if config.Direction == DirectionOutput {
		value = config.Initial
	}

	m.pins[config.Pin] = &mockPin{
		config:    config,
		value:     value,
		timestamp: time.Now(),
	}
	return nil
}

// WritePin writes a value to a GPIO pin
func (m *MockGPIO) WritePin(pin int, value PinValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.failures[pin]; ok {
		return err
	}

	p, exists := m.pins[pin]
	if !exists {
		return fmt.Errorf("pin %d not configured", pin)
	}
	if p.config.Direction != DirectionOutput {
		return fmt.Errorf("pin %d is not configured as output", pin)
	}

	p.value = value
	p.timestamp = time.Now()
	m.writes = append(m.writes, PinWrite{Pin: pin, Value: value, At: p.timestamp})
	return nil
}

// ListConfiguredPins returns all configured pins
func (m *MockGPIO) ListConfiguredPins() ([]PinState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make([]PinState, 0, len(m.pins))
	for pin, p := range m.pins {
		states = append(states, PinState{
			Pin:       pin,
			Direction: p.config.Direction,
			Value:     p.value,
			PullMode:  p.config.PullMode,
			Timestamp: p.timestamp,
		})
	}
	return states, nil
}

// IsAvailable always reports true for the mock
func (m *MockGPIO) IsAvailable() bool {
	return m.available
}

// FailWrites makes every write to pin return err. A nil err clears the failure.
func (m *MockGPIO) FailWrites(pin int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		delete(m.failures, pin)
		return
	}
	m.failures[pin] = err
}

// Writes returns a copy of the recorded output transitions
func (m *MockGPIO) Writes() []PinWrite {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]PinWrite, len(m.writes))
	copy(out, m.writes)
	return out
}

// WritesTo returns the values written to a single pin in order
func (m *MockGPIO) WritesTo(pin int) []PinValue {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []PinValue
	for _, w := range m.writes {
		if w.Pin == pin {
			out = append(out, w.Value)
		}
	}
	return out
}
