// Package gpio provides the GPIO hardware abstraction used to drive stepper driver boards
package gpio

import (
	"context"
	"time"
)

// PinDirection represents the direction of a GPIO pin
type PinDirection string

const (
	DirectionInput  PinDirection = "input"
	DirectionOutput PinDirection = "output"
)

// PullMode represents the pull resistor configuration
type PullMode string

const (
	PullNone PullMode = "none"
	PullUp   PullMode = "up"
	PullDown PullMode = "down"
)

// PinValue represents the logical state of a GPIO pin
type PinValue int

const (
	Low  PinValue = 0
	High PinValue = 1
)

func (v PinValue) String() string {
	if v == High {
		return "high"
	}
	return "low"
}

// PinConfig represents the configuration for a GPIO pin
type PinConfig struct {
	Pin       int          `json:"pin"`
	Direction PinDirection `json:"direction"`
	PullMode  PullMode     `json:"pull_mode"`
	// Initial is the level driven when an output pin is configured
	Initial PinValue `json:"initial"`
}

// PinState represents the current state of a GPIO pin
type PinState struct {
	Pin       int          `json:"pin"`
	Direction PinDirection `json:"direction"`
	Value     PinValue     `json:"value"`
	PullMode  PullMode     `json:"pull_mode"`
	Timestamp time.Time    `json:"timestamp"`
}

// Writer drives output pins
type Writer interface {
	WritePin(pin int, value PinValue) error
}

// Interface defines the GPIO hardware interface
type Interface interface {
	Writer

	// Initialize initializes the GPIO interface
	Initialize(ctx context.Context) error

	// Close closes the GPIO interface and cleans up resources
	Close() error

	// ConfigurePin configures a GPIO pin with the given configuration
	ConfigurePin(config PinConfig) error

	// ListConfiguredPins returns a list of all configured GPIO pins
	ListConfiguredPins() ([]PinState, error)

	// IsAvailable returns whether GPIO hardware is available
	IsAvailable() bool
}

// Config represents the GPIO configuration
type Config struct {
	MockMode       bool  `yaml:"mock_mode"`
	AllowedPins    []int `yaml:"allowed_pins"`
	RestrictedPins []int `yaml:"restricted_pins"`
}

// DefaultConfig returns a default GPIO configuration
func DefaultConfig() *Config {
	return &Config{
		MockMode: false,
		AllowedPins: []int{
			2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27,
		},
		RestrictedPins: []int{},
	}
}
