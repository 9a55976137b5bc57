package gpio

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// CriticalSystemPins are never handed out to pump drivers
var CriticalSystemPins = []int{
	0,  // ID EEPROM SDA
	1,  // ID EEPROM SCL
	14, // UART TXD (console)
	15, // UART RXD (console)
}

// Controller validates and claims pins before handing them to drivers
type Controller struct {
	config  *Config
	impl    Interface
	logger  *logrus.Entry
	claimed map[int]string
	mutex   sync.Mutex
}

// NewController creates a controller backed by the mock or periph implementation
func NewController(config *Config, logger logrus.FieldLogger) *Controller {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	var impl Interface
	if config.MockMode {
		impl = NewMockGPIO()
	} else {
		impl = NewPeriphGPIO(logger)
	}

	return NewControllerWith(config, impl, logger)
}

// NewControllerWith creates a controller around an existing implementation
func NewControllerWith(config *Config, impl Interface, logger logrus.FieldLogger) *Controller {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	c := &Controller{
		config:  config,
		impl:    impl,
		logger:  logger.WithField("component", "gpio"),
		claimed: make(map[int]string),
	}

	c.logger.WithFields(logrus.Fields{
		"mock_mode":       config.MockMode,
		"restricted_pins": config.RestrictedPins,
	}).Info("GPIO controller created")

	return c
}

// Initialize initializes the underlying implementation
func (c *Controller) Initialize(ctx context.Context) error {
	return c.impl.Initialize(ctx)
}

// Close releases every claimed pin
func (c *Controller) Close() error {
	c.mutex.Lock()
	c.claimed = make(map[int]string)
	c.mutex.Unlock()
	return c.impl.Close()
}

// Impl exposes the underlying implementation
func (c *Controller) Impl() Interface {
	return c.impl
}

// IsPinAllowed checks a pin against the critical, restricted, and allowed sets
func (c *Controller) IsPinAllowed(pin int) error {
	if pin < 0 || pin > 27 {
		return fmt.Errorf("invalid pin number %d: must be 0-27", pin)
	}

	for _, critical := range CriticalSystemPins {
		if pin == critical {
			return fmt.Errorf("pin %d is a critical system pin and cannot be used", pin)
		}
	}

	for _, restricted := range c.config.RestrictedPins {
		if pin == restricted {
			return fmt.Errorf("pin %d is restricted", pin)
		}
	}

	if len(c.config.AllowedPins) > 0 {
		for _, allowed := range c.config.AllowedPins {
			if pin == allowed {
				return nil
			}
		}
		return fmt.Errorf("pin %d is not in allowed pins list", pin)
	}

	return nil
}

// ClaimOutput validates pin, marks it owned by owner and configures it as an
// output driven to initial. A pin can only be claimed once.
func (c *Controller) ClaimOutput(pin int, initial PinValue, owner string) error {
	if err := c.IsPinAllowed(pin); err != nil {
		return err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if prev, taken := c.claimed[pin]; taken {
		return fmt.Errorf("pin %d already claimed by %s", pin, prev)
	}

	if err := c.impl.ConfigurePin(PinConfig{
		Pin:       pin,
		Direction: DirectionOutput,
		PullMode:  PullNone,
		Initial:   initial,
	}); err != nil {
		return err
	}

	c.claimed[pin] = owner
	c.logger.WithFields(logrus.Fields{
		"pin":     pin,
		"owner":   owner,
		"initial": initial,
	}).Debug("Claimed output pin")
	return nil
}

// WritePin writes a value to a claimed pin
func (c *Controller) WritePin(pin int, value PinValue) error {
	c.mutex.Lock()
	_, ok := c.claimed[pin]
	c.mutex.Unlock()
	if !ok {
		return fmt.Errorf("pin %d has not been claimed", pin)
	}
	return c.impl.WritePin(pin, value)
}

// Release drops the claim on pin. The line keeps its last level.
func (c *Controller) Release(pin int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if owner, ok := c.claimed[pin]; ok {
		delete(c.claimed, pin)
		c.logger.WithFields(logrus.Fields{"pin": pin, "owner": owner}).Debug("Released pin")
	}
}

// ClaimedPin is a claimed line with its owner and last driven level
type ClaimedPin struct {
	PinState
	Owner string `json:"owner"`
}

// Pins reports every claimed pin, ordered by pin number
func (c *Controller) Pins() ([]ClaimedPin, error) {
	states, err := c.impl.ListConfiguredPins()
	if err != nil {
		return nil, err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	pins := make([]ClaimedPin, 0, len(c.claimed))
	for _, st := range states {
		if owner, ok := c.claimed[st.Pin]; ok {
			pins = append(pins, ClaimedPin{PinState: st, Owner: owner})
		}
	}
	sort.Slice(pins, func(i, j int) bool { return pins[i].Pin < pins[j].Pin })
	return pins, nil
}

// IsAvailable returns whether GPIO hardware is available
func (c *Controller) IsAvailable() bool {
	return c.impl.IsAvailable()
}
