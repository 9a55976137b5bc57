package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error classes used across the doser
var (
	// ErrConfiguration indicates invalid motion or device parameters
	ErrConfiguration = errors.New("configuration error")

	// ErrHardwareFault indicates a pin or pulse transmission failure
	ErrHardwareFault = errors.New("hardware fault")

	// ErrClient indicates a bad request from the caller
	ErrClient = errors.New("client error")

	// ErrPersistence indicates a serialization or store write failure
	ErrPersistence = errors.New("persistence error")
)

// Client errors
var (
	// ErrInvalidMotorIndex indicates a motor index outside the registry
	ErrInvalidMotorIndex = fmt.Errorf("%w: invalid motor index", ErrClient)

	// ErrInvalidInput indicates invalid input was provided
	ErrInvalidInput = fmt.Errorf("%w: invalid input", ErrClient)

	// ErrPositionUnknown indicates a pump must be unprimed before dosing again
	ErrPositionUnknown = fmt.Errorf("%w: pump position unknown, unprime to re-home", ErrClient)

	// ErrBusy indicates the device is in a state that forbids the request
	ErrBusy = fmt.Errorf("%w: device busy", ErrClient)
)

// ConfigurationError represents invalid profile or device parameters
type ConfigurationError struct {
	Parameter string
	Value     interface{}
	Message   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s (%v): %s", e.Parameter, e.Value, e.Message)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// NewConfigurationError creates a new configuration error
func NewConfigurationError(parameter string, value interface{}, message string) *ConfigurationError {
	return &ConfigurationError{
		Parameter: parameter,
		Value:     value,
		Message:   message,
	}
}

// HardwareFault represents a pin or transmission level failure
type HardwareFault struct {
	Pin       int
	Operation string
	Err       error
}

func (e *HardwareFault) Error() string {
	if e.Pin >= 0 {
		return fmt.Sprintf("GPIO pin %d %s failed: %v", e.Pin, e.Operation, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Operation, e.Err)
}

func (e *HardwareFault) Unwrap() []error {
	return []error{ErrHardwareFault, e.Err}
}

// NewHardwareFault creates a new hardware fault. Use pin -1 when no single pin is involved.
func NewHardwareFault(pin int, operation string, err error) *HardwareFault {
	return &HardwareFault{
		Pin:       pin,
		Operation: operation,
		Err:       err,
	}
}

// PersistenceError represents a failure to serialize or store state
type PersistenceError struct {
	Key       string
	Operation string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s of %q failed: %v", e.Operation, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

// NewPersistenceError creates a new persistence error
func NewPersistenceError(key, operation string, err error) *PersistenceError {
	return &PersistenceError{
		Key:       key,
		Operation: operation,
		Err:       err,
	}
}

// IsClientError checks if the error was caused by the request
func IsClientError(err error) bool {
	return errors.Is(err, ErrClient)
}

// IsHardwareFault checks if the error was caused by the hardware
func IsHardwareFault(err error) bool {
	return errors.Is(err, ErrHardwareFault)
}

// IsConfigurationError checks if the error was caused by invalid parameters
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsPersistenceError checks if the error was caused by the store
func IsPersistenceError(err error) bool {
	return errors.Is(err, ErrPersistence)
}

// HTTPStatus maps an error to the status code reported to API clients.
// Server-side faults take precedence over client errors when both are joined.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsHardwareFault(err), IsConfigurationError(err):
		return http.StatusInternalServerError
	case errors.Is(err, ErrPositionUnknown), errors.Is(err, ErrBusy):
		return http.StatusConflict
	case IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted additional context
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Join combines errors, discarding nils
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// New creates a plain error
func New(text string) error {
	return errors.New(text)
}

// Is checks if an error matches a target error
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As checks if an error can be assigned to target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
