package stepper

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsyorkd/pi-doser/internal/errors"
	"github.com/dsyorkd/pi-doser/pkg/gpio"
)

const (
	testEnPin  = 17
	testDirPin = 27
)

type driverFixture struct {
	driver *Driver
	pins   *gpio.MockGPIO
	tx     *MockTransmitter
	ch     *Channel
}

func newDriverFixture(t *testing.T, microsteps Microsteps) *driverFixture {
	t.Helper()

	pins := gpio.NewMockGPIO()
	require.NoError(t, pins.ConfigurePin(gpio.PinConfig{Pin: testEnPin, Direction: gpio.DirectionOutput}))
	require.NoError(t, pins.ConfigurePin(gpio.PinConfig{Pin: testDirPin, Direction: gpio.DirectionOutput}))

	tx := NewMockTransmitter(DefaultClock)
	ch := NewChannel(tx, quietLogger())
	t.Cleanup(func() { _ = ch.Close() })

	d, err := NewDriver(DriverConfig{
		EnablePin:  testEnPin,
		DirPin:     testDirPin,
		Microsteps: microsteps,
	}, pins, ch, quietLogger())
	require.NoError(t, err)

	return &driverFixture{driver: d, pins: pins, tx: tx, ch: ch}
}

func TestNewDriver_DisablesMotor(t *testing.T) {
	f := newDriverFixture(t, 1)

	assert.Equal(t, uint32(testEnPin), f.driver.ID())
	assert.Equal(t, []gpio.PinValue{gpio.High}, f.pins.WritesTo(testEnPin))
	assert.Equal(t, int32(0), f.driver.Position())
	assert.True(t, f.driver.PositionKnown())
}

func TestNewDriver_InvalidConfig(t *testing.T) {
	pins := gpio.NewMockGPIO()
	require.NoError(t, pins.ConfigurePin(gpio.PinConfig{Pin: testEnPin, Direction: gpio.DirectionOutput}))
	ch := NewChannel(NewMockTransmitter(DefaultClock), quietLogger())
	defer ch.Close()

	tests := []struct {
		name string
		cfg  DriverConfig
	}{
		{"bad microsteps", DriverConfig{EnablePin: testEnPin, DirPin: testDirPin, Microsteps: 3}},
		{"shared pins", DriverConfig{EnablePin: testEnPin, DirPin: testEnPin}},
		{"speed above pulse width", DriverConfig{EnablePin: testEnPin, DirPin: testDirPin, MaxRPM: 1e6}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDriver(tt.cfg, pins, ch, quietLogger())
			require.Error(t, err)
			assert.True(t, errors.IsConfigurationError(err))

			assert.True(t, errors.IsConfigurationError(tt.cfg.Validate(DefaultClock)))
		})
	}

	assert.NoError(t, DriverConfig{EnablePin: testEnPin, DirPin: testDirPin}.Validate(DefaultClock))
}

func TestDriver_StepBy(t *testing.T) {
	ctx := context.Background()
	f := newDriverFixture(t, 4)

	require.NoError(t, f.driver.StepBy(ctx, 100))
	assert.Equal(t, int32(100), f.driver.Position())

	streams := f.tx.Streams()
	require.Len(t, streams, 1)
	assert.Len(t, streams[0], 400, "full steps are scaled by microsteps")

	assert.Equal(t, []gpio.PinValue{gpio.High}, f.pins.WritesTo(testDirPin))
	assert.Equal(t, []gpio.PinValue{gpio.High, gpio.Low, gpio.High}, f.pins.WritesTo(testEnPin),
		"enable is pulled low for the move and released after")

	require.NoError(t, f.driver.StepBy(ctx, -100))
	assert.Equal(t, int32(0), f.driver.Position())
	assert.Equal(t, []gpio.PinValue{gpio.High, gpio.Low}, f.pins.WritesTo(testDirPin))
}

func TestDriver_StepByZero(t *testing.T) {
	f := newDriverFixture(t, 1)

	require.NoError(t, f.driver.StepBy(context.Background(), 0))
	assert.Empty(t, f.tx.Streams())
	assert.Equal(t, int32(0), f.driver.Position())
}

func TestDriver_Goto(t *testing.T) {
	ctx := context.Background()
	f := newDriverFixture(t, 1)

	require.NoError(t, f.driver.Goto(ctx, 250))
	assert.Equal(t, int32(250), f.driver.Position())

	require.NoError(t, f.driver.Goto(ctx, -50))
	assert.Equal(t, int32(-50), f.driver.Position())

	streams := f.tx.Streams()
	require.Len(t, streams, 2)
	assert.Len(t, streams[1], 300)
}

func TestDriver_TransmitFaultMarksPositionUnknown(t *testing.T) {
	ctx := context.Background()
	f := newDriverFixture(t, 1)

	require.NoError(t, f.driver.StepBy(ctx, 10))
	f.tx.FailNext(1, errors.New("channel stalled"))

	err := f.driver.StepBy(ctx, 10)
	require.Error(t, err)
	assert.True(t, errors.IsHardwareFault(err))
	assert.False(t, f.driver.PositionKnown())
	assert.Equal(t, int32(10), f.driver.Position(), "position is not advanced on a failed move")

	en := f.pins.WritesTo(testEnPin)
	assert.Equal(t, gpio.High, en[len(en)-1], "motor is disabled after a fault")

	f.driver.ResetPosition()
	assert.True(t, f.driver.PositionKnown())
	assert.Equal(t, int32(0), f.driver.Position())
}

func TestDriver_PinFault(t *testing.T) {
	f := newDriverFixture(t, 1)
	f.pins.FailWrites(testDirPin, errors.New("pin busy"))

	err := f.driver.StepBy(context.Background(), 5)
	require.Error(t, err)

	var hw *errors.HardwareFault
	require.True(t, errors.As(err, &hw))
	assert.Equal(t, testDirPin, hw.Pin)
	assert.Empty(t, f.tx.Streams())
}

func TestDriver_CancelledContext(t *testing.T) {
	f := newDriverFixture(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, f.driver.StepBy(ctx, 5), context.Canceled)
	assert.Empty(t, f.tx.Streams())
}

func TestSaturatingArithmetic(t *testing.T) {
	assert.Equal(t, int32(math.MaxInt32), saturatingAdd(math.MaxInt32-1, 10))
	assert.Equal(t, int32(math.MinInt32), saturatingAdd(math.MinInt32+1, -10))
	assert.Equal(t, int32(math.MaxInt32), saturatingSub(math.MaxInt32, -1))
	assert.Equal(t, uint32(1<<31), abs32(math.MinInt32))
}
