package gpio

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(t *testing.T) (*Controller, *MockGPIO) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	mock := NewMockGPIO()
	c := NewControllerWith(DefaultConfig(), mock, logger)
	require.NoError(t, c.Initialize(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c, mock
}

func TestController_IsPinAllowed(t *testing.T) {
	c, _ := newTestController(t)

	tests := []struct {
		name    string
		pin     int
		wantErr string
	}{
		{name: "allowed", pin: 17},
		{name: "critical", pin: 14, wantErr: "critical system pin"},
		{name: "out of range", pin: 40, wantErr: "invalid pin number"},
		{name: "negative", pin: -1, wantErr: "invalid pin number"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.IsPinAllowed(tt.pin)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("restricted", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.RestrictedPins = []int{22}
		rc := NewControllerWith(cfg, NewMockGPIO(), nil)
		err := rc.IsPinAllowed(22)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "restricted")
	})
}

func TestController_ClaimOutput(t *testing.T) {
	c, mock := newTestController(t)

	require.NoError(t, c.ClaimOutput(17, High, "pump-17/enable"))

	err := c.ClaimOutput(17, Low, "pump-22/dir")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already claimed")

	pins, err := c.Pins()
	require.NoError(t, err)
	require.Len(t, pins, 1)
	assert.Equal(t, 17, pins[0].Pin)
	assert.Equal(t, "pump-17/enable", pins[0].Owner)
	assert.Equal(t, DirectionOutput, pins[0].Direction)
	assert.Equal(t, High, pins[0].Value)

	// Configured on the mock but never claimed
	require.NoError(t, mock.ConfigurePin(PinConfig{Pin: 5, Direction: DirectionOutput}))
	pins, err = c.Pins()
	require.NoError(t, err)
	assert.Len(t, pins, 1)
}

func TestController_Release(t *testing.T) {
	c, _ := newTestController(t)

	require.NoError(t, c.ClaimOutput(22, High, "pump-22/enable"))
	require.NoError(t, c.ClaimOutput(23, Low, "pump-22/dir"))
	c.Release(22)
	c.Release(9)

	pins, err := c.Pins()
	require.NoError(t, err)
	require.Len(t, pins, 1)
	assert.Equal(t, 23, pins[0].Pin)

	assert.Error(t, c.WritePin(22, Low), "released pins are no longer writable")
	assert.NoError(t, c.ClaimOutput(22, High, "pump-24/enable"), "released pins can be claimed again")
	assert.True(t, c.IsAvailable())
}

func TestController_WritePin(t *testing.T) {
	c, mock := newTestController(t)

	assert.Error(t, c.WritePin(27, High), "unclaimed pins are rejected")

	require.NoError(t, c.ClaimOutput(27, Low, "pump-17/dir"))
	require.NoError(t, c.WritePin(27, High))
	require.NoError(t, c.WritePin(27, Low))

	assert.Equal(t, []PinValue{High, Low}, mock.WritesTo(27))
}
