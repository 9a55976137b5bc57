package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsyorkd/pi-doser/internal/config"
	"github.com/dsyorkd/pi-doser/internal/logger"
	"github.com/dsyorkd/pi-doser/pkg/gpio"
)

func mockConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("PI_DOSER_MOCK_GPIO", "true")
	t.Setenv("PI_DOSER_DATA_DIR", t.TempDir())

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func claimedPins(t *testing.T, hw *motion) []int {
	t.Helper()
	claimed, err := hw.gpio.Pins()
	require.NoError(t, err)

	var pins []int
	for _, cp := range claimed {
		pins = append(pins, cp.Pin)
	}
	return pins
}

func TestSetupMotion(t *testing.T) {
	cfg := mockConfig(t)
	cfg.Pumps = []config.PumpConfig{{EnablePin: 17, DirPin: 27}, {EnablePin: 22, DirPin: 23}}

	hw, err := setupMotion(context.Background(), cfg, logger.Discard())
	require.NoError(t, err)
	defer hw.Close()

	assert.Len(t, hw.motors, 2)
	assert.Equal(t, []int{17, 18, 22, 23, 27}, claimedPins(t, hw))
}

func TestSetupMotion_SkippedPumpReleasesPins(t *testing.T) {
	cfg := mockConfig(t)
	// Pump 1 asks for the console TX line as its DIR pin
	cfg.Pumps = []config.PumpConfig{{EnablePin: 17, DirPin: 27}, {EnablePin: 22, DirPin: 14}}

	hw, err := setupMotion(context.Background(), cfg, logger.Discard())
	require.NoError(t, err)
	defer hw.Close()

	assert.Len(t, hw.motors, 1)
	assert.Equal(t, []int{17, 18, 27}, claimedPins(t, hw))
	assert.NoError(t, hw.gpio.ClaimOutput(22, gpio.Low, "spare"), "the skipped pump's enable pin is free again")
}
