package stepper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"

	"github.com/dsyorkd/pi-doser/internal/errors"
)

func TestEncoder_HighWidth(t *testing.T) {
	enc, err := NewEncoder(physic.MegaHertz, DefaultStepPulse)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), enc.HighTicks())

	enc, err = NewEncoder(80*physic.MegaHertz, DefaultStepPulse)
	require.NoError(t, err)
	assert.Equal(t, uint32(160), enc.HighTicks())

	enc, err = NewEncoder(physic.KiloHertz, DefaultStepPulse)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), enc.HighTicks(), "sub-tick pulses round up to one tick")
}

func TestEncoder_Symbol(t *testing.T) {
	enc, err := NewEncoder(physic.MegaHertz, DefaultStepPulse)
	require.NoError(t, err)

	sym, err := enc.Symbol(750)
	require.NoError(t, err)
	assert.Equal(t, Symbol{High: 2, Low: 748}, sym)
	assert.Equal(t, uint64(750), sym.Ticks())

	_, err = enc.Symbol(1)
	require.Error(t, err)
	assert.True(t, errors.IsConfigurationError(err))
}

func TestEncoder_Encode(t *testing.T) {
	cfg := testProfileConfig()
	enc, err := NewEncoder(cfg.Clock, DefaultStepPulse)
	require.NoError(t, err)

	p, err := NewProfile(cfg, 300)
	require.NoError(t, err)

	symbols, err := enc.Encode(p)
	require.NoError(t, err)
	require.Len(t, symbols, 300)
	for _, s := range symbols {
		assert.Equal(t, enc.HighTicks(), s.High)
	}
}

func TestEncoder_Validate(t *testing.T) {
	enc, err := NewEncoder(physic.MegaHertz, 10*time.Microsecond)
	require.NoError(t, err)

	assert.NoError(t, enc.Validate(10))
	err = enc.Validate(9)
	require.Error(t, err)
	assert.True(t, errors.IsConfigurationError(err))
}

func TestDuration(t *testing.T) {
	assert.Equal(t, time.Millisecond, Duration(physic.MegaHertz, 1000))
	assert.Equal(t, time.Duration(0), Duration(0, 1000))
}
