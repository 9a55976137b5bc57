package stepper

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsyorkd/pi-doser/internal/errors"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestChannel_SerializesTransmissions(t *testing.T) {
	tx := NewMockTransmitter(DefaultClock)
	tx.SetDelay(2 * time.Millisecond)
	ch := NewChannel(tx, quietLogger())
	defer ch.Close()

	const senders = 8
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stream := make([]Symbol, 10+i)
			for j := range stream {
				stream[j] = Symbol{High: uint32(i + 1), Low: 100}
			}
			assert.NoError(t, ch.Transmit(stream))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, tx.Overlaps())

	streams := tx.Streams()
	require.Len(t, streams, senders)
	for _, s := range streams {
		for _, sym := range s {
			assert.Equal(t, s[0].High, sym.High, "streams must not interleave")
		}
	}

	stats := ch.Stats()
	assert.Equal(t, uint64(senders), stats.Streams)
}

func TestChannel_EmptyStream(t *testing.T) {
	tx := NewMockTransmitter(DefaultClock)
	ch := NewChannel(tx, quietLogger())
	defer ch.Close()

	require.NoError(t, ch.Transmit(nil))
	assert.Empty(t, tx.Streams())
}

func TestChannel_FaultIsHardwareFault(t *testing.T) {
	tx := NewMockTransmitter(DefaultClock)
	ch := NewChannel(tx, quietLogger())
	defer ch.Close()

	cause := errors.New("rmt timeout")
	tx.FailNext(1, cause)

	err := ch.Transmit([]Symbol{{High: 2, Low: 10}})
	require.Error(t, err)
	assert.True(t, errors.IsHardwareFault(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, uint64(1), ch.Stats().Faults)

	assert.NoError(t, ch.Transmit([]Symbol{{High: 2, Low: 10}}), "fault clears after one stream")
}

func TestChannel_Closed(t *testing.T) {
	ch := NewChannel(NewMockTransmitter(DefaultClock), quietLogger())
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	err := ch.Transmit([]Symbol{{High: 2, Low: 10}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.True(t, errors.IsHardwareFault(err))
}
