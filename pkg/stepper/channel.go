package stepper

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/physic"

	"github.com/dsyorkd/pi-doser/internal/errors"
)

// ErrChannelClosed is returned for transmissions submitted after Close
var ErrChannelClosed = errors.New("pulse channel closed")

// Transmitter emits a symbol stream on the physical STEP line. Transmit
// blocks until every symbol has been emitted.
type Transmitter interface {
	Clock() physic.Frequency
	Transmit(symbols []Symbol) error
}

// ChannelStats counts completed transmissions
type ChannelStats struct {
	Streams uint64 `json:"streams"`
	Symbols uint64 `json:"symbols"`
	Faults  uint64 `json:"faults"`
}

type job struct {
	symbols []Symbol
	done    chan error
}

// Channel serializes access to a single Transmitter shared by every pump.
// A dedicated worker owns the transmitter; callers submit a stream and wait
// on a one-shot completion channel, so at most one stream is on the wire.
type Channel struct {
	mu sync.Mutex // guards tx
	tx Transmitter

	jobs      chan job
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	streams atomic.Uint64
	symbols atomic.Uint64
	faults  atomic.Uint64

	logger *logrus.Entry
}

// NewChannel starts the worker for tx
func NewChannel(tx Transmitter, logger logrus.FieldLogger) *Channel {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	c := &Channel{
		tx:      tx,
		jobs:    make(chan job),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  logger.WithField("component", "pulse-channel"),
	}
	go c.run()
	return c
}

// Clock returns the tick rate of the underlying transmitter
func (c *Channel) Clock() physic.Frequency {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tx.Clock()
}

// Transmit blocks until symbols have been emitted or the transmission failed
func (c *Channel) Transmit(symbols []Symbol) error {
	if len(symbols) == 0 {
		return nil
	}

	j := job{symbols: symbols, done: make(chan error, 1)}
	select {
	case c.jobs <- j:
	case <-c.quit:
		return errors.NewHardwareFault(-1, "transmit", ErrChannelClosed)
	}
	return <-j.done
}

// Stats returns transmission counters
func (c *Channel) Stats() ChannelStats {
	return ChannelStats{
		Streams: c.streams.Load(),
		Symbols: c.symbols.Load(),
		Faults:  c.faults.Load(),
	}
}

// Close stops the worker after any in-flight stream completes
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.quit)
	})
	<-c.stopped
	return nil
}

func (c *Channel) run() {
	// Pulse timing is sensitive to goroutine migration
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(c.stopped)

	for {
		select {
		case j := <-c.jobs:
			j.done <- c.emit(j.symbols)
		case <-c.quit:
			c.logger.Debug("Pulse channel worker stopped")
			return
		}
	}
}

func (c *Channel) emit(symbols []Symbol) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.tx.Transmit(symbols); err != nil {
		c.faults.Add(1)
		c.logger.WithError(err).WithField("symbols", len(symbols)).Error("Pulse transmission failed")
		if errors.IsHardwareFault(err) {
			return err
		}
		return errors.NewHardwareFault(-1, "transmit", err)
	}

	c.streams.Add(1)
	c.symbols.Add(uint64(len(symbols)))
	return nil
}
