package stepper

import (
	"sync"
	"sync/atomic"
	"time"

	"periph.io/x/conn/v3/physic"
)

// MockTransmitter records symbol streams instead of driving a pin. It is used
// in mock mode and in tests.
type MockTransmitter struct {
	clock physic.Frequency

	mu       sync.Mutex
	streams  [][]Symbol
	err      error
	failNext int
	delay    time.Duration
	realTime bool

	active   atomic.Int32
	overlaps atomic.Int32
}

// NewMockTransmitter creates a mock running at clock
func NewMockTransmitter(clock physic.Frequency) *MockTransmitter {
	if clock <= 0 {
		clock = DefaultClock
	}
	return &MockTransmitter{clock: clock}
}

// Clock returns the tick rate
func (m *MockTransmitter) Clock() physic.Frequency {
	return m.clock
}

// Transmit records symbols, optionally sleeping to simulate wire time
func (m *MockTransmitter) Transmit(symbols []Symbol) error {
	if m.active.Add(1) > 1 {
		m.overlaps.Add(1)
	}
	defer m.active.Add(-1)

	m.mu.Lock()
	err := m.err
	if m.failNext > 0 {
		m.failNext--
		if m.failNext == 0 {
			m.err = nil
		}
	}
	delay := m.delay
	if m.realTime {
		var ticks uint64
		for _, s := range symbols {
			ticks += s.Ticks()
		}
		delay += Duration(m.clock, ticks)
	}
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return err
	}

	stream := make([]Symbol, len(symbols))
	copy(stream, symbols)

	m.mu.Lock()
	m.streams = append(m.streams, stream)
	m.mu.Unlock()
	return nil
}

// SetError makes every following transmission fail with err until cleared with nil
func (m *MockTransmitter) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	m.failNext = 0
}

// FailNext makes the next n transmissions fail with err
func (m *MockTransmitter) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	m.failNext = n
}

// SetDelay adds a fixed sleep to every transmission
func (m *MockTransmitter) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// SetRealTime makes each transmission sleep for the wire time of its symbols
func (m *MockTransmitter) SetRealTime(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.realTime = enabled
}

// Streams returns copies of the recorded streams in transmission order
func (m *MockTransmitter) Streams() [][]Symbol {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([][]Symbol, len(m.streams))
	copy(out, m.streams)
	return out
}

// TotalSymbols returns the number of symbols across all recorded streams
func (m *MockTransmitter) TotalSymbols() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, s := range m.streams {
		n += len(s)
	}
	return n
}

// Overlaps returns how many transmissions started while another was in progress
func (m *MockTransmitter) Overlaps() int {
	return int(m.overlaps.Load())
}

// Reset clears recorded streams and counters
func (m *MockTransmitter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams = nil
	m.overlaps.Store(0)
}
