package doser

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dsyorkd/pi-doser/internal/errors"
)

type fakeMotor struct {
	mu       sync.Mutex
	id       uint32
	position int32
	unknown  bool
	moves    []int32
	failNext error
	block    chan struct{}
	started  chan struct{}
}

func newFakeMotor(id uint32) *fakeMotor {
	return &fakeMotor{id: id}
}

func (m *fakeMotor) ID() uint32 { return m.id }

func (m *fakeMotor) StepBy(ctx context.Context, steps int32) error {
	m.mu.Lock()
	block, started := m.block, m.started
	m.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block != nil {
		<-block
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		m.unknown = true
		return errors.NewHardwareFault(-1, "transmit", err)
	}
	m.moves = append(m.moves, steps)
	m.position += steps
	return nil
}

func (m *fakeMotor) Position() int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position
}

func (m *fakeMotor) PositionKnown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.unknown
}

func (m *fakeMotor) ResetPosition() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.position = 0
	m.unknown = false
}

func (m *fakeMotor) Moves() []int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int32, len(m.moves))
	copy(out, m.moves)
	return out
}

func (m *fakeMotor) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

type fakeStore struct {
	mu     sync.Mutex
	data   map[string]string
	setErr error
	sets   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string]string)}
}

func (s *fakeStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *fakeStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets++
	if s.setErr != nil {
		return s.setErr
	}
	s.data[key] = value
	return nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []DispenseRecord
}

func (r *fakeRecorder) RecordDispense(ctx context.Context, rec DispenseRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *fakeRecorder) Records() []DispenseRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DispenseRecord(nil), r.records...)
}

type event struct {
	name    string
	payload interface{}
	at      time.Time
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []event
}

func (n *fakeNotifier) Notify(name string, payload interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event{name: name, payload: payload, at: time.Now()})
}

func (n *fakeNotifier) Statuses() []Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Status
	for _, e := range n.events {
		if e.name == EventStatus {
			out = append(out, e.payload.(StatusResponse).Status)
		}
	}
	return out
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type fixture struct {
	doser    *Doser
	motors   []*fakeMotor
	store    *fakeStore
	recorder *fakeRecorder
	notifier *fakeNotifier
	restarts int
}

// newFixture loads a doser with one fake motor per id and the given stored records
func newFixture(t testing.TB, stored string, ids ...uint32) *fixture {
	t.Helper()
	f := &fixture{
		store:    newFakeStore(),
		recorder: &fakeRecorder{},
		notifier: &fakeNotifier{},
	}
	if stored != "" {
		f.store.data[StoreKeyMotors] = stored
	}

	motors := make([]Motor, len(ids))
	for i, id := range ids {
		m := newFakeMotor(id)
		f.motors = append(f.motors, m)
		motors[i] = m
	}

	f.doser = New(Options{
		Store:    f.store,
		Recorder: f.recorder,
		Notifier: f.notifier,
		Logger:   quietLogger(),
		Version:  "1.2.3",
		Restart:  func() { f.restarts++ },
	})
	_ = f.doser.Load(motors)
	return f
}
