// Package task runs domain work detached from the request that started it.
package task

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrShuttingDown is returned when work is submitted after Shutdown began
var ErrShuttingDown = errors.New("task tracker shutting down")

// Task is a handle to detached work
type Task struct {
	name string
	done chan struct{}
	err  error
}

// Done is closed once the work returns
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the result of the work once Done is closed
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the work finishes or ctx is done. Cancelling ctx only
// stops the wait; the work itself keeps running.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tracker starts detached tasks and waits for them at shutdown
type Tracker struct {
	mu       sync.Mutex
	wg       sync.WaitGroup
	closing  bool
	inflight map[*Task]struct{}
	logger   *logrus.Entry
}

// NewTracker creates a tracker
func NewTracker(logger logrus.FieldLogger) *Tracker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Tracker{
		inflight: make(map[*Task]struct{}),
		logger:   logger.WithField("component", "tasks"),
	}
}

// Go runs fn with a context that carries ctx's values but never its
// cancellation, so a disconnecting client cannot abort a motor mid-move.
func (tr *Tracker) Go(ctx context.Context, name string, fn func(ctx context.Context) error) (*Task, error) {
	tr.mu.Lock()
	if tr.closing {
		tr.mu.Unlock()
		return nil, ErrShuttingDown
	}
	t := &Task{name: name, done: make(chan struct{})}
	tr.inflight[t] = struct{}{}
	tr.wg.Add(1)
	tr.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	go func() {
		defer tr.wg.Done()
		defer func() {
			tr.mu.Lock()
			delete(tr.inflight, t)
			tr.mu.Unlock()
			close(t.done)
		}()
		defer func() {
			if r := recover(); r != nil {
				tr.logger.WithField("task", name).Errorf("Task panicked: %v", r)
				t.err = errors.New("task panicked")
			}
		}()

		t.err = fn(detached)
		if t.err != nil {
			tr.logger.WithError(t.err).WithField("task", name).Debug("Task finished with error")
		}
	}()

	return t, nil
}

// Run starts fn and waits for it, returning early if ctx is done
func (tr *Tracker) Run(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	t, err := tr.Go(ctx, name, fn)
	if err != nil {
		return err
	}
	return t.Wait(ctx)
}

// InFlight returns the number of running tasks
func (tr *Tracker) InFlight() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.inflight)
}

// Shutdown refuses new work and waits for running tasks or ctx
func (tr *Tracker) Shutdown(ctx context.Context) error {
	tr.mu.Lock()
	tr.closing = true
	n := len(tr.inflight)
	tr.mu.Unlock()

	if n > 0 {
		tr.logger.WithField("inflight", n).Info("Waiting for running tasks")
	}

	done := make(chan struct{})
	go func() {
		tr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
