package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker() *Tracker {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return NewTracker(l)
}

func TestTracker_Run(t *testing.T) {
	tr := newTestTracker()
	want := errors.New("pump fault")

	err := tr.Run(context.Background(), "dispense", func(ctx context.Context) error {
		return want
	})
	assert.ErrorIs(t, err, want)
}

func TestTracker_WorkSurvivesCallerCancellation(t *testing.T) {
	tr := newTestTracker()
	ctx, cancel := context.WithCancel(context.Background())

	release := make(chan struct{})
	var finished atomic.Bool
	var sawCancel atomic.Bool

	task, err := tr.Go(ctx, "prime", func(ctx context.Context) error {
		<-release
		sawCancel.Store(ctx.Err() != nil)
		finished.Store(true)
		return nil
	})
	require.NoError(t, err)

	cancel()
	assert.ErrorIs(t, task.Wait(ctx), context.Canceled, "the waiter gives up")

	close(release)
	require.NoError(t, task.Wait(context.Background()))
	assert.True(t, finished.Load(), "the work still completes")
	assert.False(t, sawCancel.Load(), "the work never sees the caller's cancellation")
}

func TestTracker_Shutdown(t *testing.T) {
	tr := newTestTracker()

	release := make(chan struct{})
	_, err := tr.Go(context.Background(), "unprime", func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, tr.InFlight())

	short, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tr.Shutdown(short), context.DeadlineExceeded)

	_, err = tr.Go(context.Background(), "late", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrShuttingDown)

	close(release)
	require.NoError(t, tr.Shutdown(context.Background()))
	assert.Equal(t, 0, tr.InFlight())
}

func TestTracker_RecoversPanics(t *testing.T) {
	tr := newTestTracker()
	err := tr.Run(context.Background(), "boom", func(ctx context.Context) error {
		panic("unexpected")
	})
	assert.Error(t, err)
}
