package main

import (
	"fmt"
	"os"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/dsyorkd/pi-doser/internal/ota"
)

// restarter turns a restart request from the doser into an orderly shutdown
// followed by an exec of the active image
type restarter struct {
	once sync.Once
	ch   chan struct{}
}

func newRestarter() *restarter {
	return &restarter{ch: make(chan struct{})}
}

// Request may be called any number of times from any goroutine
func (r *restarter) Request() {
	r.once.Do(func() { close(r.ch) })
}

// Requested is closed by the first Request
func (r *restarter) Requested() <-chan struct{} {
	return r.ch
}

// Pending reports whether a restart was requested
func (r *restarter) Pending() bool {
	select {
	case <-r.ch:
		return true
	default:
		return false
	}
}

// restartError is returned by the server once everything is closed
type restartError struct {
	image string
}

func (e *restartError) Error() string {
	return fmt.Sprintf("restart into %s", e.image)
}

// exec replaces the process with the image, keeping arguments and environment
func (e *restartError) exec() error {
	if err := syscall.Exec(e.image, os.Args, os.Environ()); err != nil {
		return fmt.Errorf("failed to exec %s: %w", e.image, err)
	}
	return nil
}

// restartImage picks the binary to run next: the active firmware slot when
// one has been installed, otherwise the running executable
func restartImage(updater *ota.Updater, log logrus.FieldLogger) string {
	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}
	if updater == nil {
		return self
	}

	slot, err := updater.Active()
	if err != nil {
		log.WithError(err).Warn("Cannot read active slot, restarting current image")
		return self
	}

	image := updater.SlotPath(slot)
	if info, err := os.Stat(image); err != nil || info.IsDir() {
		return self
	}
	log.WithFields(logrus.Fields{"slot": slot, "image": image}).Info("Restarting into firmware slot")
	return image
}
