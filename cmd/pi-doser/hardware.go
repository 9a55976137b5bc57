package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dsyorkd/pi-doser/internal/config"
	"github.com/dsyorkd/pi-doser/internal/doser"
	"github.com/dsyorkd/pi-doser/internal/errors"
	"github.com/dsyorkd/pi-doser/pkg/gpio"
	"github.com/dsyorkd/pi-doser/pkg/stepper"
)

// motion is the hardware the doser drives
type motion struct {
	gpio    *gpio.Controller
	channel *stepper.Channel
	motors  []doser.Motor
}

// Close stops the pulse worker and releases the pins
func (m *motion) Close() error {
	var errs []error
	if m.channel != nil {
		errs = append(errs, m.channel.Close())
	}
	if m.gpio != nil {
		errs = append(errs, m.gpio.Close())
	}
	return errors.Join(errs...)
}

// setupMotion claims every configured pin, opens the shared pulse channel on
// the STEP line and creates one driver per pump. A pump whose driver cannot
// be created is logged and skipped, so the others stay usable.
func setupMotion(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*motion, error) {
	ctrl := gpio.NewController(&cfg.GPIO, log)
	if err := ctrl.Initialize(ctx); err != nil {
		return nil, errors.Wrapf(err, "failed to initialize GPIO")
	}

	m := &motion{gpio: ctrl}
	if err := ctrl.ClaimOutput(cfg.Motion.StepPin, gpio.Low, "step"); err != nil {
		m.Close()
		return nil, errors.Wrapf(err, "failed to claim step pin")
	}

	tx, err := transmitter(ctrl, cfg.Motion)
	if err != nil {
		m.Close()
		return nil, err
	}
	m.channel = stepper.NewChannel(tx, log)

	for i, p := range cfg.Pumps {
		plog := log.WithFields(logrus.Fields{"pump": i, "enable_pin": p.EnablePin, "dir_pin": p.DirPin})

		// Enable is active low, so claim it high to keep the motor released
		if err := ctrl.ClaimOutput(p.EnablePin, gpio.High, fmt.Sprintf("pump %d enable", i)); err != nil {
			plog.WithError(err).Error("Skipping pump")
			continue
		}
		if err := ctrl.ClaimOutput(p.DirPin, gpio.Low, fmt.Sprintf("pump %d dir", i)); err != nil {
			ctrl.Release(p.EnablePin)
			plog.WithError(err).Error("Skipping pump")
			continue
		}

		driver, err := stepper.NewDriver(cfg.Motion.DriverConfig(p), ctrl, m.channel, log)
		if err != nil {
			ctrl.Release(p.EnablePin)
			ctrl.Release(p.DirPin)
			plog.WithError(err).Error("Skipping pump")
			continue
		}
		m.motors = append(m.motors, driver)
	}

	claimed, err := ctrl.Pins()
	if err != nil {
		m.Close()
		return nil, errors.Wrapf(err, "failed to list claimed pins")
	}
	pins := make([]int, 0, len(claimed))
	for _, cp := range claimed {
		pins = append(pins, cp.Pin)
	}

	log.WithFields(logrus.Fields{
		"motors":     len(m.motors),
		"mock_mode":  cfg.GPIO.MockMode,
		"configured": cfg.Pins(),
		"claimed":    pins,
		"clock":      cfg.Motion.Clock().String(),
	}).Info("Motion initialized")

	return m, nil
}

// transmitter bit-bangs the STEP line on real hardware and simulates it in mock mode
func transmitter(ctrl *gpio.Controller, mc config.MotionConfig) (stepper.Transmitter, error) {
	periph, ok := ctrl.Impl().(*gpio.PeriphGPIO)
	if !ok {
		tx := stepper.NewMockTransmitter(mc.Clock())
		tx.SetRealTime(true)
		return tx, nil
	}

	pin, err := periph.OutputPin(mc.StepPin)
	if err != nil {
		return nil, errors.NewHardwareFault(mc.StepPin, "open step line", err)
	}
	return stepper.NewPeriphTransmitter(pin, mc.StepPin, mc.Clock())
}
