package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dsyorkd/pi-doser/internal/api"
	"github.com/dsyorkd/pi-doser/internal/api/handlers"
	"github.com/dsyorkd/pi-doser/internal/api/middleware"
	"github.com/dsyorkd/pi-doser/internal/config"
	"github.com/dsyorkd/pi-doser/internal/doser"
	"github.com/dsyorkd/pi-doser/internal/errors"
	"github.com/dsyorkd/pi-doser/internal/metrics"
	"github.com/dsyorkd/pi-doser/internal/ota"
	"github.com/dsyorkd/pi-doser/internal/storage"
	"github.com/dsyorkd/pi-doser/internal/system"
	"github.com/dsyorkd/pi-doser/internal/task"
	"github.com/dsyorkd/pi-doser/internal/websocket"
	"github.com/dsyorkd/pi-doser/pkg/discovery"
)

func runServer(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"date":    date,
	}).Info("Starting Pi Doser")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hw, err := setupMotion(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer hw.Close()

	kv, err := storage.OpenKV(&cfg.Store, log)
	if err != nil {
		return errors.Wrapf(err, "failed to open config store")
	}
	defer kv.Close()

	// Kept as an interface so a disabled history stays a true nil
	var history storage.History
	var recorder doser.Recorder
	if cfg.History.Enabled {
		db, err := storage.New(&cfg.History.Config, log)
		if err != nil {
			return errors.Wrapf(err, "failed to initialize history database")
		}
		defer db.Close()
		history, recorder = db, db
		log.WithField("path", cfg.History.Path).Info("Dose history enabled")
	}

	m := metrics.New()
	m.GaugeFunc("channel_streams", "Pulse streams emitted on the STEP line.", func() float64 {
		return float64(hw.channel.Stats().Streams)
	})
	m.GaugeFunc("channel_faults", "Pulse streams that failed on the STEP line.", func() float64 {
		return float64(hw.channel.Stats().Faults)
	})
	m.GaugeFunc("pumps", "Pumps bound to a motor.", func() float64 {
		return float64(len(hw.motors))
	})

	restart := newRestarter()

	// The hub snapshot reads through d, which is assigned before the hub runs
	var d *doser.Doser
	var notifier doser.Notifier
	var hub *websocket.Hub
	if cfg.WebSocket.Enabled {
		hub = websocket.NewHub(&cfg.WebSocket, log, func() interface{} { return d.FullStatus() })
		notifier = hub
	}

	d = doser.New(doser.Options{
		Store:        kv,
		Recorder:     m.Recorder(recorder),
		Notifier:     m.Notifier(notifier),
		Logger:       log,
		Version:      version,
		Restart:      restart.Request,
		BackoffSteps: cfg.Motion.BackoffSteps,
	})
	if err := d.Load(hw.motors); err != nil {
		return errors.Wrapf(err, "failed to load pump calibration")
	}

	tasks := task.NewTracker(log)
	m.GaugeFunc("tasks_in_flight", "Motion handlers still running.", func() float64 {
		return float64(tasks.InFlight())
	})

	var updater *ota.Updater
	var apiUpdater handlers.Updater
	if cfg.OTA.Enabled {
		updater, err = ota.NewUpdater(&cfg.OTA, nil, log)
		if err != nil {
			return errors.Wrapf(err, "failed to initialize firmware updater")
		}
		apiUpdater = updater
	}

	var limiter *middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewRateLimiter(&cfg.RateLimit, log)
		go limiter.Run(ctx)
	}

	var auth *middleware.AuthManager
	if cfg.Auth.Enabled {
		auth, err = middleware.NewAuthManager(&cfg.Auth, log)
		if err != nil {
			return errors.Wrapf(err, "failed to initialize auth")
		}
	}

	deps := api.Dependencies{
		Doser:       d,
		Tasks:       tasks,
		Updater:     apiUpdater,
		History:     history,
		Hub:         hub,
		Metrics:     m,
		RateLimiter: limiter,
		Auth:        auth,
		GPIO:        hw.gpio,
	}
	if cfg.API.SystemInfo {
		deps.SystemInfo = system.NewCollector(cfg.App.DataDir, 0, log)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup
	serverErrors := make(chan error, 2)

	if hub != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.Run(ctx)
		}()
	}

	if history != nil && cfg.History.Retention > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pruneHistory(ctx, history, cfg.History, log)
		}()
	}

	apiServer := api.New(&cfg.API, log, deps)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- errors.Wrapf(err, "API server error")
		}
	}()

	if cfg.Discovery.Enabled {
		adv := advertiser(cfg, log)
		if err := adv.Start(ctx); err != nil {
			// The API is still reachable by address
			log.WithError(err).Warn("Failed to start mDNS advertising")
		}
	}

	log.Info("Pi Doser started")

	select {
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Info("Received shutdown signal")
	case err := <-serverErrors:
		log.WithError(err).Error("Server error occurred")
	case <-restart.Requested():
		log.Info("Restart requested")
	}

	log.Info("Initiating graceful shutdown...")

	_, _, shutdownTimeout := cfg.API.Durations()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("Error stopping API server")
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("All servers stopped gracefully")
	case <-shutdownCtx.Done():
		log.Warn("Shutdown timeout exceeded")
	}

	if !restart.Pending() {
		log.Info("Pi Doser shutdown complete")
		return nil
	}
	return &restartError{image: restartImage(updater, log)}
}

// advertiser announces the API port under the configured hostname
func advertiser(cfg *config.Config, log *logrus.Logger) *discovery.Advertiser {
	acfg := cfg.Discovery
	acfg.Port = cfg.API.Port

	txt := map[string]string{"version": version}
	for k, v := range acfg.TXTRecords {
		txt[k] = v
	}
	acfg.TXTRecords = txt

	return discovery.NewAdvertiser(&acfg, log)
}

// pruneHistory deletes events older than the retention window until ctx is done
func pruneHistory(ctx context.Context, history storage.History, cfg config.HistoryConfig, log *logrus.Logger) {
	interval := cfg.PruneInterval
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	plog := log.WithField("component", "history-prune")

	prune := func() {
		n, err := history.Prune(ctx, time.Now().Add(-cfg.Retention))
		if err != nil {
			plog.WithError(err).Warn("Failed to prune dose history")
			return
		}
		if n > 0 {
			plog.WithField("deleted", n).Info("Pruned dose history")
		}
	}

	prune()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
