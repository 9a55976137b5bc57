// Package metrics exposes Prometheus collectors for dispenses, device status
// and the HTTP API
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dsyorkd/pi-doser/internal/doser"
)

const namespace = "doser"

// Metrics owns a private registry so tests can create as many as they like
type Metrics struct {
	registry *prometheus.Registry

	dispenses    *prometheus.CounterVec
	dispensedMl  *prometheus.CounterVec
	status       *prometheus.GaugeVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with Go runtime collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		dispenses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispenses_total",
			Help:      "Dispenses by pump, source and outcome.",
		}, []string{"pump", "source", "outcome"}),
		dispensedMl: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispensed_ml_total",
			Help:      "Millilitres successfully dispensed by pump.",
		}, []string{"pump"}),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "status",
			Help:      "1 for the current device status.",
		}, []string{"status"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency. Motion requests block until the pump stops.",
			Buckets:   []float64{.005, .025, .1, .5, 1, 5, 15, 60, 300},
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.dispenses,
		m.dispensedMl,
		m.status,
		m.httpRequests,
		m.httpDuration,
	)
	m.setStatus(doser.StatusIdle)
	return m
}

// Registry returns the registry backing Handler
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// GaugeFunc registers a gauge sampled from fn at scrape time
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Middleware records request counts and latency per route template
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// Recorder counts every dispense before handing it to next, which may be nil
func (m *Metrics) Recorder(next doser.Recorder) doser.Recorder {
	return &recorder{m: m, next: next}
}

// Notifier tracks status transitions before handing events to next, which may be nil
func (m *Metrics) Notifier(next doser.Notifier) doser.Notifier {
	return &notifier{m: m, next: next}
}

func (m *Metrics) setStatus(s doser.Status) {
	for _, known := range []doser.Status{doser.StatusIdle, doser.StatusRunning, doser.StatusOTA} {
		v := 0.0
		if known == s {
			v = 1
		}
		m.status.WithLabelValues(string(known)).Set(v)
	}
}

type recorder struct {
	m    *Metrics
	next doser.Recorder
}

func (r *recorder) RecordDispense(ctx context.Context, rec doser.DispenseRecord) error {
	pump := strconv.FormatUint(uint64(rec.PumpID), 10)
	outcome := "ok"
	if rec.Err != nil {
		outcome = "failed"
	} else {
		r.m.dispensedMl.WithLabelValues(pump).Add(rec.Ml)
	}
	r.m.dispenses.WithLabelValues(pump, rec.Source, outcome).Inc()

	if r.next == nil {
		return nil
	}
	return r.next.RecordDispense(ctx, rec)
}

type notifier struct {
	m    *Metrics
	next doser.Notifier
}

func (n *notifier) Notify(event string, payload interface{}) {
	if event == doser.EventStatus {
		if s, ok := payload.(doser.StatusResponse); ok {
			n.m.setStatus(s.Status)
		}
	}
	if n.next != nil {
		n.next.Notify(event, payload)
	}
}
