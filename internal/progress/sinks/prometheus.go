package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/rfp-scanner/internal/progress"
)

// PrometheusSink exports scan lifecycle metrics. It owns the collectors for
// sessions started/completed/running and per-site URL outcomes.
type PrometheusSink struct {
	scansStarted   prometheus.Counter
	scansCompleted *prometheus.CounterVec
	scansRunning   prometheus.Gauge
	scanRuntime    *prometheus.HistogramVec

	urlResults    *prometheus.CounterVec
	urlDuration   *prometheus.HistogramVec
	opportunities *prometheus.CounterVec

	tracker *sessionTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		scansStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rfp_scans_started_total",
			Help: "Total scan sessions that have started.",
		}),
		scansCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rfp_scans_completed_total",
			Help: "Total scan sessions finished, partitioned by final status.",
		}, []string{"status"}),
		scansRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rfp_scans_running",
			Help: "Current number of running scan sessions.",
		}),
		scanRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rfp_scan_runtime_seconds",
			Help:    "Wall time per finished scan session.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}, []string{"status"}),
		urlResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rfp_url_results_total",
			Help: "Processed URLs partitioned by site and fetch outcome.",
		}, []string{"site", "kind"}),
		urlDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rfp_url_duration_seconds",
			Help:    "Per-URL pipeline duration partitioned by site and fetch outcome.",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		}, []string{"site", "kind"}),
		opportunities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rfp_url_opportunities_total",
			Help: "Opportunities observed per URL partitioned by outcome (found, relevant, saved).",
		}, []string{"outcome"}),
		tracker: newSessionTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.scansStarted,
		s.scansCompleted,
		s.scansRunning,
		s.scanRuntime,
		s.urlResults,
		s.urlDuration,
		s.opportunities,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageScanStart:
			s.scansStarted.Inc()
			if s.tracker.start(evt.SessionID) {
				s.scansRunning.Inc()
			}
		case progress.StageScanDone:
			s.handleScanDone(evt)
		case progress.StageURLDone:
			s.handleURLDone(evt)
		}
	}
	return nil
}

func (s *PrometheusSink) handleScanDone(evt progress.Event) {
	status := string(evt.Status)
	s.scansCompleted.WithLabelValues(status).Inc()
	if evt.Dur > 0 {
		s.scanRuntime.WithLabelValues(status).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.SessionID) {
		s.scansRunning.Dec()
	}
}

func (s *PrometheusSink) handleURLDone(evt progress.Event) {
	site := evt.Site
	if site == "" {
		site = "unknown"
	}
	kind := string(evt.Kind)
	s.urlResults.WithLabelValues(site, kind).Inc()
	if evt.Dur > 0 {
		s.urlDuration.WithLabelValues(site, kind).Observe(evt.Dur.Seconds())
	}
	s.opportunities.WithLabelValues("found").Add(float64(evt.Found))
	s.opportunities.WithLabelValues("relevant").Add(float64(evt.Relevant))
	s.opportunities.WithLabelValues("saved").Add(float64(evt.Saved))
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type sessionTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{running: make(map[string]struct{})}
}

func (t *sessionTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *sessionTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
