package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/sitemap-harvester/internal/progress"
)

// PrometheusSink exports harvest progress via Prometheus. It owns the collectors
// for runs, batches, rounds, and per-outcome item counters.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsRunning   prometheus.Gauge
	runRuntime    prometheus.Histogram
	batchesDone   prometheus.Counter
	batchRuntime  prometheus.Histogram
	roundsTotal   *prometheus.CounterVec
	roundBackoff  prometheus.Histogram
	itemsTotal    *prometheus.CounterVec
	itemBytes     prometheus.Counter
	itemDuration  *prometheus.HistogramVec
	exhaustedItem prometheus.Counter
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_runs_started_total",
			Help: "Total harvest runs that have started.",
		}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_runs_running",
			Help: "Current number of in-flight harvest runs.",
		}),
		runRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvester_run_runtime_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800},
		}),
		batchesDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_batches_completed_total",
			Help: "Total batches driven to completion.",
		}),
		batchRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvester_batch_runtime_seconds",
			Help:    "Wall time per batch including backoff.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
		roundsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_rounds_total",
			Help: "Rounds dispatched partitioned by kind (first or retry).",
		}, []string{"kind"}),
		roundBackoff: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvester_round_backoff_seconds",
			Help:    "Backoff applied before retry rounds.",
			Buckets: []float64{1, 5, 10, 15, 20, 25, 30, 60},
		}),
		itemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_items_total",
			Help: "Item outcomes partitioned by outcome and status class.",
		}, []string{"outcome", "status_class"}),
		itemBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_item_bytes_total",
			Help: "Bytes downloaded for items.",
		}),
		itemDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_item_duration_seconds",
			Help:    "Fetch-and-classify duration partitioned by outcome.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"outcome"}),
		exhaustedItem: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_items_exhausted_total",
			Help: "Items that exhausted their retry budget while throttled.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsRunning,
		s.runRuntime,
		s.batchesDone,
		s.batchRuntime,
		s.roundsTotal,
		s.roundBackoff,
		s.itemsTotal,
		s.itemBytes,
		s.itemDuration,
		s.exhaustedItem,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		s.runsRunning.Inc()
	case progress.StageRunDone:
		s.runsRunning.Dec()
		if evt.Dur > 0 {
			s.runRuntime.Observe(evt.Dur.Seconds())
		}
	case progress.StageBatchDone:
		s.batchesDone.Inc()
		if evt.Dur > 0 {
			s.batchRuntime.Observe(evt.Dur.Seconds())
		}
	case progress.StageRoundDone:
		s.handleRoundEvent(evt)
	case progress.StageItemDone:
		s.handleItemEvent(evt)
	case progress.StageExhausted:
		s.exhaustedItem.Inc()
	}
}

func (s *PrometheusSink) handleRoundEvent(evt progress.Event) {
	kind := "first"
	if evt.Round > 1 {
		kind = "retry"
		s.roundBackoff.Observe(evt.Backoff.Seconds())
	}
	s.roundsTotal.WithLabelValues(kind).Inc()
}

func (s *PrometheusSink) handleItemEvent(evt progress.Event) {
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusTransport)
	}
	s.itemsTotal.WithLabelValues(evt.Outcome, statusClass).Inc()
	if evt.Bytes > 0 {
		s.itemBytes.Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.itemDuration.WithLabelValues(evt.Outcome).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
