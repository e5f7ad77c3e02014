package sinks

import (
	"context"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/crawl-supervisor/internal/broadcast"
	"github.com/JakeFAU/crawl-supervisor/internal/crawl"
)

// PrometheusSink mirrors the most recent broadcast state into gauges so
// dashboards can follow a crawl without a websocket connection.
type PrometheusSink struct {
	stepProgress *prometheus.GaugeVec
	stepRunning  *prometheus.GaugeVec
	overall      prometheus.Gauge
	currentStep  prometheus.Gauge
	completions  prometheus.Counter
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		stepProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crawl_broadcast_step_progress",
			Help: "Last broadcast progress per step (0-100).",
		}, []string{"step"}),
		stepRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crawl_broadcast_step_running",
			Help: "1 when the step was running in the last broadcast.",
		}, []string{"step"}),
		overall: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawl_broadcast_overall_progress",
			Help: "Last broadcast overall progress (0-100).",
		}),
		currentStep: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawl_broadcast_current_step",
			Help: "Last broadcast current step (0 when idle).",
		}),
		completions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawl_broadcast_completions_total",
			Help: "Completion broadcasts observed.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.stepProgress,
		s.stepRunning,
		s.overall,
		s.currentStep,
		s.completions,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register broadcast collector: %w", err)
		}
	}
	return s, nil
}

// Name implements broadcast.Sink.
func (s *PrometheusSink) Name() string { return "prometheus" }

// Consume updates the gauges using the provided batch; the last message wins.
func (s *PrometheusSink) Consume(_ context.Context, batch []broadcast.Message) error {
	for _, msg := range batch {
		if msg.Kind == broadcast.KindCompletion {
			s.completions.Inc()
		}
		s.overall.Set(float64(msg.Status.OverallProgress))
		s.currentStep.Set(float64(msg.Status.CurrentStep))
		for _, step := range msg.Steps {
			label := strconv.Itoa(step.Number)
			s.stepProgress.WithLabelValues(label).Set(float64(step.Progress))
			running := 0.0
			if step.Status == crawl.StepRunning {
				running = 1
			}
			s.stepRunning.WithLabelValues(label).Set(running)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
