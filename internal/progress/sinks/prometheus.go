package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/catalogcrawl/catalogcrawl/internal/progress"
)

// PrometheusSink exports crawl engine metrics. It owns all collectors for
// session lifecycle, per-phase task results, retries, and downshifts.
type PrometheusSink struct {
	sessionsStarted   prometheus.Counter
	sessionsCompleted *prometheus.CounterVec

	tasksTotal    *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	retriesTotal  *prometheus.CounterVec
	downshifts    *prometheus.CounterVec
	checkpointing prometheus.Counter
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawl_sessions_started_total",
			Help: "Total crawl sessions that have started.",
		}),
		sessionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_sessions_completed_total",
			Help: "Total crawl sessions finished, partitioned by result.",
		}, []string{"result"}),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_tasks_total",
			Help: "Task completions partitioned by phase and result.",
		}, []string{"phase", "result"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawl_task_duration_seconds",
			Help:    "Task execution time partitioned by phase.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"phase"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_task_retries_total",
			Help: "Task requeues partitioned by phase and error kind.",
		}, []string{"phase", "error_kind"}),
		downshifts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_concurrency_downshifts_total",
			Help: "Concurrency downshift events partitioned by phase.",
		}, []string{"phase"}),
		checkpointing: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawl_checkpoints_total",
			Help: "Resume-token checkpoints emitted.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.sessionsStarted,
		s.sessionsCompleted,
		s.tasksTotal,
		s.taskDuration,
		s.retriesTotal,
		s.downshifts,
		s.checkpointing,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register crawl collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. Safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	phase := string(evt.Phase)
	switch evt.Variant {
	case progress.VariantSessionStarted:
		s.sessionsStarted.Inc()
	case progress.VariantSessionCompleted:
		s.sessionsCompleted.WithLabelValues("completed").Inc()
	case progress.VariantSessionFailed:
		s.sessionsCompleted.WithLabelValues("failed").Inc()
	case progress.VariantSessionShuttingDown:
		s.sessionsCompleted.WithLabelValues("shutdown").Inc()
	case progress.VariantTaskCompleted:
		s.tasksTotal.WithLabelValues(phase, "success").Inc()
		s.observeDuration(evt)
	case progress.VariantTaskFailed:
		s.tasksTotal.WithLabelValues(phase, "permanent_failure").Inc()
		s.observeDuration(evt)
	case progress.VariantTaskRetried:
		s.retriesTotal.WithLabelValues(phase, evt.ErrorKind).Inc()
	case progress.VariantDownshift:
		s.downshifts.WithLabelValues(phase).Inc()
	case progress.VariantCheckpoint:
		s.checkpointing.Inc()
	}
}

func (s *PrometheusSink) observeDuration(evt progress.Event) {
	if evt.Dur > 0 {
		s.taskDuration.WithLabelValues(string(evt.Phase)).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
