// ============================================================================
// querybatch Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: Collect and expose dispatch, retry and checkpoint metrics
//
// Metric categories:
//
//   1. Task counters (Counter):
//      - querybatch_tasks_generated_total: tasks produced by the generator
//      - querybatch_tasks_resumed_total: tasks skipped because a checkpoint exists
//      - querybatch_tasks_dispatched_total: tasks handed to an executor
//      - querybatch_task_outcomes_total{backend,status}: checkpointed outcomes
//      - querybatch_aborts_total: live runs stopped by the abort signal
//
//   2. Call metrics:
//      - querybatch_attempts_total{backend,result}: every backend call
//      - querybatch_retries_total{backend,kind}: scheduled retries
//      - querybatch_call_latency_seconds{backend}: per-attempt latency
//
//   3. State gauges:
//      - querybatch_tasks_pending: tasks not yet dispatched
//      - querybatch_tasks_in_flight: calls currently running
//      - querybatch_checkpoint_replay_seconds: time to replay the log on resume
//
//   4. Batch job:
//      - querybatch_batch_polls_total{status}: status polls by observed state
//
// Prometheus query examples:
//
//   # failure rate per backend
//   sum by (backend) (rate(querybatch_task_outcomes_total{status!="ok"}[5m]))
//
//   # 95th percentile call latency
//   histogram_quantile(0.95, sum by (le, backend) (rate(querybatch_call_latency_seconds_bucket[5m])))
//
// ============================================================================

package metrics

import (
	"time"

	"github.com/ChuLiYu/querybatch/internal/failure"
	"github.com/ChuLiYu/querybatch/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "querybatch"

// Collector holds every querybatch metric. Recording on a nil *Collector
// is a no-op.
type Collector struct {
	tasksGenerated  prometheus.Counter
	tasksResumed    prometheus.Counter
	tasksDispatched prometheus.Counter
	outcomes        *prometheus.CounterVec
	aborts          prometheus.Counter

	attempts    *prometheus.CounterVec
	retries     *prometheus.CounterVec
	callLatency *prometheus.HistogramVec

	tasksPending  prometheus.Gauge
	tasksInFlight prometheus.Gauge
	replayTime    prometheus.Gauge

	batchPolls *prometheus.CounterVec
}

// NewCollector creates the metrics and registers them with reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		tasksGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_generated_total",
			Help:      "Total number of tasks produced by the generator",
		}),
		tasksResumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_resumed_total",
			Help:      "Total number of tasks skipped because a checkpoint already exists",
		}),
		tasksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dispatched_total",
			Help:      "Total number of tasks handed to an executor",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_outcomes_total",
			Help:      "Checkpointed task outcomes by backend and status",
		}, []string{"backend", "status"}),
		aborts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aborts_total",
			Help:      "Total number of live runs stopped by the abort signal",
		}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Backend calls by backend and result",
		}, []string{"backend", "result"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Scheduled retries by backend and error kind",
		}, []string{"backend", "kind"}),
		callLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_latency_seconds",
			Help:      "Backend call latency in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"backend"}),
		tasksPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_pending",
			Help:      "Current number of tasks not yet dispatched",
		}),
		tasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_flight",
			Help:      "Current number of running backend calls",
		}),
		replayTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_replay_seconds",
			Help:      "Time taken to replay the checkpoint log on the last resume",
		}),
		batchPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_polls_total",
			Help:      "Batch job status polls by observed status",
		}, []string{"status"}),
	}

	reg.MustRegister(
		c.tasksGenerated,
		c.tasksResumed,
		c.tasksDispatched,
		c.outcomes,
		c.aborts,
		c.attempts,
		c.retries,
		c.callLatency,
		c.tasksPending,
		c.tasksInFlight,
		c.replayTime,
		c.batchPolls,
	)

	return c
}

// RecordGenerated records the size of the generated task set
func (c *Collector) RecordGenerated(n int) {
	if c == nil {
		return
	}
	c.tasksGenerated.Add(float64(n))
}

// RecordResumed records tasks excluded by existing checkpoints
func (c *Collector) RecordResumed(n int) {
	if c == nil {
		return
	}
	c.tasksResumed.Add(float64(n))
}

// RecordDispatch records one task handed to an executor
func (c *Collector) RecordDispatch() {
	if c == nil {
		return
	}
	c.tasksDispatched.Inc()
}

// RecordOutcome records one checkpointed outcome
func (c *Collector) RecordOutcome(backend string, status types.Status) {
	if c == nil {
		return
	}
	c.outcomes.WithLabelValues(backend, string(status)).Inc()
}

// RecordAbort records an aborted live run
func (c *Collector) RecordAbort() {
	if c == nil {
		return
	}
	c.aborts.Inc()
}

// AttemptFinished records one backend call. An empty kind is a success.
func (c *Collector) AttemptFinished(backend string, kind failure.Kind, elapsed time.Duration) {
	if c == nil {
		return
	}
	result := string(kind)
	if kind == "" {
		result = "ok"
	}
	c.attempts.WithLabelValues(backend, result).Inc()
	c.callLatency.WithLabelValues(backend).Observe(elapsed.Seconds())
}

// RetryScheduled records a retry
func (c *Collector) RetryScheduled(backend string, kind failure.Kind) {
	if c == nil {
		return
	}
	c.retries.WithLabelValues(backend, string(kind)).Inc()
}

// InFlight adjusts the in-flight gauge
func (c *Collector) InFlight(delta float64) {
	if c == nil {
		return
	}
	c.tasksInFlight.Add(delta)
}

// SetPending sets the pending gauge
func (c *Collector) SetPending(n int) {
	if c == nil {
		return
	}
	c.tasksPending.Set(float64(n))
}

// SetReplayTime records how long the checkpoint replay took
func (c *Collector) SetReplayTime(d time.Duration) {
	if c == nil {
		return
	}
	c.replayTime.Set(d.Seconds())
}

// RecordBatchPoll records one batch status poll
func (c *Collector) RecordBatchPoll(status string) {
	if c == nil {
		return
	}
	c.batchPolls.WithLabelValues(status).Inc()
}
