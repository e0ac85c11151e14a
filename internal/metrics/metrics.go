// ============================================================================
// Beaver-Engine Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: the only observability surface the execution core exposes.
//
// Metric groups:
//
//   1. Actor scheduler
//      - engine_actor_jobs_total{priority}            jobs executed
//      - engine_actor_runtime_seconds_total{priority} worker time consumed
//      - engine_actor_job_failures_total{actor}       panics caught in jobs
//
//   2. Command executor
//      - engine_commands_applied_total{partition,kind}
//      - engine_processing_failures_total{partition,class}
//      - engine_callbacks_fired_total{partition}
//
//   3. Scheduled tasks
//      - engine_scheduled_task_runs_total{partition,task}
//      - engine_scheduled_task_batch_size{partition,task}
//      - engine_scheduled_task_cursor_resets_total{partition,task}
//
//   4. Command distribution
//      - engine_distribution_targets{partition,state}  pending/inflight/acknowledged
//      - engine_distribution_completed_total{partition}
//      - engine_distribution_failed_total{partition}
//      - engine_distribution_retries_total{partition}
//      - engine_distribution_duplicates_total{partition}
//
//   5. Recovery
//      - engine_recovery_time_seconds{partition}
//
// All methods are safe on a nil *Collector so components can run without
// metrics in tests.
//
// ============================================================================

package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector Prometheus 指標收集器
type Collector struct {
	actorJobs        *prometheus.CounterVec
	actorRuntime     *prometheus.CounterVec
	actorJobFailures *prometheus.CounterVec

	commandsApplied    *prometheus.CounterVec
	processingFailures *prometheus.CounterVec
	callbacksFired     *prometheus.CounterVec

	taskRuns         *prometheus.CounterVec
	taskBatchSize    *prometheus.HistogramVec
	taskCursorResets *prometheus.CounterVec

	distributionTargets    *prometheus.GaugeVec
	distributionCompleted  *prometheus.CounterVec
	distributionFailed     *prometheus.CounterVec
	distributionRetries    *prometheus.CounterVec
	distributionDuplicates *prometheus.CounterVec

	recoveryTime *prometheus.GaugeVec
}

// NewCollector creates a collector registered with prometheus.DefaultRegisterer.
func NewCollector() *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer)
}

// NewCollectorWith creates a collector registered with reg.
func NewCollectorWith(reg prometheus.Registerer) *Collector {
	c := &Collector{
		actorJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_actor_jobs_total",
			Help: "Total number of actor jobs executed",
		}, []string{"priority"}),
		actorRuntime: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_actor_runtime_seconds_total",
			Help: "Worker time consumed per priority class",
		}, []string{"priority"}),
		actorJobFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_actor_job_failures_total",
			Help: "Jobs that panicked, per actor",
		}, []string{"actor"}),
		commandsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_commands_applied_total",
			Help: "Commands and queries applied by the executor",
		}, []string{"partition", "kind"}),
		processingFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_processing_failures_total",
			Help: "Handler failures by classification",
		}, []string{"partition", "class"}),
		callbacksFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_callbacks_fired_total",
			Help: "Scheduled callbacks fired by the logical clock",
		}, []string{"partition"}),
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_scheduled_task_runs_total",
			Help: "Scheduled task invocations",
		}, []string{"partition", "task"}),
		taskBatchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engine_scheduled_task_batch_size",
			Help:    "Number of follow-up commands emitted per scheduled task run",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"partition", "task"}),
		taskCursorResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_scheduled_task_cursor_resets_total",
			Help: "Full scan passes completed by scheduled tasks",
		}, []string{"partition", "task"}),
		distributionTargets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_distribution_targets",
			Help: "Distribution targets per delivery state",
		}, []string{"partition", "state"}),
		distributionCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_distribution_completed_total",
			Help: "Distributions acknowledged by every target",
		}, []string{"partition"}),
		distributionFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_distribution_failed_total",
			Help: "Distributions that exhausted their retry budget",
		}, []string{"partition"}),
		distributionRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_distribution_retries_total",
			Help: "Delivery attempts reverted to pending after a failure or timeout",
		}, []string{"partition"}),
		distributionDuplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_distribution_duplicates_total",
			Help: "Redelivered distributions ignored by the receiver",
		}, []string{"partition"}),
		recoveryTime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_recovery_time_seconds",
			Help: "Time taken to restore a partition from snapshot and log",
		}, []string{"partition"}),
	}

	reg.MustRegister(
		c.actorJobs,
		c.actorRuntime,
		c.actorJobFailures,
		c.commandsApplied,
		c.processingFailures,
		c.callbacksFired,
		c.taskRuns,
		c.taskBatchSize,
		c.taskCursorResets,
		c.distributionTargets,
		c.distributionCompleted,
		c.distributionFailed,
		c.distributionRetries,
		c.distributionDuplicates,
		c.recoveryTime,
	)
	return c
}

func partitionLabel(partition int) string {
	return strconv.Itoa(partition)
}

// RecordActorSlice 記錄一次 worker 時間片
func (c *Collector) RecordActorSlice(priority string, jobs int, seconds float64) {
	if c == nil {
		return
	}
	c.actorJobs.WithLabelValues(priority).Add(float64(jobs))
	c.actorRuntime.WithLabelValues(priority).Add(seconds)
}

// RecordActorJobFailure 記錄 actor job panic
func (c *Collector) RecordActorJobFailure(actor string) {
	if c == nil {
		return
	}
	c.actorJobFailures.WithLabelValues(actor).Inc()
}

// RecordApplied counts an executor invocation.
func (c *Collector) RecordApplied(partition int, kind string) {
	if c == nil {
		return
	}
	c.commandsApplied.WithLabelValues(partitionLabel(partition), kind).Inc()
}

// RecordProcessingFailure counts a handler failure.
func (c *Collector) RecordProcessingFailure(partition int, class string) {
	if c == nil {
		return
	}
	c.processingFailures.WithLabelValues(partitionLabel(partition), class).Inc()
}

// RecordCallbacksFired counts callbacks fired during one tick.
func (c *Collector) RecordCallbacksFired(partition, n int) {
	if c == nil || n == 0 {
		return
	}
	c.callbacksFired.WithLabelValues(partitionLabel(partition)).Add(float64(n))
}

// RecordTaskRun records one scheduled task invocation and its batch size.
func (c *Collector) RecordTaskRun(partition int, task string, batchSize int) {
	if c == nil {
		return
	}
	p := partitionLabel(partition)
	c.taskRuns.WithLabelValues(p, task).Inc()
	c.taskBatchSize.WithLabelValues(p, task).Observe(float64(batchSize))
}

// RecordCursorReset records a completed scan pass.
func (c *Collector) RecordCursorReset(partition int, task string) {
	if c == nil {
		return
	}
	c.taskCursorResets.WithLabelValues(partitionLabel(partition), task).Inc()
}

// UpdateDistributionTargets 更新分發目標狀態統計
func (c *Collector) UpdateDistributionTargets(partition, pending, inflight, acknowledged int) {
	if c == nil {
		return
	}
	p := partitionLabel(partition)
	c.distributionTargets.WithLabelValues(p, "pending").Set(float64(pending))
	c.distributionTargets.WithLabelValues(p, "inflight").Set(float64(inflight))
	c.distributionTargets.WithLabelValues(p, "acknowledged").Set(float64(acknowledged))
}

// RecordDistributionCompleted counts a completed distribution.
func (c *Collector) RecordDistributionCompleted(partition int) {
	if c == nil {
		return
	}
	c.distributionCompleted.WithLabelValues(partitionLabel(partition)).Inc()
}

// RecordDistributionFailed counts a distribution past its retry ceiling.
func (c *Collector) RecordDistributionFailed(partition int) {
	if c == nil {
		return
	}
	c.distributionFailed.WithLabelValues(partitionLabel(partition)).Inc()
}

// RecordDistributionRetry counts a reverted delivery attempt.
func (c *Collector) RecordDistributionRetry(partition int) {
	if c == nil {
		return
	}
	c.distributionRetries.WithLabelValues(partitionLabel(partition)).Inc()
}

// RecordDistributionDuplicate counts an ignored redelivery.
func (c *Collector) RecordDistributionDuplicate(partition int) {
	if c == nil {
		return
	}
	c.distributionDuplicates.WithLabelValues(partitionLabel(partition)).Inc()
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(partition int, seconds float64) {
	if c == nil {
		return
	}
	c.recoveryTime.WithLabelValues(partitionLabel(partition)).Set(seconds)
}
