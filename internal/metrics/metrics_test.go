package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return NewCollectorWith(prometheus.NewRegistry())
}

func TestNewCollector(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector := NewCollector()

	require.NotNil(t, collector)
	assert.NotNil(t, collector.actorJobs)
	assert.NotNil(t, collector.commandsApplied)
	assert.NotNil(t, collector.taskBatchSize)
	assert.NotNil(t, collector.distributionTargets)
	assert.NotNil(t, collector.recoveryTime)
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.RecordActorSlice("high", 1, 0.1)
		c.RecordActorJobFailure("a")
		c.RecordApplied(1, "command")
		c.RecordProcessingFailure(1, "fatal")
		c.RecordCallbacksFired(1, 3)
		c.RecordTaskRun(1, "sweep", 2)
		c.RecordCursorReset(1, "sweep")
		c.UpdateDistributionTargets(1, 1, 2, 3)
		c.RecordDistributionCompleted(1)
		c.RecordDistributionFailed(1)
		c.RecordDistributionRetry(1)
		c.RecordDistributionDuplicate(1)
		c.SetRecoveryTime(1, 0.5)
	})
}

func TestDistributionTargetsGauge(t *testing.T) {
	c := newTestCollector(t)

	c.UpdateDistributionTargets(2, 4, 1, 7)

	assert.Equal(t, 4.0, testutil.ToFloat64(c.distributionTargets.WithLabelValues("2", "pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.distributionTargets.WithLabelValues("2", "inflight")))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.distributionTargets.WithLabelValues("2", "acknowledged")))
}

func TestCounters(t *testing.T) {
	c := newTestCollector(t)

	c.RecordApplied(1, "command")
	c.RecordApplied(1, "command")
	c.RecordApplied(1, "query")
	c.RecordCursorReset(1, "ttl")
	c.RecordDistributionRetry(3)
	c.RecordDistributionRetry(3)
	c.RecordCallbacksFired(1, 0)
	c.RecordActorSlice("low", 5, 0.25)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.commandsApplied.WithLabelValues("1", "command")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.commandsApplied.WithLabelValues("1", "query")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.taskCursorResets.WithLabelValues("1", "ttl")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.distributionRetries.WithLabelValues("3")))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.actorJobs.WithLabelValues("low")))
	assert.Equal(t, 0.25, testutil.ToFloat64(c.actorRuntime.WithLabelValues("low")))
}

func TestTaskRunObservesBatchSize(t *testing.T) {
	c := newTestCollector(t)

	c.RecordTaskRun(1, "sweep", 2)
	c.RecordTaskRun(1, "sweep", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.taskRuns.WithLabelValues("1", "sweep")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.taskBatchSize))
}
