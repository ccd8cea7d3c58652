package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.JobCreated()
		m.JobFinished("completed")
		m.Admission(1, 2)
		m.ItemDone(OutcomeOK, time.Second)
		m.Subscribers(3)
		m.Delivery(false)
		m.Request("GET", "/x", "200", time.Millisecond)
	})
}

func TestCountersRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.JobCreated()
	m.JobCreated()
	m.JobFinished("failed")
	m.ItemDone(OutcomeTimeout, 0)
	m.Admission(5, 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobsCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsFinished.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.items.WithLabelValues(OutcomeTimeout)))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.jobsRunning))

	n, err := testutil.GatherAndCount(reg, prefix+"jobs_queued")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
