package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("labdaq", reg)

	m.Cycle(0.12, 3)
	m.Cycle(0.08, 0)
	m.Sent(2)
	m.Sent(0)
	m.Queue(7)
	m.Failed()
	m.Dropped()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Cycles))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PackagesProduced))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PackagesSent))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.DiscardedReads))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BoardFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RowsDropped))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.QueueLength))
	assert.Equal(t, 1, testutil.CollectAndCount(m.CycleDuration))

	n, err := testutil.GatherAndCount(reg, "labdaq_cycles_total", "labdaq_queue_length")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMetrics_Nil(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Cycle(1, 1)
		m.Sent(1)
		m.Queue(1)
		m.Failed()
		m.Dropped()
	})
}

func TestNew_Unregistered(t *testing.T) {
	m := New("x", nil)
	m.Sent(5)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.PackagesSent))
}
