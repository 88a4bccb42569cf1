package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	require.NoError(t, m.Track("minting:reconcile").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("minting:reconcile").End(boom), boom)
	m.AddItems("minting:reconcile_sweep", "anchored", 3)
	m.AddItems("minting:reconcile_sweep", "anchored", 0)

	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("minting:reconcile", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("minting:reconcile", "failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("minting:reconcile")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.items.WithLabelValues("minting:reconcile_sweep", "anchored")))
}

func TestNilMetricsTrackerIsNoop(t *testing.T) {
	var m *Metrics
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("job").End(boom), boom)
	m.AddItems("job", "x", 1)
}
