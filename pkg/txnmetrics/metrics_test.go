package txnmetrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/veloxdb/txncore/pkg/txnmetrics"
)

func TestTimerObserveDuration(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_histogram_timer"})
	timer := txnmetrics.NewTimer()
	time.Sleep(time.Millisecond)
	timer.ObserveDuration(h)

	var m dto.Metric
	require.NoError(t, h.Write(&m))
	require.EqualValues(t, 1, m.GetHistogram().GetSampleCount())
}

func TestAttemptsTotalCounterVecIncrements(t *testing.T) {
	txnmetrics.AttemptsTotal.WithLabelValues("committed").Inc()
	value := testutilCounterValue(t, txnmetrics.AttemptsTotal.WithLabelValues("committed"))
	require.GreaterOrEqual(t, value, float64(1))
}

func testutilCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}
