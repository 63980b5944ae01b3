// Package txnmetrics exposes prometheus counters and histograms for the
// transaction core, following the shape of the teacher's pkg/metrics:
// package-level *Vec variables registered in init, plus a Timer helper.
package txnmetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txncore_attempts_total",
			Help: "Total number of attempts by outcome",
		},
		[]string{"outcome"},
	)

	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txncore_transactions_total",
			Help: "Total number of transactions by outcome",
		},
		[]string{"outcome"},
	)

	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "txncore_commit_duration_seconds",
			Help:    "Time taken to commit an attempt",
			Buckets: prometheus.DefBuckets,
		},
	)

	RollbackDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "txncore_rollback_duration_seconds",
			Help:    "Time taken to roll back an attempt",
			Buckets: prometheus.DefBuckets,
		},
	)

	ATRCleanupTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txncore_atr_cleanup_total",
			Help: "Total number of ATR entries processed by the lost-attempts cleaner, by result",
		},
		[]string{"result"},
	)

	ObserveSeqnoPollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "txncore_observe_seqno_poll_duration_seconds",
			Help:    "Time taken for a durability poll to resolve",
			Buckets: prometheus.DefBuckets,
		},
	)

	ObserveSeqnoRounds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "txncore_observe_seqno_rounds",
			Help:    "Number of polling rounds before a durability check resolved",
			Buckets: []float64{1, 2, 3, 5, 8, 13},
		},
	)

	MultigetReadSkewRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "txncore_multiget_readskew_restarts_total",
			Help: "Total number of get-multi restarts due to unresolved read skew",
		},
	)

	MultigetFetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "txncore_multiget_fetch_duration_seconds",
			Help:    "Time taken for a complete get-multi call",
			Buckets: prometheus.DefBuckets,
		},
	)

	ClientRecordHeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "txncore_client_record_heartbeats_total",
			Help: "Total number of client record heartbeat upserts",
		},
	)

	ModeArbiterTransitionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "txncore_mode_arbiter_transitions_total",
			Help: "Total number of KV-to-QUERY mode transitions",
		},
	)
)

func init() {
	prometheus.MustRegister(
		AttemptsTotal,
		TransactionsTotal,
		CommitDuration,
		RollbackDuration,
		ATRCleanupTotal,
		ObserveSeqnoPollDuration,
		ObserveSeqnoRounds,
		MultigetReadSkewRestartsTotal,
		MultigetFetchDuration,
		ClientRecordHeartbeatsTotal,
		ModeArbiterTransitionsTotal,
	)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation and records its duration to a histogram.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration { return time.Since(t.start) }
