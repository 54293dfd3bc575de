package dedupe

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for relay_coalesce_requests_total.
const (
	OutcomeBypass      = "bypass"       // not eligible, processed normally
	OutcomeMiss        = "miss"         // first of its key, executed
	OutcomeHit         = "hit"          // replayed a completed entry immediately
	OutcomeWaitHit     = "wait_hit"     // waited on an in-flight original, then replayed
	OutcomeWaitTimeout = "wait_timeout" // gave up waiting, re-checked the table
	OutcomeAbandoned   = "abandoned"    // original closed before producing a body
	OutcomeEvicted     = "evicted"      // reaper removed an entry
)

// Metrics records coalescing activity. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	requests    *prometheus.CounterVec
	waitSeconds prometheus.Histogram
}

// NewMetrics registers the coalescing collectors on reg. The entry gauge
// reads table.Len at scrape time.
func NewMetrics(reg prometheus.Registerer, table *Table) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_coalesce_requests_total",
				Help: "Requests seen by the coalescing middleware, by outcome",
			},
			[]string{"outcome"},
		),
		waitSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relay_coalesce_wait_seconds",
				Help:    "Time duplicates spent waiting on an in-flight original",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "relay_coalesce_entries",
			Help: "Entries currently held in the coalescing table",
		},
		func() float64 { return float64(table.Len()) },
	)
	return m
}

// Record counts one outcome.
func (m *Metrics) Record(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

// ObserveWait records how long a duplicate blocked.
func (m *Metrics) ObserveWait(d time.Duration) {
	if m == nil {
		return
	}
	m.waitSeconds.Observe(d.Seconds())
}
