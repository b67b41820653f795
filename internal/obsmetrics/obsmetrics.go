// Package obsmetrics exposes a node's operational counters and
// histograms as a Prometheus-text scrape endpoint.
package obsmetrics

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
)

// Metrics holds every gauge this node reports. The zero value is not
// usable; build one with New.
type Metrics struct {
	set             *metrics.Set
	fingerTableSize atomic.Uint64

	LookupRequestsTotal struct {
		Local   *metrics.Counter
		Forward *metrics.Counter
		Timeout *metrics.Counter
	}
	LookupDurationSeconds *metrics.Histogram

	DispatchTotal struct {
		UpdatePredecessor *metrics.Counter
		StabilizeRequest  *metrics.Counter
		StabilizeResponse *metrics.Counter
		SuccessorQuery    *metrics.Counter
		FingerQuery       *metrics.Counter
		FingerResponse    *metrics.Counter
		ChordMapQuery     *metrics.Counter
		ChordMapResponse  *metrics.Counter
		Unknown           *metrics.Counter
	}

	StabilizeRoundsTotal   *metrics.Counter
	FingerFixesTotal       *metrics.Counter
	RetransmitsTotal       *metrics.Counter
	PredecessorChangeTotal *metrics.Counter
	FingerTableSize        *metrics.Gauge
}

var (
	once    sync.Once
	current *Metrics
)

// New builds a Metrics instance registered in its own set, so multiple
// nodes in the same process (as in tests or the harness) don't collide
// on the global default registry.
func New() *Metrics {
	m := &Metrics{set: metrics.NewSet()}

	m.LookupRequestsTotal.Local = m.set.NewCounter(`chordring_lookup_requests_total{result="local"}`)
	m.LookupRequestsTotal.Forward = m.set.NewCounter(`chordring_lookup_requests_total{result="forward"}`)
	m.LookupRequestsTotal.Timeout = m.set.NewCounter(`chordring_lookup_requests_total{result="timeout"}`)
	m.LookupDurationSeconds = m.set.NewHistogram(`chordring_lookup_duration_seconds`)

	m.DispatchTotal.UpdatePredecessor = m.set.NewCounter(`chordring_dispatch_total{type="update_predecessor"}`)
	m.DispatchTotal.StabilizeRequest = m.set.NewCounter(`chordring_dispatch_total{type="stabilize_request"}`)
	m.DispatchTotal.StabilizeResponse = m.set.NewCounter(`chordring_dispatch_total{type="stabilize_response"}`)
	m.DispatchTotal.SuccessorQuery = m.set.NewCounter(`chordring_dispatch_total{type="successor_query"}`)
	m.DispatchTotal.FingerQuery = m.set.NewCounter(`chordring_dispatch_total{type="finger_query"}`)
	m.DispatchTotal.FingerResponse = m.set.NewCounter(`chordring_dispatch_total{type="finger_response"}`)
	m.DispatchTotal.ChordMapQuery = m.set.NewCounter(`chordring_dispatch_total{type="chord_map_query"}`)
	m.DispatchTotal.ChordMapResponse = m.set.NewCounter(`chordring_dispatch_total{type="chord_map_response"}`)
	m.DispatchTotal.Unknown = m.set.NewCounter(`chordring_dispatch_total{type="unknown"}`)

	m.StabilizeRoundsTotal = m.set.NewCounter(`chordring_stabilize_rounds_total`)
	m.FingerFixesTotal = m.set.NewCounter(`chordring_finger_fixes_total`)
	m.RetransmitsTotal = m.set.NewCounter(`chordring_retransmits_total`)
	m.PredecessorChangeTotal = m.set.NewCounter(`chordring_predecessor_change_total`)
	m.FingerTableSize = m.set.NewGauge(`chordring_finger_table_size`, func() float64 {
		return float64(m.fingerTableSize.Load())
	})

	return m
}

// SetFingerTableSize records the engine's current finger table entry
// count for the FingerTableSize gauge to report on its next scrape.
func (m *Metrics) SetFingerTableSize(n int) {
	m.fingerTableSize.Store(uint64(n))
}

// Default returns a process-wide Metrics instance, building it on first
// use. Command entry points that want per-node isolation should call New
// directly instead.
func Default() *Metrics {
	once.Do(func() { current = New() })
	return current
}

// WritePrometheus renders every registered metric in Prometheus text
// exposition format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}
