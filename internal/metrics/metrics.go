// Package metrics exposes the storage engine's prometheus collectors. All
// recording methods are safe on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	objects        *prometheus.CounterVec
	objectBytes    *prometheus.CounterVec
	readFailures   *prometheus.CounterVec
	shards         *prometheus.CounterVec
	codingDuration *prometheus.HistogramVec
	verifications  *prometheus.CounterVec
	repairs        *prometheus.CounterVec
	repairTargets  *prometheus.CounterVec
	pendingTargets prometheus.Gauge
	peerRequests   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		objects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "svdb_objects_total",
			Help: "Objects stored or read, by operation.",
		}, []string{"op"}),
		objectBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "svdb_object_bytes_total",
			Help: "Object payload bytes stored or read, by operation.",
		}, []string{"op"}),
		readFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "svdb_read_failures_total",
			Help: "Object reads that failed, by reason.",
		}, []string{"reason"}),
		shards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "svdb_shards_total",
			Help: "Shard events seen by the object pipeline.",
		}, []string{"event"}),
		codingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "svdb_erasure_seconds",
			Help:    "Time spent in erasure encode and reconstruct.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "svdb_state_verifications_total",
			Help: "State root verifications, by outcome.",
		}, []string{"outcome"}),
		repairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "svdb_repair_runs_total",
			Help: "Auto-repair runs, by outcome.",
		}, []string{"outcome"}),
		repairTargets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "svdb_repair_targets_total",
			Help: "Repair targets processed, by kind and result.",
		}, []string{"kind", "result"}),
		pendingTargets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "svdb_repair_pending_targets",
			Help: "Repair targets waiting for a peer.",
		}),
		peerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "svdb_peer_requests_total",
			Help: "request_state calls to peers, by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.objects, m.objectBytes, m.readFailures, m.shards, m.codingDuration,
			m.verifications, m.repairs, m.repairTargets, m.pendingTargets, m.peerRequests,
		)
	}
	return m
}

func (m *Metrics) ObjectStored(bytes int) {
	if m == nil {
		return
	}
	m.objects.WithLabelValues("store").Inc()
	m.objectBytes.WithLabelValues("store").Add(float64(bytes))
}

func (m *Metrics) ObjectRead(bytes int) {
	if m == nil {
		return
	}
	m.objects.WithLabelValues("read").Inc()
	m.objectBytes.WithLabelValues("read").Add(float64(bytes))
}

func (m *Metrics) ReadFailed(reason string) {
	if m == nil {
		return
	}
	m.readFailures.WithLabelValues(reason).Inc()
}

// Shards counts n shard events: "missing", "corrupt", "reconstructed" or
// "repaired".
func (m *Metrics) Shards(event string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.shards.WithLabelValues(event).Add(float64(n))
}

func (m *Metrics) ObserveCoding(op string, since time.Time) {
	if m == nil {
		return
	}
	m.codingDuration.WithLabelValues(op).Observe(time.Since(since).Seconds())
}

func (m *Metrics) Verification(outcome string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Repair(outcome string) {
	if m == nil {
		return
	}
	m.repairs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RepairTarget(kind, result string) {
	if m == nil {
		return
	}
	m.repairTargets.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) PendingTargets(n int) {
	if m == nil {
		return
	}
	m.pendingTargets.Set(float64(n))
}

func (m *Metrics) PeerRequest(result string) {
	if m == nil {
		return
	}
	m.peerRequests.WithLabelValues(result).Inc()
}
