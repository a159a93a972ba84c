package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersRegisterAndRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObjectStored(100)
	m.ObjectStored(50)
	m.Shards("missing", 2)
	m.Shards("missing", 0)
	m.Verification("drift")
	m.PendingTargets(3)
	m.ObserveCoding("encode", time.Now())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.objects.WithLabelValues("store")))
	assert.Equal(t, 150.0, testutil.ToFloat64(m.objectBytes.WithLabelValues("store")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.shards.WithLabelValues("missing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.verifications.WithLabelValues("drift")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.pendingTargets))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObjectRead(1)
		m.ReadFailed("x")
		m.Repair("ok")
		m.RepairTarget("shard", "ok")
		m.PeerRequest("ok")
	})
}
