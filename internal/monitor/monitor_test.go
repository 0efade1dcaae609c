package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overwatch/internal/events"
)

func TestMonitorForwardsAlerts(t *testing.T) {
	bus := events.NewBus()
	got := make(chan string, 1)
	m := &Monitor{Bus: bus, AlertFn: func(s string) { got <- s }}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	bus.Publish(events.AlertTopic, Alert{BotID: 3, BotName: "alpha", Title: "api", Message: "timeout", Time: time.Unix(0, 0).UTC()})

	select {
	case s := <-got:
		assert.Contains(t, s, "bot alpha (3): api: timeout")
	case <-time.After(time.Second):
		t.Fatal("alert not forwarded")
	}
}

func TestLatencyHistogramStats(t *testing.T) {
	h := NewLatencyHistogram(3)
	for _, v := range []float64{5, 1, 3, 7} {
		h.Record(v)
	}
	s := h.Stats()
	assert.Equal(t, 3, s.Count)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 7.0, s.Max)
}

func TestSnapshotCopiesPending(t *testing.T) {
	m := NewSystemMetrics()
	m.SetPending("trade", 4)
	m.IncrementIngested()
	snap := m.GetSnapshot()
	assert.Equal(t, 4, snap.Pending["trade"])
	assert.Equal(t, uint64(1), snap.RecordsIngested)
}

func TestPromMetricsUseOwnRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPromMetrics(reg)
	p.ObserveOracle("ok", 10*time.Millisecond)
	p.PushesTotal.WithLabelValues("trade", "ok").Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(p.OracleRequests.WithLabelValues("ok")))

	// a second set on another registry must not collide
	require.NotPanics(t, func() { NewPromMetrics(prometheus.NewRegistry()) })
}
