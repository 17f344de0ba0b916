package metrics

import (
	"testing"
	"time"

	"github.com/glimte/mchat-go/messaging"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		byName[mf.GetName()] = mf
	}
	return byName
}

func labelsOf(m *dto.Metric) map[string]string {
	out := make(map[string]string)
	for _, lp := range m.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}

func counterValue(t *testing.T, mf *dto.MetricFamily, labels map[string]string) float64 {
	t.Helper()
	require.NotNil(t, mf)
	for _, m := range mf.GetMetric() {
		if assert.ObjectsAreEqual(labels, labelsOf(m)) {
			return m.GetCounter().GetValue()
		}
	}
	t.Fatalf("no %s sample with labels %v", mf.GetName(), labels)
	return 0
}

func TestCollector(t *testing.T) {
	t.Run("registers every metric", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		c, err := NewCollector(reg)
		require.NoError(t, err)

		c.RecordRequest("echo", messaging.OutcomeSuccess, 20*time.Millisecond)
		c.RecordDispatch(messaging.RouteInbox)
		c.SetPending(3)
		c.RecordConnection(messaging.ConnectionConnected)

		families := gather(t, reg)
		for _, name := range []string{
			"mchat_requests_total",
			"mchat_request_duration_seconds",
			"mchat_pending_requests",
			"mchat_dispatched_messages_total",
			"mchat_connection_events_total",
		} {
			assert.Contains(t, families, name)
		}
	})

	t.Run("double registration fails", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		_, err := NewCollector(reg)
		require.NoError(t, err)

		_, err = NewCollector(reg)
		assert.Error(t, err)
	})

	t.Run("counts requests by action and outcome", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		c, err := NewCollector(reg)
		require.NoError(t, err)

		c.RecordRequest("echo", messaging.OutcomeSuccess, time.Millisecond)
		c.RecordRequest("echo", messaging.OutcomeSuccess, time.Millisecond)
		c.RecordRequest("echo", messaging.OutcomeTimeout, time.Second)

		families := gather(t, reg)
		mf := families["mchat_requests_total"]
		assert.Equal(t, 2.0, counterValue(t, mf, map[string]string{"action": "echo", "outcome": "success"}))
		assert.Equal(t, 1.0, counterValue(t, mf, map[string]string{"action": "echo", "outcome": "timeout"}))

		hist := families["mchat_request_duration_seconds"].GetMetric()[0].GetHistogram()
		assert.Equal(t, uint64(3), hist.GetSampleCount())
		assert.InDelta(t, 1.002, hist.GetSampleSum(), 0.0001)
	})

	t.Run("tracks routes pending and connection events", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		c, err := NewCollector(reg)
		require.NoError(t, err)

		c.RecordDispatch(messaging.RouteResponse)
		c.RecordDispatch(messaging.RouteDropped)
		c.RecordDispatch(messaging.RouteDropped)
		c.SetPending(5)
		c.SetPending(2)
		c.RecordConnection(messaging.ConnectionLost)

		families := gather(t, reg)
		assert.Equal(t, 1.0, counterValue(t, families["mchat_dispatched_messages_total"], map[string]string{"route": "response"}))
		assert.Equal(t, 2.0, counterValue(t, families["mchat_dispatched_messages_total"], map[string]string{"route": "dropped"}))
		assert.Equal(t, 1.0, counterValue(t, families["mchat_connection_events_total"], map[string]string{"event": "lost"}))
		assert.Equal(t, 2.0, families["mchat_pending_requests"].GetMetric()[0].GetGauge().GetValue())
	})
}

func TestSimpleCollector(t *testing.T) {
	t.Run("starts empty", func(t *testing.T) {
		s := NewSimpleCollector().Summary()
		assert.Empty(t, s.Requests)
		assert.Empty(t, s.Latency)
		assert.Empty(t, s.Routes)
		assert.Empty(t, s.ConnectionEvents)
		assert.Zero(t, s.Pending)
	})

	t.Run("tracks latency per action", func(t *testing.T) {
		c := NewSimpleCollector()
		c.RecordRequest("echo", messaging.OutcomeSuccess, 100*time.Millisecond)
		c.RecordRequest("echo", messaging.OutcomeSuccess, 200*time.Millisecond)
		c.RecordRequest("echo", messaging.OutcomeRemoteError, 150*time.Millisecond)

		s := c.Summary()
		assert.Equal(t, int64(2), s.Requests["echo"][messaging.OutcomeSuccess])
		assert.Equal(t, int64(1), s.Requests["echo"][messaging.OutcomeRemoteError])

		l := s.Latency["echo"]
		assert.Equal(t, int64(3), l.Count)
		assert.Equal(t, int64(150), l.AvgMs)
		assert.Equal(t, int64(100), l.MinMs)
		assert.Equal(t, int64(200), l.MaxMs)
	})

	t.Run("computes percentiles", func(t *testing.T) {
		c := NewSimpleCollector()
		for i := 10; i >= 1; i-- {
			c.RecordRequest("echo", messaging.OutcomeSuccess, time.Duration(i*10)*time.Millisecond)
		}

		l := c.Summary().Latency["echo"]
		assert.Equal(t, int64(50), l.P50Ms)
		assert.Equal(t, int64(90), l.P95Ms)
		assert.Equal(t, int64(90), l.P99Ms)
	})

	t.Run("keeps a bounded sample window", func(t *testing.T) {
		c := NewSimpleCollector()
		for i := 0; i < maxSamples+50; i++ {
			c.RecordRequest("echo", messaging.OutcomeSuccess, time.Millisecond)
		}
		assert.Len(t, c.durations["echo"].samples, maxSamples)
		assert.Equal(t, int64(maxSamples+50), c.Summary().Latency["echo"].Count)
	})

	t.Run("summary is a copy", func(t *testing.T) {
		c := NewSimpleCollector()
		c.RecordDispatch(messaging.RouteGroup)
		s := c.Summary()
		s.Routes["group"] = 99

		assert.Equal(t, int64(1), c.Summary().Routes["group"])
	})

	t.Run("reset clears everything", func(t *testing.T) {
		c := NewSimpleCollector()
		c.RecordConnection(messaging.ConnectionConnected)
		c.SetPending(4)
		c.Reset()

		s := c.Summary()
		assert.Empty(t, s.ConnectionEvents)
		assert.Zero(t, s.Pending)
	})
}
