package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSummarize(t *testing.T) {
	var ds []time.Duration
	for i := 100; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}

	s := Summarize(ds)
	assert.Equal(t, 100, s.N)
	assert.Equal(t, 50500*time.Microsecond, s.Avg)
	assert.Equal(t, 51*time.Millisecond, s.P50)
	assert.Equal(t, 95*time.Millisecond, s.P95)
	assert.Equal(t, 99*time.Millisecond, s.P99)
	assert.Equal(t, 100*time.Millisecond, s.Max)
}

func TestSummarizeEdges(t *testing.T) {
	assert.Equal(t, Summary{}, Summarize(nil))

	s := Summarize([]time.Duration{time.Second})
	assert.Equal(t, time.Second, s.P50)
	assert.Equal(t, time.Second, s.P99)
}

func TestCollectorCounts(t *testing.T) {
	c := NewCollector()
	c.AddConnect(time.Millisecond)
	c.AddConnect(2 * time.Millisecond)
	c.AddSent()
	c.AddSent()
	c.AddRelayLatency(time.Millisecond)
	c.AddError()

	assert.Equal(t, 2, c.ConnectionCount())
	assert.Equal(t, 1, c.ErrorCount())
	sent, received := c.Delivered()
	assert.Equal(t, 2, sent)
	assert.Equal(t, 1, received)
}

func TestParseMetricLine(t *testing.T) {
	tests := []struct {
		line  string
		name  string
		value float64
		ok    bool
	}{
		{"relaychat_connections 12", "relaychat_connections", 12, true},
		{`relaychat_messages_total{outcome="delivered"} 7`, "relaychat_messages_total", 7, true},
		{"relaychat_relay_latency_seconds_sum 0.25", "relaychat_relay_latency_seconds_sum", 0.25, true},
		{"garbage", "", 0, false},
		{`broken{label="x" 1`, "", 0, false},
		{"name notanumber", "", 0, false},
	}

	for _, tt := range tests {
		name, value, ok := parseMetricLine(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		if tt.ok {
			assert.Equal(t, tt.name, name)
			assert.InDelta(t, tt.value, value, 1e-9)
		}
	}
}
