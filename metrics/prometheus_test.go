package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatheredValue sums the samples of family name whose labels contain want.
func gatheredValue(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) (float64, bool) {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			match := true
			for k, v := range want {
				if labels[k] != v {
					match = false
				}
			}
			if !match {
				continue
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue(), true
			}
			if g := m.GetGauge(); g != nil {
				return g.GetValue(), true
			}
		}
	}
	return 0, false
}

func newTestReporter(t *testing.T, cfg *PrometheusReporterConfig) *PrometheusReporter {
	t.Helper()
	p, err := NewPrometheusReporter(cfg)
	require.NoError(t, err)
	t.Cleanup(p.Stop)
	return p
}

func TestPrometheusCounterAndAvg(t *testing.T) {
	p := newTestReporter(t, &PrometheusReporterConfig{ExtLabels: map[string]string{"node": "n1"}})

	sent := &counter{name: NamePacketSentTotal, group: GroupConduit}
	p.Report(NewRecord(sent, 2, Dimension{DimPhase: "play"}))
	p.Report(NewRecord(sent, 3, Dimension{DimPhase: "play"}))
	p.Report(NewRecord(sent, 7, Dimension{DimPhase: "login"}))

	ratio := &gauge{name: NameCompressRatioAvg, group: GroupConduit, policy: Policy_Avg}
	p.Report(NewRecord(ratio, 0.2, nil))
	p.Report(NewRecord(ratio, 0.6, nil))

	assert.Eventually(t, func() bool {
		v, ok := gatheredValue(t, p.Registry(), "conduit_packet_sent_total", map[string]string{DimPhase: "play", "node": "n1"})
		return ok && v == 5
	}, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		v, ok := gatheredValue(t, p.Registry(), "conduit_packet_sent_total", map[string]string{DimPhase: "login"})
		return ok && v == 7
	}, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		v, ok := gatheredValue(t, p.Registry(), "conduit_compress_ratio_avg", nil)
		return ok && v > 0.39 && v < 0.41
	}, time.Second, 10*time.Millisecond)
}

func TestPrometheusMaxGauge(t *testing.T) {
	p := newTestReporter(t, nil)

	size := &gauge{name: NameFrameSizeMaxKB, group: GroupConduit, policy: Policy_Max}
	p.Report(NewRecord(size, 3, nil))
	p.Report(NewRecord(size, 9, nil))
	p.Report(NewRecord(size, 1, nil))

	assert.Eventually(t, func() bool {
		v, ok := gatheredValue(t, p.Registry(), "conduit_frame_size_max_KB", nil)
		return ok && v == 9
	}, time.Second, 10*time.Millisecond)

	n, err := testutil.GatherAndCount(p.Registry(), "conduit_frame_size_max_KB")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "one series without dimensions")
}

func TestPrometheusHTTPExporter(t *testing.T) {
	p := newTestReporter(t, &PrometheusReporterConfig{
		HTTPListenAddr: "127.0.0.1:0",
		EnableHealth:   true,
	})
	require.NotNil(t, p.Addr())

	p.Report(NewRecord(&counter{name: NameSpamKickTotal, group: GroupConduit}, 1, nil))
	assert.Eventually(t, func() bool {
		_, ok := gatheredValue(t, p.Registry(), "conduit_spam_kick_total", nil)
		return ok
	}, time.Second, 10*time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", p.Addr()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(fmt.Sprintf("http://%s/health", p.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
}
