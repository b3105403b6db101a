package metrics

import (
	"testing"
	"time"

	"github.com/linchenxuan/pipc/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gathered(t *testing.T, r *PrometheusReporter, name string) (float64, bool) {
	t.Helper()
	mfs, err := r.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		m := mf.GetMetric()[0]
		if m.GetCounter() != nil {
			return m.GetCounter().GetValue(), true
		}
		return m.GetGauge().GetValue(), true
	}
	return 0, false
}

func TestPrometheusReporterAggregates(t *testing.T) {
	r, err := NewPrometheusReporter(&PrometheusReporterConfig{})
	require.NoError(t, err)
	defer r.Stop()

	c := &counter{name: NameChecksumErrorTotal, group: GroupPIPC}
	r.Report(NewRecord(c, 1, Dimension{DimSocket: "a"}))
	r.Report(NewRecord(c, 2, Dimension{DimSocket: "a"}))

	m := &gauge{name: NameQueueUsageMaxPercent, group: GroupPIPC, policy: Policy_Max}
	r.Report(NewRecord(m, 30, nil))
	r.Report(NewRecord(m, 10, nil))

	assert.Eventually(t, func() bool {
		v, ok := gathered(t, r, "pipc_checksum_error_total")
		return ok && v == 3
	}, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		v, ok := gathered(t, r, "pipc_queue_usage_max_percent")
		return ok && v == 30
	}, time.Second, 10*time.Millisecond)
}

func TestPrometheusFactoryThroughPluginManager(t *testing.T) {
	SetMetricsReporters(nil)
	defer SetMetricsReporters(nil)

	m := plugin.NewManager()
	m.RegisterFactory(&PrometheusFactory{})
	require.NoError(t, m.SetupPlugins(map[string]any{
		"metrics": map[string]any{
			"prometheus": map[string]any{
				"tag":        "default",
				"listenAddr": "127.0.0.1:0",
			},
		},
	}))

	p, err := m.GetDefaultPlugin(plugin.Metrics)
	require.NoError(t, err)
	r := p.(*PrometheusReporter)
	assert.NotNil(t, r.Addr())

	IncrCounterWithGroup(NameCriticalErrorTotal, GroupPIPC, 1)
	assert.Eventually(t, func() bool {
		v, ok := gathered(t, r, "pipc_critical_error_total")
		return ok && v == 1
	}, time.Second, 10*time.Millisecond)

	m.DestroyPlugins()
	assert.Empty(t, *_reporters.Load())
}

func TestPrometheusConfigValidate(t *testing.T) {
	cfg := &PrometheusReporterConfig{PushAddr: "http://gw:9091"}
	assert.Error(t, cfg.Validate())
	cfg.PushJobName = "pipcd"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 15, cfg.PushIntervalSec)
	assert.Equal(t, "/metrics", cfg.MetricPath)
}
