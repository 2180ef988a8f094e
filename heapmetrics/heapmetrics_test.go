package heapmetrics

import (
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/hostv8"
)

func TestMain(m *testing.M) {
	hostv8.InitializePlatform(hostv8.NewDefaultPlatform(hostv8.PlatformOptions{}))
	hostv8.Initialize()
	code := m.Run()
	hostv8.Dispose()
	hostv8.DisposePlatform()
	os.Exit(code)
}

func gather(t *testing.T, c *Collector) map[string]*dto.MetricFamily {
	t.Helper()
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily)
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func TestObserveExportsGauges(t *testing.T) {
	iso := hostv8.NewIsolate(hostv8.CreateParams{})
	defer iso.Dispose()

	c := New()
	assert.Zero(t, testutil.CollectAndCount(c), "nothing sampled yet")

	c.Observe("main", iso)
	c.Observe("main", iso)
	families := gather(t, c)
	require.Len(t, families, len(gauges)+1)

	used := families["hostv8_heap_used_bytes"]
	require.NotNil(t, used)
	assert.Equal(t, dto.MetricType_GAUGE, used.GetType())
	require.Len(t, used.GetMetric(), 1)
	m := used.GetMetric()[0]
	assert.Equal(t, "isolate", m.GetLabel()[0].GetName())
	assert.Equal(t, "main", m.GetLabel()[0].GetValue())
	assert.Positive(t, m.GetGauge().GetValue())

	samples := families["hostv8_heap_samples_total"]
	require.NotNil(t, samples)
	assert.Equal(t, 2.0, samples.GetMetric()[0].GetCounter().GetValue())
}

func TestRemoveDropsSeries(t *testing.T) {
	iso := hostv8.NewIsolate(hostv8.CreateParams{})
	defer iso.Dispose()

	c := New()
	c.Observe("a", iso)
	c.Observe("b", iso)
	assert.Equal(t, 2*(len(gauges)+1), testutil.CollectAndCount(c))
	c.Remove("a")
	assert.Equal(t, len(gauges)+1, testutil.CollectAndCount(c))
	assert.Equal(t, 1, testutil.CollectAndCount(c, "hostv8_heap_limit_bytes"))
}

func TestScheduleSamplesOnMessageLoop(t *testing.T) {
	iso := hostv8.NewIsolate(hostv8.CreateParams{})
	defer iso.Dispose()

	c := New()
	c.Schedule("loop", iso, 10*time.Millisecond)
	assert.Zero(t, testutil.CollectAndCount(c), "sampling waits for the loop")

	require.True(t, hostv8.PumpMessageLoop(iso, false))
	require.True(t, hostv8.PumpMessageLoop(iso, true))
	families := gather(t, c)
	assert.Equal(t, 2.0, families["hostv8_heap_samples_total"].GetMetric()[0].GetCounter().GetValue())

	_, delayed, _ := iso.Handle().PendingTasks()
	assert.Equal(t, 1, delayed, "next sample is queued")
	c.Remove("loop")
	require.True(t, hostv8.PumpMessageLoop(iso, true))
	_, delayed, _ = iso.Handle().PendingTasks()
	assert.Zero(t, delayed, "stopped task does not repost")
	assert.Zero(t, testutil.CollectAndCount(c))
}

func TestLintClean(t *testing.T) {
	iso := hostv8.NewIsolate(hostv8.CreateParams{})
	defer iso.Dispose()
	c := New()
	c.Observe("lint", iso)
	problems, err := testutil.CollectAndLint(c)
	require.NoError(t, err)
	assert.Empty(t, problems)
}
