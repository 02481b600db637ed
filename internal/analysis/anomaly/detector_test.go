package anomaly

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/moolen/sentinel/internal/config"
	"github.com/moolen/sentinel/internal/gateway/prom"
	"github.com/moolen/sentinel/internal/gateway/prom/promtest"
	"github.com/moolen/sentinel/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig(defs ...config.MetricConfig) config.DetectionConfig {
	return config.DetectionConfig{Window: 15 * time.Minute, Step: time.Minute, MinSamples: 3, Metrics: defs}
}

func staticDef(name, cat, query, agg string, warn, crit float64) config.MetricConfig {
	return config.MetricConfig{Name: name, Category: cat, Query: query, Mode: config.ModeStatic,
		Aggregation: agg, Warning: warn, Critical: crit, ResourceLabel: "pod"}
}

func newDetector(gw prom.Gateway, cfg config.DetectionConfig) *Detector {
	d := NewDetector(gw, cfg)
	d.now = func() time.Time { return now }
	return d
}

func TestStaticThresholds(t *testing.T) {
	gw := promtest.New().Set("cpu_metric",
		promtest.Series(promtest.PodLabels("prod", "api-1"), now, time.Minute, 10, 20, 85),
		promtest.Series(promtest.PodLabels("prod", "api-2"), now, time.Minute, 10, 20, 95),
		promtest.Series(promtest.PodLabels("prod", "api-3"), now, time.Minute, 10, 20, 79.9),
	)
	d := newDetector(gw, testConfig(staticDef("cpu", "cpu", "cpu_metric{$selector}", config.AggregationLatest, 80, 95)))

	report := d.Detect(context.Background(), "pass-1", models.Scope{Namespace: "prod"})
	cpu, ok := report.Category(models.CategoryCPU)
	require.True(t, ok)
	require.True(t, cpu.Available)
	require.Len(t, cpu.Anomalies, 2)

	assert.Equal(t, "api-1", cpu.Anomalies[0].Resource.Name)
	assert.Equal(t, models.SeverityWarning, cpu.Anomalies[0].Severity)
	assert.Equal(t, 80.0, cpu.Anomalies[0].Threshold)
	assert.Equal(t, models.SeverityCritical, cpu.Anomalies[1].Severity)
	assert.Equal(t, models.ActionScaleDeployment, cpu.Anomalies[1].SuggestedAction)
	assert.Equal(t, "pass-1", cpu.Anomalies[1].PassID)
	assert.Equal(t, 2, report.Total)
	assert.True(t, report.Complete())
	assert.Contains(t, gw.Queries(), `cpu_metric{namespace="prod"}`)
}

func TestColdStartYieldsNothing(t *testing.T) {
	gw := promtest.New().Set("cpu_metric",
		promtest.Series(promtest.PodLabels("prod", "api-1"), now, time.Minute, 99, 99))
	d := newDetector(gw, testConfig(staticDef("cpu", "cpu", "cpu_metric", config.AggregationLatest, 80, 95)))

	report := d.Detect(context.Background(), "", models.Scope{})
	assert.Equal(t, 0, report.Total)
	assert.NotEmpty(t, report.PassID)
}

func TestRelativeDoubleBand(t *testing.T) {
	def := config.MetricConfig{Name: "latency", Category: "cpu", Query: "latency", Mode: config.ModeRelative,
		Aggregation: config.AggregationLatest, Multiplier: 1.5, ResourceLabel: "pod"}
	gw := promtest.New().Set("latency",
		// baseline 10, threshold 15
		promtest.Series(promtest.PodLabels("prod", "warn"), now, time.Minute, 10, 10, 10, 16),
		promtest.Series(promtest.PodLabels("prod", "crit"), now, time.Minute, 10, 10, 10, 31),
		promtest.Series(promtest.PodLabels("prod", "ok"), now, time.Minute, 10, 10, 10, 15),
		promtest.Series(promtest.PodLabels("prod", "zero"), now, time.Minute, 0, 0, 0, 50),
	)
	d := newDetector(gw, testConfig(def))

	all := d.Detect(context.Background(), "p", models.Scope{}).All()
	require.Len(t, all, 2)
	assert.Equal(t, "warn", all[0].Resource.Name)
	assert.Equal(t, models.SeverityWarning, all[0].Severity)
	assert.Equal(t, 15.0, all[0].Threshold)
	assert.Equal(t, "crit", all[1].Resource.Name)
	assert.Equal(t, models.SeverityCritical, all[1].Severity)
	assert.Equal(t, 30.0, all[1].Threshold)
}

func TestAggregations(t *testing.T) {
	restarts := staticDef("restarts", "restarts", "restart_counter", config.AggregationIncrease, 5, 10)
	pending := staticDef("pending", "pending", "pending_phase", config.AggregationSustained, 5, 15)
	gw := promtest.New().
		Set("restart_counter",
			promtest.Series(promtest.PodLabels("prod", "api-1"), now, time.Minute, 2, 4, 8),
			// reset: 3 -> 1 counts 1, total 2 + 1 + 3 = 6
			promtest.Series(promtest.PodLabels("prod", "api-2"), now, time.Minute, 1, 3, 1, 4),
		).
		Set("pending_phase",
			promtest.Series(promtest.PodLabels("prod", "stuck"), now, time.Minute,
				0, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1),
			promtest.Series(promtest.PodLabels("prod", "recovered"), now, time.Minute, 1, 1, 1, 1, 1, 1, 0),
		)
	d := newDetector(gw, testConfig(restarts, pending))

	report := d.Detect(context.Background(), "p", models.Scope{})
	rs, _ := report.Category(models.CategoryRestarts)
	require.Len(t, rs.Anomalies, 2)
	assert.Equal(t, 6.0, rs.Anomalies[0].Value)
	assert.Equal(t, 6.0, rs.Anomalies[1].Value)

	pd, _ := report.Category(models.CategoryPending)
	require.Len(t, pd.Anomalies, 1)
	assert.Equal(t, "stuck", pd.Anomalies[0].Resource.Name)
	assert.Equal(t, 15.0, pd.Anomalies[0].Value)
	assert.Equal(t, models.SeverityCritical, pd.Anomalies[0].Severity)
	assert.Equal(t, models.ActionNone, pd.Anomalies[0].SuggestedAction)
}

func TestFailedCategoryDegradesIndependently(t *testing.T) {
	gw := promtest.New().
		Set("cpu_metric", promtest.Series(promtest.PodLabels("prod", "api-1"), now, time.Minute, 90, 90, 90)).
		Fail("memory_metric", models.Upstream("prometheus", errors.New("timeout")))
	d := newDetector(gw, testConfig(
		staticDef("cpu", "cpu", "cpu_metric", config.AggregationLatest, 80, 95),
		staticDef("mem", "memory", "memory_metric", config.AggregationLatest, 85, 95),
	))

	report := d.Detect(context.Background(), "p", models.Scope{})
	assert.False(t, report.Complete())

	mem, _ := report.Category(models.CategoryMemory)
	assert.False(t, mem.Available)
	assert.Contains(t, mem.Error, "timeout")

	cpu, _ := report.Category(models.CategoryCPU)
	assert.True(t, cpu.Available)
	assert.Len(t, cpu.Anomalies, 1)
}

func TestScopeFiltersForeignSeries(t *testing.T) {
	gw := promtest.New().Set("cpu_metric",
		promtest.Series(promtest.PodLabels("prod", "api-7f9-x"), now, time.Minute, 90, 90, 90),
		promtest.Series(promtest.PodLabels("prod", "worker-1"), now, time.Minute, 90, 90, 90),
		promtest.Series(promtest.PodLabels("dev", "api-1"), now, time.Minute, 90, 90, 90),
	)
	d := newDetector(gw, testConfig(staticDef("cpu", "cpu", "cpu_metric", config.AggregationLatest, 80, 95)))

	all := d.Detect(context.Background(), "p", models.Scope{Namespace: "prod", Resource: "api"}).All()
	require.Len(t, all, 1)
	assert.Equal(t, "api-7f9-x", all[0].Resource.Name)
}

func TestSpike(t *testing.T) {
	gw := promtest.New().Set("errors_total",
		// baseline 10, 1.5x = 15; 20 is warning, z large -> critical
		promtest.Series(promtest.PodLabels("prod", "steady"), now, time.Minute, 10, 10, 10, 20),
		promtest.Series(promtest.PodLabels("prod", "noisy"), now, time.Minute, 5, 15, 5, 15, 16),
		promtest.Series(promtest.PodLabels("prod", "flat"), now, time.Minute, 10, 10, 10, 12),
		promtest.Series(promtest.PodLabels("prod", "single"), now, time.Minute, 10),
	)
	d := newDetector(gw, testConfig())

	found, err := d.Spike(context.Background(), "p", "errors_total", time.Hour, 1.5)
	require.NoError(t, err)
	require.Len(t, found, 2)

	assert.Equal(t, "steady", found[0].Resource.Name)
	assert.Equal(t, models.SeverityWarning, found[0].Severity, "stddev zero gives z=0 and 20 < 2*15")
	assert.Equal(t, 15.0, found[0].Threshold)
	assert.Equal(t, "errors_total", found[0].Labels["query"])

	assert.Equal(t, "noisy", found[1].Resource.Name)
	assert.Equal(t, models.SeverityWarning, found[1].Severity)
}

func TestSpikeCritical(t *testing.T) {
	gw := promtest.New().Set("q",
		promtest.Series(promtest.PodLabels("prod", "a"), now, time.Minute, 10, 11, 10, 11, 40))
	d := newDetector(gw, testConfig())

	found, err := d.Spike(context.Background(), "p", "q", time.Hour, 1.5)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, models.SeverityCritical, found[0].Severity)
}

func TestSpikeValidation(t *testing.T) {
	d := newDetector(promtest.New(), testConfig())
	_, err := d.Spike(context.Background(), "", "", time.Hour, 2)
	assert.True(t, errors.Is(err, models.ErrInvalidRequest))
	_, err = d.Spike(context.Background(), "", "q", 0, 2)
	assert.True(t, errors.Is(err, models.ErrInvalidRequest))
}

func TestSpikeUpstreamError(t *testing.T) {
	gw := promtest.New().Fail("q", models.Upstream("prometheus", errors.New("down")))
	d := newDetector(gw, testConfig())
	_, err := d.Spike(context.Background(), "", "q", time.Hour, 2)
	assert.True(t, errors.Is(err, models.ErrUpstreamUnavailable))
}
