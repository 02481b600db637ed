package logging

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T, level LogLevel) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	setCore(core, level)
	require.NoError(t, SetPackageLogLevels(map[string]string{}))
	t.Cleanup(func() {
		_ = Initialize("info")
		_ = SetPackageLogLevels(map[string]string{})
	})
	return logs
}

func TestLevelFiltering(t *testing.T) {
	logs := observe(t, WARN)
	logger := GetLogger("healing.policy")

	logger.Debug("debug %d", 1)
	logger.Info("info %d", 2)
	logger.Warn("warn %d", 3)
	logger.Error("error %d", 4)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "warn 3", entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "healing.policy", entries[0].LoggerName)
	assert.Equal(t, "error 4", entries[1].Message)
}

func TestPackageLevelOverride(t *testing.T) {
	logs := observe(t, INFO)
	require.NoError(t, SetPackageLogLevels(map[string]string{
		"healing.*":       "debug",
		"gateway.metrics": "error",
	}))

	GetLogger("healing.policy").Debug("visible")
	GetLogger("gateway.metrics").Warn("hidden")
	GetLogger("analysis").Debug("hidden")
	GetLogger("analysis").Info("visible")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "healing.policy", entries[0].LoggerName)
	assert.Equal(t, "analysis", entries[1].LoggerName)
}

func TestFieldsMergeLastWins(t *testing.T) {
	logs := observe(t, DEBUG)
	logger := GetLogger("ledger").WithField("backend", "file").WithFields(Field("target", "a"))

	logger.InfoWithFields("appended", Field("target", "b"), Field("action_id", 7))

	entries := logs.All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "file", ctx["backend"])
	assert.Equal(t, "b", ctx["target"])
	assert.EqualValues(t, 7, ctx["action_id"])
}

func TestWithFieldDoesNotMutateParent(t *testing.T) {
	logs := observe(t, DEBUG)
	parent := GetLogger("api")
	_ = parent.WithField("request_id", "r-1")

	parent.Info("plain")

	require.Len(t, logs.All(), 1)
	assert.Empty(t, logs.All()[0].Context)
}

func TestErrorWithErr(t *testing.T) {
	logs := observe(t, INFO)
	GetLogger("dispatcher").ErrorWithErr("scale failed", errors.New("forbidden"))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "scale failed", entries[0].Message)
	assert.Equal(t, "forbidden", entries[0].ContextMap()["error"])
}

func TestWithContextAddsSpanIDs(t *testing.T) {
	logs := observe(t, INFO)
	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	GetLogger("analysis").WithContext(ctx).Info("pass complete")
	GetLogger("analysis").WithContext(context.Background()).Info("no span")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, traceID.String(), entries[0].ContextMap()["trace_id"])
	assert.Equal(t, spanID.String(), entries[0].ContextMap()["span_id"])
	assert.NotContains(t, entries[1].ContextMap(), "trace_id")
}

func TestFatalCallsExit(t *testing.T) {
	logs := observe(t, INFO)
	var code int
	exitFunc = func(c int) { code = c }
	t.Cleanup(func() { exitFunc = os.Exit })

	GetLogger("cmd").Fatal("boom %s", "now")

	assert.Equal(t, 1, code)
	require.Len(t, logs.All(), 1)
	assert.Equal(t, zapcore.FatalLevel, logs.All()[0].Level)
}

func TestMatchesPattern(t *testing.T) {
	tests := []struct {
		pkg, pattern string
		want         bool
	}{
		{"healing.policy", "healing.policy", true},
		{"healing.policy", "healing.*", true},
		{"healing", "healing.*", false},
		{"analysis.anomaly", "healing.*", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchesPattern(tt.pkg, tt.pattern), "%s ~ %s", tt.pkg, tt.pattern)
	}
}

func TestGetPackageLogLevelPrefersMostSpecific(t *testing.T) {
	require.NoError(t, SetPackageLogLevels(map[string]string{
		"analysis.*":          "warn",
		"analysis.patterns.*": "debug",
	}))
	t.Cleanup(func() { _ = SetPackageLogLevels(map[string]string{}) })

	assert.Equal(t, DEBUG, GetPackageLogLevel("analysis.patterns.cascade"))
	assert.Equal(t, WARN, GetPackageLogLevel("analysis.anomaly"))
	assert.Equal(t, LogLevel(-1), GetPackageLogLevel("ledger"))
}

func TestSetPackageLogLevelsRejectsInvalid(t *testing.T) {
	err := SetPackageLogLevels(map[string]string{"ledger": "loud"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger")
}

func TestSetFormat(t *testing.T) {
	require.NoError(t, SetFormat("JSON"))
	t.Cleanup(func() { _ = SetFormat("console") })
	assert.Equal(t, "json", format)
	assert.Error(t, SetFormat("xml"))
}
