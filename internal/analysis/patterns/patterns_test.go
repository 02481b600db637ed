package patterns

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/moolen/sentinel/internal/config"
	"github.com/moolen/sentinel/internal/gateway/kube"
	"github.com/moolen/sentinel/internal/gateway/prom/promtest"
	"github.com/moolen/sentinel/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakePods struct {
	pods []kube.PodStatus
	err  error
}

func (f *fakePods) ListPods(ctx context.Context, namespace, selector string) ([]kube.PodStatus, error) {
	return f.pods, f.err
}

func testConfig() config.PatternsConfig {
	cfg := config.Default().Patterns
	cfg.RestartQuery = "restarts_q{$selector}"
	cfg.CPUQuery = "cpu_q{$selector}"
	cfg.MemoryQuery = "memory_q{$selector}"
	cfg.RolloutQuery = "rollout_q{$selector}"
	return cfg
}

func newRecognizer(gw *promtest.Gateway, pods PodLister) *Recognizer {
	if pods == nil {
		pods = &fakePods{}
	}
	r := NewRecognizer(gw, pods, testConfig())
	r.now = func() time.Time { return now }
	return r
}

func result(t *testing.T, report *Report, typ Type) TypeResult {
	t.Helper()
	for _, res := range report.Results {
		if res.Type == typ {
			return res
		}
	}
	t.Fatalf("no result for %s", typ)
	return TypeResult{}
}

// counter returns 73 samples (6h at 5m) with +1 at each given index.
func counter(bumps ...int) []float64 {
	values := make([]float64, 73)
	level := 0.0
	for i := range values {
		for _, b := range bumps {
			if b == i {
				level++
			}
		}
		values[i] = level
	}
	return values
}

func TestRecurringFailures(t *testing.T) {
	gw := promtest.New().Set("restarts_q",
		promtest.Series(promtest.PodLabels("prod", "two-windows"), now, 5*time.Minute, counter(3, 40)...),
		promtest.Series(promtest.PodLabels("prod", "one-window"), now, 5*time.Minute, counter(3, 5, 7)...),
		promtest.Series(promtest.PodLabels("prod", "three-windows"), now, 5*time.Minute, counter(3, 40, 72)...),
	)
	report := newRecognizer(gw, nil).Recognize(context.Background(), models.Scope{Namespace: "prod"}, 6*time.Hour)

	res := result(t, report, TypeRecurring)
	require.True(t, res.Available)
	require.Len(t, res.Patterns, 2)
	assert.Equal(t, "three-windows", res.Patterns[0].Members[0].Name)
	assert.InDelta(t, 0.5, res.Patterns[0].Confidence, 1e-9)
	assert.Equal(t, "two-windows", res.Patterns[1].Members[0].Name)
	assert.InDelta(t, 2.0/6.0, res.Patterns[1].Confidence, 1e-9)
}

func TestRecurringCoverageScalesConfidence(t *testing.T) {
	// 6 samples over 6h, increments in windows 1 and 4
	gw := promtest.New().Set("restarts_q",
		promtest.Series(promtest.PodLabels("prod", "sparse"), now, 72*time.Minute, 0, 1, 1, 1, 2, 2))
	report := newRecognizer(gw, nil).Recognize(context.Background(), models.Scope{}, 6*time.Hour)

	res := result(t, report, TypeRecurring)
	require.Len(t, res.Patterns, 1)
	assert.InDelta(t, 2.0/6.0*0.5, res.Patterns[0].Confidence, 1e-9)
}

func spikes(base, peak float64, at ...int) []float64 {
	values := make([]float64, 73)
	for i := range values {
		values[i] = base
	}
	for _, i := range at {
		values[i] = peak
	}
	return values
}

func TestCyclicSpikes(t *testing.T) {
	gw := promtest.New().Set("cpu_q",
		promtest.Series(promtest.PodLabels("prod", "hourly"), now, 5*time.Minute, spikes(50, 90, 10, 22, 34, 46)...),
		promtest.Series(promtest.PodLabels("prod", "irregular"), now, 5*time.Minute, spikes(50, 90, 10, 12, 40)...),
		promtest.Series(promtest.PodLabels("prod", "twice"), now, 5*time.Minute, spikes(50, 90, 10, 22)...),
	)
	report := newRecognizer(gw, nil).Recognize(context.Background(), models.Scope{}, 6*time.Hour)

	res := result(t, report, TypeCyclic)
	require.Len(t, res.Patterns, 1)
	p := res.Patterns[0]
	assert.Equal(t, "hourly", p.Members[0].Name)
	assert.InDelta(t, 0.8, p.Confidence, 1e-9)
	assert.InDelta(t, 3600.0, p.Details["period_seconds"], 1e-6)
}

func linear(n int, start, step float64) []float64 {
	values := make([]float64, n)
	for i := range values {
		values[i] = start + float64(i)*step
	}
	return values
}

func TestResourceExhaustion(t *testing.T) {
	gw := promtest.New().Set("memory_q",
		promtest.Series(promtest.PodLabels("prod", "leaking"), now, 5*time.Minute, linear(12, 50, 2)...),
		promtest.Series(promtest.PodLabels("prod", "slow"), now, 5*time.Minute, linear(12, 50, 0.1)...),
		promtest.Series(promtest.PodLabels("prod", "short"), now, 5*time.Minute, linear(5, 50, 10)...),
		promtest.Series(promtest.PodLabels("prod", "full"), now, 5*time.Minute, linear(12, 90, 2)...),
	)
	report := newRecognizer(gw, nil).Recognize(context.Background(), models.Scope{}, 6*time.Hour)

	res := result(t, report, TypeExhaustion)
	require.Len(t, res.Patterns, 1)
	p := res.Patterns[0]
	assert.Equal(t, "leaking", p.Members[0].Name)
	assert.InDelta(t, 1.0, p.Confidence, 1e-9)
	// 28 points to go at 2 per 5m
	assert.InDelta(t, 4200.0, p.Details["eta_seconds"], 1e-3)
}

func failing(name string, since time.Time) kube.PodStatus {
	return kube.PodStatus{
		Ref:          models.ResourceRef{Kind: models.KindPod, Namespace: "prod", Name: name},
		Phase:        corev1.PodRunning,
		Reason:       kube.ReasonCrashLoopBackOff,
		FailingSince: since,
	}
}

func TestCascadeWithinWindowDetected(t *testing.T) {
	base := now.Add(-time.Hour)
	pods := &fakePods{pods: []kube.PodStatus{
		failing("a", base),
		failing("b", base.Add(time.Minute)),
		failing("c", base.Add(2*time.Minute)),
		failing("d", base.Add(4*time.Minute)),
		failing("late", base.Add(30*time.Minute)),
		{Ref: models.ResourceRef{Kind: models.KindPod, Namespace: "prod", Name: "healthy"}, Phase: corev1.PodRunning},
	}}
	report := newRecognizer(promtest.New(), pods).Recognize(context.Background(), models.Scope{}, 6*time.Hour)

	res := result(t, report, TypeCascade)
	require.Len(t, res.Patterns, 1)
	p := res.Patterns[0]
	require.Len(t, p.Members, 4)
	assert.Equal(t, "a", p.Members[0].Name)
	assert.Equal(t, "d", p.Members[3].Name)
	assert.InDelta(t, 0.8*0.6, p.Confidence, 1e-9)
}

func TestCascadeSpreadOutNotDetected(t *testing.T) {
	base := now.Add(-3 * time.Hour)
	pods := &fakePods{pods: []kube.PodStatus{
		failing("a", base),
		failing("b", base.Add(10*time.Minute)),
		failing("c", base.Add(20*time.Minute)),
		failing("d", base.Add(30*time.Minute)),
		failing("ancient-1", now.Add(-10*time.Hour)),
		failing("ancient-2", now.Add(-10*time.Hour)),
		failing("ancient-3", now.Add(-10*time.Hour)),
	}}
	report := newRecognizer(promtest.New(), pods).Recognize(context.Background(), models.Scope{}, 6*time.Hour)

	res := result(t, report, TypeCascade)
	assert.True(t, res.Available)
	assert.Empty(t, res.Patterns)
}

func crashLoopingPod(name string, leftReady, lastCrash time.Time) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "prod"},
		Status: corev1.PodStatus{
			Phase:     corev1.PodRunning,
			StartTime: &metav1.Time{Time: now.Add(-6 * time.Hour)},
			Conditions: []corev1.PodCondition{{
				Type: corev1.PodReady, Status: corev1.ConditionFalse, LastTransitionTime: metav1.NewTime(leftReady),
			}},
			ContainerStatuses: []corev1.ContainerStatus{{
				Name:         "app",
				RestartCount: 40,
				State:        corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: kube.ReasonCrashLoopBackOff}},
				LastTerminationState: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{
					ExitCode: 1, FinishedAt: metav1.NewTime(lastCrash),
				}},
			}},
		},
	}
}

func TestCascadeIgnoresRecentCrashesOfLongFailingPods(t *testing.T) {
	cs := fake.NewSimpleClientset(
		crashLoopingPod("a", now.Add(-5*time.Hour), now.Add(-time.Minute)),
		crashLoopingPod("b", now.Add(-3*time.Hour), now.Add(-2*time.Minute)),
		crashLoopingPod("c", now.Add(-time.Hour), now.Add(-3*time.Minute)),
	)
	cluster := kube.NewClient(cs, config.Default().Kubernetes)
	report := newRecognizer(promtest.New(), cluster).Recognize(context.Background(), models.Scope{Namespace: "prod"}, 6*time.Hour)

	res := result(t, report, TypeCascade)
	assert.True(t, res.Available)
	assert.Empty(t, res.Patterns)
}

func TestCascadeThroughClusterGateway(t *testing.T) {
	base := now.Add(-2 * time.Hour)
	cs := fake.NewSimpleClientset(
		crashLoopingPod("a", base, now.Add(-time.Minute)),
		crashLoopingPod("b", base.Add(time.Minute), now.Add(-2*time.Minute)),
		crashLoopingPod("c", base.Add(2*time.Minute), now.Add(-3*time.Minute)),
	)
	cluster := kube.NewClient(cs, config.Default().Kubernetes)
	report := newRecognizer(promtest.New(), cluster).Recognize(context.Background(), models.Scope{Namespace: "prod"}, 6*time.Hour)

	res := result(t, report, TypeCascade)
	require.Len(t, res.Patterns, 1)
	assert.Len(t, res.Patterns[0].Members, 3)
	assert.Equal(t, base, res.Patterns[0].WindowStart.UTC())
}

func deploymentLabels(namespace, name string) map[string]string {
	return map[string]string{"namespace": namespace, "deployment": name}
}

func TestRolloutIssues(t *testing.T) {
	stuck := make([]float64, 73)
	for i := 60; i < len(stuck); i++ {
		stuck[i] = 2
	}
	recovered := make([]float64, 73)
	for i := 20; i < 30; i++ {
		recovered[i] = 1
	}
	blip := make([]float64, 73)
	blip[72] = 1

	gw := promtest.New().Set("rollout_q",
		promtest.Series(deploymentLabels("prod", "api"), now, 5*time.Minute, stuck...),
		promtest.Series(deploymentLabels("prod", "web"), now, 5*time.Minute, recovered...),
		promtest.Series(deploymentLabels("prod", "worker"), now, 5*time.Minute, blip...),
		promtest.Series(deploymentLabels("staging", "api"), now, 5*time.Minute, stuck...),
	)
	report := newRecognizer(gw, nil).Recognize(context.Background(), models.Scope{Namespace: "prod", Resource: "api"}, 6*time.Hour)

	res := result(t, report, TypeRollout)
	require.True(t, res.Available)
	require.Len(t, res.Patterns, 1)
	p := res.Patterns[0]
	assert.Equal(t, models.ResourceRef{Kind: models.KindDeployment, Namespace: "prod", Name: "api"}, p.Members[0])
	assert.Equal(t, now.Add(-60*time.Minute), p.WindowStart)
	assert.Equal(t, now, p.WindowEnd)
	assert.Equal(t, 2, p.Details["unavailable_replicas"])
	assert.InDelta(t, 0.9, p.Confidence, 1e-9)

	for _, q := range gw.Queries() {
		if strings.Contains(q, "rollout_q") {
			assert.Equal(t, `rollout_q{namespace="prod"}`, q)
		}
	}

	all := newRecognizer(gw, nil).Recognize(context.Background(), models.Scope{Namespace: "prod"}, 6*time.Hour)
	rollouts := result(t, all, TypeRollout).Patterns
	require.Len(t, rollouts, 2)
	assert.Equal(t, "api", rollouts[0].Members[0].Name)
	assert.Equal(t, "worker", rollouts[1].Members[0].Name)
	assert.InDelta(t, 0.9/12, rollouts[1].Confidence, 1e-9)
}

func TestPatternTypesDegradeIndependently(t *testing.T) {
	gw := promtest.New().
		Fail("cpu_q", models.Upstream("prometheus", errors.New("boom"))).
		Set("memory_q", promtest.Series(promtest.PodLabels("prod", "leaking"), now, 5*time.Minute, linear(12, 50, 2)...))
	pods := &fakePods{err: models.Upstream("kubernetes", errors.New("forbidden"))}
	report := newRecognizer(gw, pods).Recognize(context.Background(), models.Scope{}, 0)

	assert.False(t, report.Complete())
	assert.Equal(t, "6h0m0s", report.Lookback)
	assert.False(t, result(t, report, TypeCyclic).Available)
	assert.False(t, result(t, report, TypeCascade).Available)
	assert.True(t, result(t, report, TypeRecurring).Available)
	assert.Len(t, result(t, report, TypeExhaustion).Patterns, 1)
	assert.Equal(t, 1, report.Total)
}
