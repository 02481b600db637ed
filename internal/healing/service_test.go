package healing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/moolen/sentinel/internal/config"
	"github.com/moolen/sentinel/internal/gateway/kube"
	"github.com/moolen/sentinel/internal/healing/policy"
	"github.com/moolen/sentinel/internal/ledger"
	"github.com/moolen/sentinel/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc     *Service
	cs      *fake.Clientset
	store   *ledger.MemoryStore
	engine  *policy.Engine
	clock   *time.Time
	learner *ledger.Learner
}

func newFixture(t *testing.T, objects ...runtime.Object) *fixture {
	t.Helper()
	cfg := config.Default().Healing
	clock := testNow
	now := func() time.Time { return clock }

	engine, err := policy.New(cfg)
	require.NoError(t, err)
	engine.WithClock(now)

	cs := fake.NewSimpleClientset(objects...)
	cluster := kube.NewClient(cs, config.KubernetesConfig{Timeout: time.Second})
	store := ledger.NewMemoryStore()
	learner := ledger.NewLearner(store, nil).WithClock(now)

	return &fixture{
		svc:     NewService(cluster, engine, learner, cfg).WithClock(now),
		cs:      cs,
		store:   store,
		engine:  engine,
		clock:   &clock,
		learner: learner,
	}
}

func namespace(name string) *corev1.Namespace {
	return &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}}
}

func runningPod(name string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "shop", Labels: map[string]string{"app": "api"}},
		Status:     corev1.PodStatus{Phase: corev1.PodRunning},
	}
}

func crashLoopPod(name string) *corev1.Pod {
	p := runningPod(name)
	p.Status.ContainerStatuses = []corev1.ContainerStatus{{
		Name:  "app",
		State: corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: kube.ReasonCrashLoopBackOff}},
	}}
	return p
}

func deployment(name string, replicas int32) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "shop"},
		Spec:       appsv1.DeploymentSpec{Replicas: &replicas},
	}
}

func node(name string) *corev1.Node {
	return &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: name}}
}

func restart(name string, dryRun bool) models.HealingAction {
	return models.HealingAction{
		Type:   models.ActionRestartPod,
		Target: models.Target{Namespace: "shop", Name: name},
		DryRun: dryRun,
	}
}

func (f *fixture) podExists(t *testing.T, name string) bool {
	_, err := f.cs.CoreV1().Pods("shop").Get(context.Background(), name, metav1.GetOptions{})
	return err == nil
}

func (f *fixture) records(t *testing.T) []models.ActionRecord {
	all, err := f.store.Since(context.Background(), time.Time{})
	require.NoError(t, err)
	return all
}

func TestDeleteFailedPodsCapsBlastRadius(t *testing.T) {
	objects := []runtime.Object{namespace("shop"), runningPod("healthy")}
	for i := 0; i < 8; i++ {
		objects = append(objects, crashLoopPod(fmt.Sprintf("api-%d", i)))
	}
	f := newFixture(t, objects...)

	resp, err := f.svc.Heal(context.Background(), models.HealingAction{
		Type:       models.ActionDeleteFailedPods,
		Target:     models.Target{Namespace: "shop"},
		Parameters: models.ActionParameters{LabelSelector: "app=api"},
	})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.True(t, resp.Decision.BlastRadiusApplied)
	assert.Equal(t, []string{"api-0", "api-1", "api-2", "api-3", "api-4"}, resp.Decision.Executed)
	assert.Equal(t, []string{"api-5", "api-6", "api-7"}, resp.Decision.Skipped)
	assert.Len(t, resp.Result.Affected, 5)

	for i := 0; i < 5; i++ {
		assert.False(t, f.podExists(t, fmt.Sprintf("api-%d", i)))
	}
	for i := 5; i < 8; i++ {
		assert.True(t, f.podExists(t, fmt.Sprintf("api-%d", i)))
	}
	assert.True(t, f.podExists(t, "healthy"))

	records := f.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, resp.ActionID, records[0].ID)
	assert.Equal(t, models.KindNamespace, records[0].Action.Target.Kind)
}

func TestDeleteFailedPodsCooldownSpansSelectors(t *testing.T) {
	objects := []runtime.Object{namespace("shop")}
	for i := 0; i < 8; i++ {
		objects = append(objects, crashLoopPod(fmt.Sprintf("api-%d", i)))
	}
	f := newFixture(t, objects...)
	ctx := context.Background()

	deleteFailed := func(selector string) *Response {
		resp, err := f.svc.Heal(ctx, models.HealingAction{
			Type:       models.ActionDeleteFailedPods,
			Target:     models.Target{Namespace: "shop"},
			Parameters: models.ActionParameters{LabelSelector: selector},
		})
		require.NoError(t, err)
		return resp
	}

	first := deleteFailed("")
	require.True(t, first.Success)
	require.Len(t, first.Decision.Executed, 5)

	for i, selector := range []string{"app=api", "app in (api)"} {
		*f.clock = testNow.Add(time.Duration(i+1) * time.Minute)
		resp := deleteFailed(selector)
		assert.False(t, resp.Success, selector)
		assert.Equal(t, models.ReasonCooldownActive, resp.DecisionReason, selector)
	}

	remaining := 0
	for i := 0; i < 8; i++ {
		if f.podExists(t, fmt.Sprintf("api-%d", i)) {
			remaining++
		}
	}
	assert.Equal(t, 3, remaining)

	status := f.engine.Status()
	assert.Len(t, status.Cooldowns, 1)
}

func TestDryRunHasNoSideEffects(t *testing.T) {
	f := newFixture(t, namespace("shop"), runningPod("api-1"))

	resp, err := f.svc.Heal(context.Background(), restart("api-1", true))
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.True(t, resp.DryRun)
	assert.False(t, resp.Result.Attempted)
	assert.Contains(t, resp.Result.Message, "would restart pod shop/api-1")
	assert.True(t, f.podExists(t, "api-1"))

	status := f.engine.Status()
	assert.Zero(t, status.RateUsed)
	assert.Empty(t, status.Cooldowns)

	records := f.records(t)
	require.Len(t, records, 1)
	assert.True(t, records[0].DryRun)

	real, err := f.svc.Heal(context.Background(), restart("api-1", false))
	require.NoError(t, err)
	assert.True(t, real.Success)
	assert.False(t, f.podExists(t, "api-1"))
}

func TestCooldownDenialIsRecorded(t *testing.T) {
	f := newFixture(t, namespace("shop"), runningPod("api-1"))
	ctx := context.Background()

	first, err := f.svc.Heal(ctx, restart("api-1", false))
	require.NoError(t, err)
	require.True(t, first.Success)

	// the pod comes back under the same name
	_, err = f.cs.CoreV1().Pods("shop").Create(ctx, runningPod("api-1"), metav1.CreateOptions{})
	require.NoError(t, err)

	*f.clock = testNow.Add(2 * time.Minute)
	second, err := f.svc.Heal(ctx, restart("api-1", false))
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.Equal(t, models.ReasonCooldownActive, second.DecisionReason)
	assert.Equal(t, int64(180), second.Decision.RetryAfterSeconds)
	assert.True(t, f.podExists(t, "api-1"))

	records := f.records(t)
	require.Len(t, records, 2)
	assert.False(t, records[1].Decision.Allowed)

	*f.clock = testNow.Add(6 * time.Minute)
	third, err := f.svc.Heal(ctx, restart("api-1", false))
	require.NoError(t, err)
	assert.True(t, third.Success)
}

func TestInvalidTargetSkipsPolicy(t *testing.T) {
	f := newFixture(t, namespace("shop"))

	_, err := f.svc.Heal(context.Background(), restart("missing", false))
	assert.ErrorIs(t, err, models.ErrInvalidTarget)
	assert.Empty(t, f.records(t))
	assert.Zero(t, f.engine.Status().RateUsed)
}

func TestInvalidRequests(t *testing.T) {
	f := newFixture(t, namespace("shop"), deployment("api", 2))
	negative := int32(-1)

	tests := []struct {
		name   string
		action models.HealingAction
	}{
		{"unknown type", models.HealingAction{Type: "reboot_cluster", Target: models.Target{Namespace: "shop", Name: "api"}}},
		{"missing namespace", models.HealingAction{Type: models.ActionRestartPod, Target: models.Target{Name: "api"}}},
		{"missing name", models.HealingAction{Type: models.ActionRollbackDeployment, Target: models.Target{Namespace: "shop"}}},
		{"missing replicas", models.HealingAction{Type: models.ActionScaleDeployment, Target: models.Target{Namespace: "shop", Name: "api"}}},
		{"negative replicas", models.HealingAction{Type: models.ActionScaleDeployment, Target: models.Target{Namespace: "shop", Name: "api"}, Parameters: models.ActionParameters{Replicas: &negative}}},
		{"unknown category", models.HealingAction{Type: models.ActionRestartPod, Target: models.Target{Namespace: "shop", Name: "api"}, Category: "disk"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Heal(context.Background(), tt.action)
			assert.ErrorIs(t, err, models.ErrInvalidRequest)
		})
	}
	assert.Empty(t, f.records(t))
}

func TestScaleBeyondBlastRadiusDenied(t *testing.T) {
	f := newFixture(t, namespace("shop"), deployment("api", 2))
	ctx := context.Background()

	ten := int32(10)
	resp, err := f.svc.Heal(ctx, models.HealingAction{
		Type:       models.ActionScaleDeployment,
		Target:     models.Target{Namespace: "shop", Name: "api"},
		Parameters: models.ActionParameters{Replicas: &ten},
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, models.ReasonBlastRadiusExceeded, resp.DecisionReason)

	four := int32(4)
	resp, err = f.svc.Heal(ctx, models.HealingAction{
		Type:       models.ActionScaleDeployment,
		Target:     models.Target{Namespace: "shop", Name: "api"},
		Parameters: models.ActionParameters{Replicas: &four},
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)

	d, err := f.cs.AppsV1().Deployments("shop").Get(ctx, "api", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(4), *d.Spec.Replicas)
}

func TestCordonNode(t *testing.T) {
	f := newFixture(t, node("worker-1"))
	ctx := context.Background()

	resp, err := f.svc.Heal(ctx, models.HealingAction{
		Type:   models.ActionCordonNode,
		Target: models.Target{Name: "worker-1", Namespace: "ignored"},
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)

	n, err := f.cs.CoreV1().Nodes().Get(ctx, "worker-1", metav1.GetOptions{})
	require.NoError(t, err)
	assert.True(t, n.Spec.Unschedulable)

	records := f.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, "Node/worker-1", records[0].Action.Target.Key())
}

func TestExecutionFailureConsumesBudget(t *testing.T) {
	// no ReplicaSet history, so the rollback itself fails
	f := newFixture(t, namespace("shop"), deployment("api", 2))

	resp, err := f.svc.Heal(context.Background(), models.HealingAction{
		Type:   models.ActionRollbackDeployment,
		Target: models.Target{Namespace: "shop", Name: "api"},
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.True(t, resp.Decision.Allowed)
	assert.True(t, resp.Result.Attempted)
	assert.NotEmpty(t, resp.Result.Message)
	assert.Equal(t, 1, f.engine.Status().RateUsed)
}

func TestReplayLedgerSeedsGate(t *testing.T) {
	f := newFixture(t, namespace("shop"), runningPod("api-1"))
	ctx := context.Background()

	_, err := f.svc.Heal(ctx, restart("api-1", false))
	require.NoError(t, err)

	// a fresh engine over the same ledger, as after a restart
	engine, err := policy.New(config.Default().Healing)
	require.NoError(t, err)
	engine.WithClock(func() time.Time { return *f.clock })
	cluster := kube.NewClient(f.cs, config.KubernetesConfig{Timeout: time.Second})
	restarted := NewService(cluster, engine, f.learner, config.Default().Healing).WithClock(func() time.Time { return *f.clock })

	seeded, err := restarted.ReplayLedger(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, seeded)

	_, err = f.cs.CoreV1().Pods("shop").Create(ctx, runningPod("api-1"), metav1.CreateOptions{})
	require.NoError(t, err)
	resp, err := restarted.Heal(ctx, restart("api-1", false))
	require.NoError(t, err)
	assert.Equal(t, models.ReasonCooldownActive, resp.DecisionReason)
}
