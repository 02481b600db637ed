package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/moolen/sentinel/internal/config"
	"github.com/moolen/sentinel/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	op    string
	name  string
	grace int64
	value int32
	flag  bool
}

type fakeCluster struct {
	mu    sync.Mutex
	calls []call
	fail  map[string]error
}

func (f *fakeCluster) record(c call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return f.fail[c.name]
}

func (f *fakeCluster) DeletePod(ctx context.Context, namespace, name string, grace int64) error {
	return f.record(call{op: "delete", name: name, grace: grace})
}

func (f *fakeCluster) ScaleDeployment(ctx context.Context, namespace, name string, replicas int32) error {
	return f.record(call{op: "scale", name: name, value: replicas})
}

func (f *fakeCluster) RollbackDeployment(ctx context.Context, namespace, name string) (string, error) {
	return "4", f.record(call{op: "rollback", name: name})
}

func (f *fakeCluster) SetUnschedulable(ctx context.Context, node string, unschedulable bool) error {
	return f.record(call{op: "cordon", name: node, flag: unschedulable})
}

func newDispatcher(f *fakeCluster) *Dispatcher {
	return New(f, config.HealingConfig{GracePeriodSeconds: 30, Timeout: time.Second})
}

func TestRestartPodUsesGracePeriod(t *testing.T) {
	f := &fakeCluster{}
	res := newDispatcher(f).Execute(context.Background(), models.HealingAction{
		Type:   models.ActionRestartPod,
		Target: models.Target{Kind: models.KindPod, Namespace: "prod", Name: "api-1"},
	}, models.Decision{Allowed: true})

	assert.True(t, res.Attempted)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"api-1"}, res.Affected)
	assert.Equal(t, []call{{op: "delete", name: "api-1", grace: 30}}, f.calls)
}

func TestFailureIsNotRetried(t *testing.T) {
	f := &fakeCluster{fail: map[string]error{"api-1": errors.New("etcdserver: request timed out")}}
	res := newDispatcher(f).Execute(context.Background(), models.HealingAction{
		Type:   models.ActionRestartPod,
		Target: models.Target{Kind: models.KindPod, Namespace: "prod", Name: "api-1"},
	}, models.Decision{Allowed: true})

	assert.True(t, res.Attempted)
	assert.False(t, res.Success)
	assert.Equal(t, "etcdserver: request timed out", res.Message)
	assert.Equal(t, []string{"api-1"}, res.Failed)
	assert.Len(t, f.calls, 1)
}

func TestDeleteFailedPodsOnlyExecutedTargets(t *testing.T) {
	f := &fakeCluster{fail: map[string]error{"c": errors.New("forbidden")}}
	res := newDispatcher(f).Execute(context.Background(), models.HealingAction{
		Type:   models.ActionDeleteFailedPods,
		Target: models.Target{Kind: models.KindNamespace, Namespace: "prod"},
	}, models.Decision{Allowed: true, Executed: []string{"a", "b", "c"}, Skipped: []string{"d"}})

	assert.False(t, res.Success)
	assert.Equal(t, []string{"a", "b"}, res.Affected)
	assert.Equal(t, []string{"c"}, res.Failed)
	assert.Contains(t, res.Message, "deleted 2 of 3")
	assert.Contains(t, res.Message, "forbidden")
	require.Len(t, f.calls, 3)
	for _, c := range f.calls {
		assert.Equal(t, int64(0), c.grace)
	}
}

func TestScaleRollbackCordon(t *testing.T) {
	f := &fakeCluster{}
	d := newDispatcher(f)
	deploy := models.Target{Kind: models.KindDeployment, Namespace: "prod", Name: "api"}
	node := models.Target{Kind: models.KindNode, Name: "node-a"}
	replicas := int32(4)

	res := d.Execute(context.Background(), models.HealingAction{
		Type: models.ActionScaleDeployment, Target: deploy, Parameters: models.ActionParameters{Replicas: &replicas},
	}, models.Decision{Allowed: true})
	assert.True(t, res.Success)

	res = d.Execute(context.Background(), models.HealingAction{Type: models.ActionRollbackDeployment, Target: deploy}, models.Decision{Allowed: true})
	assert.True(t, res.Success)
	assert.Equal(t, "rolled back deployment api to revision 4", res.Message)

	d.Execute(context.Background(), models.HealingAction{Type: models.ActionCordonNode, Target: node}, models.Decision{Allowed: true})
	d.Execute(context.Background(), models.HealingAction{Type: models.ActionUncordonNode, Target: node}, models.Decision{Allowed: true})

	assert.Equal(t, []call{
		{op: "scale", name: "api", value: 4},
		{op: "rollback", name: "api"},
		{op: "cordon", name: "node-a", flag: true},
		{op: "cordon", name: "node-a", flag: false},
	}, f.calls)
}

func TestScaleWithoutReplicas(t *testing.T) {
	f := &fakeCluster{}
	res := newDispatcher(f).Execute(context.Background(), models.HealingAction{
		Type: models.ActionScaleDeployment, Target: models.Target{Kind: models.KindDeployment, Namespace: "prod", Name: "api"},
	}, models.Decision{Allowed: true})
	assert.False(t, res.Success)
	assert.Empty(t, f.calls)
}
