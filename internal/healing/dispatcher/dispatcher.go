// Package dispatcher executes admitted healing actions against the cluster.
// Mutations are attempted exactly once.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/moolen/sentinel/internal/config"
	"github.com/moolen/sentinel/internal/logging"
	"github.com/moolen/sentinel/internal/metrics"
	"github.com/moolen/sentinel/internal/models"
)

// Cluster is the mutating half of the cluster gateway.
type Cluster interface {
	DeletePod(ctx context.Context, namespace, name string, gracePeriodSeconds int64) error
	ScaleDeployment(ctx context.Context, namespace, name string, replicas int32) error
	RollbackDeployment(ctx context.Context, namespace, name string) (string, error)
	SetUnschedulable(ctx context.Context, node string, unschedulable bool) error
}

type Dispatcher struct {
	cluster Cluster
	grace   int64
	timeout time.Duration
	logger  *logging.Logger
}

func New(cluster Cluster, cfg config.HealingConfig) *Dispatcher {
	return &Dispatcher{
		cluster: cluster,
		grace:   cfg.GracePeriodSeconds,
		timeout: cfg.Timeout,
		logger:  logging.GetLogger("healing.dispatcher"),
	}
}

// Execute runs an allowed, non dry-run action. decision.Executed names the
// pods for delete_failed_pods.
func (d *Dispatcher) Execute(ctx context.Context, action models.HealingAction, decision models.Decision) models.ExecutionResult {
	var result models.ExecutionResult
	t := action.Target

	switch action.Type {
	case models.ActionRestartPod:
		result = d.single(ctx, t.Name, "restarted pod "+t.Name, func(ctx context.Context) error {
			return d.cluster.DeletePod(ctx, t.Namespace, t.Name, d.grace)
		})

	case models.ActionDeleteFailedPods:
		result = d.deletePods(ctx, t.Namespace, decision.Executed)

	case models.ActionScaleDeployment:
		if action.Parameters.Replicas == nil {
			result = models.ExecutionResult{Message: "replicas parameter is required", Failed: []string{t.Name}}
			break
		}
		replicas := *action.Parameters.Replicas
		result = d.single(ctx, t.Name, fmt.Sprintf("scaled deployment %s to %d replicas", t.Name, replicas), func(ctx context.Context) error {
			return d.cluster.ScaleDeployment(ctx, t.Namespace, t.Name, replicas)
		})

	case models.ActionRollbackDeployment:
		var revision string
		result = d.single(ctx, t.Name, "", func(ctx context.Context) error {
			var err error
			revision, err = d.cluster.RollbackDeployment(ctx, t.Namespace, t.Name)
			return err
		})
		if result.Success {
			result.Message = fmt.Sprintf("rolled back deployment %s to revision %s", t.Name, revision)
		}

	case models.ActionCordonNode, models.ActionUncordonNode:
		cordon := action.Type == models.ActionCordonNode
		verb := "uncordoned"
		if cordon {
			verb = "cordoned"
		}
		result = d.single(ctx, t.Name, verb+" node "+t.Name, func(ctx context.Context) error {
			return d.cluster.SetUnschedulable(ctx, t.Name, cordon)
		})

	default:
		result = models.ExecutionResult{Message: fmt.Sprintf("unsupported action %q", action.Type)}
	}

	result.Attempted = true
	metrics.ObserveExecution(string(action.Type), result.Success)
	fields := []logging.LogField{
		logging.Field("action", string(action.Type)),
		logging.Field("target", t.Key()),
		logging.Field("success", result.Success),
	}
	if result.Success {
		d.logger.InfoWithFields(result.Message, fields...)
	} else {
		d.logger.WarnWithFields(result.Message, fields...)
	}
	return result
}

// single runs one mutation under the per-call timeout. Errors are reported
// verbatim.
func (d *Dispatcher) single(ctx context.Context, name, okMessage string, fn func(context.Context) error) models.ExecutionResult {
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := fn(callCtx); err != nil {
		return models.ExecutionResult{Message: err.Error(), Failed: []string{name}}
	}
	return models.ExecutionResult{Success: true, Message: okMessage, Affected: []string{name}}
}

func (d *Dispatcher) deletePods(ctx context.Context, namespace string, pods []string) models.ExecutionResult {
	result := models.ExecutionResult{Affected: []string{}, Failed: []string{}}
	var firstErr error
	for _, pod := range pods {
		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := d.cluster.DeletePod(callCtx, namespace, pod, 0)
		cancel()
		if err != nil {
			result.Failed = append(result.Failed, pod)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		result.Affected = append(result.Affected, pod)
	}

	result.Success = len(result.Failed) == 0
	result.Message = fmt.Sprintf("deleted %d of %d failed pods in %s", len(result.Affected), len(pods), namespace)
	if firstErr != nil {
		result.Message += ": " + firstErr.Error()
	}
	return result
}
