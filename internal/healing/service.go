// Package healing is the write path: it resolves the target, asks the
// policy gate, dispatches or previews the action and records the result.
package healing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/moolen/sentinel/internal/config"
	"github.com/moolen/sentinel/internal/gateway/kube"
	"github.com/moolen/sentinel/internal/healing/dispatcher"
	"github.com/moolen/sentinel/internal/healing/policy"
	"github.com/moolen/sentinel/internal/ledger"
	"github.com/moolen/sentinel/internal/logging"
	"github.com/moolen/sentinel/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Response is returned for every healing request that reached the gate.
type Response struct {
	Success        bool                   `json:"success"`
	DryRun         bool                   `json:"dry_run"`
	ActionID       uint64                 `json:"action_id"`
	DecisionReason models.DenialReason    `json:"decision_reason,omitempty"`
	Decision       models.Decision        `json:"decision"`
	Result         models.ExecutionResult `json:"result"`
}

// Service orchestrates healing requests.
type Service struct {
	cluster    kube.Gateway
	engine     *policy.Engine
	dispatcher *dispatcher.Dispatcher
	learner    *ledger.Learner
	tracer     trace.Tracer
	now        func() time.Time
	logger     *logging.Logger
}

func NewService(cluster kube.Gateway, engine *policy.Engine, learner *ledger.Learner, cfg config.HealingConfig) *Service {
	return &Service{
		cluster:    cluster,
		engine:     engine,
		dispatcher: dispatcher.New(cluster, cfg),
		learner:    learner,
		tracer:     otel.Tracer("sentinel.healing"),
		now:        time.Now,
		logger:     logging.GetLogger("healing"),
	}
}

// WithClock replaces the time source used for request and record timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Policy exposes the gate for status and hot reload.
func (s *Service) Policy() *policy.Engine {
	return s.engine
}

// Heal runs one healing request. Errors are returned only when no policy
// was evaluated (invalid request or target, upstream failure while
// resolving) or when the ledger append fails.
func (s *Service) Heal(ctx context.Context, action models.HealingAction) (*Response, error) {
	ctx, span := s.tracer.Start(ctx, "healing.Heal", trace.WithAttributes(
		attribute.String("action_type", string(action.Type)),
		attribute.String("target", action.Target.Key()),
		attribute.Bool("dry_run", action.DryRun),
	))
	defer span.End()

	resp, err := s.heal(ctx, action)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int64("action_id", int64(resp.ActionID)), attribute.Bool("success", resp.Success))
	return resp, nil
}

func (s *Service) heal(ctx context.Context, action models.HealingAction) (*Response, error) {
	if err := normalize(&action); err != nil {
		return nil, err
	}
	if action.RequestedAt.IsZero() {
		action.RequestedAt = s.now()
	}

	if err := s.cluster.Exists(ctx, action.Target.Ref()); err != nil {
		return nil, err
	}

	unlock := s.engine.Lock(policy.Key(action))
	defer unlock()

	req, err := s.request(ctx, action)
	if err != nil {
		return nil, err
	}

	decision := s.engine.Evaluate(req)
	var result models.ExecutionResult
	switch {
	case !decision.Allowed:
		result = models.ExecutionResult{Message: decision.Message}
	case action.DryRun:
		result = preview(action, decision)
	default:
		result = s.dispatcher.Execute(ctx, action, decision)
	}

	rec := models.ActionRecord{
		Timestamp: s.now(),
		Action:    action,
		Decision:  decision,
		Result:    result,
		Success:   decision.Allowed && result.Success,
		DryRun:    action.DryRun,
	}
	stored, err := s.learner.Record(ctx, rec)
	if err != nil {
		s.logger.Error("Failed to record %s on %s: %v", action.Type, action.Target.Key(), err)
		return nil, fmt.Errorf("action %s was evaluated but not recorded: %w", action.Type, err)
	}

	return &Response{
		Success:        stored.Success,
		DryRun:         stored.DryRun,
		ActionID:       stored.ID,
		DecisionReason: decision.Reason,
		Decision:       decision,
		Result:         result,
	}, nil
}

// request gathers what the gate needs to judge blast radius.
func (s *Service) request(ctx context.Context, action models.HealingAction) (policy.Request, error) {
	req := policy.Request{Action: action}
	t := action.Target

	switch action.Type {
	case models.ActionDeleteFailedPods:
		pods, err := s.cluster.ListPods(ctx, t.Namespace, action.Parameters.LabelSelector)
		if err != nil {
			return req, err
		}
		for _, p := range pods {
			if p.Deletable() {
				req.Affected = append(req.Affected, p.Ref.Name)
			}
		}

	case models.ActionScaleDeployment:
		current, err := s.cluster.DeploymentReplicas(ctx, t.Namespace, t.Name)
		if err != nil {
			return req, err
		}
		delta := int(*action.Parameters.Replicas - current)
		if delta < 0 {
			delta = -delta
		}
		req.Magnitude = delta
	}
	return req, nil
}

// preview describes what an allowed dry run would have done.
func preview(action models.HealingAction, decision models.Decision) models.ExecutionResult {
	t := action.Target
	result := models.ExecutionResult{Success: true, Affected: []string{t.Name}}

	switch action.Type {
	case models.ActionRestartPod:
		result.Message = fmt.Sprintf("dry run: would restart pod %s/%s", t.Namespace, t.Name)
	case models.ActionDeleteFailedPods:
		result.Affected = decision.Executed
		result.Message = fmt.Sprintf("dry run: would delete %d failed pods in %s", len(decision.Executed), t.Namespace)
		if len(decision.Executed) > 0 {
			result.Message += ": " + strings.Join(decision.Executed, ", ")
		}
	case models.ActionScaleDeployment:
		result.Message = fmt.Sprintf("dry run: would scale deployment %s/%s to %d replicas", t.Namespace, t.Name, *action.Parameters.Replicas)
	case models.ActionRollbackDeployment:
		result.Message = fmt.Sprintf("dry run: would roll back deployment %s/%s to its previous revision", t.Namespace, t.Name)
	case models.ActionCordonNode:
		result.Message = "dry run: would cordon node " + t.Name
	case models.ActionUncordonNode:
		result.Message = "dry run: would uncordon node " + t.Name
	}
	return result
}

// normalize checks the request shape and fixes the target kind implied by
// the action type.
func normalize(action *models.HealingAction) error {
	t := &action.Target
	switch action.Type {
	case models.ActionRestartPod:
		t.Kind = models.KindPod
	case models.ActionDeleteFailedPods:
		t.Kind = models.KindNamespace
		t.Name = ""
	case models.ActionScaleDeployment, models.ActionRollbackDeployment:
		t.Kind = models.KindDeployment
	case models.ActionCordonNode, models.ActionUncordonNode:
		t.Kind = models.KindNode
		t.Namespace = ""
	default:
		return models.InvalidRequest("unknown action type %q", action.Type)
	}

	if t.Kind != models.KindNode && t.Namespace == "" {
		return models.InvalidRequest("namespace is required for %s", action.Type)
	}
	if t.Kind != models.KindNamespace && t.Name == "" {
		return models.InvalidRequest("a target name is required for %s", action.Type)
	}
	if action.Type == models.ActionScaleDeployment {
		if action.Parameters.Replicas == nil {
			return models.InvalidRequest("replicas is required for %s", action.Type)
		}
		if *action.Parameters.Replicas < 0 {
			return models.InvalidRequest("replicas must not be negative, got %d", *action.Parameters.Replicas)
		}
	}
	if action.Category != "" && !action.Category.Valid() {
		return models.InvalidRequest("unknown category %q", action.Category)
	}
	return nil
}

// ReplayLedger seeds the gate with records still inside its windows.
func (s *Service) ReplayLedger(ctx context.Context) (int, error) {
	cfg := s.engine.Policy()
	window := max(cfg.RateWindow, cfg.Cooldown)
	records, err := s.learner.Since(ctx, window)
	if err != nil {
		return 0, fmt.Errorf("failed to read ledger for replay: %w", err)
	}
	seeded := s.engine.Replay(records)
	s.logger.Info("Seeded policy gate from %d ledger records (%d rate slots)", len(records), seeded)
	return seeded, nil
}
