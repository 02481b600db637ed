package tools

import (
	"context"
	"encoding/json"

	"github.com/moolen/sentinel/internal/healing"
	"github.com/moolen/sentinel/internal/models"
)

// HealInput is shared by every healing tool; each reads the fields its
// action needs. DryRun defaults to true.
type HealInput struct {
	Namespace     string          `json:"namespace,omitempty"`
	Pod           string          `json:"pod,omitempty"`
	Deployment    string          `json:"deployment,omitempty"`
	Node          string          `json:"node,omitempty"`
	LabelSelector string          `json:"label_selector,omitempty"`
	Replicas      *int32          `json:"replicas,omitempty"`
	DryRun        *bool           `json:"dry_run,omitempty"`
	Category      models.Category `json:"category,omitempty"`
}

func (in HealInput) target(action models.ActionType) models.Target {
	switch action {
	case models.ActionRestartPod:
		return models.Target{Namespace: in.Namespace, Name: in.Pod}
	case models.ActionDeleteFailedPods:
		return models.Target{Namespace: in.Namespace}
	case models.ActionScaleDeployment, models.ActionRollbackDeployment:
		return models.Target{Namespace: in.Namespace, Name: in.Deployment}
	default:
		return models.Target{Name: in.Node}
	}
}

// HealTool submits one action type to the healing service.
type HealTool struct {
	healing *healing.Service
	action  models.ActionType
}

func NewHealTool(svc *healing.Service, action models.ActionType) *HealTool {
	return &HealTool{healing: svc, action: action}
}

func (t *HealTool) Execute(ctx context.Context, input json.RawMessage) (interface{}, error) {
	var in HealInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	return t.healing.Heal(ctx, models.HealingAction{
		Type:       t.action,
		Target:     in.target(t.action),
		Parameters: models.ActionParameters{Replicas: in.Replicas, LabelSelector: in.LabelSelector},
		DryRun:     in.DryRun == nil || *in.DryRun,
		Category:   in.Category,
	})
}
