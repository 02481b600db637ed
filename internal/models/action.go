package models

import (
	"fmt"
	"time"
)

// ActionType enumerates the remediations the dispatcher can execute.
type ActionType string

const (
	ActionRestartPod         ActionType = "restart_pod"
	ActionDeleteFailedPods   ActionType = "delete_failed_pods"
	ActionScaleDeployment    ActionType = "scale_deployment"
	ActionRollbackDeployment ActionType = "rollback_deployment"
	ActionCordonNode         ActionType = "cordon_node"
	ActionUncordonNode       ActionType = "uncordon_node"

	// ActionNone is only ever suggested, never dispatched.
	ActionNone ActionType = "none"
)

// ActionTypes lists the dispatchable actions.
var ActionTypes = []ActionType{
	ActionRestartPod,
	ActionDeleteFailedPods,
	ActionScaleDeployment,
	ActionRollbackDeployment,
	ActionCordonNode,
	ActionUncordonNode,
}

func (a ActionType) Valid() bool {
	for _, known := range ActionTypes {
		if a == known {
			return true
		}
	}
	return false
}

// Target is what a healing action is aimed at. For delete_failed_pods Name is
// empty and the target is the namespace itself.
type Target struct {
	Kind      ResourceKind `json:"kind"`
	Namespace string       `json:"namespace,omitempty"`
	Name      string       `json:"name,omitempty"`
}

// Key is the stable identity of the target used for cooldown bookkeeping. A
// namespace target is keyed on the namespace alone, so narrowing the pod
// selector never opens a fresh cooldown slot.
func (t Target) Key() string {
	switch {
	case t.Kind == KindNamespace:
		return fmt.Sprintf("%s/%s", t.Kind, t.Namespace)
	case t.Namespace == "":
		return fmt.Sprintf("%s/%s", t.Kind, t.Name)
	default:
		return fmt.Sprintf("%s/%s/%s", t.Kind, t.Namespace, t.Name)
	}
}

// Ref returns the resource the target points at.
func (t Target) Ref() ResourceRef {
	if t.Kind == KindNamespace {
		return ResourceRef{Kind: KindNamespace, Name: t.Namespace}
	}
	return ResourceRef{Kind: t.Kind, Namespace: t.Namespace, Name: t.Name}
}

// ActionParameters carries action specific inputs. LabelSelector narrows
// delete_failed_pods to matching pods.
type ActionParameters struct {
	Replicas      *int32 `json:"replicas,omitempty"`
	LabelSelector string `json:"label_selector,omitempty"`
}

// HealingAction is a remediation request. Category optionally names the
// anomaly category that triggered it and feeds recurring-issue signatures.
type HealingAction struct {
	Type        ActionType       `json:"action_type"`
	Target      Target           `json:"target"`
	Parameters  ActionParameters `json:"parameters"`
	DryRun      bool             `json:"dry_run"`
	RequestedAt time.Time        `json:"requested_at"`
	Category    Category         `json:"category,omitempty"`
}

// DenialReason explains why the gate refused an action.
type DenialReason string

const (
	ReasonNone                DenialReason = ""
	ReasonRateLimitExceeded   DenialReason = "rate_limit_exceeded"
	ReasonCooldownActive      DenialReason = "cooldown_active"
	ReasonBlastRadiusExceeded DenialReason = "blast_radius_exceeded"
)

// Decision is the gate's ruling on a HealingAction.
type Decision struct {
	Allowed            bool         `json:"allowed"`
	Reason             DenialReason `json:"reason,omitempty"`
	Message            string       `json:"message"`
	BlastRadiusApplied bool         `json:"blast_radius_applied"`
	Executed           []string     `json:"executed,omitempty"`
	Skipped            []string     `json:"skipped_blast_radius,omitempty"`
	RetryAfterSeconds  int64        `json:"retry_after_seconds,omitempty"`
}

// ExecutionResult is what the dispatcher reports back. Attempted is false for
// denials and dry runs.
type ExecutionResult struct {
	Attempted bool     `json:"attempted"`
	Success   bool     `json:"success"`
	Message   string   `json:"message"`
	Affected  []string `json:"affected,omitempty"`
	Failed    []string `json:"failed,omitempty"`
}

// ActionRecord is the immutable ledger entry written for every healing request.
type ActionRecord struct {
	ID        uint64          `json:"action_id"`
	Timestamp time.Time       `json:"timestamp"`
	Action    HealingAction   `json:"action"`
	Decision  Decision        `json:"decision"`
	Result    ExecutionResult `json:"result"`
	Success   bool            `json:"success"`
	DryRun    bool            `json:"dry_run"`
	Outcome   *ActionOutcome  `json:"outcome,omitempty"`
}

// Attempted reports whether the record consumed real gate budget.
func (r ActionRecord) Attempted() bool {
	return !r.DryRun && r.Decision.Allowed
}

// FailureCategory is the anomaly category that motivated the action, or
// "unspecified".
func (r ActionRecord) FailureCategory() string {
	if r.Action.Category == "" {
		return "unspecified"
	}
	return string(r.Action.Category)
}

// Signature groups records for recurring-issue detection.
func (r ActionRecord) Signature() string {
	return fmt.Sprintf("%s|%s|%s", r.Action.Type, r.Action.Target.Kind, r.FailureCategory())
}

// OutcomeStatus is the later-reported result of a dispatched action.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailure OutcomeStatus = "failure"
	OutcomePartial OutcomeStatus = "partial"
)

func (o OutcomeStatus) Valid() bool {
	return o == OutcomeSuccess || o == OutcomeFailure || o == OutcomePartial
}

// ActionOutcome is attached to a record by an explicit follow-up call.
type ActionOutcome struct {
	ActionID          uint64        `json:"action_id"`
	Outcome           OutcomeStatus `json:"outcome"`
	ResolutionSeconds float64       `json:"resolution_time_seconds"`
	Notes             string        `json:"notes,omitempty"`
	RecordedAt        time.Time     `json:"recorded_at"`
}
