package tools

import (
	"context"
	"encoding/json"

	"github.com/moolen/sentinel/internal/ledger"
	"github.com/moolen/sentinel/internal/models"
)

const (
	defaultHours    = 24
	defaultMinCount = 2
)

// WindowInput selects the trailing window of ledger tools.
type WindowInput struct {
	Hours    int `json:"hours,omitempty"`
	MinCount int `json:"min_count,omitempty"`
}

// ActionHistoryOutput lists recorded actions, newest first.
type ActionHistoryOutput struct {
	TimePeriodHours int                   `json:"time_period_hours"`
	Count           int                   `json:"count"`
	Actions         []models.ActionRecord `json:"actions"`
}

type ActionHistoryTool struct {
	learner *ledger.Learner
}

func NewActionHistoryTool(learner *ledger.Learner) *ActionHistoryTool {
	return &ActionHistoryTool{learner: learner}
}

func (t *ActionHistoryTool) Execute(ctx context.Context, input json.RawMessage) (interface{}, error) {
	var in WindowInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	hours := orDefault(in.Hours, defaultHours)
	actions, err := t.learner.History(ctx, hours)
	if err != nil {
		return nil, err
	}
	return &ActionHistoryOutput{TimePeriodHours: hours, Count: len(actions), Actions: actions}, nil
}

type ActionStatsTool struct {
	learner *ledger.Learner
}

func NewActionStatsTool(learner *ledger.Learner) *ActionStatsTool {
	return &ActionStatsTool{learner: learner}
}

func (t *ActionStatsTool) Execute(ctx context.Context, input json.RawMessage) (interface{}, error) {
	var in WindowInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	return t.learner.Stats(ctx, orDefault(in.Hours, defaultHours))
}

// RecurringIssuesOutput lists signatures acted on at least min_count times.
type RecurringIssuesOutput struct {
	TimePeriodHours int                     `json:"time_period_hours"`
	MinCount        int                     `json:"min_count"`
	Issues          []ledger.RecurringIssue `json:"recurring_issues"`
}

type RecurringIssuesTool struct {
	learner *ledger.Learner
}

func NewRecurringIssuesTool(learner *ledger.Learner) *RecurringIssuesTool {
	return &RecurringIssuesTool{learner: learner}
}

func (t *RecurringIssuesTool) Execute(ctx context.Context, input json.RawMessage) (interface{}, error) {
	var in WindowInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	hours := orDefault(in.Hours, defaultHours)
	minCount := orDefault(in.MinCount, defaultMinCount)
	issues, err := t.learner.RecurringIssues(ctx, hours, minCount)
	if err != nil {
		return nil, err
	}
	return &RecurringIssuesOutput{TimePeriodHours: hours, MinCount: minCount, Issues: issues}, nil
}

// RecordOutcomeInput attaches the observed result to an action.
type RecordOutcomeInput struct {
	ActionID          uint64               `json:"action_id"`
	Outcome           models.OutcomeStatus `json:"outcome"`
	ResolutionSeconds float64              `json:"resolution_time_seconds,omitempty"`
	Notes             string               `json:"notes,omitempty"`
}

type RecordOutcomeTool struct {
	learner *ledger.Learner
}

func NewRecordOutcomeTool(learner *ledger.Learner) *RecordOutcomeTool {
	return &RecordOutcomeTool{learner: learner}
}

func (t *RecordOutcomeTool) Execute(ctx context.Context, input json.RawMessage) (interface{}, error) {
	var in RecordOutcomeInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	return t.learner.RecordOutcome(ctx, models.ActionOutcome{
		ActionID:          in.ActionID,
		Outcome:           in.Outcome,
		ResolutionSeconds: in.ResolutionSeconds,
		Notes:             in.Notes,
	})
}
