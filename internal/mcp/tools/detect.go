package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/moolen/sentinel/internal/analysis"
	"github.com/moolen/sentinel/internal/models"
)

// ScopeInput narrows detection tools to a namespace and resource.
type ScopeInput struct {
	Namespace string `json:"namespace,omitempty"`
	Resource  string `json:"resource,omitempty"`
	Lookback  string `json:"lookback,omitempty"`
}

func (in ScopeInput) scope() models.Scope {
	return models.Scope{Namespace: in.Namespace, Resource: in.Resource}
}

// DetectAnomaliesTool runs one detection pass.
type DetectAnomaliesTool struct {
	analysis *analysis.Service
}

func NewDetectAnomaliesTool(svc *analysis.Service) *DetectAnomaliesTool {
	return &DetectAnomaliesTool{analysis: svc}
}

func (t *DetectAnomaliesTool) Execute(ctx context.Context, input json.RawMessage) (interface{}, error) {
	var in ScopeInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	return t.analysis.Anomalies(ctx, in.scope()), nil
}

// DetectPatternsTool recognizes recurring failures, cyclic spikes,
// exhaustion trends and cascades.
type DetectPatternsTool struct {
	analysis *analysis.Service
}

func NewDetectPatternsTool(svc *analysis.Service) *DetectPatternsTool {
	return &DetectPatternsTool{analysis: svc}
}

func (t *DetectPatternsTool) Execute(ctx context.Context, input json.RawMessage) (interface{}, error) {
	var in ScopeInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	lookback, err := parseDuration(in.Lookback, 0)
	if err != nil {
		return nil, err
	}
	return t.analysis.Patterns(ctx, in.scope(), lookback), nil
}

type HealthScoreTool struct {
	analysis *analysis.Service
}

func NewHealthScoreTool(svc *analysis.Service) *HealthScoreTool {
	return &HealthScoreTool{analysis: svc}
}

func (t *HealthScoreTool) Execute(ctx context.Context, input json.RawMessage) (interface{}, error) {
	var in ScopeInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	return t.analysis.HealthScore(ctx, in.scope()), nil
}

type CorrelationsTool struct {
	analysis *analysis.Service
}

func NewCorrelationsTool(svc *analysis.Service) *CorrelationsTool {
	return &CorrelationsTool{analysis: svc}
}

func (t *CorrelationsTool) Execute(ctx context.Context, input json.RawMessage) (interface{}, error) {
	var in ScopeInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	return t.analysis.Correlations(ctx, in.scope()), nil
}

// ComprehensiveTool bundles every analyzer for one scope.
type ComprehensiveTool struct {
	analysis *analysis.Service
}

func NewComprehensiveTool(svc *analysis.Service) *ComprehensiveTool {
	return &ComprehensiveTool{analysis: svc}
}

func (t *ComprehensiveTool) Execute(ctx context.Context, input json.RawMessage) (interface{}, error) {
	var in ScopeInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	lookback, err := parseDuration(in.Lookback, 0)
	if err != nil {
		return nil, err
	}
	return t.analysis.Comprehensive(ctx, in.scope(), lookback), nil
}

// MetricSpikeInput is the input of metric_spike.
type MetricSpikeInput struct {
	Query      string  `json:"query"`
	Lookback   string  `json:"lookback,omitempty"`
	Multiplier float64 `json:"multiplier,omitempty"`
}

// MetricSpikeOutput lists spikes found for an ad-hoc query.
type MetricSpikeOutput struct {
	Query      string           `json:"query"`
	Lookback   string           `json:"lookback"`
	Multiplier float64          `json:"multiplier"`
	SpikeCount int              `json:"spike_count"`
	Anomalies  []models.Anomaly `json:"anomalies"`
}

type MetricSpikeTool struct {
	analysis *analysis.Service
}

func NewMetricSpikeTool(svc *analysis.Service) *MetricSpikeTool {
	return &MetricSpikeTool{analysis: svc}
}

func (t *MetricSpikeTool) Execute(ctx context.Context, input json.RawMessage) (interface{}, error) {
	var in MetricSpikeInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	lookback, err := parseDuration(in.Lookback, time.Hour)
	if err != nil {
		return nil, err
	}
	if in.Multiplier == 0 {
		in.Multiplier = 2
	}

	found, err := t.analysis.MetricSpike(ctx, in.Query, lookback, in.Multiplier)
	if err != nil {
		return nil, err
	}
	if found == nil {
		found = []models.Anomaly{}
	}
	return &MetricSpikeOutput{
		Query:      in.Query,
		Lookback:   lookback.String(),
		Multiplier: in.Multiplier,
		SpikeCount: len(found),
		Anomalies:  found,
	}, nil
}
