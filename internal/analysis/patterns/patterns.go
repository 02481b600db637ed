// Package patterns looks for recurring, cyclic, exhaustion, cascading and
// stuck rollout patterns over a lookback window.
package patterns

import (
	"context"
	"sort"
	"time"

	"github.com/moolen/sentinel/internal/config"
	"github.com/moolen/sentinel/internal/gateway/kube"
	"github.com/moolen/sentinel/internal/gateway/prom"
	"github.com/moolen/sentinel/internal/logging"
	"github.com/moolen/sentinel/internal/metrics"
	"github.com/moolen/sentinel/internal/models"
	"golang.org/x/sync/errgroup"
)

// Type of a detected pattern.
type Type string

const (
	TypeRecurring  Type = "recurring_failure"
	TypeCyclic     Type = "cyclic_spike"
	TypeExhaustion Type = "resource_exhaustion"
	TypeCascade    Type = "cascading_failure"
	TypeRollout    Type = "deployment_rollout_issue"
)

// Types lists pattern types in reporting order.
var Types = []Type{TypeRecurring, TypeCyclic, TypeExhaustion, TypeCascade, TypeRollout}

// Pattern is one finding.
type Pattern struct {
	Type        Type                   `json:"type"`
	Members     []models.ResourceRef   `json:"members"`
	WindowStart time.Time              `json:"window_start"`
	WindowEnd   time.Time              `json:"window_end"`
	Confidence  float64                `json:"confidence"`
	Description string                 `json:"description"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// TypeResult holds the patterns of one type, ranked by confidence.
type TypeResult struct {
	Type      Type      `json:"type"`
	Available bool      `json:"available"`
	Error     string    `json:"error,omitempty"`
	Patterns  []Pattern `json:"patterns"`
}

// Report is the output of one recognition run.
type Report struct {
	Scope       models.Scope `json:"scope"`
	Lookback    string       `json:"lookback"`
	GeneratedAt time.Time    `json:"generated_at"`
	Results     []TypeResult `json:"results"`
	Total       int          `json:"total"`
}

// Complete reports whether every pattern type was evaluated.
func (r *Report) Complete() bool {
	for _, res := range r.Results {
		if !res.Available {
			return false
		}
	}
	return true
}

// PodLister is the slice of the cluster gateway the cascade check needs.
type PodLister interface {
	ListPods(ctx context.Context, namespace, selector string) ([]kube.PodStatus, error)
}

// Recognizer runs all pattern checks.
type Recognizer struct {
	metrics prom.Gateway
	pods    PodLister
	cfg     config.PatternsConfig
	now     func() time.Time
	logger  *logging.Logger
}

func NewRecognizer(metricsGateway prom.Gateway, pods PodLister, cfg config.PatternsConfig) *Recognizer {
	return &Recognizer{
		metrics: metricsGateway,
		pods:    pods,
		cfg:     cfg,
		now:     time.Now,
		logger:  logging.GetLogger("analysis.patterns"),
	}
}

// Recognize evaluates every pattern type concurrently. lookback <= 0 uses
// the configured default.
func (r *Recognizer) Recognize(ctx context.Context, scope models.Scope, lookback time.Duration) *Report {
	if lookback <= 0 {
		lookback = r.cfg.Lookback
	}
	end := r.now().UTC()
	start := end.Add(-lookback)

	checks := []func(context.Context, models.Scope, time.Time, time.Time) ([]Pattern, error){
		r.recurring,
		r.cyclic,
		r.exhaustion,
		r.cascade,
		r.rollout,
	}
	results := make([]TypeResult, len(Types))
	var g errgroup.Group
	for i, check := range checks {
		g.Go(func() error {
			res := TypeResult{Type: Types[i], Available: true, Patterns: []Pattern{}}
			found, err := check(ctx, scope, start, end)
			if err != nil {
				r.logger.Warn("%s check unavailable: %v", Types[i], err)
				res.Available = false
				res.Error = err.Error()
			} else if found != nil {
				sort.SliceStable(found, func(a, b int) bool { return found[a].Confidence > found[b].Confidence })
				res.Patterns = found
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	report := &Report{Scope: scope, Lookback: lookback.String(), GeneratedAt: end, Results: results}
	for _, res := range results {
		report.Total += len(res.Patterns)
	}
	metrics.ObserveDetectionPass("patterns", report.Complete())
	return report
}

func (r *Recognizer) step(lookback time.Duration) time.Duration {
	if r.cfg.Step > 0 {
		return r.cfg.Step
	}
	return lookback / 72
}

func (r *Recognizer) coverage(samples int) float64 {
	full := r.cfg.FullConfidenceSamples
	if full <= 0 {
		return 1
	}
	return min(1, float64(samples)/float64(full))
}

func (r *Recognizer) query(ctx context.Context, template string, scope models.Scope, start, end time.Time) ([]prom.Series, error) {
	return r.metrics.QueryRange(ctx, prom.Render(template, scope), start, end, r.step(end.Sub(start)))
}
