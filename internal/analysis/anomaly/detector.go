// Package anomaly finds metric values that are out of band for their
// category, either against static thresholds or a trailing baseline.
package anomaly

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/moolen/sentinel/internal/config"
	"github.com/moolen/sentinel/internal/gateway/prom"
	"github.com/moolen/sentinel/internal/logging"
	"github.com/moolen/sentinel/internal/metrics"
	"github.com/moolen/sentinel/internal/models"
	"golang.org/x/sync/errgroup"
)

// CategoryResult holds the findings for one category. Available is false
// when at least one of the category's queries failed.
type CategoryResult struct {
	Category  models.Category  `json:"category"`
	Available bool             `json:"available"`
	Error     string           `json:"error,omitempty"`
	Anomalies []models.Anomaly `json:"anomalies"`
}

// Report is the output of one detection pass.
type Report struct {
	PassID      string           `json:"pass_id"`
	Scope       models.Scope     `json:"scope"`
	GeneratedAt time.Time        `json:"generated_at"`
	Window      string           `json:"window"`
	Categories  []CategoryResult `json:"categories"`
	Total       int              `json:"total"`
}

// All returns every anomaly in category order.
func (r *Report) All() []models.Anomaly {
	var out []models.Anomaly
	for _, c := range r.Categories {
		out = append(out, c.Anomalies...)
	}
	return out
}

// Category returns the result for c.
func (r *Report) Category(c models.Category) (CategoryResult, bool) {
	for _, res := range r.Categories {
		if res.Category == c {
			return res, true
		}
	}
	return CategoryResult{}, false
}

// Complete reports whether every category was evaluated.
func (r *Report) Complete() bool {
	for _, c := range r.Categories {
		if !c.Available {
			return false
		}
	}
	return true
}

// Detector runs metric definitions against the metrics gateway.
type Detector struct {
	gateway prom.Gateway
	cfg     config.DetectionConfig
	now     func() time.Time
	logger  *logging.Logger
}

// NewDetector creates a detector. Definitions are taken from cfg.Metrics.
func NewDetector(gateway prom.Gateway, cfg config.DetectionConfig) *Detector {
	return &Detector{
		gateway: gateway,
		cfg:     cfg,
		now:     time.Now,
		logger:  logging.GetLogger("analysis.anomaly"),
	}
}

// Detect runs one detection pass over scope. passID may be empty, in which
// case a new one is generated. Query failures never fail the pass; they mark
// the affected category unavailable.
func (d *Detector) Detect(ctx context.Context, passID string, scope models.Scope) *Report {
	if passID == "" {
		passID = uuid.New().String()
	}
	end := d.now().UTC()
	start := end.Add(-d.cfg.Window)

	byCategory := make(map[models.Category][]config.MetricConfig)
	for _, m := range d.cfg.Metrics {
		cat := models.Category(m.Category)
		byCategory[cat] = append(byCategory[cat], m)
	}

	results := make([]CategoryResult, len(models.Categories))
	var g errgroup.Group
	for i, cat := range models.Categories {
		results[i] = CategoryResult{Category: cat, Available: true, Anomalies: []models.Anomaly{}}
		defs := byCategory[cat]
		if len(defs) == 0 {
			continue
		}
		g.Go(func() error {
			results[i] = d.evaluateCategory(ctx, passID, cat, defs, scope, start, end)
			return nil
		})
	}
	_ = g.Wait()

	report := &Report{
		PassID:      passID,
		Scope:       scope,
		GeneratedAt: end,
		Window:      d.cfg.Window.String(),
		Categories:  results,
	}
	for _, r := range results {
		report.Total += len(r.Anomalies)
		for _, a := range r.Anomalies {
			metrics.ObserveAnomaly(string(a.Category), string(a.Severity))
		}
	}
	metrics.ObserveDetectionPass("anomaly", report.Complete())
	d.logger.DebugWithFields("detection pass finished",
		logging.Field("pass_id", passID),
		logging.Field("scope", scope.String()),
		logging.Field("anomalies", report.Total),
	)
	return report
}

func (d *Detector) evaluateCategory(ctx context.Context, passID string, cat models.Category,
	defs []config.MetricConfig, scope models.Scope, start, end time.Time) CategoryResult {
	result := CategoryResult{Category: cat, Available: true, Anomalies: []models.Anomaly{}}
	for _, def := range defs {
		series, err := d.gateway.QueryRange(ctx, prom.Render(def.Query, scope), start, end, d.cfg.Step)
		if err != nil {
			d.logger.Warn("metric %s unavailable: %v", def.Name, err)
			result.Available = false
			result.Error = err.Error()
			continue
		}
		for _, s := range series {
			ref := prom.ResourceFor(s.Labels, def.ResourceLabel)
			if !scope.Matches(ref) {
				continue
			}
			if a, ok := d.evaluate(def, s, ref, end); ok {
				a.PassID = passID
				result.Anomalies = append(result.Anomalies, a)
			}
		}
	}
	return result
}

// evaluate applies the definition's threshold mode to one series.
func (d *Detector) evaluate(def config.MetricConfig, s prom.Series, ref models.ResourceRef, at time.Time) (models.Anomaly, bool) {
	minSamples := d.cfg.MinSamples
	if minSamples <= 0 {
		minSamples = 3
	}
	if len(s.Samples) < minSamples {
		return models.Anomaly{}, false
	}

	value := signal(s, def.Aggregation)
	var severity models.Severity
	var threshold float64

	switch def.Mode {
	case config.ModeRelative:
		base := baseline(s.Values())
		if base <= 0 {
			return models.Anomaly{}, false
		}
		threshold = base * def.Multiplier
		switch {
		case value > 2*threshold:
			severity, threshold = models.SeverityCritical, 2*threshold
		case value > threshold:
			severity = models.SeverityWarning
		default:
			return models.Anomaly{}, false
		}
	default:
		switch {
		case value >= def.Critical:
			severity, threshold = models.SeverityCritical, def.Critical
		case value >= def.Warning:
			severity, threshold = models.SeverityWarning, def.Warning
		default:
			return models.Anomaly{}, false
		}
	}

	cat := models.Category(def.Category)
	return models.Anomaly{
		Category:        cat,
		Metric:          def.Name,
		Resource:        ref,
		Severity:        severity,
		Description:     fmt.Sprintf("%s on %s is %.2f, threshold %.2f", def.Name, ref, value, threshold),
		Value:           value,
		Threshold:       threshold,
		DetectedAt:      at,
		Labels:          s.Labels,
		SuggestedAction: models.SuggestedAction(cat),
	}, true
}

// Spike checks every series returned by query for a current value above
// multiplier times its trailing baseline.
func (d *Detector) Spike(ctx context.Context, passID, query string, lookback time.Duration, multiplier float64) ([]models.Anomaly, error) {
	if query == "" {
		return nil, models.InvalidRequest("query is required")
	}
	if lookback <= 0 || multiplier <= 0 {
		return nil, models.InvalidRequest("lookback and multiplier must be positive")
	}
	if passID == "" {
		passID = uuid.New().String()
	}

	end := d.now().UTC()
	step := d.cfg.Step
	if step <= 0 || step > lookback/2 {
		step = lookback / 10
	}
	series, err := d.gateway.QueryRange(ctx, query, end.Add(-lookback), end, step)
	if err != nil {
		return nil, err
	}

	out := []models.Anomaly{}
	for _, s := range series {
		a, ok := spike(s, multiplier)
		if !ok {
			continue
		}
		a.PassID = passID
		a.DetectedAt = end
		a.Labels["query"] = query
		out = append(out, a)
	}
	return out, nil
}

func spike(s prom.Series, multiplier float64) (models.Anomaly, bool) {
	values := s.Values()
	if len(values) < 2 {
		return models.Anomaly{}, false
	}
	current := values[len(values)-1]
	preceding := values[:len(values)-1]
	base := baseline(values)
	if base <= 0 || current <= base*multiplier {
		return models.Anomaly{}, false
	}

	z := zScore(current, preceding)
	severity := models.SeverityWarning
	if z > 5 || current > 2*base*multiplier {
		severity = models.SeverityCritical
	}

	labels := make(map[string]string, len(s.Labels)+1)
	for k, v := range s.Labels {
		labels[k] = v
	}
	ref := prom.ResourceFor(s.Labels, "")
	return models.Anomaly{
		Metric:          "metric_spike",
		Resource:        ref,
		Severity:        severity,
		Description:     fmt.Sprintf("value %.2f is %.1fx the baseline %.2f (z=%.2f)", current, current/base, base, z),
		Value:           current,
		Threshold:       base * multiplier,
		Labels:          labels,
		SuggestedAction: models.ActionNone,
	}, true
}
