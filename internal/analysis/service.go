// Package analysis is the detection engine. It runs the anomaly, pattern,
// correlation and health analyzers concurrently and assembles their output.
package analysis

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/moolen/sentinel/internal/analysis/anomaly"
	"github.com/moolen/sentinel/internal/analysis/correlation"
	"github.com/moolen/sentinel/internal/analysis/health"
	"github.com/moolen/sentinel/internal/analysis/patterns"
	"github.com/moolen/sentinel/internal/config"
	"github.com/moolen/sentinel/internal/gateway/kube"
	"github.com/moolen/sentinel/internal/gateway/prom"
	"github.com/moolen/sentinel/internal/logging"
	"github.com/moolen/sentinel/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// HealthReport is a health score together with the pass it was computed from.
type HealthReport struct {
	health.Score
	PassID      string            `json:"pass_id"`
	Scope       models.Scope      `json:"scope"`
	GeneratedAt time.Time         `json:"generated_at"`
	Partial     bool              `json:"partial"`
	Unavailable []models.Category `json:"unavailable_categories,omitempty"`
}

// Comprehensive bundles every analyzer's output for one scope.
type Comprehensive struct {
	PassID       string              `json:"pass_id"`
	Scope        models.Scope        `json:"scope"`
	GeneratedAt  time.Time           `json:"generated_at"`
	Health       *HealthReport       `json:"health"`
	Anomalies    *anomaly.Report     `json:"anomalies"`
	Patterns     *patterns.Report    `json:"patterns"`
	Correlations *correlation.Report `json:"correlations"`
	Complete     bool                `json:"complete"`
}

// Service is the read side of sentinel.
type Service struct {
	detector   *anomaly.Detector
	recognizer *patterns.Recognizer
	correlator *correlation.Analyzer
	cache      *expirable.LRU[string, *anomaly.Report]
	tracer     trace.Tracer
	logger     *logging.Logger
}

// NewService wires the analyzers. priors may be nil.
func NewService(metricsGateway prom.Gateway, cluster kube.Gateway, priors correlation.PriorSource, cfg *config.Config) *Service {
	s := &Service{
		detector:   anomaly.NewDetector(metricsGateway, cfg.Detection),
		recognizer: patterns.NewRecognizer(metricsGateway, cluster, cfg.Patterns),
		correlator: correlation.NewAnalyzer(cluster, priors, cfg.Correlation),
		tracer:     otel.Tracer("sentinel.analysis"),
		logger:     logging.GetLogger("analysis"),
	}
	if cfg.Detection.CacheTTL > 0 {
		s.cache = expirable.NewLRU[string, *anomaly.Report](256, nil, cfg.Detection.CacheTTL)
	}
	return s
}

// Anomalies runs one detection pass.
func (s *Service) Anomalies(ctx context.Context, scope models.Scope) *anomaly.Report {
	ctx, span := s.tracer.Start(ctx, "analysis.Anomalies", trace.WithAttributes(scopeAttrs(scope)...))
	defer span.End()

	if s.cache != nil {
		if cached, ok := s.cache.Get(scope.String()); ok {
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return cached
		}
	}
	report := s.detector.Detect(ctx, uuid.New().String(), scope)
	if s.cache != nil && report.Complete() {
		s.cache.Add(scope.String(), report)
	}
	span.SetAttributes(attribute.Int("anomalies", report.Total), attribute.String("pass_id", report.PassID))
	return report
}

// Patterns runs pattern recognition over lookback.
func (s *Service) Patterns(ctx context.Context, scope models.Scope, lookback time.Duration) *patterns.Report {
	ctx, span := s.tracer.Start(ctx, "analysis.Patterns", trace.WithAttributes(scopeAttrs(scope)...))
	defer span.End()
	report := s.recognizer.Recognize(ctx, scope, lookback)
	span.SetAttributes(attribute.Int("patterns", report.Total))
	return report
}

// HealthScore runs a detection pass and scores it.
func (s *Service) HealthScore(ctx context.Context, scope models.Scope) *HealthReport {
	ctx, span := s.tracer.Start(ctx, "analysis.HealthScore", trace.WithAttributes(scopeAttrs(scope)...))
	defer span.End()
	return score(s.Anomalies(ctx, scope))
}

// Correlations runs a detection pass and correlates it with events.
func (s *Service) Correlations(ctx context.Context, scope models.Scope) *correlation.Report {
	ctx, span := s.tracer.Start(ctx, "analysis.Correlations", trace.WithAttributes(scopeAttrs(scope)...))
	defer span.End()
	report := s.Anomalies(ctx, scope)
	return s.correlator.Analyze(ctx, report.PassID, scope, report.All(), report.GeneratedAt)
}

// Comprehensive runs everything. Patterns run alongside the detection pass;
// correlation and scoring consume that pass.
func (s *Service) Comprehensive(ctx context.Context, scope models.Scope, lookback time.Duration) *Comprehensive {
	ctx, span := s.tracer.Start(ctx, "analysis.Comprehensive", trace.WithAttributes(scopeAttrs(scope)...))
	defer span.End()

	out := &Comprehensive{Scope: scope}
	var g errgroup.Group
	g.Go(func() error {
		out.Patterns = s.recognizer.Recognize(ctx, scope, lookback)
		return nil
	})
	g.Go(func() error {
		report := s.Anomalies(ctx, scope)
		out.Anomalies = report
		out.Health = score(report)

		out.Correlations = s.correlator.Analyze(ctx, report.PassID, scope, report.All(), report.GeneratedAt)
		return nil
	})
	_ = g.Wait()

	out.PassID = out.Anomalies.PassID
	out.GeneratedAt = out.Anomalies.GeneratedAt
	out.Complete = out.Anomalies.Complete() && out.Patterns.Complete() && correlationsComplete(out.Correlations)
	span.SetAttributes(attribute.Bool("complete", out.Complete), attribute.String("pass_id", out.PassID))
	if !out.Complete {
		s.logger.InfoWithFields("comprehensive analysis returned partial results",
			logging.Field("pass_id", out.PassID),
			logging.Field("scope", scope.String()),
		)
	}
	return out
}

// MetricSpike checks an ad-hoc query for spikes.
func (s *Service) MetricSpike(ctx context.Context, query string, lookback time.Duration, multiplier float64) ([]models.Anomaly, error) {
	ctx, span := s.tracer.Start(ctx, "analysis.MetricSpike", trace.WithAttributes(attribute.String("query", query)))
	defer span.End()
	found, err := s.detector.Spike(ctx, uuid.New().String(), query, lookback, multiplier)
	if err != nil {
		span.RecordError(err)
	}
	return found, err
}

func score(report *anomaly.Report) *HealthReport {
	hr := &HealthReport{
		Score:       health.Compute(report.All()),
		PassID:      report.PassID,
		Scope:       report.Scope,
		GeneratedAt: report.GeneratedAt,
	}
	for _, c := range report.Categories {
		if !c.Available {
			hr.Partial = true
			hr.Unavailable = append(hr.Unavailable, c.Category)
		}
	}
	return hr
}

func correlationsComplete(r *correlation.Report) bool {
	for _, res := range r.Results {
		if !res.Available {
			return false
		}
	}
	return true
}

func scopeAttrs(scope models.Scope) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("namespace", scope.Namespace),
		attribute.String("resource", scope.Resource),
	}
}
