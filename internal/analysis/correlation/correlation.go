// Package correlation joins anomalies from a detection pass with cluster
// events by time proximity and resource adjacency. A pod is adjacent to its
// controllers and to the node it runs on.
package correlation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/moolen/sentinel/internal/config"
	"github.com/moolen/sentinel/internal/gateway/kube"
	"github.com/moolen/sentinel/internal/logging"
	"github.com/moolen/sentinel/internal/metrics"
	"github.com/moolen/sentinel/internal/models"
)

// Category of a correlation.
type Category string

const (
	CategoryRestartEvent Category = "restart_event"
	CategoryCPUEvent     Category = "cpu_event"
	CategoryMemoryOOM    Category = "memory_oom"
)

// Categories lists correlation categories in reporting order.
var Categories = []Category{CategoryRestartEvent, CategoryCPUEvent, CategoryMemoryOOM}

var anomalyCategory = map[Category]models.Category{
	CategoryRestartEvent: models.CategoryRestarts,
	CategoryCPUEvent:     models.CategoryCPU,
	CategoryMemoryOOM:    models.CategoryMemory,
}

var reasonSets = map[Category]map[string]bool{
	CategoryRestartEvent: {"BackOff": true, "Unhealthy": true, "Killing": true, "Failed": true, "CrashLoopBackOff": true},
	CategoryCPUEvent:     {"ScalingReplicaSet": true, "SuccessfulCreate": true, "Scheduled": true, "Pulled": true},
	CategoryMemoryOOM:    {"OOMKilling": true, "OOMKilled": true, "Evicted": true, "SystemOOM": true},
}

const (
	adjacencySame  = 1.0
	adjacencyOwner = 0.8
	adjacencyNode  = 0.5
	recurringPrior = 1.2

	// kubelet and node-problem-detector record node events here.
	nodeEventNamespace = "default"
)

// Cause is the event side of a correlation.
type Cause struct {
	Reason   string             `json:"reason"`
	Object   models.ResourceRef `json:"object"`
	Message  string             `json:"message"`
	LastSeen time.Time          `json:"last_seen"`
}

// Correlation links one anomaly with the events of one reason.
type Correlation struct {
	Category         Category       `json:"category"`
	Cause            Cause          `json:"cause"`
	Effect           models.Anomaly `json:"effect"`
	TimeDeltaSeconds float64        `json:"time_delta_seconds"`
	Occurrences      int            `json:"occurrences"`
	Adjacency        float64        `json:"adjacency"`
	Score            float64        `json:"score"`
	Recurring        bool           `json:"recurring"`
}

// CategoryResult holds the ranked correlations of one category.
type CategoryResult struct {
	Category     Category      `json:"category"`
	Available    bool          `json:"available"`
	Error        string        `json:"error,omitempty"`
	Correlations []Correlation `json:"correlations"`
	Insight      string        `json:"insight"`
}

// Report is the output of one correlation run.
type Report struct {
	PassID      string           `json:"pass_id"`
	Scope       models.Scope     `json:"scope"`
	GeneratedAt time.Time        `json:"generated_at"`
	Results     []CategoryResult `json:"results"`
	Total       int              `json:"total"`
}

// All returns every correlation ranked by score.
func (r *Report) All() []Correlation {
	var out []Correlation
	for _, res := range r.Results {
		out = append(out, res.Correlations...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// EventSource is the slice of the cluster gateway correlation needs.
type EventSource interface {
	ListEvents(ctx context.Context, namespace string, since time.Time) ([]kube.Event, error)
	Owners(ctx context.Context, ref models.ResourceRef) ([]models.ResourceRef, error)
	NodeOf(ctx context.Context, ref models.ResourceRef) (models.ResourceRef, error)
}

// PriorSource reports resources that were the target of recurring
// remediation.
type PriorSource interface {
	RecurringTargets(ctx context.Context, hours, minCount int) ([]models.ResourceRef, error)
}

// Analyzer computes correlations.
type Analyzer struct {
	events EventSource
	priors PriorSource
	cfg    config.CorrelationConfig
	logger *logging.Logger
}

// NewAnalyzer creates an analyzer. priors may be nil.
func NewAnalyzer(events EventSource, priors PriorSource, cfg config.CorrelationConfig) *Analyzer {
	return &Analyzer{
		events: events,
		priors: priors,
		cfg:    cfg,
		logger: logging.GetLogger("analysis.correlation"),
	}
}

// Analyze correlates the anomalies of one detection pass.
func (a *Analyzer) Analyze(ctx context.Context, passID string, scope models.Scope, anomalies []models.Anomaly, now time.Time) *Report {
	report := &Report{PassID: passID, Scope: scope, GeneratedAt: now.UTC()}

	since := now.Add(-a.cfg.Window)
	for _, an := range anomalies {
		if t := an.DetectedAt.Add(-a.cfg.Window); t.Before(since) {
			since = t
		}
	}
	events, err := a.events.ListEvents(ctx, scope.Namespace, since)
	if err != nil {
		a.logger.Warn("events unavailable: %v", err)
		for _, cat := range Categories {
			report.Results = append(report.Results, CategoryResult{
				Category: cat, Available: false, Error: err.Error(), Correlations: []Correlation{},
				Insight: fmt.Sprintf("%s correlations unavailable", cat),
			})
		}
		metrics.ObserveDetectionPass("correlation", false)
		return report
	}

	if scope.Namespace != "" && scope.Namespace != nodeEventNamespace {
		events = append(events, a.nodeEvents(ctx, since)...)
	}
	withNodes := false
	for _, ev := range events {
		withNodes = withNodes || ev.Object.Kind == models.KindNode
	}

	recurring := a.recurringTargets(ctx)
	owners := make(map[models.ResourceRef][]models.ResourceRef)
	nodes := make(map[models.ResourceRef]models.ResourceRef)
	for _, cat := range Categories {
		res := CategoryResult{Category: cat, Available: true, Correlations: []Correlation{}}
		for _, an := range anomalies {
			if an.Category != anomalyCategory[cat] {
				continue
			}
			if _, ok := owners[an.Resource]; !ok {
				owners[an.Resource] = a.owners(ctx, an.Resource)
			}
			if _, ok := nodes[an.Resource]; withNodes && !ok {
				nodes[an.Resource] = a.nodeOf(ctx, an.Resource)
			}
			res.Correlations = append(res.Correlations,
				a.correlate(cat, an, events, owners[an.Resource], nodes[an.Resource], recurring)...)
		}
		sort.SliceStable(res.Correlations, func(i, j int) bool {
			return res.Correlations[i].Score > res.Correlations[j].Score
		})
		res.Insight = insight(cat, res.Correlations)
		report.Total += len(res.Correlations)
		report.Results = append(report.Results, res)
	}
	metrics.ObserveDetectionPass("correlation", true)
	return report
}

func (a *Analyzer) owners(ctx context.Context, ref models.ResourceRef) []models.ResourceRef {
	if ref.Kind != models.KindPod && ref.Kind != models.KindReplicaSet {
		return nil
	}
	owners, err := a.events.Owners(ctx, ref)
	if err != nil {
		a.logger.Debug("owner lookup for %s failed: %v", ref, err)
		return nil
	}
	return owners
}

// nodeEvents lists node events, which live outside application namespaces.
// A failure only costs node adjacency.
func (a *Analyzer) nodeEvents(ctx context.Context, since time.Time) []kube.Event {
	events, err := a.events.ListEvents(ctx, nodeEventNamespace, since)
	if err != nil {
		a.logger.Warn("node events unavailable: %v", err)
		return nil
	}
	var out []kube.Event
	for _, ev := range events {
		if ev.Object.Kind == models.KindNode {
			out = append(out, ev)
		}
	}
	return out
}

func (a *Analyzer) nodeOf(ctx context.Context, ref models.ResourceRef) models.ResourceRef {
	node, err := a.events.NodeOf(ctx, ref)
	if err != nil {
		a.logger.Debug("node lookup for %s failed: %v", ref, err)
		return models.ResourceRef{}
	}
	return node
}

func (a *Analyzer) recurringTargets(ctx context.Context) map[models.ResourceRef]bool {
	out := make(map[models.ResourceRef]bool)
	if a.priors == nil {
		return out
	}
	targets, err := a.priors.RecurringTargets(ctx, a.cfg.PriorLookbackHours, a.cfg.PriorMinCount)
	if err != nil {
		a.logger.Warn("recurring issue lookup failed: %v", err)
		return out
	}
	for _, t := range targets {
		out[t] = true
	}
	return out
}

type match struct {
	cause       kube.Event
	minDelta    time.Duration
	adjacency   float64
	occurrences int
}

// correlate groups the matching events of one anomaly by reason and scores
// each group.
func (a *Analyzer) correlate(cat Category, an models.Anomaly, events []kube.Event,
	owners []models.ResourceRef, node models.ResourceRef, recurring map[models.ResourceRef]bool) []Correlation {
	reasons := reasonSets[cat]
	groups := make(map[string]*match)
	var order []string

	for _, ev := range events {
		if !reasons[ev.Reason] {
			continue
		}
		delta := an.DetectedAt.Sub(ev.LastSeen)
		if delta < 0 {
			delta = -delta
		}
		if delta > a.cfg.Window {
			continue
		}
		adjacency := adjacencyOf(ev.Object, an.Resource, owners, node)
		if adjacency == 0 {
			continue
		}

		m, ok := groups[ev.Reason]
		if !ok {
			m = &match{cause: ev, minDelta: delta, adjacency: adjacency}
			groups[ev.Reason] = m
			order = append(order, ev.Reason)
		} else if delta < m.minDelta {
			m.cause, m.minDelta = ev, delta
		}
		if adjacency > m.adjacency {
			m.adjacency = adjacency
		}
		m.occurrences += max(1, int(ev.Count))
	}

	isRecurring := recurring[an.Resource]
	for _, o := range owners {
		isRecurring = isRecurring || recurring[o]
	}

	out := make([]Correlation, 0, len(order))
	for _, reason := range order {
		m := groups[reason]
		out = append(out, Correlation{
			Category: cat,
			Cause: Cause{
				Reason:   m.cause.Reason,
				Object:   m.cause.Object,
				Message:  m.cause.Message,
				LastSeen: m.cause.LastSeen,
			},
			Effect:           an,
			TimeDeltaSeconds: m.minDelta.Seconds(),
			Occurrences:      m.occurrences,
			Adjacency:        m.adjacency,
			Score:            Score(m.minDelta, a.cfg.Window, m.adjacency, m.occurrences, isRecurring),
			Recurring:        isRecurring,
		})
	}
	return out
}

func adjacencyOf(object, resource models.ResourceRef, owners []models.ResourceRef, node models.ResourceRef) float64 {
	if object == resource {
		return adjacencySame
	}
	for _, o := range owners {
		if object == o {
			return adjacencyOwner
		}
	}
	if !node.IsZero() && object == node {
		return adjacencyNode
	}
	return 0
}

// Score combines time proximity, adjacency, repetition and the recurring
// prior into a value in [0, 1].
func Score(minDelta, window time.Duration, adjacency float64, occurrences int, recurring bool) float64 {
	if window <= 0 || minDelta > window {
		return 0
	}
	timeFactor := 1 - minDelta.Seconds()/window.Seconds()
	repetition := min(2, 1+0.25*float64(max(1, occurrences)-1))
	prior := 1.0
	if recurring {
		prior = recurringPrior
	}
	return min(1, timeFactor*adjacency*repetition*prior)
}
