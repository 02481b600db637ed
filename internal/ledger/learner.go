package ledger

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/moolen/sentinel/internal/logging"
	"github.com/moolen/sentinel/internal/models"
)

// recentActions is the number of records included in a Summary.
const recentActions = 10

// ActionTypeStats aggregates one action type. Success and Failed count
// attempted real actions only.
type ActionTypeStats struct {
	Total                int      `json:"total"`
	Success              int      `json:"success"`
	Failed               int      `json:"failed"`
	DryRun               int      `json:"dry_run"`
	Denied               int      `json:"denied"`
	AvgResolutionSeconds *float64 `json:"avg_resolution_time_seconds"`
}

// Stats summarizes the ledger over a trailing window.
type Stats struct {
	TimePeriodHours   int                         `json:"time_period_hours"`
	TotalActions      int                         `json:"total_actions"`
	AttemptedActions  int                         `json:"attempted_actions"`
	SuccessfulActions int                         `json:"successful_actions"`
	FailedActions     int                         `json:"failed_actions"`
	DryRunActions     int                         `json:"dry_run_actions"`
	DeniedActions     int                         `json:"denied_actions"`
	SuccessRate       float64                     `json:"success_rate"`
	ByActionType      map[string]*ActionTypeStats `json:"by_action_type"`
}

// RecurringIssue is a signature that was acted on at least min_count times.
type RecurringIssue struct {
	Signature       string    `json:"signature"`
	ActionType      string    `json:"action_type"`
	TargetKind      string    `json:"target_kind"`
	FailureCategory string    `json:"failure_category"`
	Occurrences     int       `json:"occurrences"`
	Targets         []string  `json:"targets"`
	LastSeen        time.Time `json:"last_seen"`

	refs map[string]models.ResourceRef
}

// Summary is the stats of a window plus its most recent records.
type Summary struct {
	Stats         *Stats                `json:"stats"`
	RecentActions []models.ActionRecord `json:"recent_actions"`
}

// Learner answers questions about past healing actions.
type Learner struct {
	store     Store
	publisher Publisher
	now       func() time.Time
	logger    *logging.Logger
}

// NewLearner creates a learner over store. publisher may be nil.
func NewLearner(store Store, publisher Publisher) *Learner {
	return &Learner{
		store:     store,
		publisher: publisher,
		now:       time.Now,
		logger:    logging.GetLogger("ledger.learner"),
	}
}

// WithClock replaces the time source.
func (l *Learner) WithClock(now func() time.Time) *Learner {
	l.now = now
	return l
}

// Record appends rec and publishes the stored record. A publish failure is
// logged; the ledger append is what counts.
func (l *Learner) Record(ctx context.Context, rec models.ActionRecord) (models.ActionRecord, error) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now()
	}
	stored, err := l.store.Append(ctx, rec)
	if err != nil {
		return models.ActionRecord{}, err
	}
	if l.publisher != nil {
		if err := l.publisher.Publish(stored); err != nil {
			l.logger.Warn("Failed to publish action %d: %v", stored.ID, err)
		}
	}
	return stored, nil
}

// Since returns the records of the trailing window in id order.
func (l *Learner) Since(ctx context.Context, window time.Duration) ([]models.ActionRecord, error) {
	return l.store.Since(ctx, l.now().Add(-window))
}

func (l *Learner) window(ctx context.Context, hours int) ([]models.ActionRecord, error) {
	if hours <= 0 {
		return nil, models.InvalidRequest("hours must be positive, got %d", hours)
	}
	return l.Since(ctx, time.Duration(hours)*time.Hour)
}

// History returns the records of the last hours, newest first.
func (l *Learner) History(ctx context.Context, hours int) ([]models.ActionRecord, error) {
	records, err := l.window(ctx, hours)
	if err != nil {
		return nil, err
	}
	out := make([]models.ActionRecord, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		out = append(out, records[i])
	}
	return out, nil
}

func (l *Learner) Stats(ctx context.Context, hours int) (*Stats, error) {
	records, err := l.window(ctx, hours)
	if err != nil {
		return nil, err
	}
	return computeStats(hours, records), nil
}

func computeStats(hours int, records []models.ActionRecord) *Stats {
	stats := &Stats{
		TimePeriodHours: hours,
		TotalActions:    len(records),
		ByActionType:    make(map[string]*ActionTypeStats),
	}
	resolution := make(map[string][]float64)

	for _, r := range records {
		key := string(r.Action.Type)
		by, ok := stats.ByActionType[key]
		if !ok {
			by = &ActionTypeStats{}
			stats.ByActionType[key] = by
		}
		by.Total++

		switch {
		case r.DryRun:
			stats.DryRunActions++
			by.DryRun++
		case !r.Decision.Allowed:
			stats.DeniedActions++
			by.Denied++
		case r.Success:
			stats.AttemptedActions++
			stats.SuccessfulActions++
			by.Success++
		default:
			stats.AttemptedActions++
			stats.FailedActions++
			by.Failed++
		}

		if r.Outcome != nil {
			resolution[key] = append(resolution[key], r.Outcome.ResolutionSeconds)
		}
	}

	if stats.AttemptedActions > 0 {
		rate := float64(stats.SuccessfulActions) / float64(stats.AttemptedActions) * 100
		stats.SuccessRate = round(rate, 1)
	}
	for key, values := range resolution {
		var sum float64
		for _, v := range values {
			sum += v
		}
		avg := round(sum/float64(len(values)), 2)
		stats.ByActionType[key].AvgResolutionSeconds = &avg
	}
	return stats
}

// RecurringIssues groups attempted real actions by signature and returns
// those seen at least minCount times, most frequent first.
func (l *Learner) RecurringIssues(ctx context.Context, hours, minCount int) ([]RecurringIssue, error) {
	if minCount < 1 {
		return nil, models.InvalidRequest("min_count must be at least 1, got %d", minCount)
	}
	records, err := l.window(ctx, hours)
	if err != nil {
		return nil, err
	}
	return recurring(records, minCount), nil
}

// RecurringTargets returns the distinct resources behind recurring issues.
func (l *Learner) RecurringTargets(ctx context.Context, hours, minCount int) ([]models.ResourceRef, error) {
	issues, err := l.RecurringIssues(ctx, hours, minCount)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]models.ResourceRef)
	for _, issue := range issues {
		for key, ref := range issue.refs {
			seen[key] = ref
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]models.ResourceRef, 0, len(keys))
	for _, k := range keys {
		out = append(out, seen[k])
	}
	return out, nil
}

func recurring(records []models.ActionRecord, minCount int) []RecurringIssue {
	groups := make(map[string]*RecurringIssue)
	for _, r := range records {
		if !r.Attempted() {
			continue
		}
		sig := r.Signature()
		g, ok := groups[sig]
		if !ok {
			g = &RecurringIssue{
				Signature:       sig,
				ActionType:      string(r.Action.Type),
				TargetKind:      string(r.Action.Target.Kind),
				FailureCategory: r.FailureCategory(),
				refs:            make(map[string]models.ResourceRef),
			}
			groups[sig] = g
		}
		g.Occurrences++
		g.refs[r.Action.Target.Key()] = r.Action.Target.Ref()
		if r.Timestamp.After(g.LastSeen) {
			g.LastSeen = r.Timestamp
		}
	}

	out := make([]RecurringIssue, 0, len(groups))
	for _, g := range groups {
		if g.Occurrences < minCount {
			continue
		}
		for key := range g.refs {
			g.Targets = append(g.Targets, key)
		}
		sort.Strings(g.Targets)
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Occurrences != out[j].Occurrences {
			return out[i].Occurrences > out[j].Occurrences
		}
		return out[i].Signature < out[j].Signature
	})
	return out
}

// RecordOutcome attaches the later-observed result of an action.
func (l *Learner) RecordOutcome(ctx context.Context, outcome models.ActionOutcome) (models.ActionRecord, error) {
	if !outcome.Outcome.Valid() {
		return models.ActionRecord{}, models.InvalidRequest("outcome must be success, failure or partial, got %q", outcome.Outcome)
	}
	if outcome.ResolutionSeconds < 0 || math.IsNaN(outcome.ResolutionSeconds) {
		return models.ActionRecord{}, models.InvalidRequest("resolution_time_seconds must not be negative")
	}
	if outcome.RecordedAt.IsZero() {
		outcome.RecordedAt = l.now()
	}
	rec, err := l.store.AttachOutcome(ctx, outcome)
	if err != nil {
		return models.ActionRecord{}, err
	}
	l.logger.InfoWithFields("Outcome recorded",
		logging.Field("action_id", outcome.ActionID),
		logging.Field("outcome", outcome.Outcome),
	)
	return rec, nil
}

// Summary returns the stats of the window and its most recent records.
func (l *Learner) Summary(ctx context.Context, hours int) (*Summary, error) {
	history, err := l.History(ctx, hours)
	if err != nil {
		return nil, err
	}
	stats := computeStats(hours, history)
	if len(history) > recentActions {
		history = history[:recentActions]
	}
	return &Summary{Stats: stats, RecentActions: history}, nil
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
