package patterns

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/moolen/sentinel/internal/gateway/kube"
	"github.com/moolen/sentinel/internal/gateway/prom"
	"github.com/moolen/sentinel/internal/models"
	"gonum.org/v1/gonum/stat"
)

// recurring reports pods whose restart counter grew in at least two of the
// K sub-windows.
func (r *Recognizer) recurring(ctx context.Context, scope models.Scope, start, end time.Time) ([]Pattern, error) {
	series, err := r.query(ctx, r.cfg.RestartQuery, scope, start, end)
	if err != nil {
		return nil, err
	}
	k := r.cfg.SubWindows
	if k <= 0 {
		k = 6
	}
	width := end.Sub(start) / time.Duration(k)

	var out []Pattern
	for _, s := range series {
		ref := prom.ResourceFor(s.Labels, "pod")
		if !scope.Matches(ref) || len(s.Samples) < 2 {
			continue
		}
		hits := 0
		for i := 0; i < k; i++ {
			ws := start.Add(time.Duration(i) * width)
			we := ws.Add(width)
			if i == k-1 {
				we = end.Add(time.Nanosecond)
			}
			if increase(windowValues(s.Samples, ws, we)) >= r.cfg.RecurringThreshold {
				hits++
			}
		}
		if hits < 2 {
			continue
		}
		out = append(out, Pattern{
			Type:        TypeRecurring,
			Members:     []models.ResourceRef{ref},
			WindowStart: start,
			WindowEnd:   end,
			Confidence:  float64(hits) / float64(k) * r.coverage(len(s.Samples)),
			Description: fmt.Sprintf("%s restarted in %d of %d windows", ref, hits, k),
			Details: map[string]interface{}{
				"hits":        hits,
				"sub_windows": k,
				"samples":     len(s.Samples),
			},
		})
	}
	return out, nil
}

// windowValues returns the values inside [from, to) preceded by the last
// value before from, so growth across the boundary is attributed to the
// window it lands in.
func windowValues(samples []prom.Sample, from, to time.Time) []float64 {
	var out []float64
	for i, s := range samples {
		if s.Timestamp.Before(from) || !s.Timestamp.Before(to) {
			continue
		}
		if len(out) == 0 && i > 0 {
			out = append(out, samples[i-1].Value)
		}
		out = append(out, s.Value)
	}
	return out
}

func increase(values []float64) float64 {
	var total float64
	for i := 1; i < len(values); i++ {
		delta := values[i] - values[i-1]
		if delta < 0 {
			delta = values[i]
		}
		total += delta
	}
	return total
}

// cyclic reports cpu series that cross the spike threshold at a regular
// interval.
func (r *Recognizer) cyclic(ctx context.Context, scope models.Scope, start, end time.Time) ([]Pattern, error) {
	series, err := r.query(ctx, r.cfg.CPUQuery, scope, start, end)
	if err != nil {
		return nil, err
	}

	var out []Pattern
	for _, s := range series {
		ref := prom.ResourceFor(s.Labels, "pod")
		if !scope.Matches(ref) {
			continue
		}
		crossings := upwardCrossings(s.Samples, r.cfg.SpikeThreshold)
		if len(crossings) < 3 {
			continue
		}
		periodicity, period := periodicity(crossings, r.cfg.PeriodTolerance)
		if periodicity <= 0 {
			continue
		}
		out = append(out, Pattern{
			Type:        TypeCyclic,
			Members:     []models.ResourceRef{ref},
			WindowStart: crossings[0],
			WindowEnd:   crossings[len(crossings)-1],
			Confidence:  periodicity * min(1, float64(len(crossings))/5),
			Description: fmt.Sprintf("%s exceeds %.0f roughly every %s", ref, r.cfg.SpikeThreshold, period.Round(time.Second)),
			Details: map[string]interface{}{
				"crossings":      len(crossings),
				"period_seconds": period.Seconds(),
				"periodicity":    periodicity,
			},
		})
	}
	return out, nil
}

func upwardCrossings(samples []prom.Sample, threshold float64) []time.Time {
	var out []time.Time
	for i := 1; i < len(samples); i++ {
		if samples[i-1].Value < threshold && samples[i].Value >= threshold {
			out = append(out, samples[i].Timestamp)
		}
	}
	return out
}

// periodicity is the fraction of gaps between crossings within tolerance of
// the mean gap.
func periodicity(crossings []time.Time, tolerance float64) (float64, time.Duration) {
	gaps := make([]float64, 0, len(crossings)-1)
	for i := 1; i < len(crossings); i++ {
		gaps = append(gaps, crossings[i].Sub(crossings[i-1]).Seconds())
	}
	mean := stat.Mean(gaps, nil)
	if mean <= 0 {
		return 0, 0
	}
	regular := 0
	for _, g := range gaps {
		if math.Abs(g-mean) <= tolerance*mean {
			regular++
		}
	}
	return float64(regular) / float64(len(gaps)), time.Duration(mean * float64(time.Second))
}

// exhaustion fits a line to memory usage and reports series projected to
// reach the limit within the horizon.
func (r *Recognizer) exhaustion(ctx context.Context, scope models.Scope, start, end time.Time) ([]Pattern, error) {
	series, err := r.query(ctx, r.cfg.MemoryQuery, scope, start, end)
	if err != nil {
		return nil, err
	}

	var out []Pattern
	for _, s := range series {
		ref := prom.ResourceFor(s.Labels, "pod")
		if !scope.Matches(ref) || len(s.Samples) < r.cfg.ExhaustionMinSamples || len(s.Samples) < 2 {
			continue
		}
		eta, r2, slope, ok := projectExhaustion(s.Samples, r.cfg.ExhaustionLimit)
		if !ok || eta > r.cfg.ExhaustionHorizon {
			continue
		}
		last, _ := s.Last()
		out = append(out, Pattern{
			Type:        TypeExhaustion,
			Members:     []models.ResourceRef{ref},
			WindowStart: s.Samples[0].Timestamp,
			WindowEnd:   last.Timestamp,
			Confidence:  r2 * r.coverage(len(s.Samples)),
			Description: fmt.Sprintf("%s projected to reach %.0f%% in %s", ref, r.cfg.ExhaustionLimit, eta.Round(time.Minute)),
			Details: map[string]interface{}{
				"eta_seconds":     eta.Seconds(),
				"slope_per_hour":  slope * 3600,
				"r_squared":       r2,
				"current_percent": last.Value,
			},
		})
	}
	return out, nil
}

// projectExhaustion returns the time until the fitted line reaches limit,
// the fit's R² and slope per second. ok is false for flat or falling series
// and for series already past the limit.
func projectExhaustion(samples []prom.Sample, limit float64) (eta time.Duration, r2, slope float64, ok bool) {
	origin := samples[0].Timestamp
	xs := make([]float64, len(samples))
	ys := make([]float64, len(samples))
	for i, s := range samples {
		xs[i] = s.Timestamp.Sub(origin).Seconds()
		ys[i] = s.Value
	}
	alpha, beta := stat.LinearRegression(xs, ys, nil, false)
	if beta <= 0 || math.IsNaN(beta) {
		return 0, 0, 0, false
	}
	fittedLast := alpha + beta*xs[len(xs)-1]
	if fittedLast >= limit {
		return 0, 0, 0, false
	}
	r2 = stat.RSquared(xs, ys, nil, alpha, beta)
	if math.IsNaN(r2) {
		r2 = 0
	}
	seconds := (limit - fittedLast) / beta
	return time.Duration(seconds * float64(time.Second)), r2, beta, true
}

// cascade reports the largest group of at least three pods that started
// failing within one cascade window.
func (r *Recognizer) cascade(ctx context.Context, scope models.Scope, start, end time.Time) ([]Pattern, error) {
	pods, err := r.pods.ListPods(ctx, scope.Namespace, "")
	if err != nil {
		return nil, err
	}

	var failing []kube.PodStatus
	for _, p := range pods {
		if !p.Failing() || !scope.Matches(p.Ref) {
			continue
		}
		if p.FailingSince.Before(start) || p.FailingSince.After(end) {
			continue
		}
		failing = append(failing, p)
	}
	group, ok := largestCascade(failing, r.cfg.CascadeWindow)
	if !ok {
		return nil, nil
	}

	span := group[len(group)-1].FailingSince.Sub(group[0].FailingSince)
	members := make([]models.ResourceRef, len(group))
	reasons := make(map[string]int)
	for i, p := range group {
		members[i] = p.Ref
		reasons[p.Reason]++
	}
	confidence := min(1, float64(len(group))/5) * (1 - 0.5*span.Seconds()/r.cfg.CascadeWindow.Seconds())
	return []Pattern{{
		Type:        TypeCascade,
		Members:     members,
		WindowStart: group[0].FailingSince,
		WindowEnd:   group[len(group)-1].FailingSince,
		Confidence:  confidence,
		Description: fmt.Sprintf("%d pods started failing within %s", len(group), span.Round(time.Second)),
		Details: map[string]interface{}{
			"span_seconds": span.Seconds(),
			"reasons":      reasons,
		},
	}}, nil
}

// largestCascade slides a window over failure start times and returns the
// biggest group of distinct pods, earliest first on ties.
func largestCascade(pods []kube.PodStatus, window time.Duration) ([]kube.PodStatus, bool) {
	seen := make(map[models.ResourceRef]bool, len(pods))
	distinct := make([]kube.PodStatus, 0, len(pods))
	for _, p := range pods {
		if !seen[p.Ref] {
			seen[p.Ref] = true
			distinct = append(distinct, p)
		}
	}
	sort.SliceStable(distinct, func(i, j int) bool { return distinct[i].FailingSince.Before(distinct[j].FailingSince) })

	bestStart, bestLen := 0, 0
	j := 0
	for i := range distinct {
		if j < i {
			j = i
		}
		for j+1 < len(distinct) && distinct[j+1].FailingSince.Sub(distinct[i].FailingSince) <= window {
			j++
		}
		if n := j - i + 1; n > bestLen {
			bestStart, bestLen = i, n
		}
	}
	if bestLen < 3 {
		return nil, false
	}
	return distinct[bestStart : bestStart+bestLen], true
}

// rollout reports deployments whose unavailable replica count is still
// above zero at the end of the lookback. The pattern spans the trailing run
// of unavailable samples.
func (r *Recognizer) rollout(ctx context.Context, scope models.Scope, start, end time.Time) ([]Pattern, error) {
	series, err := r.query(ctx, r.cfg.RolloutQuery, models.Scope{Namespace: scope.Namespace}, start, end)
	if err != nil {
		return nil, err
	}

	var out []Pattern
	for _, s := range series {
		ref := prom.ResourceFor(s.Labels, "deployment")
		if ref.Kind != models.KindDeployment || !scope.Matches(ref) {
			continue
		}
		last, ok := s.Last()
		if !ok || last.Value <= 0 {
			continue
		}
		first := len(s.Samples) - 1
		for first > 0 && s.Samples[first-1].Value > 0 {
			first--
		}
		run := len(s.Samples) - first
		since := s.Samples[first].Timestamp
		out = append(out, Pattern{
			Type:        TypeRollout,
			Members:     []models.ResourceRef{ref},
			WindowStart: since,
			WindowEnd:   last.Timestamp,
			Confidence:  0.9 * r.coverage(run),
			Description: fmt.Sprintf("%s has %.0f unavailable replicas since %s", ref, last.Value, since.Format(time.RFC3339)),
			Details: map[string]interface{}{
				"unavailable_replicas": int(last.Value),
				"unavailable_seconds":  last.Timestamp.Sub(since).Seconds(),
				"samples":              run,
			},
		})
	}
	return out, nil
}
