// Package promtest provides an in-memory prom.Gateway for tests.
package promtest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/moolen/sentinel/internal/gateway/prom"
)

// Gateway answers queries from canned series. A query is matched by the
// first registered key it contains.
type Gateway struct {
	mu      sync.Mutex
	series  map[string][]prom.Series
	errs    map[string]error
	queries []string
}

func New() *Gateway {
	return &Gateway{
		series: make(map[string][]prom.Series),
		errs:   make(map[string]error),
	}
}

// Set registers series returned for queries containing key.
func (g *Gateway) Set(key string, series ...prom.Series) *Gateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.series[key] = series
	return g
}

// Fail makes queries containing key return err.
func (g *Gateway) Fail(key string, err error) *Gateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errs[key] = err
	return g
}

// Queries returns every query received so far.
func (g *Gateway) Queries() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.queries...)
}

func (g *Gateway) Query(ctx context.Context, query string, at time.Time) ([]prom.Series, error) {
	series, err := g.lookup(query)
	if err != nil {
		return nil, err
	}
	out := make([]prom.Series, 0, len(series))
	for _, s := range series {
		if last, ok := s.Last(); ok {
			out = append(out, prom.Series{Labels: s.Labels, Samples: []prom.Sample{last}})
		}
	}
	return out, nil
}

func (g *Gateway) QueryRange(ctx context.Context, query string, start, end time.Time, step time.Duration) ([]prom.Series, error) {
	return g.lookup(query)
}

func (g *Gateway) lookup(query string) ([]prom.Series, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queries = append(g.queries, query)
	for key, err := range g.errs {
		if strings.Contains(query, key) {
			return nil, err
		}
	}
	for key, series := range g.series {
		if strings.Contains(query, key) {
			return series, nil
		}
	}
	return nil, nil
}

// Series builds a series with one sample per step ending at end.
func Series(labels map[string]string, end time.Time, step time.Duration, values ...float64) prom.Series {
	s := prom.Series{Labels: labels}
	start := end.Add(-time.Duration(len(values)-1) * step)
	for i, v := range values {
		s.Samples = append(s.Samples, prom.Sample{Timestamp: start.Add(time.Duration(i) * step), Value: v})
	}
	return s
}

// PodLabels returns namespace and pod labels.
func PodLabels(namespace, pod string) map[string]string {
	return map[string]string{"namespace": namespace, "pod": pod}
}
