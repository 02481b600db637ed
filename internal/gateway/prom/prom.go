// Package prom is the metrics gateway: instant and range queries against a
// Prometheus compatible API.
package prom

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/moolen/sentinel/internal/logging"
	"github.com/moolen/sentinel/internal/metrics"
	"github.com/moolen/sentinel/internal/models"
	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

const gatewayName = "prometheus"

// Sample is one point of a series.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Series is a labeled, time-ordered list of samples.
type Series struct {
	Labels  map[string]string `json:"labels"`
	Samples []Sample          `json:"samples"`
}

// Values returns the sample values in order.
func (s Series) Values() []float64 {
	out := make([]float64, len(s.Samples))
	for i, smp := range s.Samples {
		out[i] = smp.Value
	}
	return out
}

// Last returns the newest sample. ok is false for an empty series.
func (s Series) Last() (Sample, bool) {
	if len(s.Samples) == 0 {
		return Sample{}, false
	}
	return s.Samples[len(s.Samples)-1], true
}

// Gateway is the read-only interface the analyzers depend on.
type Gateway interface {
	Query(ctx context.Context, query string, at time.Time) ([]Series, error)
	QueryRange(ctx context.Context, query string, start, end time.Time, step time.Duration) ([]Series, error)
}

// Client implements Gateway on top of the Prometheus HTTP API.
type Client struct {
	api     v1.API
	timeout time.Duration
	logger  *logging.Logger
}

// NewClient creates a client for the Prometheus server at address. Every call
// is bounded by timeout.
func NewClient(address string, timeout time.Duration) (*Client, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	c, err := api.NewClient(api.Config{Address: address, RoundTripper: transport})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}
	return &Client{
		api:     v1.NewAPI(c),
		timeout: timeout,
		logger:  logging.GetLogger("gateway.prom"),
	}, nil
}

// Query runs an instant query at the given time.
func (c *Client) Query(ctx context.Context, query string, at time.Time) ([]Series, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := time.Now()
	value, warnings, err := c.api.Query(ctx, query, at)
	metrics.ObserveGatewayCall(gatewayName, "query", started, err)
	if err != nil {
		return nil, c.classify(query, err)
	}
	c.logWarnings(query, warnings)
	return convert(value)
}

// QueryRange runs a range query.
func (c *Client) QueryRange(ctx context.Context, query string, start, end time.Time, step time.Duration) ([]Series, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := time.Now()
	value, warnings, err := c.api.QueryRange(ctx, query, v1.Range{Start: start, End: end, Step: step})
	metrics.ObserveGatewayCall(gatewayName, "query_range", started, err)
	if err != nil {
		return nil, c.classify(query, err)
	}
	c.logWarnings(query, warnings)
	return convert(value)
}

// classify separates malformed queries, which are the caller's fault, from
// everything else, which is an unavailable upstream.
func (c *Client) classify(query string, err error) error {
	var apiErr *v1.Error
	if errors.As(err, &apiErr) && apiErr.Type == v1.ErrBadData {
		return models.InvalidRequest("bad query %q: %s", query, apiErr.Msg)
	}
	c.logger.Debug("query %q failed: %v", query, err)
	return models.Upstream(gatewayName, err)
}

func (c *Client) logWarnings(query string, warnings v1.Warnings) {
	if len(warnings) > 0 {
		c.logger.WarnWithFields("prometheus returned warnings",
			logging.Field("query", query),
			logging.Field("warnings", strings.Join(warnings, "; ")),
		)
	}
}

func convert(value model.Value) ([]Series, error) {
	switch v := value.(type) {
	case model.Matrix:
		out := make([]Series, 0, len(v))
		for _, stream := range v {
			s := Series{Labels: labels(stream.Metric)}
			for _, p := range stream.Values {
				if math.IsNaN(float64(p.Value)) {
					continue
				}
				s.Samples = append(s.Samples, Sample{Timestamp: p.Timestamp.Time().UTC(), Value: float64(p.Value)})
			}
			out = append(out, s)
		}
		return out, nil
	case model.Vector:
		out := make([]Series, 0, len(v))
		for _, smp := range v {
			s := Series{Labels: labels(smp.Metric)}
			if !math.IsNaN(float64(smp.Value)) {
				s.Samples = []Sample{{Timestamp: smp.Timestamp.Time().UTC(), Value: float64(smp.Value)}}
			}
			out = append(out, s)
		}
		return out, nil
	case *model.Scalar:
		return []Series{{Labels: map[string]string{}, Samples: []Sample{{Timestamp: v.Timestamp.Time().UTC(), Value: float64(v.Value)}}}}, nil
	default:
		return nil, fmt.Errorf("unsupported prometheus result type %s", value.Type())
	}
}

func labels(m model.Metric) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[string(k)] = string(v)
	}
	return out
}

// Selector renders label matchers for a scope. Resource matches the object
// itself and any pod generated from it.
func Selector(scope models.Scope) string {
	var matchers []string
	if scope.Namespace != "" {
		matchers = append(matchers, "namespace="+strconv.Quote(scope.Namespace))
	}
	if scope.Resource != "" {
		matchers = append(matchers, "pod=~"+strconv.Quote(regexpQuote(scope.Resource)+"(-.*)?"))
	}
	sort.Strings(matchers)
	return strings.Join(matchers, ",")
}

// Render substitutes $selector in a query template.
func Render(template string, scope models.Scope) string {
	sel := Selector(scope)
	if sel == "" {
		template = strings.ReplaceAll(template, ",$selector", "")
		return strings.ReplaceAll(template, "$selector", "")
	}
	return strings.ReplaceAll(template, "$selector", sel)
}

func regexpQuote(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`\.+*?()|[]{}^$`, r) {
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ResourceFor derives the affected object from series labels. preferred
// names the label to try first; pod, deployment and node follow. A series
// with none of them is attributed to its namespace.
func ResourceFor(labels map[string]string, preferred string) models.ResourceRef {
	ns := labels["namespace"]
	candidates := []string{"pod", "deployment", "node"}
	if preferred != "" {
		candidates = append([]string{preferred}, candidates...)
	}
	for _, l := range candidates {
		name := labels[l]
		if name == "" {
			continue
		}
		switch l {
		case "node":
			return models.ResourceRef{Kind: models.KindNode, Name: name}
		case "deployment":
			return models.ResourceRef{Kind: models.KindDeployment, Namespace: ns, Name: name}
		default:
			return models.ResourceRef{Kind: models.KindPod, Namespace: ns, Name: name}
		}
	}
	return models.ResourceRef{Kind: models.KindNamespace, Name: ns}
}
