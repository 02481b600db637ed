package api

import (
	"net/http"

	"github.com/moolen/sentinel/internal/analysis"
	"github.com/moolen/sentinel/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DetectHandler serves the read-only detection endpoints.
type DetectHandler struct {
	analysis *analysis.Service
	tracer   trace.Tracer
}

func NewDetectHandler(svc *analysis.Service, tracer trace.Tracer) *DetectHandler {
	return &DetectHandler{analysis: svc, tracer: tracer}
}

func (h *DetectHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/detect/anomalies", h.anomalies)
	mux.HandleFunc("GET /v1/detect/patterns", h.patterns)
	mux.HandleFunc("GET /v1/detect/health-score", h.healthScore)
	mux.HandleFunc("GET /v1/detect/correlations", h.correlations)
	mux.HandleFunc("GET /v1/detect/comprehensive", h.comprehensive)
	mux.HandleFunc("GET /v1/detect/metric-spike", h.metricSpike)
}

func (h *DetectHandler) start(r *http.Request, name string, scope models.Scope) (*http.Request, trace.Span) {
	ctx, span := h.tracer.Start(r.Context(), name, trace.WithAttributes(
		attribute.String("namespace", scope.Namespace),
		attribute.String("resource", scope.Resource),
	))
	return r.WithContext(ctx), span
}

func (h *DetectHandler) anomalies(w http.ResponseWriter, r *http.Request) {
	scope := scopeParam(r)
	r, span := h.start(r, "detect.anomalies", scope)
	defer span.End()
	_ = writeJSON(w, http.StatusOK, h.analysis.Anomalies(r.Context(), scope))
}

func (h *DetectHandler) patterns(w http.ResponseWriter, r *http.Request) {
	scope := scopeParam(r)
	lookback, err := durationParam(r, "lookback", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	r, span := h.start(r, "detect.patterns", scope)
	defer span.End()
	_ = writeJSON(w, http.StatusOK, h.analysis.Patterns(r.Context(), scope, lookback))
}

func (h *DetectHandler) healthScore(w http.ResponseWriter, r *http.Request) {
	scope := scopeParam(r)
	r, span := h.start(r, "detect.healthScore", scope)
	defer span.End()
	_ = writeJSON(w, http.StatusOK, h.analysis.HealthScore(r.Context(), scope))
}

func (h *DetectHandler) correlations(w http.ResponseWriter, r *http.Request) {
	scope := scopeParam(r)
	r, span := h.start(r, "detect.correlations", scope)
	defer span.End()
	_ = writeJSON(w, http.StatusOK, h.analysis.Correlations(r.Context(), scope))
}

func (h *DetectHandler) comprehensive(w http.ResponseWriter, r *http.Request) {
	scope := scopeParam(r)
	lookback, err := durationParam(r, "lookback", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	r, span := h.start(r, "detect.comprehensive", scope)
	defer span.End()
	_ = writeJSON(w, http.StatusOK, h.analysis.Comprehensive(r.Context(), scope, lookback))
}

type spikeResponse struct {
	Query      string           `json:"query"`
	Lookback   string           `json:"lookback"`
	Multiplier float64          `json:"multiplier"`
	Anomalies  []models.Anomaly `json:"anomalies"`
}

func (h *DetectHandler) metricSpike(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	lookback, err := durationParam(r, "lookback", defaultSpikeLookback)
	if err != nil {
		writeError(w, err)
		return
	}
	multiplier, err := floatParam(r, "multiplier", defaultSpikeMultiplier)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "detect.metricSpike", trace.WithAttributes(attribute.String("query", query)))
	defer span.End()

	found, err := h.analysis.MetricSpike(ctx, query, lookback, multiplier)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}
	if found == nil {
		found = []models.Anomaly{}
	}
	_ = writeJSON(w, http.StatusOK, spikeResponse{
		Query:      query,
		Lookback:   lookback.String(),
		Multiplier: multiplier,
		Anomalies:  found,
	})
}
