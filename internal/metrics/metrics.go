// Package metrics exposes sentinel's own Prometheus instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

var (
	gatewayCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "gateway_calls_total",
			Help:      "Calls to the metrics and cluster gateways, partitioned by gateway, operation and outcome.",
		},
		[]string{"gateway", "operation", "outcome"},
	)

	gatewayCallSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sentinel",
			Name:      "gateway_call_seconds",
			Help:      "Gateway call latency in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"gateway", "operation"},
	)

	detectionPassesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "detection_passes_total",
			Help:      "Detection passes, partitioned by analyzer and whether every category was available.",
		},
		[]string{"analyzer", "outcome"},
	)

	anomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "anomalies_total",
			Help:      "Anomalies reported, partitioned by category and severity.",
		},
		[]string{"category", "severity"},
	)

	healingDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "healing_decisions_total",
			Help:      "Safety gate decisions, partitioned by action type, decision and dry run.",
		},
		[]string{"action_type", "decision", "dry_run"},
	)

	healingExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "healing_executions_total",
			Help:      "Dispatched healing actions, partitioned by action type and outcome.",
		},
		[]string{"action_type", "outcome"},
	)

	rateWindowUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sentinel",
			Name:      "healing_rate_window_used",
			Help:      "Slots consumed in the trailing healing rate-limit window.",
		},
	)
)

// Register attaches sentinel collectors to the supplied registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		gatewayCallsTotal,
		gatewayCallSeconds,
		detectionPassesTotal,
		anomaliesTotal,
		healingDecisionsTotal,
		healingExecutionsTotal,
		rateWindowUsage,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

func outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeSuccess
}

// ObserveGatewayCall records one gateway round trip.
func ObserveGatewayCall(gateway, operation string, started time.Time, err error) {
	gatewayCallsTotal.WithLabelValues(gateway, operation, outcome(err)).Inc()
	d := time.Since(started)
	if d < 0 {
		d = 0
	}
	gatewayCallSeconds.WithLabelValues(gateway, operation).Observe(d.Seconds())
}

// ObserveDetectionPass records whether an analyzer ran with every category available.
func ObserveDetectionPass(analyzer string, complete bool) {
	label := "complete"
	if !complete {
		label = "partial"
	}
	detectionPassesTotal.WithLabelValues(analyzer, label).Inc()
}

// ObserveAnomaly counts one reported anomaly.
func ObserveAnomaly(category, severity string) {
	anomaliesTotal.WithLabelValues(category, severity).Inc()
}

// ObserveDecision counts one gate decision. decision is "allowed" or the denial reason.
func ObserveDecision(actionType, decision string, dryRun bool) {
	dr := "false"
	if dryRun {
		dr = "true"
	}
	healingDecisionsTotal.WithLabelValues(actionType, decision, dr).Inc()
}

// ObserveExecution counts one dispatched action.
func ObserveExecution(actionType string, success bool) {
	label := OutcomeSuccess
	if !success {
		label = OutcomeError
	}
	healingExecutionsTotal.WithLabelValues(actionType, label).Inc()
}

// SetRateWindowUsage publishes the current rate-limit window consumption.
func SetRateWindowUsage(used int) {
	rateWindowUsage.Set(float64(used))
}
