package config

import "time"

const (
	defaultCPUQuery     = `sum by (namespace, pod) (rate(container_cpu_usage_seconds_total{container!="",$selector}[5m])) * 100`
	defaultMemoryQuery  = `100 * sum by (namespace, pod) (container_memory_working_set_bytes{container!="",$selector}) / sum by (namespace, pod) (container_spec_memory_limit_bytes{container!="",$selector} > 0)`
	defaultRestartQuery = `sum by (namespace, pod) (kube_pod_container_status_restarts_total{$selector})`
	defaultPendingQuery = `sum by (namespace, pod) (kube_pod_status_phase{phase="Pending",$selector})`
	defaultRolloutQuery = `max by (namespace, deployment) (kube_deployment_status_replicas_unavailable{$selector})`
)

// Default returns the built-in configuration. Loaded files override it key by key.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:              8080,
			RequestsPerSecond: 20,
			Burst:             40,
			ShutdownTimeout:   30 * time.Second,
		},
		Prometheus: PrometheusConfig{
			URL:     "http://prometheus:9090",
			Timeout: 10 * time.Second,
		},
		Kubernetes: KubernetesConfig{
			Timeout:        10 * time.Second,
			OwnerCacheSize: 1000,
			OwnerCacheTTL:  5 * time.Minute,
		},
		Detection: DetectionConfig{
			Window:     15 * time.Minute,
			Step:       time.Minute,
			MinSamples: 3,
			Metrics:    DefaultMetrics(),
		},
		Patterns: PatternsConfig{
			Lookback:              6 * time.Hour,
			Step:                  5 * time.Minute,
			SubWindows:            6,
			RecurringThreshold:    1,
			FullConfidenceSamples: 12,
			SpikeThreshold:        70,
			PeriodTolerance:       0.25,
			ExhaustionMinSamples:  10,
			ExhaustionLimit:       100,
			ExhaustionHorizon:     2 * time.Hour,
			CascadeWindow:         5 * time.Minute,
			RestartQuery:          defaultRestartQuery,
			CPUQuery:              defaultCPUQuery,
			MemoryQuery:           defaultMemoryQuery,
			RolloutQuery:          defaultRolloutQuery,
		},
		Correlation: CorrelationConfig{
			Window:             15 * time.Minute,
			PriorLookbackHours: 24,
			PriorMinCount:      3,
		},
		Healing: HealingConfig{
			RateLimit:          10,
			RateWindow:         time.Hour,
			Cooldown:           5 * time.Minute,
			BlastRadius:        5,
			GracePeriodSeconds: 30,
			Timeout:            10 * time.Second,
		},
		Ledger: LedgerConfig{
			Backend: LedgerFile,
			Path:    "/var/lib/sentinel/ledger.jsonl",
		},
		Events: EventsConfig{
			Subject: "sentinel.actions",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// DefaultMetrics returns the cpu, memory, restart and pending signals.
func DefaultMetrics() []MetricConfig {
	return []MetricConfig{
		{
			Name: "cpu_usage_percent", Category: "cpu", Query: defaultCPUQuery,
			Mode: ModeStatic, Aggregation: AggregationLatest, Warning: 80, Critical: 95,
			ResourceLabel: "pod",
		},
		{
			Name: "memory_usage_percent", Category: "memory", Query: defaultMemoryQuery,
			Mode: ModeStatic, Aggregation: AggregationLatest, Warning: 85, Critical: 95,
			ResourceLabel: "pod",
		},
		{
			Name: "pod_restarts", Category: "restarts", Query: defaultRestartQuery,
			Mode: ModeStatic, Aggregation: AggregationIncrease, Warning: 5, Critical: 10,
			ResourceLabel: "pod",
		},
		{
			Name: "pod_pending_minutes", Category: "pending", Query: defaultPendingQuery,
			Mode: ModeStatic, Aggregation: AggregationSustained, Warning: 5, Critical: 15,
			ResourceLabel: "pod",
		},
	}
}
