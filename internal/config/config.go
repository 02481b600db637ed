package config

import (
	"fmt"
	"time"

	"github.com/moolen/sentinel/internal/models"
)

// Config holds all configuration for sentinel
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Prometheus  PrometheusConfig  `yaml:"prometheus"`
	Kubernetes  KubernetesConfig  `yaml:"kubernetes"`
	Detection   DetectionConfig   `yaml:"detection"`
	Patterns    PatternsConfig    `yaml:"patterns"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Healing     HealingConfig     `yaml:"healing"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Events      EventsConfig      `yaml:"events"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
	// RequestsPerSecond throttles the HTTP API. Zero disables throttling.
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type PrometheusConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type KubernetesConfig struct {
	// Kubeconfig is used when not running in-cluster. Empty means $HOME/.kube/config.
	Kubeconfig     string        `yaml:"kubeconfig"`
	Timeout        time.Duration `yaml:"timeout"`
	OwnerCacheSize int           `yaml:"owner_cache_size"`
	OwnerCacheTTL  time.Duration `yaml:"owner_cache_ttl"`
}

// Threshold modes and signal aggregations for metric definitions.
const (
	ModeStatic   = "static"
	ModeRelative = "relative"

	AggregationLatest    = "latest"
	AggregationIncrease  = "increase"
	AggregationSustained = "sustained"
)

// MetricConfig defines one anomaly signal. Query may contain $selector,
// which is replaced by the scope's label matchers.
type MetricConfig struct {
	Name          string  `yaml:"name"`
	Category      string  `yaml:"category"`
	Query         string  `yaml:"query"`
	Mode          string  `yaml:"mode"`
	Aggregation   string  `yaml:"aggregation"`
	Warning       float64 `yaml:"warning"`
	Critical      float64 `yaml:"critical"`
	Multiplier    float64 `yaml:"multiplier"`
	ResourceLabel string  `yaml:"resource_label"`
}

type DetectionConfig struct {
	Window     time.Duration  `yaml:"window"`
	Step       time.Duration  `yaml:"step"`
	MinSamples int            `yaml:"min_samples"`
	Metrics    []MetricConfig `yaml:"metrics"`
	// CacheTTL caches detection reports per scope. Zero disables caching.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type PatternsConfig struct {
	Lookback              time.Duration `yaml:"lookback"`
	Step                  time.Duration `yaml:"step"`
	SubWindows            int           `yaml:"sub_windows"`
	RecurringThreshold    float64       `yaml:"recurring_threshold"`
	FullConfidenceSamples int           `yaml:"full_confidence_samples"`
	SpikeThreshold        float64       `yaml:"spike_threshold"`
	PeriodTolerance       float64       `yaml:"period_tolerance"`
	ExhaustionMinSamples  int           `yaml:"exhaustion_min_samples"`
	ExhaustionLimit       float64       `yaml:"exhaustion_limit"`
	ExhaustionHorizon     time.Duration `yaml:"exhaustion_horizon"`
	CascadeWindow         time.Duration `yaml:"cascade_window"`
	RestartQuery          string        `yaml:"restart_query"`
	CPUQuery              string        `yaml:"cpu_query"`
	MemoryQuery           string        `yaml:"memory_query"`
	// RolloutQuery is rendered with the namespace only; deployment series
	// carry no pod label.
	RolloutQuery          string        `yaml:"rollout_query"`
}

type CorrelationConfig struct {
	Window time.Duration `yaml:"window"`
	// Recurring issues within this lookback raise correlation scores.
	PriorLookbackHours int `yaml:"prior_lookback_hours"`
	PriorMinCount      int `yaml:"prior_min_count"`
}

type HealingConfig struct {
	RateLimit   int           `yaml:"rate_limit"`
	RateWindow  time.Duration `yaml:"rate_window"`
	Cooldown    time.Duration `yaml:"cooldown"`
	BlastRadius int           `yaml:"blast_radius"`
	// DryRunConsumesRateLimit makes previews count toward RateLimit.
	DryRunConsumesRateLimit bool `yaml:"dry_run_consumes_rate_limit"`
	// ReplayLedger seeds gate state from the ledger at startup.
	ReplayLedger       bool          `yaml:"replay_ledger"`
	GracePeriodSeconds int64         `yaml:"grace_period_seconds"`
	Timeout            time.Duration `yaml:"timeout"`
}

// Ledger backends.
const (
	LedgerMemory   = "memory"
	LedgerFile     = "file"
	LedgerPostgres = "postgres"
)

type LedgerConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
}

// EventsConfig enables publishing action records to NATS when URL is set.
type EventsConfig struct {
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	TLSCAPath   string `yaml:"tls_ca_path"`
	TLSInsecure bool   `yaml:"tls_insecure"`
}

type LoggingConfig struct {
	Level    string            `yaml:"level"`
	Format   string            `yaml:"format"`
	Packages map[string]string `yaml:"packages"`
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return NewConfigError("server.port must be between 1 and 65535")
	}
	if c.Server.RequestsPerSecond < 0 {
		return NewConfigError("server.requests_per_second must not be negative")
	}
	if c.Server.RequestsPerSecond > 0 && c.Server.Burst < 1 {
		return NewConfigError("server.burst must be at least 1 when throttling is enabled")
	}
	if c.Prometheus.URL == "" {
		return NewConfigError("prometheus.url must not be empty")
	}
	if c.Prometheus.Timeout <= 0 || c.Kubernetes.Timeout <= 0 {
		return NewConfigError("gateway timeouts must be positive")
	}
	if err := c.Detection.validate(); err != nil {
		return err
	}
	if err := c.Patterns.validate(); err != nil {
		return err
	}
	if c.Correlation.Window <= 0 {
		return NewConfigError("correlation.window must be positive")
	}
	if err := c.Healing.Validate(); err != nil {
		return err
	}
	switch c.Ledger.Backend {
	case LedgerMemory:
	case LedgerFile:
		if c.Ledger.Path == "" {
			return NewConfigError("ledger.path must be set for the file backend")
		}
	case LedgerPostgres:
		if c.Ledger.DSN == "" {
			return NewConfigError("ledger.dsn must be set for the postgres backend")
		}
	default:
		return NewConfigError(fmt.Sprintf("ledger.backend %q is not one of memory, file, postgres", c.Ledger.Backend))
	}
	if c.Events.NATSURL != "" && c.Events.Subject == "" {
		return NewConfigError("events.subject must be set when events.nats_url is set")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return NewConfigError("tracing.endpoint must be set when tracing is enabled")
	}
	return nil
}

func (d *DetectionConfig) validate() error {
	if d.Window <= 0 || d.Step <= 0 || d.Step > d.Window {
		return NewConfigError("detection.window and detection.step must be positive with step <= window")
	}
	if d.MinSamples < 2 {
		return NewConfigError("detection.min_samples must be at least 2")
	}
	if len(d.Metrics) == 0 {
		return NewConfigError("detection.metrics must define at least one metric")
	}
	for _, m := range d.Metrics {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks a single metric definition.
func (m MetricConfig) Validate() error {
	if m.Name == "" || m.Query == "" {
		return NewConfigError("detection metric needs a name and a query")
	}
	if !models.Category(m.Category).Valid() {
		return NewConfigError(fmt.Sprintf("metric %s: unknown category %q", m.Name, m.Category))
	}
	switch m.Aggregation {
	case AggregationLatest, AggregationIncrease, AggregationSustained:
	default:
		return NewConfigError(fmt.Sprintf("metric %s: unknown aggregation %q", m.Name, m.Aggregation))
	}
	switch m.Mode {
	case ModeStatic:
		if m.Warning <= 0 || m.Critical < m.Warning {
			return NewConfigError(fmt.Sprintf("metric %s: static mode needs 0 < warning <= critical", m.Name))
		}
	case ModeRelative:
		if m.Multiplier <= 0 {
			return NewConfigError(fmt.Sprintf("metric %s: relative mode needs a positive multiplier", m.Name))
		}
	default:
		return NewConfigError(fmt.Sprintf("metric %s: unknown mode %q", m.Name, m.Mode))
	}
	return nil
}

func (p *PatternsConfig) validate() error {
	if p.Lookback <= 0 || p.Step <= 0 {
		return NewConfigError("patterns.lookback and patterns.step must be positive")
	}
	if p.SubWindows < 2 {
		return NewConfigError("patterns.sub_windows must be at least 2")
	}
	if p.CascadeWindow <= 0 || p.CascadeWindow >= p.Lookback {
		return NewConfigError("patterns.cascade_window must be positive and shorter than patterns.lookback")
	}
	if p.PeriodTolerance <= 0 || p.PeriodTolerance >= 1 {
		return NewConfigError("patterns.period_tolerance must be in (0,1)")
	}
	if p.FullConfidenceSamples < 1 || p.ExhaustionMinSamples < 3 {
		return NewConfigError("patterns sample thresholds are too small")
	}
	return nil
}

// Validate checks the healing policy section. It is used on hot reload too.
func (h HealingConfig) Validate() error {
	if h.RateLimit < 1 {
		return NewConfigError("healing.rate_limit must be at least 1")
	}
	if h.RateWindow <= 0 {
		return NewConfigError("healing.rate_window must be positive")
	}
	if h.Cooldown < 0 {
		return NewConfigError("healing.cooldown must not be negative")
	}
	if h.BlastRadius < 1 {
		return NewConfigError("healing.blast_radius must be at least 1")
	}
	if h.GracePeriodSeconds < 0 {
		return NewConfigError("healing.grace_period_seconds must not be negative")
	}
	if h.Timeout <= 0 {
		return NewConfigError("healing.timeout must be positive")
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	message string
}

// NewConfigError creates a new configuration error
func NewConfigError(message string) *ConfigError {
	return &ConfigError{message: message}
}

func (e *ConfigError) Error() string {
	return e.message
}
