package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/moolen/sentinel/internal/config"
	"github.com/moolen/sentinel/internal/logging"
	"github.com/spf13/cobra"
)

const Version = "0.1.0"

var (
	configPath    string
	logLevelFlags []string // Supports multiple --log-level flags
)

var rootCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Sentinel - Kubernetes anomaly detection and guarded self-healing",
	Long: `Sentinel watches Prometheus metrics and cluster events, detects anomalies
and failure patterns, and executes remediation actions behind a safety gate.
Every action is recorded in a ledger that feeds back into analysis.`,
	Version:       Version,
	SilenceUsage:  true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getEnv("SENTINEL_CONFIG", ""),
		"Path to the YAML config file. Empty uses built-in defaults")
	// Supports per-package log levels: --log-level debug --log-level healing.policy=debug
	rootCmd.PersistentFlags().StringSliceVar(&logLevelFlags, "log-level", nil,
		"Log level for packages. Use 'level' or 'default=level' for the default, or 'package.name=level' for per-package.\n"+
			"Examples: --log-level debug (all), --log-level healing.policy=debug --log-level api=warn")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(mcpCmd)
}

// loadConfig reads --config and initializes logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := setupLog(cfg.Logging, logLevelFlags); err != nil {
		return nil, fmt.Errorf("failed to setup logging: %w", err)
	}
	return cfg, nil
}

// setupLog initializes the logging system.
// Priority: CLI flags > environment variables > config file.
func setupLog(cfg config.LoggingConfig, flags []string) error {
	if cfg.Format != "" {
		if err := logging.SetFormat(cfg.Format); err != nil {
			return err
		}
	}

	defaultLevel, packageLevels, err := parseLogLevelFlags(cfg, flags)
	if err != nil {
		return err
	}
	return logging.Initialize(defaultLevel, packageLevels)
}

// parseLogLevelFlags merges config, environment and CLI log levels.
//
// CLI format: ["debug"], ["default=info", "healing.policy=debug"]
// Env vars: LOG_LEVEL_HEALING_POLICY=debug (package name uppercased, dots to underscores)
func parseLogLevelFlags(cfg config.LoggingConfig, flags []string) (string, map[string]string, error) {
	result := make(map[string]string)

	for pkg, level := range cfg.Packages {
		result[pkg] = level
	}
	if cfg.Level != "" {
		result["default"] = cfg.Level
	}

	for _, envPair := range os.Environ() {
		if strings.HasPrefix(envPair, "LOG_LEVEL_") {
			parts := strings.SplitN(envPair, "=", 2)
			if len(parts) != 2 {
				continue
			}
			result[convertEnvKeyToPackageName(parts[0])] = parts[1]
		}
	}

	for _, flag := range flags {
		if !strings.Contains(flag, "=") {
			result["default"] = flag
			continue
		}
		parts := strings.SplitN(flag, "=", 2)
		result[parts[0]] = parts[1]
	}

	defaultLevel := "info"
	if level, exists := result["default"]; exists {
		defaultLevel = level
		delete(result, "default")
	}

	if err := validateLogLevel(defaultLevel); err != nil {
		return "", nil, err
	}
	for pkg, level := range result {
		if err := validateLogLevel(level); err != nil {
			return "", nil, fmt.Errorf("invalid log level for package %q: %v", pkg, err)
		}
	}

	return defaultLevel, result, nil
}

// convertEnvKeyToPackageName converts LOG_LEVEL_HEALING_POLICY -> healing.policy
func convertEnvKeyToPackageName(envKey string) string {
	name := strings.TrimPrefix(envKey, "LOG_LEVEL_")
	return strings.ToLower(strings.ReplaceAll(name, "_", "."))
}

func validateLogLevel(level string) error {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error", "fatal":
		return nil
	}
	return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error, fatal)", level)
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
