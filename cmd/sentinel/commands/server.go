package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/moolen/sentinel/internal/api"
	"github.com/moolen/sentinel/internal/config"
	"github.com/moolen/sentinel/internal/lifecycle"
	"github.com/moolen/sentinel/internal/logging"
	"github.com/moolen/sentinel/internal/metrics"
	"github.com/moolen/sentinel/internal/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	apiPort       int
	prometheusURL string
	ledgerBackend string
	ledgerPath    string
	ledgerDSN     string
	natsURL       string
	watchConfig   bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the sentinel server",
	Long: `Start the HTTP API with detection, healing and ledger endpoints,
Prometheus metrics and, when --config is set, a watcher that reloads the
healing policy whenever the file changes.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().IntVar(&apiPort, "port", 8080, "Port the HTTP API listens on")
	serverCmd.Flags().StringVar(&prometheusURL, "prometheus-url", "", "Prometheus base URL")
	serverCmd.Flags().StringVar(&ledgerBackend, "ledger-backend", "", "Ledger backend: memory, file or postgres")
	serverCmd.Flags().StringVar(&ledgerPath, "ledger-path", "", "Journal path for the file ledger")
	serverCmd.Flags().StringVar(&ledgerDSN, "ledger-dsn", getEnv("SENTINEL_LEDGER_DSN", ""), "Postgres DSN for the postgres ledger")
	serverCmd.Flags().StringVar(&natsURL, "nats-url", "", "Publish action records to this NATS server")
	serverCmd.Flags().BoolVar(&watchConfig, "watch-config", true, "Reload the healing policy when the config file changes")
}

// applyServerFlags copies explicitly set flags over the loaded config.
func applyServerFlags(flags *pflag.FlagSet, cfg *config.Config) error {
	if flags.Changed("port") {
		cfg.Server.Port = apiPort
	}
	if flags.Changed("prometheus-url") {
		cfg.Prometheus.URL = prometheusURL
	}
	if flags.Changed("ledger-backend") {
		cfg.Ledger.Backend = ledgerBackend
	}
	if flags.Changed("ledger-path") {
		cfg.Ledger.Path = ledgerPath
	}
	if ledgerDSN != "" {
		cfg.Ledger.DSN = ledgerDSN
	}
	if flags.Changed("nats-url") {
		cfg.Events.NATSURL = natsURL
	}
	return cfg.Validate()
}

// managerReadiness reports ready once the API server is running.
type managerReadiness struct {
	manager   *lifecycle.Manager
	component lifecycle.Component
}

func (r *managerReadiness) IsReady() bool {
	return r.manager.Running(r.component)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyServerFlags(cmd.Flags(), cfg); err != nil {
		return err
	}
	logger := logging.GetLogger("server")
	logger.Info("Starting Sentinel v%s", Version)

	manager := lifecycle.NewManager()
	manager.SetShutdownTimeout(cfg.Server.ShutdownTimeout)

	tracingProvider, err := tracing.NewProvider(cfg.Tracing, Version)
	if err != nil {
		logger.Warn("Failed to initialize tracing (continuing without tracing): %v", err)
	} else if err := manager.Register(tracingProvider); err != nil {
		return err
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeAll(logger, a)

	readiness := &managerReadiness{manager: manager}
	apiServer := api.New(cfg.Server, api.Services{
		Analysis: a.analysis,
		Healing:  a.healing,
		Learner:  a.learner,
		Ready:    readiness,
	})
	readiness.component = apiServer
	if err := manager.Register(apiServer); err != nil {
		return err
	}

	if configPath != "" && watchConfig {
		watcher, err := config.NewPolicyWatcher(configPath, 0, a.engine.UpdatePolicy)
		if err != nil {
			return err
		}
		if err := manager.Register(watcher); err != nil {
			return err
		}
	}

	if err := manager.Start(ctx); err != nil {
		logger.Error("Failed to start components: %v", err)
		return err
	}
	logger.Info("Sentinel started, API listening on :%d", cfg.Server.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received, gracefully shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+5*time.Second)
	defer shutdownCancel()
	if err := manager.Stop(shutdownCtx); err != nil {
		logger.Error("Error during shutdown: %v", err)
	}

	logger.Info("Shutdown complete")
	return nil
}
