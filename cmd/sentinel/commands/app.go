package commands

import (
	"context"
	"fmt"

	"github.com/moolen/sentinel/internal/analysis"
	"github.com/moolen/sentinel/internal/config"
	"github.com/moolen/sentinel/internal/gateway/kube"
	"github.com/moolen/sentinel/internal/gateway/prom"
	"github.com/moolen/sentinel/internal/healing"
	"github.com/moolen/sentinel/internal/healing/policy"
	"github.com/moolen/sentinel/internal/ledger"
	"github.com/moolen/sentinel/internal/logging"
)

// app holds the services shared by the server and mcp commands.
type app struct {
	analysis  *analysis.Service
	healing   *healing.Service
	learner   *ledger.Learner
	engine    *policy.Engine
	store     ledger.Store
	publisher *ledger.NATSPublisher
}

func openStore(cfg config.LedgerConfig) (ledger.Store, error) {
	switch cfg.Backend {
	case config.LedgerMemory:
		return ledger.NewMemoryStore(), nil
	case config.LedgerFile:
		return ledger.OpenFileStore(cfg.Path)
	case config.LedgerPostgres:
		return ledger.OpenSQLStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := logging.GetLogger("sentinel")

	store, err := openStore(cfg.Ledger)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	a := &app{store: store}

	var publisher ledger.Publisher
	if cfg.Events.NATSURL != "" {
		a.publisher, err = ledger.ConnectNATS(cfg.Events.NATSURL, cfg.Events.Subject)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		publisher = a.publisher
		logger.Info("Publishing action records to %s (subject: %s.*)", cfg.Events.NATSURL, cfg.Events.Subject)
	}
	a.learner = ledger.NewLearner(store, publisher)

	metricsGateway, err := prom.NewClient(cfg.Prometheus.URL, cfg.Prometheus.Timeout)
	if err != nil {
		a.Close()
		return nil, err
	}
	cluster, err := kube.NewClientFromConfig(cfg.Kubernetes)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.engine, err = policy.New(cfg.Healing)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.analysis = analysis.NewService(metricsGateway, cluster, a.learner, cfg)
	a.healing = healing.NewService(cluster, a.engine, a.learner, cfg.Healing)

	if cfg.Healing.ReplayLedger {
		if _, err := a.healing.ReplayLedger(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to replay ledger: %w", err)
		}
	}

	logger.Info("Ledger backend: %s, prometheus: %s", cfg.Ledger.Backend, cfg.Prometheus.URL)
	return a, nil
}

// Close releases the ledger and the NATS connection.
func (a *app) Close() error {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}

// closeAll is used on shutdown paths where errors are only logged.
func closeAll(logger *logging.Logger, a *app) {
	if err := a.Close(); err != nil {
		logger.Error("Failed to close ledger: %v", err)
	}
}
