package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/moolen/sentinel/internal/logging"
	"github.com/moolen/sentinel/internal/mcp"
	"github.com/spf13/cobra"
)

var (
	httpAddr        string
	transportType   string
	mcpEndpointPath string
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the MCP server",
	Long: `Start the Model Context Protocol (MCP) server that exposes
Sentinel's detection, healing and ledger operations as MCP tools.

Supports two transport modes:
  - http: HTTP server mode (default, suitable for independent deployment)
  - stdio: Standard input/output mode (for subprocess-based MCP clients)

HTTP mode includes a /health endpoint for health checks.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&httpAddr, "http-addr", getEnv("MCP_HTTP_ADDR", ":8082"), "HTTP server address (host:port)")
	mcpCmd.Flags().StringVar(&transportType, "transport", "http", "Transport type: http or stdio")
	mcpCmd.Flags().StringVar(&mcpEndpointPath, "mcp-endpoint", getEnv("MCP_ENDPOINT", "/mcp"), "HTTP endpoint path for MCP requests")
}

func runMCP(cmd *cobra.Command, args []string) error {
	if transportType != "http" && transportType != "stdio" {
		return fmt.Errorf("invalid transport type: %s (must be 'http' or 'stdio')", transportType)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.GetLogger("mcp")
	logger.Info("Starting Sentinel MCP Server (transport: %s)", transportType)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeAll(logger, a)

	server := mcp.NewServer(mcp.Services{
		Analysis: a.analysis,
		Healing:  a.healing,
		Learner:  a.learner,
	}, Version)

	if transportType == "stdio" {
		logger.Info("Starting stdio transport")
		if err := mcp.ServeStdio(server); err != nil {
			logger.Error("Stdio transport error: %v", err)
			return err
		}
		logger.Info("Server stopped")
		return nil
	}

	transport := mcp.NewHTTPTransport(server, httpAddr, mcpEndpointPath)
	if err := transport.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received signal: %v, shutting down gracefully...", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := transport.Stop(shutdownCtx); err != nil {
		logger.Error("Error during shutdown: %v", err)
		return err
	}

	logger.Info("Server stopped")
	return nil
}
