package mcp

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/moolen/sentinel/internal/logging"
)

// HTTPTransport serves the MCP server over streamable HTTP and implements
// lifecycle.Component.
type HTTPTransport struct {
	addr       string
	endpoint   string
	httpServer *http.Server
	logger     *logging.Logger
}

// NewHTTPTransport binds s to addr. endpoint defaults to /mcp.
func NewHTTPTransport(s *Server, addr, endpoint string) *HTTPTransport {
	if endpoint == "" {
		endpoint = "/mcp"
	} else if endpoint[0] != '/' {
		endpoint = "/" + endpoint
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	streamable := server.NewStreamableHTTPServer(
		s.GetMCPServer(),
		server.WithEndpointPath(endpoint),
		server.WithStateLess(true),
		server.WithStreamableHTTPServer(httpSrv),
	)
	mux.Handle(endpoint, streamable)

	return &HTTPTransport{
		addr:       addr,
		endpoint:   endpoint,
		httpServer: httpSrv,
		logger:     logging.GetLogger("mcp.http"),
	}
}

// Handler exposes the mux for tests.
func (t *HTTPTransport) Handler() http.Handler {
	return t.httpServer.Handler
}

func (t *HTTPTransport) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return err
	}
	t.logger.Info("MCP server listening on %s (endpoint: %s)", ln.Addr(), t.endpoint)

	go func() {
		if err := t.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("MCP server error: %v", err)
		}
	}()
	return nil
}

func (t *HTTPTransport) Stop(ctx context.Context) error {
	return t.httpServer.Shutdown(ctx)
}

func (t *HTTPTransport) Name() string { return "mcp-http" }

// ServeStdio blocks serving s over stdin/stdout.
func ServeStdio(s *Server) error {
	return server.ServeStdio(s.GetMCPServer())
}
