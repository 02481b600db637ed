// Package lifecycle starts and stops sentinel's long-running components in
// dependency order.
package lifecycle

import "context"

// Component is anything the Manager can start and stop: the HTTP server, the
// MCP server, the policy watcher, the tracing provider.
type Component interface {
	// Start must return once the component is serving; long-running work
	// belongs in goroutines owned by the component.
	Start(ctx context.Context) error

	// Stop should finish in-flight work within the context deadline.
	Stop(ctx context.Context) error

	// Name is used in logs and errors. Must be non-empty.
	Name() string
}
