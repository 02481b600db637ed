package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/moolen/sentinel/internal/logging"
)

// Manager starts components after their dependencies and stops them in
// reverse start order. Dependencies must be registered before their
// dependents, so registration order is always a valid start order.
type Manager struct {
	mu              sync.Mutex
	components      []Component
	dependencies    map[Component][]Component
	started         []Component
	shutdownTimeout time.Duration
	logger          *logging.Logger
}

// NewManager creates a manager with a 30 second per-component shutdown timeout.
func NewManager() *Manager {
	return &Manager{
		dependencies:    make(map[Component][]Component),
		shutdownTimeout: 30 * time.Second,
		logger:          logging.GetLogger("lifecycle"),
	}
}

// Register adds a component. Every dependency must already be registered,
// which also rules out cycles.
func (m *Manager) Register(component Component, dependsOn ...Component) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if component == nil {
		return errors.New("cannot register nil component")
	}
	if component.Name() == "" {
		return errors.New("component must have a non-empty name")
	}
	if slices.Contains(m.components, component) {
		return fmt.Errorf("component %s is already registered", component.Name())
	}
	for _, dep := range dependsOn {
		if !slices.Contains(m.components, dep) {
			return fmt.Errorf("dependency %s of %s is not registered", dep.Name(), component.Name())
		}
	}

	m.components = append(m.components, component)
	m.dependencies[component] = dependsOn
	m.logger.Debug("Registered %s with %d dependencies", component.Name(), len(dependsOn))
	return nil
}

// Start starts every component. On failure the components already started
// are stopped again and the error is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.started = m.started[:0]
	for _, c := range m.components {
		m.logger.Info("Starting %s", c.Name())
		began := time.Now()
		if err := c.Start(ctx); err != nil {
			m.logger.Error("Failed to start %s: %v", c.Name(), err)
			m.rollback()
			return fmt.Errorf("failed to start %s: %w", c.Name(), err)
		}
		m.started = append(m.started, c)
		m.logger.Info("%s started (took %dms)", c.Name(), time.Since(began).Milliseconds())
	}
	return nil
}

// rollback stops what Start managed to start. Callers hold m.mu.
func (m *Manager) rollback() {
	for i := len(m.started) - 1; i >= 0; i-- {
		c := m.started[i]
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.Stop(ctx); err != nil {
			m.logger.Warn("Error stopping %s during rollback: %v", c.Name(), err)
		}
		cancel()
	}
	m.started = m.started[:0]
}

// Stop stops started components in reverse order, each under its own
// shutdown timeout. Errors are logged and joined.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for i := len(m.started) - 1; i >= 0; i-- {
		c := m.started[i]
		m.logger.Info("Stopping %s", c.Name())
		stopCtx, cancel := context.WithTimeout(ctx, m.shutdownTimeout)
		err := c.Stop(stopCtx)
		cancel()
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			m.logger.Warn("%s exceeded the %s shutdown timeout", c.Name(), m.shutdownTimeout)
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
		case err != nil:
			m.logger.Error("Error stopping %s: %v", c.Name(), err)
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
		}
	}
	m.started = m.started[:0]
	m.logger.Info("All components stopped")
	return errors.Join(errs...)
}

// Running reports whether c was started and not yet stopped.
func (m *Manager) Running(c Component) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Contains(m.started, c)
}

func (m *Manager) SetShutdownTimeout(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownTimeout = timeout
}
