package controller

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Manager holds the live controllers for this process, keyed by slot
// name. Each slot has at most one controller.
type Manager struct {
	mu          sync.Mutex
	controllers map[string]*Controller
	logger      zerolog.Logger
}

// NewManager creates an empty Manager.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		controllers: make(map[string]*Controller),
		logger:      logger.With().Str("component", "manager").Logger(),
	}
}

// Register adds a controller under its slot name, replacing nothing: a
// second registration for the same slot returns the existing controller.
func (m *Manager) Register(name string, c *Controller) *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.controllers[name]; ok {
		return existing
	}
	m.controllers[name] = c
	m.logger.Debug().Str("slot", name).Msg("controller registered")
	return c
}

// Get returns the controller for a slot, if one is registered.
func (m *Manager) Get(name string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.controllers[name]
	return c, ok
}

// ShutdownAll stops every registered controller.
func (m *Manager) ShutdownAll(ctx context.Context) {
	m.mu.Lock()
	all := make([]*Controller, 0, len(m.controllers))
	for _, c := range m.controllers {
		all = append(all, c)
	}
	m.mu.Unlock()

	for _, c := range all {
		c.Shutdown(ctx)
	}
}
