// Package session keeps the running fleet simulations of a server process in
// memory. Sessions are keyed by a short case-insensitive ID and are dropped
// once they have not been accessed for a while.
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wricardo/warehouse-fleet/fleet/coordinator"
	"github.com/wricardo/warehouse-fleet/fleet/scenario"
	"github.com/wricardo/warehouse-fleet/fleet/service"
	"github.com/wricardo/warehouse-fleet/fleet/sim"
)

var (
	ErrSessionNotFound      = fmt.Errorf("session %w", service.ErrNotFound)
	ErrSessionAlreadyExists = fmt.Errorf("session already exists: %w", service.ErrConflict)
	ErrInvalidSessionID     = errors.New("invalid session ID")
)

// idLength is the number of characters kept from a generated UUID
const idLength = 8

// Manager handles fleet session lifecycle
type Manager struct {
	sessions map[string]*service.Session
	log      *zap.Logger
	now      func() time.Time
	mu       sync.RWMutex
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger handed to every coordinator and driver
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a new session manager
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		sessions: make(map[string]*service.Session),
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create builds a coordinator for sc and registers it under id. An empty id
// is replaced by a generated one.
func (m *Manager) Create(id, scenarioID string, sc *scenario.Scenario) (*service.Session, error) {
	if sc == nil {
		return nil, fmt.Errorf("%w: scenario is required", scenario.ErrInvalidScenario)
	}
	if strings.ContainsAny(id, " /\\?#") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id == "" {
		id = m.generateSessionID()
	}
	key := strings.ToLower(id)
	if _, exists := m.sessions[key]; exists {
		return nil, ErrSessionAlreadyExists
	}

	log := m.log.With(zap.String("session", id))
	fleet, err := sc.Build(coordinator.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("failed to build coordinator: %w", err)
	}
	driver, err := sim.NewDriver(fleet, sc.TickSeconds, sim.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("failed to create driver: %w", err)
	}

	sess := service.NewSession(id, scenarioID, sc, driver, m.now())
	m.sessions[key] = sess
	return sess, nil
}

// Get retrieves a session by ID (case-insensitive)
func (m *Manager) Get(id string) (*service.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, exists := m.sessions[strings.ToLower(id)]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// List returns all sessions
func (m *Manager) List() []*service.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*service.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		result = append(result, sess)
	}
	return result
}

// Delete removes a session
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(id)
	if _, exists := m.sessions[key]; !exists {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(m.sessions, key)
	return nil
}

// UpdateLastAccessed updates the last accessed time for a session
func (m *Manager) UpdateLastAccessed(id string) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	sess.Touch(m.now())
	return nil
}

// CleanupExpiredSessions removes sessions that haven't been accessed in the
// given duration. Sessions in autoplay are kept.
func (m *Manager) CleanupExpiredSessions(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-maxAge)
	removed := 0
	for key, sess := range m.sessions {
		if sess.Autoplay() || !sess.LastAccessed().Before(cutoff) {
			continue
		}
		delete(m.sessions, key)
		removed++
		m.log.Info("session expired", zap.String("session", sess.ID), zap.Time("last_accessed", sess.LastAccessed()))
	}
	return removed
}

// Count returns the number of sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// generateSessionID returns a short random ID not yet in use. Callers hold mu.
func (m *Manager) generateSessionID() string {
	for {
		id := uuid.NewString()[:idLength]
		if _, exists := m.sessions[id]; !exists {
			return id
		}
	}
}
