package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wricardo/warehouse-fleet/fleet/charger"
	"github.com/wricardo/warehouse-fleet/fleet/coordinator"
	"github.com/wricardo/warehouse-fleet/fleet/grid"
	"github.com/wricardo/warehouse-fleet/fleet/scenario"
	"github.com/wricardo/warehouse-fleet/fleet/sim"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
)

// FleetService defines all fleet operations
type FleetService interface {
	// Session management
	CreateSession(ctx context.Context, scenarioID string) (*SessionInfo, error)
	GetSession(ctx context.Context, sessionID string) (*SessionInfo, error)
	ListSessions(ctx context.Context, opts ListOptions) ([]*SessionInfo, error)
	DeleteSession(ctx context.Context, sessionID string) error

	// Fleet state
	GetFleetState(ctx context.Context, sessionID string) (*FleetState, error)
	ListCarts(ctx context.Context, sessionID string) ([]coordinator.CartView, error)
	ListStations(ctx context.Context, sessionID string) ([]charger.Station, error)
	ListJobs(ctx context.Context, sessionID string) ([]coordinator.JobView, error)

	// Fleet operations
	SubmitJob(ctx context.Context, sessionID string, pickup, delivery grid.Cell) (*coordinator.JobView, error)
	CancelJob(ctx context.Context, sessionID string, jobID int) error
	Tick(ctx context.Context, sessionID string, ticks int) (*TickResult, error)
	RescueCart(ctx context.Context, sessionID string, cartID int) (*coordinator.CartView, error)
	SetAutoplay(ctx context.Context, sessionID string, enabled bool) (*SessionInfo, error)
	AdvanceAutoplay(ctx context.Context) ([]*TickResult, error)

	// Scenarios
	ListScenarios(ctx context.Context) ([]*ScenarioInfo, error)
	LoadScenario(ctx context.Context, name string) (*scenario.Scenario, error)
	SaveScenario(ctx context.Context, name string, sc *scenario.Scenario) error
}

// SessionManager defines session storage operations
type SessionManager interface {
	Create(id, scenarioID string, sc *scenario.Scenario) (*Session, error)
	Get(id string) (*Session, error)
	List() []*Session
	Delete(id string) error
	UpdateLastAccessed(id string) error
}

// ScenarioManager loads scenario documents
type ScenarioManager interface {
	LoadScenario(name string) (*scenario.Scenario, error)
	ListScenarios() ([]*ScenarioInfo, error)
	GetDefault() (string, *scenario.Scenario)
	SaveScenario(name string, sc *scenario.Scenario) error
}

// Session is one running simulation
type Session struct {
	ID         string
	ScenarioID string
	Scenario   *scenario.Scenario
	Fleet      *coordinator.Coordinator
	Driver     *sim.Driver
	CreatedAt  time.Time

	mu           sync.Mutex
	lastAccessed time.Time
	autoplay     bool

	stepMu sync.Mutex
}

// NewSession wraps a driver into a session
func NewSession(id, scenarioID string, sc *scenario.Scenario, d *sim.Driver, now time.Time) *Session {
	return &Session{
		ID:           id,
		ScenarioID:   scenarioID,
		Scenario:     sc,
		Fleet:        d.Coordinator(),
		Driver:       d,
		CreatedAt:    now,
		lastAccessed: now,
	}
}

// Touch records an access
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastAccessed = now
	s.mu.Unlock()
}

// LastAccessed returns the time of the last access
func (s *Session) LastAccessed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccessed
}

// SetAutoplay turns wall-clock stepping on or off
func (s *Session) SetAutoplay(enabled bool) {
	s.mu.Lock()
	s.autoplay = enabled
	s.mu.Unlock()
}

// Autoplay reports whether the session steps on its own
func (s *Session) Autoplay() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoplay
}

// Step advances the simulation n ticks. Concurrent callers are serialised so
// that every move is reported against the route it was read from.
func (s *Session) Step(ctx context.Context, n int) ([]sim.StepReport, error) {
	s.stepMu.Lock()
	defer s.stepMu.Unlock()
	return s.Driver.Run(ctx, n)
}
