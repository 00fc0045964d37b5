package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wricardo/warehouse-fleet/fleet/charger"
	"github.com/wricardo/warehouse-fleet/fleet/coordinator"
	"github.com/wricardo/warehouse-fleet/fleet/grid"
	"github.com/wricardo/warehouse-fleet/fleet/scenario"
)

// fleetServiceImpl implements the FleetService interface
type fleetServiceImpl struct {
	sessions  SessionManager
	scenarios ScenarioManager
	log       *zap.Logger
	now       func() time.Time
}

// Option configures the service
type Option func(*fleetServiceImpl)

// WithLogger sets the service logger
func WithLogger(l *zap.Logger) Option {
	return func(s *fleetServiceImpl) {
		if l != nil {
			s.log = l
		}
	}
}

// NewFleetService creates a new fleet service instance
func NewFleetService(sessions SessionManager, scenarios ScenarioManager, opts ...Option) FleetService {
	s := &fleetServiceImpl{
		sessions:  sessions,
		scenarios: scenarios,
		log:       zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSession builds a new simulation from a scenario. An empty scenarioID
// selects the default scenario.
func (s *fleetServiceImpl) CreateSession(ctx context.Context, scenarioID string) (*SessionInfo, error) {
	var sc *scenario.Scenario
	if scenarioID == "" {
		scenarioID, sc = s.scenarios.GetDefault()
		if sc == nil {
			return nil, fmt.Errorf("%w: no default scenario configured", ErrNotFound)
		}
	} else {
		var err error
		sc, err = s.scenarios.LoadScenario(scenarioID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("scenario '%s' not found. Available scenarios: %v: %w", scenarioID, s.scenarioIDs(), err)
			}
			return nil, classify(fmt.Errorf("failed to load scenario %s: %w", scenarioID, err))
		}
	}

	sess, err := s.sessions.Create("", scenarioID, sc)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to create session: %w", err))
	}

	s.log.Info("session created",
		zap.String("session", sess.ID),
		zap.String("scenario", scenarioID),
		zap.Int("carts", len(sess.Fleet.CartSnapshot())))
	return sessionInfo(sess), nil
}

// GetSession retrieves session information
func (s *fleetServiceImpl) GetSession(ctx context.Context, sessionID string) (*SessionInfo, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	return sessionInfo(sess), nil
}

// ListSessions returns all sessions, most recently accessed first by default
func (s *fleetServiceImpl) ListSessions(ctx context.Context, opts ListOptions) ([]*SessionInfo, error) {
	sessions := s.sessions.List()
	result := make([]*SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		result = append(result, sessionInfo(sess))
	}

	sort.SliceStable(result, func(i, j int) bool {
		var ti, tj time.Time
		if opts.Sort == "created" {
			ti, tj = result[i].CreatedAt, result[j].CreatedAt
		} else {
			ti, tj = result[i].LastAccessedAt, result[j].LastAccessedAt
		}
		if ti.Equal(tj) {
			return result[i].ID < result[j].ID
		}
		if opts.Order == "asc" {
			return ti.Before(tj)
		}
		return ti.After(tj)
	})

	if opts.Limit > 0 && opts.Limit < len(result) {
		result = result[:opts.Limit]
	}
	return result, nil
}

// DeleteSession removes a session
func (s *fleetServiceImpl) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.sessions.Delete(sessionID); err != nil {
		return err
	}
	s.log.Info("session deleted", zap.String("session", sessionID))
	return nil
}

// GetFleetState returns carts, stations, jobs and counters of a session
func (s *fleetServiceImpl) GetFleetState(ctx context.Context, sessionID string) (*FleetState, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	return fleetState(sess), nil
}

func (s *fleetServiceImpl) ListCarts(ctx context.Context, sessionID string) ([]coordinator.CartView, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Fleet.CartSnapshot(), nil
}

func (s *fleetServiceImpl) ListStations(ctx context.Context, sessionID string) ([]charger.Station, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Fleet.StationSnapshot(), nil
}

func (s *fleetServiceImpl) ListJobs(ctx context.Context, sessionID string) ([]coordinator.JobView, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Fleet.JobSnapshot(), nil
}

// SubmitJob queues a delivery; it is assigned on the next tick
func (s *fleetServiceImpl) SubmitJob(ctx context.Context, sessionID string, pickup, delivery grid.Cell) (*coordinator.JobView, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}

	id, err := sess.Fleet.SubmitJob(pickup, delivery)
	if err != nil {
		return nil, classify(err)
	}
	for _, j := range sess.Fleet.JobSnapshot() {
		if j.ID == id {
			return &j, nil
		}
	}
	return &coordinator.JobView{ID: id, Pickup: pickup, Delivery: delivery, Status: coordinator.JobPending}, nil
}

// CancelJob removes a pending job
func (s *fleetServiceImpl) CancelJob(ctx context.Context, sessionID string, jobID int) error {
	sess, err := s.session(sessionID)
	if err != nil {
		return err
	}
	return classify(sess.Fleet.CancelJob(jobID))
}

// Tick advances a session by up to MaxTicksPerCall steps
func (s *fleetServiceImpl) Tick(ctx context.Context, sessionID string, ticks int) (*TickResult, error) {
	if ticks < 0 {
		return nil, fmt.Errorf("%w: ticks must not be negative, got %d", ErrInvalidInput, ticks)
	}
	if ticks == 0 {
		ticks = 1
	}

	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}

	result := &TickResult{SessionID: sess.ID, RequestedTicks: ticks, Events: []coordinator.Event{}}
	if ticks > MaxTicksPerCall {
		result.Truncated = true
		result.Limit = MaxTicksPerCall
		ticks = MaxTicksPerCall
	}

	err = s.step(ctx, sess, ticks, result)
	result.State = fleetState(sess)
	if err != nil {
		return result, err
	}
	return result, nil
}

func (s *fleetServiceImpl) step(ctx context.Context, sess *Session, ticks int, result *TickResult) error {
	reports, err := sess.Step(ctx, ticks)
	for _, r := range reports {
		result.TicksExecuted++
		result.CellsMoved += r.CellsMoved
		result.CompletedJobs = append(result.CompletedJobs, r.CompletedJobs...)
		result.Events = append(result.Events, r.Events...)
	}
	if err != nil {
		s.log.Error("session step failed",
			zap.String("session", sess.ID),
			zap.Int("ticks_executed", result.TicksExecuted),
			zap.Error(err))
		return fmt.Errorf("session %s: %w", sess.ID, err)
	}
	return nil
}

// RescueCart refills a stranded cart
func (s *fleetServiceImpl) RescueCart(ctx context.Context, sessionID string, cartID int) (*coordinator.CartView, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	if err := sess.Fleet.RescueCart(cartID); err != nil {
		return nil, classify(err)
	}
	for _, c := range sess.Fleet.CartSnapshot() {
		if c.ID == cartID {
			return &c, nil
		}
	}
	return nil, fmt.Errorf("%w: %w: %d", ErrNotFound, coordinator.ErrUnknownCart, cartID)
}

// SetAutoplay turns wall-clock stepping on or off for a session
func (s *fleetServiceImpl) SetAutoplay(ctx context.Context, sessionID string, enabled bool) (*SessionInfo, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	sess.SetAutoplay(enabled)
	s.log.Info("autoplay changed", zap.String("session", sess.ID), zap.Bool("enabled", enabled))
	return sessionInfo(sess), nil
}

// AdvanceAutoplay steps every autoplay session once. A session whose step
// fails has autoplay turned off.
func (s *fleetServiceImpl) AdvanceAutoplay(ctx context.Context) ([]*TickResult, error) {
	var results []*TickResult
	var errs []error
	for _, sess := range s.sessions.List() {
		if !sess.Autoplay() {
			continue
		}
		result := &TickResult{SessionID: sess.ID, RequestedTicks: 1, Events: []coordinator.Event{}}
		if err := s.step(ctx, sess, 1, result); err != nil {
			sess.SetAutoplay(false)
			errs = append(errs, err)
			continue
		}
		result.State = fleetState(sess)
		results = append(results, result)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].SessionID < results[j].SessionID })
	return results, errors.Join(errs...)
}

// ListScenarios returns the scenario catalogue
func (s *fleetServiceImpl) ListScenarios(ctx context.Context) ([]*ScenarioInfo, error) {
	return s.scenarios.ListScenarios()
}

// LoadScenario returns one scenario document
func (s *fleetServiceImpl) LoadScenario(ctx context.Context, name string) (*scenario.Scenario, error) {
	sc, err := s.scenarios.LoadScenario(name)
	if err != nil {
		return nil, classify(err)
	}
	return sc, nil
}

// SaveScenario validates and stores a scenario document
func (s *fleetServiceImpl) SaveScenario(ctx context.Context, name string, sc *scenario.Scenario) error {
	if sc == nil {
		return fmt.Errorf("%w: scenario is required", ErrInvalidInput)
	}
	if strings.ContainsAny(name, `/\`) || name == "" {
		return fmt.Errorf("%w: invalid scenario name %q", ErrInvalidInput, name)
	}
	return classify(s.scenarios.SaveScenario(name, sc))
}

// session looks up a session and records the access
func (s *fleetServiceImpl) session(id string) (*Session, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	sess.Touch(s.now())
	return sess, nil
}

func (s *fleetServiceImpl) scenarioIDs() []string {
	infos, err := s.scenarios.ListScenarios()
	if err != nil {
		return nil
	}
	ids := make([]string, 0, len(infos))
	for _, info := range infos {
		ids = append(ids, info.ScenarioID)
	}
	return ids
}

func sessionInfo(sess *Session) *SessionInfo {
	return &SessionInfo{
		ID:             sess.ID,
		ScenarioID:     sess.ScenarioID,
		Name:           sess.Scenario.Name,
		CreatedAt:      sess.CreatedAt,
		LastAccessedAt: sess.LastAccessed(),
		Autoplay:       sess.Autoplay(),
		TickSeconds:    sess.Driver.TickSeconds(),
		Stats:          sess.Fleet.Stats(),
	}
}

func fleetState(sess *Session) *FleetState {
	m := sess.Fleet.Grid()
	stats := sess.Fleet.Stats()
	return &FleetState{
		SessionID:        sess.ID,
		ScenarioID:       sess.ScenarioID,
		Tick:             stats.Ticks,
		SimulatedSeconds: stats.SimulatedSeconds,
		Width:            m.Width(),
		Height:           m.Height(),
		Layout:           m.Rows(),
		Carts:            sess.Fleet.CartSnapshot(),
		Stations:         sess.Fleet.StationSnapshot(),
		Jobs:             sess.Fleet.JobSnapshot(),
		Stats:            stats,
		Params:           sess.Fleet.Params(),
		Autoplay:         sess.Autoplay(),
	}
}

// classify tags a domain error with the service category callers map to
// status codes
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidInput), errors.Is(err, ErrConflict):
		return err
	case errors.Is(err, coordinator.ErrJobNotFound), errors.Is(err, coordinator.ErrUnknownCart):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, coordinator.ErrJobAssigned), errors.Is(err, coordinator.ErrNotStranded):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case errors.Is(err, coordinator.ErrInvalidCell),
		errors.Is(err, coordinator.ErrInvalidParams),
		errors.Is(err, scenario.ErrInvalidScenario),
		errors.Is(err, grid.ErrLayout):
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return err
}
