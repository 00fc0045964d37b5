package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/wricardo/warehouse-fleet/fleet/grid"
	"github.com/wricardo/warehouse-fleet/fleet/scenario"
	"github.com/wricardo/warehouse-fleet/fleet/service"
	"github.com/wricardo/warehouse-fleet/transport/websocket"
)

// maxBodyBytes bounds request bodies, scenario uploads included
const maxBodyBytes = 1 << 20

// Server represents the REST API server
type Server struct {
	service service.FleetService
	hub     *websocket.Hub
	router  *mux.Router
	log     *zap.Logger
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the request logger
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// NewServer creates a new API server. hub may be nil, in which case nothing
// is broadcast and /ws is not served.
func NewServer(fleetService service.FleetService, hub *websocket.Hub, opts ...Option) *Server {
	s := &Server{
		service: fleetService,
		hub:     hub,
		router:  mux.NewRouter(),
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Session management
	api.HandleFunc("/sessions", s.handleCreateSession).Methods("POST")
	api.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods("DELETE")

	// Fleet state
	api.HandleFunc("/sessions/{id}/state", s.handleGetFleetState).Methods("GET")
	api.HandleFunc("/sessions/{id}/carts", s.handleListCarts).Methods("GET")
	api.HandleFunc("/sessions/{id}/stations", s.handleListStations).Methods("GET")
	api.HandleFunc("/sessions/{id}/jobs", s.handleListJobs).Methods("GET")

	// Fleet operations
	api.HandleFunc("/sessions/{id}/jobs", s.handleSubmitJob).Methods("POST")
	api.HandleFunc("/sessions/{id}/jobs/{job:[0-9]+}", s.handleCancelJob).Methods("DELETE")
	api.HandleFunc("/sessions/{id}/tick", s.handleTick).Methods("POST")
	api.HandleFunc("/sessions/{id}/carts/{cart:[0-9]+}/rescue", s.handleRescueCart).Methods("POST")
	api.HandleFunc("/sessions/{id}/autoplay", s.handleAutoplay).Methods("POST")

	// Scenarios
	api.HandleFunc("/scenarios", s.handleListScenarios).Methods("GET")
	api.HandleFunc("/scenarios", s.handleSaveScenario).Methods("POST")
	api.HandleFunc("/scenarios/{name}", s.handleGetScenario).Methods("GET")

	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	// WebSocket
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Response helpers
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// statusFor maps a service error onto an HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// fail answers with the status belonging to err; server faults are logged
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	respondError(w, status, err.Error())
}

// decodeBody decodes an optional JSON body; an empty body leaves v untouched
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func pathInt(r *http.Request, name string) (int, error) {
	v, err := strconv.Atoi(mux.Vars(r)[name])
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", service.ErrInvalidInput, name)
	}
	return v, nil
}

// Session Handlers

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id,omitempty"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	session, err := s.service.CreateSession(r.Context(), req.ScenarioID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.log.Info("session created",
		zap.String("session", session.ID),
		zap.String("scenario", session.ScenarioID))
	respondJSON(w, http.StatusCreated, session)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts := service.ListOptions{
		Sort:  query.Get("sort"),
		Order: query.Get("order"),
	}
	if limitStr := query.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			opts.Limit = l
		}
	}

	sessions, err := s.service.ListSessions(r.Context(), opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.service.GetSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, session)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	if err := s.service.DeleteSession(r.Context(), sessionID); err != nil {
		s.fail(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Session %s deleted", sessionID),
	})
}

// Fleet State Handlers

func (s *Server) handleGetFleetState(w http.ResponseWriter, r *http.Request) {
	state, err := s.service.GetFleetState(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, state)
}

func (s *Server) handleListCarts(w http.ResponseWriter, r *http.Request) {
	carts, err := s.service.ListCarts(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, carts)
}

func (s *Server) handleListStations(w http.ResponseWriter, r *http.Request) {
	stations, err := s.service.ListStations(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, stations)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.service.ListJobs(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, jobs)
}

// Fleet Operation Handlers

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	var req struct {
		Pickup   *grid.Cell `json:"pickup"`
		Delivery *grid.Cell `json:"delivery"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Pickup == nil || req.Delivery == nil {
		respondError(w, http.StatusBadRequest, "pickup and delivery are required")
		return
	}

	job, err := s.service.SubmitJob(r.Context(), sessionID, *req.Pickup, *req.Delivery)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.log.Info("job submitted",
		zap.String("session", sessionID),
		zap.Int("job", job.ID),
		zap.Stringer("pickup", job.Pickup),
		zap.Stringer("delivery", job.Delivery))
	s.broadcastState(r, sessionID)
	respondJSON(w, http.StatusCreated, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	jobID, err := pathInt(r, "job")
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if err := s.service.CancelJob(r.Context(), sessionID, jobID); err != nil {
		s.fail(w, r, err)
		return
	}

	s.broadcastState(r, sessionID)
	respondJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Job %d cancelled", jobID),
	})
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	var req struct {
		Ticks int `json:"ticks"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := s.service.Tick(r.Context(), sessionID, req.Ticks)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if s.hub != nil {
		s.hub.BroadcastEvents(sessionID, result.Events)
		s.hub.BroadcastState(result.State)
	}

	s.log.Info("tick",
		zap.String("session", sessionID),
		zap.Int("executed", result.TicksExecuted),
		zap.Int("requested", result.RequestedTicks),
		zap.Int("cells_moved", result.CellsMoved),
		zap.Ints("completed", result.CompletedJobs),
		zap.Int("tick", result.State.Tick))
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleRescueCart(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	cartID, err := pathInt(r, "cart")
	if err != nil {
		s.fail(w, r, err)
		return
	}

	cart, err := s.service.RescueCart(r.Context(), sessionID, cartID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.log.Info("cart rescued",
		zap.String("session", sessionID),
		zap.Int("cart", cart.ID),
		zap.Float64("battery", cart.Battery))
	s.broadcastState(r, sessionID)
	respondJSON(w, http.StatusOK, cart)
}

func (s *Server) handleAutoplay(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeBody(w, r, &req); err != nil || req.Enabled == nil {
		respondError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	session, err := s.service.SetAutoplay(r.Context(), sessionID, *req.Enabled)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, session)
}

// broadcastState pushes a fresh snapshot after an operation changed the fleet
func (s *Server) broadcastState(r *http.Request, sessionID string) {
	if s.hub == nil {
		return
	}
	state, err := s.service.GetFleetState(r.Context(), sessionID)
	if err != nil {
		s.log.Warn("snapshot for broadcast failed", zap.String("session", sessionID), zap.Error(err))
		return
	}
	s.hub.BroadcastState(state)
}

// Scenario Handlers

func (s *Server) handleListScenarios(w http.ResponseWriter, r *http.Request) {
	scenarios, err := s.service.ListScenarios(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, scenarios)
}

func (s *Server) handleGetScenario(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		name = strings.TrimSuffix(name, ext)
	}

	sc, err := s.service.LoadScenario(r.Context(), name)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, sc)
}

func (s *Server) handleSaveScenario(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// YAML bodies are accepted as well as JSON
	sc, err := scenario.Decode(data, "")
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: %w", service.ErrInvalidInput, err))
		return
	}
	if sc.Name == "" {
		respondError(w, http.StatusBadRequest, "Scenario name is required")
		return
	}

	if err := s.service.SaveScenario(r.Context(), sc.Name, sc); err != nil {
		s.fail(w, r, err)
		return
	}

	s.log.Info("scenario saved", zap.String("scenario", sc.Name))
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"message":     "Scenario saved successfully",
		"scenario_id": sc.Name,
	})
}

// WebSocket Handler

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, "websocket not available", http.StatusServiceUnavailable)
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "session parameter required", http.StatusBadRequest)
		return
	}

	state, err := s.service.GetFleetState(r.Context(), sessionID)
	if err != nil {
		http.Error(w, "Invalid session", http.StatusNotFound)
		return
	}

	s.hub.ServeWS(w, r, sessionID, state)
}

// Health check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}
