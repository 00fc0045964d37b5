package service

import (
	"time"

	"github.com/wricardo/warehouse-fleet/fleet/charger"
	"github.com/wricardo/warehouse-fleet/fleet/coordinator"
)

// MaxTicksPerCall bounds a single Tick request
const MaxTicksPerCall = 1000

// SessionInfo provides information about a fleet session
type SessionInfo struct {
	ID             string            `json:"id"`
	ScenarioID     string            `json:"scenario_id"`
	Name           string            `json:"name"`
	CreatedAt      time.Time         `json:"created_at"`
	LastAccessedAt time.Time         `json:"last_accessed_at"`
	Autoplay       bool              `json:"autoplay"`
	TickSeconds    float64           `json:"tick_seconds"`
	Stats          coordinator.Stats `json:"stats"`
}

// ListOptions orders and truncates ListSessions
type ListOptions struct {
	Sort  string `json:"sort"`  // "created" or "accessed" (default)
	Order string `json:"order"` // "asc" or "desc" (default)
	Limit int    `json:"limit"`
}

// FleetState is the full observable state of one session
type FleetState struct {
	SessionID        string                 `json:"session_id"`
	ScenarioID       string                 `json:"scenario_id"`
	Tick             int                    `json:"tick"`
	SimulatedSeconds float64                `json:"simulated_seconds"`
	Width            int                    `json:"width"`
	Height           int                    `json:"height"`
	Layout           []string               `json:"layout"`
	Carts            []coordinator.CartView `json:"carts"`
	Stations         []charger.Station      `json:"stations"`
	Jobs             []coordinator.JobView  `json:"jobs"`
	Stats            coordinator.Stats      `json:"stats"`
	Params           coordinator.Params     `json:"params"`
	Autoplay         bool                   `json:"autoplay"`
}

// TickResult contains the result of advancing a session
type TickResult struct {
	SessionID      string              `json:"session_id"`
	RequestedTicks int                 `json:"requested_ticks"`
	TicksExecuted  int                 `json:"ticks_executed"`
	Truncated      bool                `json:"truncated,omitempty"`
	Limit          int                 `json:"limit,omitempty"`
	CellsMoved     int                 `json:"cells_moved"`
	CompletedJobs  []int               `json:"completed_jobs,omitempty"`
	Events         []coordinator.Event `json:"events"`
	State          *FleetState         `json:"state"`
}

// ScenarioInfo provides information about a scenario file
type ScenarioInfo struct {
	Filename    string `json:"filename"`
	ScenarioID  string `json:"scenario_id"` // The identifier to use for session creation
	Name        string `json:"name"`
	Description string `json:"description"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Carts       int    `json:"carts"`
	Chargers    int    `json:"chargers"`
	Jobs        int    `json:"jobs"`
}
