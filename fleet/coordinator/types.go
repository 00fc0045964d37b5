package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wricardo/warehouse-fleet/fleet/grid"
)

// MaxBattery is the battery capacity in percent
const MaxBattery = 100.0

// maxBufferedEvents bounds the event buffer between drains
const maxBufferedEvents = 1024

var (
	ErrInvalidParams = errors.New("invalid fleet parameters")
	ErrInvalidCell   = errors.New("cell is not walkable")
	ErrUnknownCart   = errors.New("unknown cart")
	ErrInvalidMove   = errors.New("invalid move")
	ErrJobNotFound   = errors.New("job not found")
	ErrJobAssigned   = errors.New("job already assigned")
	ErrNotStranded   = errors.New("cart is not stranded")
)

// State is the cart state tag
type State int

const (
	Idle State = iota
	EnRoutePickup
	EnRouteDelivery
	EnRouteCharger
	Charging
)

var stateNames = [...]string{
	Idle:            "IDLE",
	EnRoutePickup:   "EN_ROUTE_PICKUP",
	EnRouteDelivery: "EN_ROUTE_DELIVERY",
	EnRouteCharger:  "EN_ROUTE_CHARGER",
	Charging:        "CHARGING",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalJSON encodes the state as its name
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a state name
func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for i, n := range stateNames {
		if n == name {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown cart state %q", name)
}

// ChargePolicy decides when a charging cart leaves its station
type ChargePolicy string

const (
	// ChargeFull releases the station exactly when the battery reaches 100%
	ChargeFull ChargePolicy = "full"
	// ChargeDwell releases the station after StopDuration seconds or at 100%
	ChargeDwell ChargePolicy = "dwell"
)

// Params are the fleet tunables. The coordinator has no defaults of its own;
// every field must be supplied.
type Params struct {
	InitialBattery   float64      `json:"initial_battery" yaml:"initial_battery"`
	DrainPerCell     float64      `json:"drain_per_cell" yaml:"drain_per_cell"`
	FastChargeRate   float64      `json:"fast_charge_rate" yaml:"fast_charge_rate"`
	ReserveThreshold float64      `json:"reserve_threshold" yaml:"reserve_threshold"`
	StopDuration     float64      `json:"stop_duration" yaml:"stop_duration"`
	ChargePolicy     ChargePolicy `json:"charge_policy" yaml:"charge_policy"`
}

// Validate checks that every parameter is in range
func (p Params) Validate() error {
	switch {
	case p.InitialBattery <= 0 || p.InitialBattery > MaxBattery:
		return fmt.Errorf("%w: initial_battery must be in (0, %.0f], got %g", ErrInvalidParams, MaxBattery, p.InitialBattery)
	case p.DrainPerCell <= 0:
		return fmt.Errorf("%w: drain_per_cell must be positive, got %g", ErrInvalidParams, p.DrainPerCell)
	case p.FastChargeRate <= 0:
		return fmt.Errorf("%w: fast_charge_rate must be positive, got %g", ErrInvalidParams, p.FastChargeRate)
	case p.ReserveThreshold < 0 || p.ReserveThreshold >= MaxBattery:
		return fmt.Errorf("%w: reserve_threshold must be in [0, %.0f), got %g", ErrInvalidParams, MaxBattery, p.ReserveThreshold)
	case p.StopDuration < 0:
		return fmt.Errorf("%w: stop_duration must not be negative, got %g", ErrInvalidParams, p.StopDuration)
	}
	switch p.ChargePolicy {
	case ChargeFull, ChargeDwell:
	default:
		return fmt.Errorf("%w: charge_policy must be %q or %q, got %q", ErrInvalidParams, ChargeFull, ChargeDwell, p.ChargePolicy)
	}
	return nil
}

// CartView is a read-only snapshot of one cart
type CartView struct {
	ID             int        `json:"id"`
	Position       grid.Cell  `json:"position"`
	Battery        float64    `json:"battery"`
	State          State      `json:"state"`
	Stranded       bool       `json:"stranded"`
	Dwelling       bool       `json:"dwelling,omitempty"`
	JobID          int        `json:"job_id,omitempty"`
	StationID      int        `json:"station_id,omitempty"`
	RouteRemaining int        `json:"route_remaining"`
	Destination    *grid.Cell `json:"destination,omitempty"`
	CellsMoved     int        `json:"cells_moved"`
}

// JobStatus describes where a job is in its lifecycle
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobAssigned  JobStatus = "assigned"
	JobInTransit JobStatus = "in_transit"
	JobSuspended JobStatus = "suspended"
)

// JobView is a read-only snapshot of one job that is not yet delivered
type JobView struct {
	ID            int       `json:"id"`
	Pickup        grid.Cell `json:"pickup"`
	Delivery      grid.Cell `json:"delivery"`
	CartID        int       `json:"cart_id,omitempty"`
	Status        JobStatus `json:"status"`
	SubmittedTick int       `json:"submitted_tick"`
}

// Stats are cumulative counters for one coordinator
type Stats struct {
	Ticks            int     `json:"ticks"`
	SimulatedSeconds float64 `json:"simulated_seconds"`
	JobsSubmitted    int     `json:"jobs_submitted"`
	JobsAssigned     int     `json:"jobs_assigned"`
	JobsCompleted    int     `json:"jobs_completed"`
	JobsRequeued     int     `json:"jobs_requeued"`
	JobsCancelled    int     `json:"jobs_cancelled"`
	JobsPending      int     `json:"jobs_pending"`
	CellsTravelled   int     `json:"cells_travelled"`
	ChargeSessions   int     `json:"charge_sessions"`
	StrandedCarts    int     `json:"stranded_carts"`
}

// EventType names a coordinator event
type EventType string

const (
	EventJobSubmitted       EventType = "job_submitted"
	EventJobAssigned        EventType = "job_assigned"
	EventJobRequeued        EventType = "job_requeued"
	EventJobPickedUp        EventType = "job_picked_up"
	EventJobCompleted       EventType = "job_completed"
	EventJobCancelled       EventType = "job_cancelled"
	EventChargerReserved    EventType = "charger_reserved"
	EventChargerUnavailable EventType = "charger_unavailable"
	EventChargingStarted    EventType = "charging_started"
	EventChargingFinished   EventType = "charging_finished"
	EventCartStranded       EventType = "cart_stranded"
	EventCartRescued        EventType = "cart_rescued"
)

// Event records something the coordinator did
type Event struct {
	Type      EventType `json:"type"`
	Tick      int       `json:"tick"`
	CartID    int       `json:"cart_id,omitempty"`
	JobID     int       `json:"job_id,omitempty"`
	StationID int       `json:"station_id,omitempty"`
	Battery   float64   `json:"battery,omitempty"`
	Message   string    `json:"message"`
}
