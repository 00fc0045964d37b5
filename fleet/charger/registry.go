// Package charger arbitrates exclusive access to charging stations.
//
// Each station is FREE, RESERVED by one cart (on its way), or OCCUPIED by one
// cart (charging). Every transition happens inside the registry's critical
// section, so two carts can never hold the same station at the same time.
package charger

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/wricardo/warehouse-fleet/fleet/grid"
)

// Occupancy is the state of a charging station
type Occupancy int

const (
	Free Occupancy = iota
	Reserved
	Occupied
)

// String returns FREE, RESERVED or OCCUPIED
func (o Occupancy) String() string {
	switch o {
	case Free:
		return "FREE"
	case Reserved:
		return "RESERVED"
	case Occupied:
		return "OCCUPIED"
	}
	return fmt.Sprintf("Occupancy(%d)", int(o))
}

// MarshalJSON encodes the occupancy as its name
func (o Occupancy) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// UnmarshalJSON decodes an occupancy name
func (o *Occupancy) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "FREE":
		*o = Free
	case "RESERVED":
		*o = Reserved
	case "OCCUPIED":
		*o = Occupied
	default:
		return fmt.Errorf("unknown occupancy %q", s)
	}
	return nil
}

var (
	// ErrNoStationAvailable is returned by Reserve when no FREE station is reachable
	ErrNoStationAvailable = errors.New("no charging station available")
	// ErrState matches every *StateError
	ErrState = errors.New("charger state violation")
)

// StateError reports a transition attempted from the wrong occupancy
type StateError struct {
	Op        string
	StationID int
	CartID    int
	Have      Occupancy
	HeldBy    int
}

func (e *StateError) Error() string {
	return fmt.Sprintf("charger %s: station %d for cart %d: station is %s (cart %d)",
		e.Op, e.StationID, e.CartID, e.Have, e.HeldBy)
}

// Is lets errors.Is(err, ErrState) match
func (e *StateError) Is(target error) bool {
	return target == ErrState
}

// Station is a snapshot of one charging station
type Station struct {
	ID        int       `json:"id"`
	Cell      grid.Cell `json:"position"`
	Occupancy Occupancy `json:"occupancy"`
	CartID    int       `json:"cart_id,omitempty"`
}

// DistanceFunc returns the path length between two cells, or false when unreachable
type DistanceFunc func(from, to grid.Cell) (int, bool)

// Registry owns station occupancy
type Registry struct {
	mu       sync.Mutex
	stations []*Station
	dist     DistanceFunc
}

// NewRegistry creates one FREE station per cell. IDs are assigned from 1 in
// the order given.
func NewRegistry(cells []grid.Cell, dist DistanceFunc) *Registry {
	r := &Registry{
		stations: make([]*Station, len(cells)),
		dist:     dist,
	}
	for i, c := range cells {
		r.stations[i] = &Station{ID: i + 1, Cell: c, Occupancy: Free}
	}
	return r
}

// Len returns the number of stations
func (r *Registry) Len() int {
	return len(r.stations)
}

// Reserve selects the FREE station nearest to from by path length, marks it
// RESERVED for cartID and returns its snapshot. Ties go to the lowest ID.
func (r *Registry) Reserve(cartID int, from grid.Cell) (Station, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if held := r.heldBy(cartID); held != nil {
		return Station{}, &StateError{Op: "reserve", StationID: held.ID, CartID: cartID, Have: held.Occupancy, HeldBy: held.CartID}
	}

	var best *Station
	bestDist := 0
	for _, s := range r.stations {
		if s.Occupancy != Free {
			continue
		}
		d, ok := r.dist(from, s.Cell)
		if !ok {
			continue
		}
		if best == nil || d < bestDist {
			best, bestDist = s, d
		}
	}
	if best == nil {
		return Station{}, ErrNoStationAvailable
	}

	best.Occupancy = Reserved
	best.CartID = cartID
	return *best, nil
}

// ConfirmOccupied moves a station from RESERVED(cartID) to OCCUPIED(cartID)
func (r *Registry) ConfirmOccupied(stationID, cartID int) error {
	return r.transition("confirm", stationID, cartID, Reserved, Occupied)
}

// Release moves a station from OCCUPIED(cartID) to FREE
func (r *Registry) Release(stationID, cartID int) error {
	return r.transition("release", stationID, cartID, Occupied, Free)
}

// Cancel moves a station from RESERVED(cartID) back to FREE
func (r *Registry) Cancel(stationID, cartID int) error {
	return r.transition("cancel", stationID, cartID, Reserved, Free)
}

func (r *Registry) transition(op string, stationID, cartID int, from, to Occupancy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.lookup(stationID)
	if s == nil {
		return &StateError{Op: op, StationID: stationID, CartID: cartID, Have: Free}
	}
	if s.Occupancy != from || s.CartID != cartID {
		return &StateError{Op: op, StationID: stationID, CartID: cartID, Have: s.Occupancy, HeldBy: s.CartID}
	}

	s.Occupancy = to
	if to == Free {
		s.CartID = 0
	}
	return nil
}

// Station returns a snapshot of one station
func (r *Registry) Station(id int) (Station, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.lookup(id)
	if s == nil {
		return Station{}, false
	}
	return *s, true
}

// HeldBy returns the station reserved or occupied by cartID
func (r *Registry) HeldBy(cartID int) (Station, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.heldBy(cartID)
	if s == nil {
		return Station{}, false
	}
	return *s, true
}

// Snapshot returns every station sorted by ID
func (r *Registry) Snapshot() []Station {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Station, len(r.stations))
	for i, s := range r.stations {
		out[i] = *s
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) lookup(id int) *Station {
	if id < 1 || id > len(r.stations) {
		return nil
	}
	return r.stations[id-1]
}

func (r *Registry) heldBy(cartID int) *Station {
	for _, s := range r.stations {
		if s.Occupancy != Free && s.CartID == cartID {
			return s
		}
	}
	return nil
}
