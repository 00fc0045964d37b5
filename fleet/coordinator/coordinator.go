package coordinator

import (
	"fmt"
	"runtime"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/wricardo/warehouse-fleet/fleet/charger"
	"github.com/wricardo/warehouse-fleet/fleet/grid"
	"github.com/wricardo/warehouse-fleet/fleet/router"
)

// cart is the mutable per-cart record
type cart struct {
	id         int
	pos        grid.Cell
	battery    float64
	state      State
	route      router.Path
	jobID      int
	stationID  int
	dwelling   bool
	dwellLeft  float64
	charged    float64
	stranded   bool
	waiting    bool
	cellsMoved int
}

// job is a delivery request that has not been completed yet
type job struct {
	id            int
	pickup        grid.Cell
	delivery      grid.Cell
	cartID        int
	pickedUp      bool
	submittedTick int
}

// Coordinator is the fleet coordination engine
type Coordinator struct {
	mu sync.Mutex

	grid     *grid.Map
	router   *router.Router
	chargers *charger.Registry
	params   Params
	log      *zap.Logger
	workers  int

	carts   []*cart
	jobs    map[int]*job
	pending []int
	nextJob int

	tick   int
	stats  Stats
	events []Event
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithLogger sets the structured logger
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithRouter shares an existing router built over the same map
func WithRouter(r *router.Router) Option {
	return func(c *Coordinator) {
		if r != nil {
			c.router = r
		}
	}
}

// WithParallelism bounds the number of concurrent route lookups per pass
func WithParallelism(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.workers = n
		}
	}
}

// New creates a coordinator with one cart per spawn cell and one station per
// charger cell, both numbered from 1 in reading order.
func New(m *grid.Map, params Params, opts ...Option) (*Coordinator, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: grid map is required", ErrInvalidParams)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	c := &Coordinator{
		grid:    m,
		params:  params,
		log:     zap.NewNop(),
		workers: runtime.GOMAXPROCS(0),
		jobs:    make(map[int]*job),
		nextJob: 1,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.router == nil {
		c.router = router.New(m)
	}
	c.chargers = charger.NewRegistry(m.CellsOfCategory(grid.Charger), c.router.Distance)

	for i, pos := range m.CellsOfCategory(grid.Spawn) {
		c.carts = append(c.carts, &cart{
			id:      i + 1,
			pos:     pos,
			battery: params.InitialBattery,
			state:   Idle,
		})
	}

	c.log.Info("fleet coordinator ready",
		zap.Int("carts", len(c.carts)),
		zap.Int("stations", c.chargers.Len()),
		zap.Int("width", m.Width()),
		zap.Int("height", m.Height()))

	return c, nil
}

// Params returns the tunables the coordinator was built with
func (c *Coordinator) Params() Params {
	return c.params
}

// Grid returns the map the fleet operates on
func (c *Coordinator) Grid() *grid.Map {
	return c.grid
}

// SubmitJob queues a delivery from pickup to delivery and returns its ID
func (c *Coordinator) SubmitJob(pickup, delivery grid.Cell) (int, error) {
	if !c.grid.Walkable(pickup) {
		return 0, fmt.Errorf("%w: pickup %v", ErrInvalidCell, pickup)
	}
	if !c.grid.Walkable(delivery) {
		return 0, fmt.Errorf("%w: delivery %v", ErrInvalidCell, delivery)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	j := &job{
		id:            c.nextJob,
		pickup:        pickup,
		delivery:      delivery,
		submittedTick: c.tick,
	}
	c.nextJob++
	c.jobs[j.id] = j
	c.pending = append(c.pending, j.id)
	c.stats.JobsSubmitted++

	c.emit(Event{
		Type:    EventJobSubmitted,
		JobID:   j.id,
		Message: fmt.Sprintf("job %d submitted: %v -> %v", j.id, pickup, delivery),
	})
	return j.id, nil
}

// CancelJob removes a job that has not been assigned to a cart
func (c *Coordinator) CancelJob(jobID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	j, ok := c.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrJobNotFound, jobID)
	}
	if j.cartID != 0 {
		return fmt.Errorf("%w: job %d is bound to cart %d", ErrJobAssigned, jobID, j.cartID)
	}

	c.removePending(jobID)
	delete(c.jobs, jobID)
	c.stats.JobsCancelled++
	c.emit(Event{Type: EventJobCancelled, JobID: jobID, Message: fmt.Sprintf("job %d cancelled", jobID)})
	return nil
}

// NextCell returns the cell a cart should move to this tick
func (c *Coordinator) NextCell(cartID int) (grid.Cell, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ct := c.cart(cartID)
	if ct == nil || !ct.movable() {
		return grid.Cell{}, false
	}
	return ct.route[0], true
}

// ReportMove records that a cart moved one cell along its route. It drains
// DrainPerCell from the battery and handles arrival at the end of the route.
func (c *Coordinator) ReportMove(cartID int, to grid.Cell) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ct := c.cart(cartID)
	if ct == nil {
		return fmt.Errorf("%w: %d", ErrUnknownCart, cartID)
	}
	if !ct.movable() {
		return fmt.Errorf("%w: cart %d cannot move (state %s, battery %.1f, stranded %t)",
			ErrInvalidMove, cartID, ct.state, ct.battery, ct.stranded)
	}
	if ct.route[0] != to {
		return fmt.Errorf("%w: cart %d expected to move to %v, got %v", ErrInvalidMove, cartID, ct.route[0], to)
	}

	ct.pos = to
	ct.route = ct.route[1:]
	ct.battery = clampBattery(ct.battery - c.params.DrainPerCell)
	ct.cellsMoved++
	c.stats.CellsTravelled++

	if len(ct.route) == 0 {
		return c.arrive(ct)
	}
	return nil
}

// RescueCart is the operator intervention for a stranded cart: the battery is
// refilled to InitialBattery and the cart resumes service.
func (c *Coordinator) RescueCart(cartID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ct := c.cart(cartID)
	if ct == nil {
		return fmt.Errorf("%w: %d", ErrUnknownCart, cartID)
	}
	if !ct.stranded {
		return fmt.Errorf("%w: cart %d", ErrNotStranded, cartID)
	}

	ct.stranded = false
	ct.battery = c.params.InitialBattery
	c.emit(Event{
		Type:    EventCartRescued,
		CartID:  ct.id,
		Battery: ct.battery,
		Message: fmt.Sprintf("cart %d rescued at %v", ct.id, ct.pos),
	})

	if ct.jobID != 0 {
		return c.beginDelivery(ct, c.jobs[ct.jobID])
	}
	return nil
}

// CartSnapshot returns every cart sorted by ID
func (c *Coordinator) CartSnapshot() []CartView {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]CartView, len(c.carts))
	for i, ct := range c.carts {
		v := CartView{
			ID:             ct.id,
			Position:       ct.pos,
			Battery:        ct.battery,
			State:          ct.state,
			Stranded:       ct.stranded,
			Dwelling:       ct.dwelling,
			JobID:          ct.jobID,
			StationID:      ct.stationID,
			RouteRemaining: len(ct.route),
			CellsMoved:     ct.cellsMoved,
		}
		if goal, ok := ct.route.Goal(); ok {
			v.Destination = &goal
		}
		out[i] = v
	}
	return out
}

// StationSnapshot returns every charging station sorted by ID
func (c *Coordinator) StationSnapshot() []charger.Station {
	return c.chargers.Snapshot()
}

// JobSnapshot returns every job that has not been delivered, sorted by ID
func (c *Coordinator) JobSnapshot() []JobView {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]JobView, 0, len(c.jobs))
	for _, j := range c.jobs {
		v := JobView{
			ID:            j.id,
			Pickup:        j.pickup,
			Delivery:      j.delivery,
			CartID:        j.cartID,
			Status:        JobPending,
			SubmittedTick: j.submittedTick,
		}
		if j.cartID != 0 {
			v.Status = JobAssigned
			if j.pickedUp {
				v.Status = JobInTransit
				if ct := c.cart(j.cartID); ct != nil && ct.state != EnRouteDelivery {
					v.Status = JobSuspended
				}
			}
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// Stats returns the cumulative counters
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.JobsPending = len(c.pending)
	s.StrandedCarts = 0
	for _, ct := range c.carts {
		if ct.stranded {
			s.StrandedCarts++
		}
	}
	return s
}

// Busy reports whether any job is pending or in progress
func (c *Coordinator) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs) > 0
}

// DrainEvents returns the events recorded since the last drain
func (c *Coordinator) DrainEvents() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.events
	c.events = nil
	return out
}

func (c *Coordinator) emit(e Event) {
	e.Tick = c.tick
	if len(c.events) >= maxBufferedEvents {
		c.events = c.events[1:]
	}
	c.events = append(c.events, e)
	c.log.Debug(e.Message,
		zap.String("event", string(e.Type)),
		zap.Int("tick", e.Tick),
		zap.Int("cart", e.CartID),
		zap.Int("job", e.JobID),
		zap.Int("station", e.StationID))
}

func (c *Coordinator) cart(id int) *cart {
	if id < 1 || id > len(c.carts) {
		return nil
	}
	return c.carts[id-1]
}

func (c *Coordinator) removePending(jobID int) {
	for i, id := range c.pending {
		if id == jobID {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// requeue puts a job back in the pending queue at its FIFO position
func (c *Coordinator) requeue(j *job) {
	j.cartID = 0
	j.pickedUp = false
	i := sort.SearchInts(c.pending, j.id)
	c.pending = append(c.pending, 0)
	copy(c.pending[i+1:], c.pending[i:])
	c.pending[i] = j.id
	c.stats.JobsRequeued++
}

func (ct *cart) movable() bool {
	if ct.stranded || ct.dwelling || ct.battery <= 0 || len(ct.route) == 0 {
		return false
	}
	return ct.state == EnRoutePickup || ct.state == EnRouteDelivery || ct.state == EnRouteCharger
}

func clampBattery(b float64) float64 {
	if b < 0 {
		return 0
	}
	if b > MaxBattery {
		return MaxBattery
	}
	return b
}
