package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wricardo/warehouse-fleet/fleet/charger"
	"github.com/wricardo/warehouse-fleet/fleet/grid"
	"github.com/wricardo/warehouse-fleet/fleet/router"
)

// Tick advances simulated time by elapsed seconds and runs one scheduling
// pass. The only errors returned are charger state violations, which mean the
// coordinator has a bug, and context cancellation.
func (c *Coordinator) Tick(ctx context.Context, elapsed float64) error {
	if elapsed < 0 || math.IsNaN(elapsed) {
		return fmt.Errorf("%w: elapsed must not be negative, got %g", ErrInvalidParams, elapsed)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.tick++
	c.stats.Ticks++
	c.stats.SimulatedSeconds += elapsed

	if err := c.advanceClocks(elapsed); err != nil {
		return c.fail(err)
	}
	if err := c.detectStranded(); err != nil {
		return c.fail(err)
	}
	if err := c.divertForCharging(); err != nil {
		return c.fail(err)
	}
	if err := c.assignJobs(ctx); err != nil {
		return c.fail(err)
	}
	return nil
}

func (c *Coordinator) fail(err error) error {
	if errors.Is(err, charger.ErrState) {
		c.log.Error("charger state violation", zap.Int("tick", c.tick), zap.Error(err))
	}
	return fmt.Errorf("tick %d: %w", c.tick, err)
}

// advanceClocks charges carts on stations and counts down stops
func (c *Coordinator) advanceClocks(elapsed float64) error {
	for _, ct := range c.carts {
		switch {
		case ct.state == Charging:
			ct.battery = clampBattery(ct.battery + c.params.FastChargeRate*elapsed)
			ct.charged += elapsed
			if c.chargeComplete(ct) {
				if err := c.finishCharging(ct); err != nil {
					return err
				}
			}
		case ct.dwelling:
			ct.dwellLeft -= elapsed
			if ct.dwellLeft <= 0 {
				if err := c.finishStop(ct); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (c *Coordinator) chargeComplete(ct *cart) bool {
	if ct.battery >= MaxBattery {
		return true
	}
	return c.params.ChargePolicy == ChargeDwell && ct.charged >= c.params.StopDuration
}

func (c *Coordinator) finishCharging(ct *cart) error {
	if err := c.chargers.Release(ct.stationID, ct.id); err != nil {
		return err
	}
	c.emit(Event{
		Type:      EventChargingFinished,
		CartID:    ct.id,
		StationID: ct.stationID,
		Battery:   ct.battery,
		Message:   fmt.Sprintf("cart %d left station %d at %.1f%%", ct.id, ct.stationID, ct.battery),
	})
	ct.stationID = 0
	ct.charged = 0
	ct.state = Idle

	if ct.jobID != 0 {
		return c.beginDelivery(ct, c.jobs[ct.jobID])
	}
	return nil
}

// detectStranded flags carts that ran out of battery away from a charger
func (c *Coordinator) detectStranded() error {
	for _, ct := range c.carts {
		if ct.stranded || ct.state == Charging || ct.dwelling || ct.battery > 0 {
			continue
		}

		if ct.stationID != 0 {
			if err := c.chargers.Cancel(ct.stationID, ct.id); err != nil {
				return err
			}
			ct.stationID = 0
		}
		if ct.jobID != 0 {
			if j := c.jobs[ct.jobID]; !j.pickedUp {
				c.requeue(j)
				c.emit(Event{Type: EventJobRequeued, JobID: j.id, CartID: ct.id,
					Message: fmt.Sprintf("job %d requeued: cart %d stranded", j.id, ct.id)})
				ct.jobID = 0
			}
		}

		ct.route = nil
		ct.waiting = false
		ct.state = Idle
		ct.stranded = true
		c.log.Warn("cart stranded", zap.Int("cart", ct.id), zap.Stringer("position", ct.pos), zap.Int("tick", c.tick))
		c.emit(Event{
			Type:    EventCartStranded,
			CartID:  ct.id,
			JobID:   ct.jobID,
			Message: fmt.Sprintf("cart %d stranded at %v with empty battery", ct.id, ct.pos),
		})
	}
	return nil
}

// divertForCharging reserves a station for every cart that needs one. Carts
// are handled in ID order so the lowest ID wins a contended station.
func (c *Coordinator) divertForCharging() error {
	for _, ct := range c.carts {
		if !c.needsCharge(ct) {
			ct.waiting = false
			continue
		}

		st, err := c.chargers.Reserve(ct.id, ct.pos)
		if errors.Is(err, charger.ErrNoStationAvailable) {
			if ct.state == Idle {
				ct.state = EnRouteCharger
			}
			if !ct.waiting {
				ct.waiting = true
				c.emit(Event{
					Type:    EventChargerUnavailable,
					CartID:  ct.id,
					Battery: ct.battery,
					Message: fmt.Sprintf("cart %d needs charge at %.1f%%, no station free", ct.id, ct.battery),
				})
			}
			continue
		}
		if err != nil {
			return err
		}

		path, ok := c.router.FindPath(ct.pos, st.Cell)
		if !ok {
			// Reserve only returns reachable stations; undo and retry next tick.
			if err := c.chargers.Cancel(st.ID, ct.id); err != nil {
				return err
			}
			continue
		}

		if ct.jobID != 0 {
			if j := c.jobs[ct.jobID]; !j.pickedUp {
				c.requeue(j)
				c.emit(Event{Type: EventJobRequeued, JobID: j.id, CartID: ct.id,
					Message: fmt.Sprintf("job %d requeued: cart %d diverted to charge", j.id, ct.id)})
				ct.jobID = 0
			}
		}

		ct.waiting = false
		ct.stationID = st.ID
		ct.route = path
		ct.state = EnRouteCharger
		c.emit(Event{
			Type:      EventChargerReserved,
			CartID:    ct.id,
			JobID:     ct.jobID,
			StationID: st.ID,
			Battery:   ct.battery,
			Message:   fmt.Sprintf("cart %d reserved station %d at %v (%d cells)", ct.id, st.ID, st.Cell, len(path)),
		})

		if len(path) == 0 {
			if err := c.arrive(ct); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Coordinator) needsCharge(ct *cart) bool {
	if ct.stranded || ct.dwelling || ct.state == Charging {
		return false
	}
	if ct.state == EnRouteCharger {
		return ct.stationID == 0
	}
	if ct.battery <= c.params.ReserveThreshold {
		return true
	}
	if ct.state == EnRoutePickup || ct.state == EnRouteDelivery {
		return !c.legFeasible(ct)
	}
	return false
}

// legFeasible reports whether the cart can finish its current leg and still
// reach a charger from the end of it
func (c *Coordinator) legFeasible(ct *cart) bool {
	end := ct.pos
	if goal, ok := ct.route.Goal(); ok {
		end = goal
	}
	toCharger, ok := c.nearestChargerDistance(end)
	if !ok {
		return true
	}
	required := float64(len(ct.route)+toCharger) * c.params.DrainPerCell
	return ct.battery > required
}

// nearestChargerDistance measures from a cell to the nearest FREE station, or
// to the nearest station of any occupancy when none is free
func (c *Coordinator) nearestChargerDistance(from grid.Cell) (int, bool) {
	stations := c.chargers.Snapshot()

	best, found := 0, false
	for _, s := range stations {
		if s.Occupancy != charger.Free {
			continue
		}
		if d, ok := c.router.Distance(from, s.Cell); ok && (!found || d < best) {
			best, found = d, true
		}
	}
	if found {
		return best, true
	}

	for _, s := range stations {
		if d, ok := c.router.Distance(from, s.Cell); ok && (!found || d < best) {
			best, found = d, true
		}
	}
	return best, found
}

// pickupRoute is the result of one parallel route lookup
type pickupRoute struct {
	path router.Path
	ok   bool
}

// assignJobs matches pending jobs, oldest first, to the nearest feasible idle
// cart. Route lookups for one job run concurrently; the choice is applied
// sequentially afterwards.
func (c *Coordinator) assignJobs(ctx context.Context) error {
	queue := append([]int(nil), c.pending...)

	for _, jobID := range queue {
		candidates := c.idleCarts()
		if len(candidates) == 0 {
			return nil
		}
		j := c.jobs[jobID]

		toDelivery, ok := c.router.Distance(j.pickup, j.delivery)
		if !ok {
			continue
		}
		toCharger, ok := c.nearestChargerDistance(j.delivery)
		if !ok {
			continue
		}

		routes := make([]pickupRoute, len(candidates))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.workers)
		for i, ct := range candidates {
			from := ct.pos
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				p, ok := c.router.FindPath(from, j.pickup)
				routes[i] = pickupRoute{path: p, ok: ok}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		var best *cart
		var bestPath router.Path
		var bestRequired float64
		for i, ct := range candidates {
			r := routes[i]
			if !r.ok {
				continue
			}
			required := float64(len(r.path)+toDelivery+toCharger) * c.params.DrainPerCell
			if !(ct.battery > required) {
				continue
			}
			if best == nil || len(r.path) < len(bestPath) {
				best, bestPath, bestRequired = ct, r.path, required
			}
		}
		if best == nil {
			continue
		}

		if err := c.assign(best, j, bestPath, bestRequired); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) idleCarts() []*cart {
	var out []*cart
	for _, ct := range c.carts {
		if ct.state == Idle && !ct.stranded && ct.jobID == 0 {
			out = append(out, ct)
		}
	}
	return out
}

func (c *Coordinator) assign(ct *cart, j *job, path router.Path, required float64) error {
	c.removePending(j.id)
	j.cartID = ct.id
	ct.jobID = j.id
	ct.route = path
	ct.state = EnRoutePickup
	c.stats.JobsAssigned++

	c.log.Info("job assigned",
		zap.Int("job", j.id),
		zap.Int("cart", ct.id),
		zap.Int("dist_pickup", len(path)),
		zap.Float64("required_battery", required),
		zap.Float64("battery", ct.battery))
	c.emit(Event{
		Type:    EventJobAssigned,
		CartID:  ct.id,
		JobID:   j.id,
		Battery: ct.battery,
		Message: fmt.Sprintf("job %d assigned to cart %d (%d cells to pickup, needs %.1f%%)", j.id, ct.id, len(path), required),
	})

	if len(path) == 0 {
		return c.arrive(ct)
	}
	return nil
}

// arrive handles a cart reaching the end of its route
func (c *Coordinator) arrive(ct *cart) error {
	switch ct.state {
	case EnRoutePickup, EnRouteDelivery:
		if c.params.StopDuration <= 0 {
			return c.finishStop(ct)
		}
		ct.dwelling = true
		ct.dwellLeft = c.params.StopDuration
		return nil

	case EnRouteCharger:
		if err := c.chargers.ConfirmOccupied(ct.stationID, ct.id); err != nil {
			return err
		}
		ct.state = Charging
		ct.charged = 0
		c.stats.ChargeSessions++
		c.emit(Event{
			Type:      EventChargingStarted,
			CartID:    ct.id,
			JobID:     ct.jobID,
			StationID: ct.stationID,
			Battery:   ct.battery,
			Message:   fmt.Sprintf("cart %d charging at station %d from %.1f%%", ct.id, ct.stationID, ct.battery),
		})
	}
	return nil
}

// finishStop completes loading at a pickup or unloading at a delivery
func (c *Coordinator) finishStop(ct *cart) error {
	ct.dwelling = false
	ct.dwellLeft = 0
	j := c.jobs[ct.jobID]

	switch ct.state {
	case EnRoutePickup:
		j.pickedUp = true
		c.emit(Event{Type: EventJobPickedUp, CartID: ct.id, JobID: j.id, Battery: ct.battery,
			Message: fmt.Sprintf("cart %d picked up job %d at %v", ct.id, j.id, j.pickup)})
		return c.beginDelivery(ct, j)

	case EnRouteDelivery:
		delete(c.jobs, j.id)
		c.stats.JobsCompleted++
		ct.jobID = 0
		ct.state = Idle
		c.log.Info("job completed", zap.Int("job", j.id), zap.Int("cart", ct.id), zap.Float64("battery", ct.battery))
		c.emit(Event{Type: EventJobCompleted, CartID: ct.id, JobID: j.id, Battery: ct.battery,
			Message: fmt.Sprintf("cart %d delivered job %d at %v", ct.id, j.id, j.delivery)})
	}
	return nil
}

// beginDelivery routes a loaded cart to its job's delivery cell
func (c *Coordinator) beginDelivery(ct *cart, j *job) error {
	path, ok := c.router.FindPath(ct.pos, j.delivery)
	if !ok {
		c.requeue(j)
		ct.jobID = 0
		ct.state = Idle
		c.emit(Event{Type: EventJobRequeued, CartID: ct.id, JobID: j.id,
			Message: fmt.Sprintf("job %d requeued: delivery %v unreachable from %v", j.id, j.delivery, ct.pos)})
		return nil
	}

	ct.route = path
	ct.state = EnRouteDelivery
	if len(path) == 0 {
		return c.arrive(ct)
	}
	return nil
}
