// Package coordinator owns cart state, the pending job queue, and the rules
// that bind them together.
//
// Carts move through a small state machine:
//
//	IDLE -> EN_ROUTE_PICKUP -> EN_ROUTE_DELIVERY -> IDLE
//	any non-charging state -> EN_ROUTE_CHARGER -> CHARGING -> IDLE
//
// Each Tick runs one scheduling pass: charging and stop clocks advance, carts
// at 0% are flagged as stranded, carts at or below the reserve threshold are
// diverted to the nearest free charger, and pending jobs are matched (oldest
// first) to the idle cart nearest to the pickup among those whose battery
// covers pickup + delivery + return to a charger.
//
// Movement is driven from outside: a simulation driver asks NextCell for each
// cart, walks it one cell, and reports the move with ReportMove, which drains
// the battery and handles arrival.
//
// Usage:
//
//	m, _ := grid.ParseText(layout)
//	c, err := coordinator.New(m, params, coordinator.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	jobID, _ := c.SubmitJob(grid.Cell{X: 4, Y: 0}, grid.Cell{X: 4, Y: 4})
//	for _, cart := range c.CartSnapshot() {
//		if next, ok := c.NextCell(cart.ID); ok {
//			_ = c.ReportMove(cart.ID, next)
//		}
//	}
//	err = c.Tick(ctx, 1.0)
//
// All methods are safe for concurrent use; mutations are serialized so a Tick
// is a single commit phase even though route lookups inside it run in
// parallel.
package coordinator
