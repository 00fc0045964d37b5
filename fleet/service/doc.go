// Package service is the transport-neutral layer of the warehouse fleet
// server.
//
// FleetService is the interface the REST API, the MCP tools and the CLI talk
// to. A session wraps one running simulation: the scenario it was built from,
// its coordinator and the driver that steps it. SessionManager stores
// sessions and ScenarioManager loads scenario documents; both are satisfied by
// the fleet/session and fleet/config packages.
//
// Usage:
//
//	scenarios, _ := config.NewManager("configs")
//	sessions := session.NewManager(session.WithLogger(logger))
//	fleet := service.NewFleetService(sessions, scenarios)
//
//	info, err := fleet.CreateSession(ctx, "small_dock")
//	if err != nil {
//		return err
//	}
//	job, err := fleet.SubmitJob(ctx, info.ID, grid.Cell{X: 4, Y: 0}, grid.Cell{X: 4, Y: 4})
//	result, err := fleet.Tick(ctx, info.ID, 20)
//
// Errors returned by the service wrap one of ErrNotFound, ErrInvalidInput or
// ErrConflict together with the domain error, so callers can pick a status
// code with errors.Is.
package service
