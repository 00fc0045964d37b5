// Package api provides the HTTP REST API of the warehouse fleet server.
//
// Endpoints:
//
// Session Management:
//   - POST /api/sessions - Create a session from {"scenario_id": "..."}
//   - GET /api/sessions?sort=created|accessed&order=asc|desc&limit=N
//   - GET /api/sessions/{id} - Get a session
//   - DELETE /api/sessions/{id} - Delete a session
//
// Fleet State:
//   - GET /api/sessions/{id}/state - Layout, carts, stations, jobs and counters
//   - GET /api/sessions/{id}/carts
//   - GET /api/sessions/{id}/stations
//   - GET /api/sessions/{id}/jobs
//
// Fleet Operations:
//   - POST /api/sessions/{id}/jobs - {"pickup": {"x": 4, "y": 0}, "delivery": {"x": 4, "y": 4}}
//   - DELETE /api/sessions/{id}/jobs/{job} - Cancel a job no cart holds yet
//   - POST /api/sessions/{id}/tick - {"ticks": N}, at most service.MaxTicksPerCall
//   - POST /api/sessions/{id}/carts/{cart}/rescue - Refill a stranded cart
//   - POST /api/sessions/{id}/autoplay - {"enabled": true}
//
// Scenarios:
//   - GET /api/scenarios
//   - GET /api/scenarios/{name}
//   - POST /api/scenarios - Save a scenario document (JSON or YAML body)
//
// Other:
//   - GET /api/health
//   - GET /ws?session={id} - WebSocket stream of state updates and fleet events
//
// Errors are returned as {"error": "message"} with 400 for invalid input,
// 404 for unknown sessions, jobs, carts or scenarios, 409 when a job is
// already bound to a cart or a cart is not stranded, and 500 otherwise.
package api
