// Package websocket streams fleet snapshots to browser clients.
//
// A Hub owns every connection. Clients attach to one session with
// /ws?session=<id>, receive the current FleetState on connect and then a
// state_update message after every tick of that session, plus fleet_events
// messages carrying the coordinator events of the tick:
//
//	{"session_id": "3f2a9c1e", "event": "state_update", "state": {...}}
//	{"session_id": "3f2a9c1e", "event": "fleet_events", "events": [...]}
//
// Clients do not send commands over the socket; the read side only keeps
// the connection alive and detects disconnects. A client whose send buffer
// fills up is dropped.
//
// Usage:
//
//	hub := websocket.NewHub(logger)
//	go hub.Run(ctx)
//
//	hub.ServeWS(w, r, sessionID, state)
//	hub.BroadcastState(state)
package websocket
