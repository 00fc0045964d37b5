// Package mcp exposes the fleet REST API as Model Context Protocol tools.
//
// The client holds no state of its own. Every tool call becomes one HTTP
// request against a running server and the JSON answer is rendered as text,
// including an ASCII view of the warehouse with carts drawn as digits.
//
// Tools: create_session, list_sessions, list_scenarios, fleet_state,
// submit_job, cancel_job, tick, rescue_cart.
//
// Usage:
//
//	client := mcp.NewClient("http://localhost:8080")
//	if err := server.ServeStdio(client.GetMCPServer()); err != nil {
//		log.Fatal(err)
//	}
package mcp
