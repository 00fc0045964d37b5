package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/wricardo/warehouse-fleet/fleet/coordinator"
	"github.com/wricardo/warehouse-fleet/fleet/service"
)

// Client is a thin MCP client that proxies to the REST API
type Client struct {
	baseURL    string
	httpClient *http.Client
	mcpServer  *server.MCPServer
}

// NewClient creates a new MCP client that calls the REST API
func NewClient(baseURL string) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	c.initMCPServer()
	return c
}

// initMCPServer initializes the MCP server with all tools
func (c *Client) initMCPServer() {
	c.mcpServer = server.NewMCPServer(
		"Warehouse Fleet",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions(`Warehouse Fleet - MCP Interface

This is a thin client that proxies all requests to the REST API server.

A session runs one warehouse simulation: autonomous carts on a grid pick up
and deliver jobs, drain battery per cell and divert to charging stations.
Submit jobs, advance simulated time with tick, and watch the fleet state.

AVAILABLE TOOLS:
- create_session: Start a simulation from a scenario
- list_sessions: List running simulations
- list_scenarios: List scenario files
- fleet_state: Carts, stations, jobs and counters of a session
- submit_job: Queue a delivery from a pickup cell to a delivery cell
- cancel_job: Cancel a job that has not been assigned yet
- tick: Advance the simulation by a number of ticks
- rescue_cart: Refill a stranded cart`),
	)

	c.registerTools()
}

func sessionProperty() map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": "Session ID",
	}
}

func intProperty(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "integer",
		"description": description,
	}
}

// registerTools registers all MCP tools
func (c *Client) registerTools() {
	c.mcpServer.AddTool(mcp.Tool{
		Name:        "create_session",
		Description: "Create a new fleet simulation session from a scenario",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"scenario_id": map[string]interface{}{
					"type":        "string",
					"description": "Scenario to load (optional, see list_scenarios)",
				},
			},
		},
	}, c.handleCreateSession)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "list_sessions",
		Description: "List all running simulation sessions",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, c.handleListSessions)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "list_scenarios",
		Description: "List the available scenarios",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, c.handleListScenarios)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "fleet_state",
		Description: "Get the layout, carts, charging stations, open jobs and counters of a session",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"session_id": sessionProperty(),
			},
			Required: []string{"session_id"},
		},
	}, c.handleFleetState)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "submit_job",
		Description: "Queue a delivery job. Cells are 0-based, x is the column and y the row.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"session_id": sessionProperty(),
				"pickup_x":   intProperty("Pickup column"),
				"pickup_y":   intProperty("Pickup row"),
				"delivery_x": intProperty("Delivery column"),
				"delivery_y": intProperty("Delivery row"),
			},
			Required: []string{"session_id", "pickup_x", "pickup_y", "delivery_x", "delivery_y"},
		},
	}, c.handleSubmitJob)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "cancel_job",
		Description: "Cancel a pending job",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"session_id": sessionProperty(),
				"job_id":     intProperty("Job ID"),
			},
			Required: []string{"session_id", "job_id"},
		},
	}, c.handleCancelJob)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "tick",
		Description: "Advance the simulation. Each tick moves every routed cart one cell and runs one scheduling pass.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"session_id": sessionProperty(),
				"ticks":      intProperty(fmt.Sprintf("Number of ticks (default 1, max %d)", service.MaxTicksPerCall)),
			},
			Required: []string{"session_id"},
		},
	}, c.handleTick)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "rescue_cart",
		Description: "Operator rescue: refill a stranded cart so it resumes service",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"session_id": sessionProperty(),
				"cart_id":    intProperty("Cart ID"),
			},
			Required: []string{"session_id", "cart_id"},
		},
	}, c.handleRescueCart)
}

// GetMCPServer returns the underlying MCP server for serving
func (c *Client) GetMCPServer() *server.MCPServer {
	return c.mcpServer
}

// Helper methods for API calls

func (c *Client) apiCall(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp map[string]string
		json.NewDecoder(resp.Body).Decode(&errResp)
		if msg, ok := errResp["error"]; ok {
			return fmt.Errorf("%s", msg)
		}
		return fmt.Errorf("API error: %d", resp.StatusCode)
	}

	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}
	return nil
}

func arguments(request mcp.CallToolRequest) map[string]interface{} {
	args, _ := request.Params.Arguments.(map[string]interface{})
	if args == nil {
		return map[string]interface{}{}
	}
	return args
}

// intArg reads a whole number; JSON numbers arrive as float64
func intArg(args map[string]interface{}, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	case int:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

func sessionPath(sessionID string, parts ...string) string {
	p := "/api/sessions/" + url.PathEscape(sessionID)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

// Tool handlers

func (c *Client) handleCreateSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	scenarioID, _ := args["scenario_id"].(string)

	body := map[string]string{}
	if scenarioID != "" {
		body["scenario_id"] = scenarioID
	}

	var session service.SessionInfo
	if err := c.apiCall(ctx, "POST", "/api/sessions", body, &session); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Created session: %s\nScenario: %s (%s)\nTick length: %gs\n",
		session.ID, session.ScenarioID, session.Name, session.TickSeconds)), nil
}

func (c *Client) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var resp struct {
		Sessions []*service.SessionInfo `json:"sessions"`
	}
	if err := c.apiCall(ctx, "GET", "/api/sessions", nil, &resp); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(resp.Sessions) == 0 {
		return mcp.NewToolResultText("No active sessions"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Active sessions (%d):\n", len(resp.Sessions))
	for _, s := range resp.Sessions {
		fmt.Fprintf(&b, "- %s scenario=%s tick=%d completed=%d pending=%d autoplay=%t\n",
			s.ID, s.ScenarioID, s.Stats.Ticks, s.Stats.JobsCompleted, s.Stats.JobsPending, s.Autoplay)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (c *Client) handleListScenarios(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var scenarios []*service.ScenarioInfo
	if err := c.apiCall(ctx, "GET", "/api/scenarios", nil, &scenarios); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var b strings.Builder
	b.WriteString("Available scenarios:\n")
	for _, s := range scenarios {
		fmt.Fprintf(&b, "- %s: %s (%dx%d, %d carts, %d chargers, %d seed jobs)\n",
			s.ScenarioID, s.Description, s.Width, s.Height, s.Carts, s.Chargers, s.Jobs)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (c *Client) handleFleetState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, _ := arguments(request)["session_id"].(string)

	var state service.FleetState
	if err := c.apiCall(ctx, "GET", sessionPath(sessionID, "state"), nil, &state); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(formatFleetState(&state)), nil
}

func (c *Client) handleSubmitJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	sessionID, _ := args["session_id"].(string)

	coords := make(map[string]int, 4)
	for _, key := range []string{"pickup_x", "pickup_y", "delivery_x", "delivery_y"} {
		v, ok := intArg(args, key)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("%s must be an integer", key)), nil
		}
		coords[key] = v
	}

	body := map[string]interface{}{
		"pickup":   map[string]int{"x": coords["pickup_x"], "y": coords["pickup_y"]},
		"delivery": map[string]int{"x": coords["delivery_x"], "y": coords["delivery_y"]},
	}
	var job coordinator.JobView
	if err := c.apiCall(ctx, "POST", sessionPath(sessionID, "jobs"), body, &job); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Job %d queued: %v -> %v (%s). It is assigned on the next tick.",
		job.ID, job.Pickup, job.Delivery, job.Status)), nil
}

func (c *Client) handleCancelJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	sessionID, _ := args["session_id"].(string)
	jobID, ok := intArg(args, "job_id")
	if !ok {
		return mcp.NewToolResultError("job_id must be an integer"), nil
	}

	if err := c.apiCall(ctx, "DELETE", sessionPath(sessionID, "jobs", fmt.Sprint(jobID)), nil, nil); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Job %d cancelled", jobID)), nil
}

func (c *Client) handleTick(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	sessionID, _ := args["session_id"].(string)
	ticks := 1
	if _, present := args["ticks"]; present {
		n, ok := intArg(args, "ticks")
		if !ok {
			return mcp.NewToolResultError("ticks must be an integer"), nil
		}
		ticks = n
	}

	var result service.TickResult
	if err := c.apiCall(ctx, "POST", sessionPath(sessionID, "tick"), map[string]int{"ticks": ticks}, &result); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(formatTickResult(&result)), nil
}

func (c *Client) handleRescueCart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	sessionID, _ := args["session_id"].(string)
	cartID, ok := intArg(args, "cart_id")
	if !ok {
		return mcp.NewToolResultError("cart_id must be an integer"), nil
	}

	var cart coordinator.CartView
	if err := c.apiCall(ctx, "POST", sessionPath(sessionID, "carts", fmt.Sprint(cartID), "rescue"), nil, &cart); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Cart %d rescued at %v with %.1f%% battery (%s)",
		cart.ID, cart.Position, cart.Battery, cart.State)), nil
}

// Formatting

// renderLayout draws the grid with carts overlaid by the last digit of
// their ID
func renderLayout(state *service.FleetState) []string {
	rows := make([][]byte, len(state.Layout))
	for y, row := range state.Layout {
		rows[y] = []byte(row)
	}
	for _, cart := range state.Carts {
		p := cart.Position
		if p.Y >= 0 && p.Y < len(rows) && p.X >= 0 && p.X < len(rows[p.Y]) {
			rows[p.Y][p.X] = byte('0' + cart.ID%10)
		}
	}

	out := make([]string, len(rows))
	for i, row := range rows {
		out[i] = string(row)
	}
	return out
}

func formatCart(cart coordinator.CartView) string {
	line := fmt.Sprintf("cart %d at %v battery %.1f%% %s", cart.ID, cart.Position, cart.Battery, cart.State)
	if cart.JobID != 0 {
		line += fmt.Sprintf(" job=%d", cart.JobID)
	}
	if cart.StationID != 0 {
		line += fmt.Sprintf(" station=%d", cart.StationID)
	}
	if cart.Destination != nil {
		line += fmt.Sprintf(" -> %v (%d cells)", *cart.Destination, cart.RouteRemaining)
	}
	if cart.Dwelling {
		line += " [stopped]"
	}
	if cart.Stranded {
		line += " [STRANDED]"
	}
	return line
}

func formatFleetState(state *service.FleetState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session %s (%s) tick %d, %.0fs simulated\n", state.SessionID, state.ScenarioID, state.Tick, state.SimulatedSeconds)
	fmt.Fprintf(&b, "Jobs: %d completed, %d pending, %d requeued | Charge sessions: %d | Stranded carts: %d\n\n",
		state.Stats.JobsCompleted, state.Stats.JobsPending, state.Stats.JobsRequeued,
		state.Stats.ChargeSessions, state.Stats.StrandedCarts)

	b.WriteString("Layout (digits are carts, # charger, $ pickup, @ delivery, X obstacle):\n")
	for _, row := range renderLayout(state) {
		b.WriteString("  " + row + "\n")
	}

	b.WriteString("\nCarts:\n")
	for _, cart := range state.Carts {
		b.WriteString("  " + formatCart(cart) + "\n")
	}

	b.WriteString("\nStations:\n")
	for _, st := range state.Stations {
		fmt.Fprintf(&b, "  station %d at %v %s", st.ID, st.Cell, st.Occupancy)
		if st.CartID != 0 {
			fmt.Fprintf(&b, " cart=%d", st.CartID)
		}
		b.WriteString("\n")
	}

	if len(state.Jobs) > 0 {
		b.WriteString("\nOpen jobs:\n")
		for _, j := range state.Jobs {
			fmt.Fprintf(&b, "  job %d %v -> %v %s", j.ID, j.Pickup, j.Delivery, j.Status)
			if j.CartID != 0 {
				fmt.Fprintf(&b, " cart=%d", j.CartID)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func formatTickResult(result *service.TickResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Executed %d/%d ticks", result.TicksExecuted, result.RequestedTicks)
	if result.Truncated {
		fmt.Fprintf(&b, " (limited to %d)", result.Limit)
	}
	fmt.Fprintf(&b, ", %d cell moves\n", result.CellsMoved)

	if len(result.CompletedJobs) > 0 {
		fmt.Fprintf(&b, "Completed jobs: %v\n", result.CompletedJobs)
	}

	notable := 0
	for _, e := range result.Events {
		switch e.Type {
		case coordinator.EventJobSubmitted, coordinator.EventJobPickedUp:
			continue
		}
		if notable == 0 {
			b.WriteString("Events:\n")
		}
		notable++
		fmt.Fprintf(&b, "  [t%d] %s\n", e.Tick, e.Message)
	}

	if result.State != nil {
		b.WriteString("\n")
		b.WriteString(formatFleetState(result.State))
	}
	return b.String()
}
