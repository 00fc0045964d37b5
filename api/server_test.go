package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wricardo/warehouse-fleet/fleet/config"
	"github.com/wricardo/warehouse-fleet/fleet/coordinator"
	"github.com/wricardo/warehouse-fleet/fleet/service"
	"github.com/wricardo/warehouse-fleet/fleet/session"
	"github.com/wricardo/warehouse-fleet/transport/websocket"
)

// Spawn (0,0), pickup (5,0), charger (2,2), delivery (5,4), obstacle (0,4)
const dockYAML = `name: Dock
description: Test dock
layout:
  - "T....$"
  - "......"
  - "..#..."
  - "......"
  - "X....@"
params:
  stop_duration: 0
`

func newTestService(t *testing.T) service.FleetService {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dock.yaml"), []byte(dockYAML), 0o644))
	scenarios, err := config.NewManager(dir)
	require.NoError(t, err)
	return service.NewFleetService(session.NewManager(), scenarios)
}

func startHub(t *testing.T) *websocket.Hub {
	t.Helper()
	hub := websocket.NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return NewServer(newTestService(t), startHub(t))
}

func doRequest(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v), rr.Body.String())
}

func errorOf(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	decode(t, rr, &resp)
	return resp["error"]
}

func createSession(t *testing.T, h http.Handler) string {
	t.Helper()
	rr := doRequest(t, h, "POST", "/api/sessions", map[string]string{"scenario_id": "dock"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var info service.SessionInfo
	decode(t, rr, &info)
	return info.ID
}

func submitJob(t *testing.T, h http.Handler, sessionID string) coordinator.JobView {
	t.Helper()
	body := map[string]interface{}{
		"pickup":   map[string]int{"x": 5, "y": 0},
		"delivery": map[string]int{"x": 5, "y": 4},
	}
	rr := doRequest(t, h, "POST", "/api/sessions/"+sessionID+"/jobs", body)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var job coordinator.JobView
	decode(t, rr, &job)
	return job
}

func TestHealth(t *testing.T) {
	rr := doRequest(t, newTestServer(t), "GET", "/api/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "healthy")
}

func TestSessionLifecycle(t *testing.T) {
	srv := newTestServer(t)

	rr := doRequest(t, srv, "POST", "/api/sessions", nil)
	require.Equal(t, http.StatusCreated, rr.Code)
	var def service.SessionInfo
	decode(t, rr, &def)
	assert.Equal(t, "dock", def.ScenarioID)

	id := createSession(t, srv)

	rr = doRequest(t, srv, "GET", "/api/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doRequest(t, srv, "GET", "/api/sessions?limit=1&sort=created&order=asc", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Count    int                    `json:"count"`
		Sessions []*service.SessionInfo `json:"sessions"`
	}
	decode(t, rr, &list)
	assert.Equal(t, 1, list.Count)

	rr = doRequest(t, srv, "DELETE", "/api/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doRequest(t, srv, "GET", "/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.NotEmpty(t, errorOf(t, rr))

	rr = doRequest(t, srv, "POST", "/api/sessions", map[string]string{"scenario_id": "ghost"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSnapshots(t *testing.T) {
	srv := newTestServer(t)
	id := createSession(t, srv)

	rr := doRequest(t, srv, "GET", "/api/sessions/"+id+"/state", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var state service.FleetState
	decode(t, rr, &state)
	assert.Equal(t, 6, state.Width)
	assert.Equal(t, 5, state.Height)
	assert.Len(t, state.Carts, 1)
	assert.Len(t, state.Stations, 1)

	rr = doRequest(t, srv, "GET", "/api/sessions/"+id+"/carts", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var carts []coordinator.CartView
	decode(t, rr, &carts)
	require.Len(t, carts, 1)
	assert.Equal(t, coordinator.Idle, carts[0].State)

	rr = doRequest(t, srv, "GET", "/api/sessions/"+id+"/stations", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doRequest(t, srv, "GET", "/api/sessions/"+id+"/jobs", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())

	rr = doRequest(t, srv, "GET", "/api/sessions/ghost/carts", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSubmitAndDeliver(t *testing.T) {
	srv := newTestServer(t)
	id := createSession(t, srv)

	job := submitJob(t, srv, id)
	assert.Equal(t, coordinator.JobPending, job.Status)

	rr := doRequest(t, srv, "POST", "/api/sessions/"+id+"/tick", map[string]int{"ticks": 30})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var result service.TickResult
	decode(t, rr, &result)

	assert.Equal(t, 30, result.TicksExecuted)
	assert.Equal(t, []int{job.ID}, result.CompletedJobs)
	assert.Equal(t, 9, result.CellsMoved)
	require.NotNil(t, result.State)
	assert.Equal(t, 1, result.State.Stats.JobsCompleted)
	assert.InDelta(t, 82.0, result.State.Carts[0].Battery, 1e-9)
}

func TestSubmitJobValidation(t *testing.T) {
	srv := newTestServer(t)
	id := createSession(t, srv)

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"malformed", "{", http.StatusBadRequest},
		{"missing delivery", map[string]interface{}{"pickup": map[string]int{"x": 1, "y": 1}}, http.StatusBadRequest},
		{"obstacle", map[string]interface{}{
			"pickup":   map[string]int{"x": 0, "y": 4},
			"delivery": map[string]int{"x": 5, "y": 4},
		}, http.StatusBadRequest},
		{"out of bounds", map[string]interface{}{
			"pickup":   map[string]int{"x": 9, "y": 9},
			"delivery": map[string]int{"x": 5, "y": 4},
		}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(t, srv, "POST", "/api/sessions/"+id+"/jobs", tt.body)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}
}

func TestCancelJob(t *testing.T) {
	srv := newTestServer(t)
	id := createSession(t, srv)

	job := submitJob(t, srv, id)
	path := fmt.Sprintf("/api/sessions/%s/jobs/%d", id, job.ID)

	rr := doRequest(t, srv, "DELETE", path, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doRequest(t, srv, "DELETE", path, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	assigned := submitJob(t, srv, id)
	rr = doRequest(t, srv, "POST", "/api/sessions/"+id+"/tick", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doRequest(t, srv, "DELETE", fmt.Sprintf("/api/sessions/%s/jobs/%d", id, assigned.ID), nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestTickValidation(t *testing.T) {
	srv := newTestServer(t)
	id := createSession(t, srv)

	rr := doRequest(t, srv, "POST", "/api/sessions/"+id+"/tick", map[string]int{"ticks": -2})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doRequest(t, srv, "POST", "/api/sessions/"+id+"/tick", map[string]int{"ticks": service.MaxTicksPerCall + 5})
	require.Equal(t, http.StatusOK, rr.Code)
	var result service.TickResult
	decode(t, rr, &result)
	assert.True(t, result.Truncated)
	assert.Equal(t, service.MaxTicksPerCall, result.TicksExecuted)

	rr = doRequest(t, srv, "POST", "/api/sessions/ghost/tick", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRescueCart(t *testing.T) {
	srv := newTestServer(t)
	id := createSession(t, srv)

	rr := doRequest(t, srv, "POST", "/api/sessions/"+id+"/carts/1/rescue", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = doRequest(t, srv, "POST", "/api/sessions/"+id+"/carts/99/rescue", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAutoplay(t *testing.T) {
	srv := newTestServer(t)
	id := createSession(t, srv)

	rr := doRequest(t, srv, "POST", "/api/sessions/"+id+"/autoplay", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doRequest(t, srv, "POST", "/api/sessions/"+id+"/autoplay", map[string]bool{"enabled": true})
	require.Equal(t, http.StatusOK, rr.Code)
	var info service.SessionInfo
	decode(t, rr, &info)
	assert.True(t, info.Autoplay)
}

func TestScenarios(t *testing.T) {
	srv := newTestServer(t)

	rr := doRequest(t, srv, "GET", "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var infos []service.ScenarioInfo
	decode(t, rr, &infos)
	require.Len(t, infos, 1)
	assert.Equal(t, "dock", infos[0].ScenarioID)

	rr = doRequest(t, srv, "GET", "/api/scenarios/dock.yaml", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doRequest(t, srv, "GET", "/api/scenarios/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	aisle := "name: aisle\nlayout: [\"T.#.$\"]\n"
	rr = doRequest(t, srv, "POST", "/api/scenarios", aisle)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = doRequest(t, srv, "POST", "/api/sessions", map[string]string{"scenario_id": "aisle"})
	assert.Equal(t, http.StatusCreated, rr.Code)

	rr = doRequest(t, srv, "POST", "/api/scenarios", `{"name": "broken", "layout": ["T?"]}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doRequest(t, srv, "POST", "/api/scenarios", `{"layout": ["T#"]}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

// failingService answers Tick with an uncategorised error
type failingService struct {
	service.FleetService
}

func (failingService) Tick(ctx context.Context, sessionID string, ticks int) (*service.TickResult, error) {
	return nil, errors.New("charger state corrupted")
}

func TestStatusMapping(t *testing.T) {
	srv := NewServer(failingService{}, nil)

	rr := doRequest(t, srv, "POST", "/api/sessions/any/tick", nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "charger state corrupted", errorOf(t, rr))

	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", service.ErrInvalidInput), http.StatusBadRequest},
		{fmt.Errorf("x: %w", service.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", service.ErrConflict), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestWebSocketWithoutHub(t *testing.T) {
	srv := NewServer(newTestService(t), nil)
	rr := doRequest(t, srv, "GET", "/ws?session=x", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestWebSocketStream(t *testing.T) {
	srv := newTestServer(t)
	id := createSession(t, srv)

	httpSrv := httptest.NewServer(srv)
	t.Cleanup(httpSrv.Close)
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")

	resp, err := http.Get(httpSrv.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, resp, err = gws.DefaultDialer.Dial(wsURL+"/ws?session=ghost", nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	}

	conn, _, err := gws.DefaultDialer.Dial(wsURL+"/ws?session="+id, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	read := func() websocket.Message {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var m websocket.Message
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	}

	first := read()
	assert.Equal(t, websocket.EventStateUpdate, first.Event)
	require.NotNil(t, first.State)
	assert.Equal(t, id, first.State.SessionID)

	deadline := time.Now().Add(2 * time.Second)
	for srv.hub.ClientCount(id) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("websocket client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	submitJob(t, srv, id)
	update := read()
	assert.Equal(t, websocket.EventStateUpdate, update.Event)
	require.NotNil(t, update.State)
	assert.Len(t, update.State.Jobs, 1)

	rr := doRequest(t, srv, "POST", "/api/sessions/"+id+"/tick", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	events := read()
	assert.Equal(t, websocket.EventFleetEvents, events.Event)
	assert.NotEmpty(t, events.Events)
	assert.Equal(t, websocket.EventStateUpdate, read().Event)
}
