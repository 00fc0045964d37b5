package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"github.com/wricardo/warehouse-fleet/fleet/coordinator"
	"github.com/wricardo/warehouse-fleet/fleet/grid"
	"github.com/wricardo/warehouse-fleet/fleet/service"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// startHub runs a hub until the test ends
func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.done
	})
	return hub
}

// startServer serves the hub on ?session=<id>
func startServer(t *testing.T, hub *Hub, initial *service.FleetState) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, r.URL.Query().Get("session"), initial)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read WebSocket message: %v", err)
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return m
}

func waitForClients(t *testing.T, hub *Hub, sessionID string, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount(sessionID) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Expected %d clients in session %s, got %d", want, sessionID, hub.ClientCount(sessionID))
}

func testState(sessionID string) *service.FleetState {
	return &service.FleetState{
		SessionID: sessionID,
		Tick:      7,
		Carts: []coordinator.CartView{
			{ID: 1, Position: grid.Cell{X: 2, Y: 3}, Battery: 64, State: coordinator.EnRouteDelivery},
		},
	}
}

func TestHubRegisterClient(t *testing.T) {
	hub := NewHub(nil)
	client1 := &Client{hub: hub, sessionID: "dock", send: make(chan []byte, 1)}
	client2 := &Client{hub: hub, sessionID: "dock", send: make(chan []byte, 1)}

	hub.registerClient(client1)
	hub.registerClient(client2)
	if len(hub.sessions["dock"]) != 2 {
		t.Fatalf("Expected 2 clients in session, got %d", len(hub.sessions["dock"]))
	}

	hub.unregisterClient(client1)
	if !hub.sessions["dock"][client2] {
		t.Error("client2 should still be registered")
	}
	if _, ok := <-client1.send; ok {
		t.Error("Expected client1 send channel to be closed")
	}

	hub.unregisterClient(client2)
	hub.unregisterClient(client2)
	if _, exists := hub.sessions["dock"]; exists {
		t.Error("Session should have been cleaned up after last client unregistered")
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	hub := NewHub(nil)
	slow := &Client{hub: hub, sessionID: "dock", send: make(chan []byte, 1)}
	hub.registerClient(slow)

	hub.broadcastMessage(&Message{SessionID: "dock", Event: EventStateUpdate})
	hub.broadcastMessage(&Message{SessionID: "dock", Event: EventStateUpdate})

	if _, exists := hub.sessions["dock"]; exists {
		t.Error("Expected slow client to be dropped")
	}
}

func TestBroadcastStateReachesSessionClients(t *testing.T) {
	hub := startHub(t)
	url := startServer(t, hub, testState("dock"))

	conn := dial(t, url+"?session=dock")
	other := dial(t, url+"?session=aisle")
	waitForClients(t, hub, "dock", 1)
	waitForClients(t, hub, "aisle", 1)

	initial := readMessage(t, conn)
	if initial.Event != EventStateUpdate || initial.State == nil || initial.State.Tick != 7 {
		t.Fatalf("Expected initial state, got %+v", initial)
	}
	readMessage(t, other)

	state := testState("dock")
	state.Tick = 8
	hub.BroadcastState(state)
	hub.BroadcastEvents("dock", []coordinator.Event{{Type: coordinator.EventJobCompleted, JobID: 3}})

	m := readMessage(t, conn)
	if m.SessionID != "dock" || m.State.Tick != 8 {
		t.Errorf("Unexpected state message %+v", m)
	}
	if got := m.State.Carts[0].State; got != coordinator.EnRouteDelivery {
		t.Errorf("Expected cart state to survive JSON, got %s", got)
	}

	m = readMessage(t, conn)
	if m.Event != EventFleetEvents || len(m.Events) != 1 || m.Events[0].JobID != 3 {
		t.Errorf("Unexpected events message %+v", m)
	}

	// the other session only ever sees its initial message
	other.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, _, err := other.ReadMessage(); err == nil {
		t.Error("Expected no message for a different session")
	}
}

func TestClientDisconnectUnregisters(t *testing.T) {
	hub := startHub(t)
	url := startServer(t, hub, nil)

	conn := dial(t, url+"?session=ws-test")
	waitForClients(t, hub, "ws-test", 1)

	conn.Close()
	waitForClients(t, hub, "ws-test", 0)
}

func TestRunClosesClientsOnShutdown(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	url := startServer(t, hub, nil)
	conn := dial(t, url+"?session=dock")
	waitForClients(t, hub, "dock", 1)

	cancel()
	<-hub.done

	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected the connection to be closed")
	}
	if hub.ClientCount("dock") != 0 {
		t.Error("Expected no clients after shutdown")
	}
	hub.BroadcastState(testState("dock"))
}
