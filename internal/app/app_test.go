package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dshills/beacon/internal/event"
	"github.com/dshills/beacon/internal/resilience"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	a, err := New(Options{Addr: "127.0.0.1:0", LogLevel: "error"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func dialWS(t *testing.T, a *App, clientID string, patterns ...string) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://%s/ws?client=%s", a.Addr(), clientID)
	for _, p := range patterns {
		url += "&pattern=" + p
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func publish(t *testing.T, a *App, eventType string, payload any, source string) {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"type":    eventType,
		"payload": payload,
		"source":  source,
	})
	if err != nil {
		t.Fatalf("marshaling publish body: %v", err)
	}
	resp, err := http.Post("http://"+a.Addr()+"/publish", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /publish: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /publish status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn, timeout time.Duration) event.Envelope {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("setting read deadline: %v", err)
	}
	var env event.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("reading envelope: %v", err)
	}
	return env
}

func TestApp_WebsocketDelivery(t *testing.T) {
	a := newTestApp(t)
	conn := dialWS(t, a, "ws-1", "agent.*")

	publish(t, a, "agent.status.changed", map[string]any{"id": "a1", "status": "busy"}, "prod-1")

	env := readEnvelope(t, conn, 3*time.Second)
	if env.Type != "agent.status.changed" {
		t.Errorf("Type = %q, want agent.status.changed", env.Type)
	}
	payload, ok := env.Payload.(map[string]any)
	if !ok {
		t.Fatalf("Payload type = %T, want map", env.Payload)
	}
	if payload["status"] != "busy" {
		t.Errorf("status = %v, want busy", payload["status"])
	}
	if env.Source == nil || *env.Source != "prod-1" {
		t.Errorf("Source = %v, want prod-1", env.Source)
	}
	if env.Sequence == 0 {
		t.Error("Sequence = 0, want assigned")
	}
}

func TestApp_CoalescesBurstForSameEntity(t *testing.T) {
	a := newTestApp(t)
	conn := dialWS(t, a, "ws-2", "agent.*")

	// Three rapid updates for the same agent inside one batch window.
	publish(t, a, "agent.status.changed", map[string]any{"id": "a1", "status": "starting"}, "")
	publish(t, a, "agent.status.changed", map[string]any{"id": "a1", "status": "running"}, "")
	publish(t, a, "agent.status.changed", map[string]any{"id": "a1", "status": "done"}, "")

	env := readEnvelope(t, conn, 3*time.Second)
	payload, ok := env.Payload.(map[string]any)
	if !ok {
		t.Fatalf("Payload type = %T, want map", env.Payload)
	}
	if payload["status"] != "done" {
		t.Errorf("status = %v, want the latest update (done)", payload["status"])
	}
	if env.SuppressedCount == nil || *env.SuppressedCount != 2 {
		t.Errorf("SuppressedCount = %v, want 2", env.SuppressedCount)
	}
}

func TestApp_DistinctEntitiesDeliverSeparately(t *testing.T) {
	a := newTestApp(t)
	conn := dialWS(t, a, "ws-3", "agent.*")

	publish(t, a, "agent.status.changed", map[string]any{"id": "a1", "status": "busy"}, "")
	publish(t, a, "agent.status.changed", map[string]any{"id": "a2", "status": "idle"}, "")

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		env := readEnvelope(t, conn, 3*time.Second)
		payload := env.Payload.(map[string]any)
		seen[payload["id"].(string)] = true
		if env.SuppressedCount != nil {
			t.Errorf("SuppressedCount = %v, want nil for distinct entities", *env.SuppressedCount)
		}
	}
	if !seen["a1"] || !seen["a2"] {
		t.Errorf("seen = %v, want both a1 and a2", seen)
	}
}

func TestApp_PollingDelivery(t *testing.T) {
	a := newTestApp(t)

	// First poll registers the client and its pattern; nothing pending yet.
	envs := pollClient(t, a, "poll-1", "task.*")
	if len(envs) != 0 {
		t.Fatalf("initial poll returned %d envelopes, want 0", len(envs))
	}

	publish(t, a, "task.created", map[string]any{"taskId": "t1"}, "")

	// Give the batch window time to flush into the outbox.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		envs = pollClient(t, a, "poll-1")
		if len(envs) > 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if len(envs) != 1 {
		t.Fatalf("poll returned %d envelopes, want 1", len(envs))
	}
	if envs[0].Type != "task.created" {
		t.Errorf("Type = %q, want task.created", envs[0].Type)
	}
}

func pollClient(t *testing.T, a *App, clientID string, patterns ...string) []event.Envelope {
	t.Helper()
	url := fmt.Sprintf("http://%s/poll?client=%s", a.Addr(), clientID)
	for _, p := range patterns {
		url += "&pattern=" + p
	}
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET /poll: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /poll status = %d, want 200", resp.StatusCode)
	}
	var envs []event.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&envs); err != nil {
		t.Fatalf("decoding poll response: %v", err)
	}
	return envs
}

func TestApp_StatusEndpoint(t *testing.T) {
	a := newTestApp(t)
	dialWS(t, a, "ws-4", "agent.*")

	// The connect hook runs asynchronously with the dial; wait for it.
	deadline := time.Now().Add(2 * time.Second)
	var status map[string]any
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + a.Addr() + "/status?client=ws-4")
		if err != nil {
			t.Fatalf("GET /status: %v", err)
		}
		if resp.StatusCode == http.StatusOK {
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				t.Fatalf("decoding status: %v", err)
			}
			resp.Body.Close()
			break
		}
		resp.Body.Close()
		time.Sleep(20 * time.Millisecond)
	}

	if status["state"] != "connected" {
		t.Errorf("state = %v, want connected", status["state"])
	}
	if status["transportKind"] != "push" {
		t.Errorf("transportKind = %v, want push", status["transportKind"])
	}
}

func TestApp_StatusUnknownClient(t *testing.T) {
	a := newTestApp(t)
	resp, err := http.Get("http://" + a.Addr() + "/status?client=nobody")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestApp_PublishRejectsWildcardType(t *testing.T) {
	a := newTestApp(t)
	body := []byte(`{"type":"agent.*","payload":null}`)
	resp, err := http.Post("http://"+a.Addr()+"/publish", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /publish: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestApp_AnnounceReachesUnsubscribedClient(t *testing.T) {
	a := newTestApp(t)
	conn := dialWS(t, a, "ws-5") // no patterns at all

	// Wait for the connect hook before broadcasting.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := a.manager.Status("ws-5"); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	a.Announce("system.shutdown.pending", map[string]any{"in": "5m"})

	env := readEnvelope(t, conn, 3*time.Second)
	if env.Type != "system.shutdown.pending" {
		t.Errorf("Type = %q, want system.shutdown.pending", env.Type)
	}
	if env.Source == nil || *env.Source != "system" {
		t.Errorf("Source = %v, want system", env.Source)
	}
	// Broadcasts never enter the bus; sequence zero marks them
	// out-of-band so clients exclude them from gap detection.
	if env.Sequence != 0 {
		t.Errorf("Sequence = %d, want 0 for a broadcast", env.Sequence)
	}
}

func TestApp_PollWhileConnectedConflicts(t *testing.T) {
	a := newTestApp(t)
	dialWS(t, a, "ws-7", "agent.*")

	// Wait for the connect hook before polling.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, err := a.manager.State("ws-7"); err == nil && st == resilience.StateConnected {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get("http://" + a.Addr() + "/poll?client=ws-7")
	if err != nil {
		t.Fatalf("GET /poll: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409 while connected via push", resp.StatusCode)
	}
}

func TestApp_DisconnectIsTerminal(t *testing.T) {
	a := newTestApp(t)
	pollClient(t, a, "poll-2", "agent.*")

	req, err := http.NewRequest(http.MethodPost, "http://"+a.Addr()+"/disconnect?client=poll-2", nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /disconnect: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}

	check, err := http.Get("http://" + a.Addr() + "/status?client=poll-2")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer check.Body.Close()
	if check.StatusCode != http.StatusNotFound {
		t.Errorf("status after disconnect = %d, want 404", check.StatusCode)
	}
}

func TestApp_ControlFrameSubscribes(t *testing.T) {
	a := newTestApp(t)
	conn := dialWS(t, a, "ws-6")

	frame := map[string]string{"action": "subscribe", "pattern": "metrics.*"}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("writing control frame: %v", err)
	}

	// The frame is processed asynchronously by the read pump.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(a.clients.patternsFor("ws-6")) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	publish(t, a, "metrics.cpu.sampled", map[string]any{"value": 0.42}, "")

	env := readEnvelope(t, conn, 3*time.Second)
	if env.Type != "metrics.cpu.sampled" {
		t.Errorf("Type = %q, want metrics.cpu.sampled", env.Type)
	}
}
