package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/kilnworks/kilnd/internal/oven"
)

func TestHubStartsAndStops(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
}

func TestHubClientCount(t *testing.T) {
	hub := NewHub()
	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestHubBroadcastToClient(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	wsURL := "ws" + srv.URL[4:] // http -> ws
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Wait for registration
	time.Sleep(50 * time.Millisecond)

	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}

	hub.BroadcastEvent("status", oven.Snapshot{Mode: oven.ModeIdle, Temperature: 25})

	readCtx, readCancel := context.WithTimeout(ctx, 2*time.Second)
	defer readCancel()

	_, data, err := conn.Read(readCtx)
	if err != nil {
		t.Fatalf("websocket read failed: %v", err)
	}

	var evt WSEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("failed to unmarshal event: %v", err)
	}
	if evt.Type != "status" {
		t.Errorf("expected type status, got %s", evt.Type)
	}
}

func TestHubClientDisconnect(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	wsURL := "ws" + srv.URL[4:]
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}

	// Wait for registration
	time.Sleep(50 * time.Millisecond)
	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}

	conn.Close(websocket.StatusNormalClosure, "done")

	// Wait for unregister
	time.Sleep(100 * time.Millisecond)
	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after disconnect, got %d", hub.ClientCount())
	}
}

// fixedBacklog serves a canned history for backlog tests.
type fixedBacklog struct {
	history []oven.Snapshot
}

func (f *fixedBacklog) HistorySubset(max int) []oven.Snapshot {
	if len(f.history) > max {
		return f.history[:max]
	}
	return f.history
}

func TestHubSendsBacklogOnConnect(t *testing.T) {
	hub := NewHub()
	hub.Backlog = &fixedBacklog{history: []oven.Snapshot{
		{Mode: oven.ModeRunning, Runtime: 1, Temperature: 100},
		{Mode: oven.ModeRunning, Runtime: 2, Temperature: 101},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	wsURL := "ws" + srv.URL[4:]
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	readCtx, readCancel := context.WithTimeout(ctx, 2*time.Second)
	defer readCancel()

	_, data, err := conn.Read(readCtx)
	if err != nil {
		t.Fatalf("websocket read failed: %v", err)
	}

	var evt struct {
		Type    string          `json:"type"`
		Payload []oven.Snapshot `json:"payload"`
	}
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("failed to unmarshal event: %v", err)
	}
	if evt.Type != "backlog" {
		t.Fatalf("expected first event to be backlog, got %s", evt.Type)
	}
	if len(evt.Payload) != 2 {
		t.Errorf("backlog has %d points, want 2", len(evt.Payload))
	}
}

// recordingCommands captures commands received over the WebSocket.
type recordingCommands struct {
	mu   sync.Mutex
	cmds []oven.Command
}

func (r *recordingCommands) Apply(cmd oven.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd)
	return nil
}

func (r *recordingCommands) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cmds)
}

func TestHubAppliesClientCommands(t *testing.T) {
	hub := NewHub()
	rec := &recordingCommands{}
	hub.Commands = rec
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	wsURL := "ws" + srv.URL[4:]
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	err = conn.Write(ctx, websocket.MessageText, []byte(`{"cmd":"STOP"}`))
	if err != nil {
		t.Fatalf("websocket write failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for rec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if rec.count() != 1 {
		t.Fatalf("expected 1 command, got %d", rec.count())
	}
	rec.mu.Lock()
	cmd := rec.cmds[0]
	rec.mu.Unlock()
	if cmd.Cmd != "STOP" {
		t.Errorf("cmd = %q, want STOP", cmd.Cmd)
	}
}

func TestHubIgnoresMalformedClientMessage(t *testing.T) {
	hub := NewHub()
	rec := &recordingCommands{}
	hub.Commands = rec
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	wsURL := "ws" + srv.URL[4:]
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := conn.Write(ctx, websocket.MessageText, []byte(`not json`)); err != nil {
		t.Fatalf("websocket write failed: %v", err)
	}
	// A valid command after garbage still goes through: the connection
	// survives malformed input.
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"cmd":"STOP"}`)); err != nil {
		t.Fatalf("websocket write failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for rec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if rec.count() != 1 {
		t.Fatalf("expected 1 command, got %d", rec.count())
	}
}
