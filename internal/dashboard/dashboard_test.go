package dashboard_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atlas-desktop/xylen-coordinator/internal/dashboard"
	"github.com/atlas-desktop/xylen-coordinator/pkg/types"
)

func setupTestServer(t *testing.T, statusFn dashboard.StatusFunc) (*dashboard.Server, *httptest.Server) {
	t.Helper()
	if statusFn == nil {
		statusFn = func() types.Status { return types.Status{Running: true, Symbol: "BTCUSDT"} }
	}
	s := dashboard.New(zap.NewNop(), "127.0.0.1", 0, statusFn)
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return s, ts
}

func TestStatusEndpointReportsRunningState(t *testing.T) {
	_, ts := setupTestServer(t, func() types.Status { return types.Status{Running: true, Symbol: "ETHUSDT"} })

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d, want 200", resp.StatusCode)
	}

	var got map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if got["symbol"] != "ETHUSDT" {
		t.Fatalf("symbol = %v, want ETHUSDT", got["symbol"])
	}
	if _, ok := got["goroutines"]; !ok {
		t.Fatal("expected goroutines field in status response")
	}
}

func TestWebSocketClientReceivesBroadcast(t *testing.T) {
	s, ts := setupTestServer(t, nil)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	// Give the server goroutine time to register the client before broadcasting.
	time.Sleep(50 * time.Millisecond)

	s.Broadcast(dashboard.BroadcastDecision, map[string]string{"action": "long"})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}

	var msg dashboard.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal pushed message: %v", err)
	}
	if msg.Type != dashboard.BroadcastDecision {
		t.Fatalf("Type = %v, want decision", msg.Type)
	}
}

func TestWebSocketClientGetsNothingWithoutBroadcast(t *testing.T) {
	_, ts := setupTestServer(t, nil)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected a read timeout with no broadcast sent")
	}
}
