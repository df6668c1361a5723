package events

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"live-relay/internal/orchestrator"
	"live-relay/internal/platform/logger"

	"github.com/gorilla/websocket"
)

var _ orchestrator.Notifier = (*Hub)(nil)

func startTestHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(logger.Discard())
	go hub.Run()
	t.Cleanup(hub.Close)
	return hub
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, got %d", n, hub.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	resp.Body.Close()
	return conn
}

type decoded struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readMessage(t *testing.T, conn *websocket.Conn) decoded {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read ws message: %v", err)
	}
	var msg decoded
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v (raw: %s)", err, data)
	}
	return msg
}

func TestHub_broadcasts_to_clients(t *testing.T) {
	hub := startTestHub(t)
	c1 := &client{hub: hub, send: make(chan []byte, 8)}
	c2 := &client{hub: hub, send: make(chan []byte, 8)}
	hub.register <- c1
	hub.register <- c2
	waitForClients(t, hub, 2)

	hub.PlayheadChanged("c1", 96000)

	for i, c := range []*client{c1, c2} {
		select {
		case got := <-c.send:
			want := `{"type":"playhead","data":{"call_id":"c1","time_ms":96000}}`
			if string(got) != want {
				t.Errorf("client %d got %s, want %s", i, got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("client %d: no message", i)
		}
	}

	hub.unregister <- c1
	hub.unregister <- c2
	waitForClients(t, hub, 0)
}

func TestHub_drops_slow_client(t *testing.T) {
	hub := startTestHub(t)
	slow := &client{hub: hub, send: make(chan []byte, 1)}
	hub.register <- slow
	waitForClients(t, hub, 1)

	slow.send <- []byte("fill")
	hub.Destroyed("c1")

	waitForClients(t, hub, 0)
}

func TestHub_no_clients_does_not_block(t *testing.T) {
	hub := NewHub(logger.Discard())
	for i := 0; i < 1000; i++ {
		hub.PlayheadChanged("c1", int64(i))
	}
}

func TestHub_websocket(t *testing.T) {
	hub := startTestHub(t)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialWS(t, srv)
	defer conn.Close()
	waitForClients(t, hub, 1)

	hub.Destroyed("call-7")

	msg := readMessage(t, conn)
	if msg.Type != "destroyed" || string(msg.Data) != `{"call_id":"call-7"}` {
		t.Errorf("got %s %s", msg.Type, msg.Data)
	}
}

func TestHub_client_disconnect(t *testing.T) {
	hub := startTestHub(t)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialWS(t, srv)
	waitForClients(t, hub, 1)
	conn.Close()
	waitForClients(t, hub, 0)

	hub.PlayheadChanged("c1", 1)
}

func TestHub_Close_disconnects_clients(t *testing.T) {
	hub := NewHub(logger.Discard())
	go hub.Run()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialWS(t, srv)
	defer conn.Close()
	waitForClients(t, hub, 1)

	hub.Close()
	hub.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected an error after hub close")
	}
}

func TestHub_rejects_plain_http(t *testing.T) {
	hub := startTestHub(t)
	rec := httptest.NewRecorder()
	hub.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
