package session

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestManagerOverWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	fromClient := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer ws.Close()

		msg := `{"group_id":"g1","alerts":[{"id":"root","parent_id":"","service":"db","summary":"down"}]}`
		if err := ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Errorf("server write failed: %v", err)
			return
		}
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		fromClient <- string(data)
		// Wait for the client's close frame.
		ws.ReadMessage()
	}))
	defer srv.Close()

	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	m := New(Options{})

	received := make(chan json.RawMessage, 1)
	m.SetMessageCallback(func(msg json.RawMessage) { received <- msg })

	m.Connect(endpoint)
	defer m.Disconnect()

	select {
	case msg := <-received:
		var decoded struct {
			GroupID string `json:"group_id"`
		}
		if err := json.Unmarshal(msg, &decoded); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if decoded.GroupID != "g1" {
			t.Errorf("group_id = %q, want g1", decoded.GroupID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no message received from server")
	}

	m.Send(map[string]string{"type": "ack"})
	select {
	case got := <-fromClient:
		if got != `{"type":"ack"}` {
			t.Errorf("server got %s", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the outbound message")
	}
}

func TestWebSocketDialerReportsHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	d := &WebSocketDialer{}
	_, err := d.Dial(t.Context(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	if err == nil {
		t.Fatal("expected dial error")
	}
	if !strings.Contains(err.Error(), "HTTP 403") {
		t.Errorf("error %q should mention the HTTP status", err)
	}
}
