package chat_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"gigline/internal/chat"
	"gigline/internal/domain"
)

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user=" + user
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) chat.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f chat.Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestWebSocketChatEndToEnd(t *testing.T) {
	f := newFixture(t)
	h := chat.NewWSHandler(f.router, nil, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		h.Serve(w, r, r.URL.Query().Get("user"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")
	for _, c := range []*websocket.Conn{alice, bob} {
		if err := c.WriteJSON(map[string]any{"event": "joinGigChat", "data": "g1"}); err != nil {
			t.Fatalf("write join: %v", err)
		}
		if got := readFrame(t, c); got.Event != chat.EventHistory {
			t.Fatalf("expected history, got %+v", got)
		}
	}
	if err := alice.WriteJSON(map[string]any{
		"event": "sendMessage",
		"data":  map[string]string{"gigId": "g1", "userId": "alice", "message": "hello bob"},
	}); err != nil {
		t.Fatalf("write send: %v", err)
	}
	for _, c := range []*websocket.Conn{alice, bob} {
		got := readFrame(t, c)
		var msg domain.ChatMessage
		decodeData(t, got, &msg)
		if got.Event != chat.EventNewMessage || msg.SenderID != "alice" || msg.Message != "hello bob" {
			t.Fatalf("unexpected frame %+v", got)
		}
	}
	if err := bob.WriteJSON(map[string]any{"event": "typing", "data": map[string]string{"gigId": "g1"}}); err != nil {
		t.Fatalf("write typing: %v", err)
	}
	got := readFrame(t, alice)
	var who string
	decodeData(t, got, &who)
	if got.Event != chat.EventUserTyping || who != "bob" {
		t.Fatalf("unexpected typing frame %+v", got)
	}

	bob.Close()
	deadline := time.Now().Add(2 * time.Second)
	for len(f.router.Members("g1")) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("closed socket still in room")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
