package wsconn

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaytun/relaytun/internal/frame"
)

func dialPair(t *testing.T) (server, client *Conn, cleanup func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	var serverConn *Conn
	ready := make(chan struct{})

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		serverConn = New(ws, nil)
		close(ready)
	}))

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	clientWS, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	clientConn := New(clientWS, nil)

	<-ready
	return serverConn, clientConn, func() {
		clientConn.Close()
		serverConn.Close()
		ts.Close()
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	server, client, cleanup := dialPair(t)
	defer cleanup()

	want := &frame.Frame{Type: frame.TypePing, ID: "p1", Timestamp: 123}
	if err := client.WriteFrame(want); err != nil {
		t.Fatal(err)
	}

	got, err := server.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != want.ID || got.Type != want.Type {
		t.Fatalf("got %+v want %+v", got, want)
	}
}

func TestReadFrameSurfacesMalformedWithoutKillingConn(t *testing.T) {
	server, client, cleanup := dialPair(t)
	defer cleanup()

	if err := client.ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if _, err := server.ReadFrame(); err == nil {
		t.Fatal("expected decode error for malformed frame")
	}

	// connection must still be usable afterwards
	want := &frame.Frame{Type: frame.TypePong, ID: "p2"}
	if err := client.WriteFrame(want); err != nil {
		t.Fatal(err)
	}
	got, err := server.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "p2" {
		t.Fatalf("got %q want p2", got.ID)
	}
}

func TestPongHandlerInvoked(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ready := make(chan struct{})
	var serverConn *Conn

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		serverConn = New(ws, nil)
		close(ready)
		// keep reading so the default ping handler auto-replies with pong
		for {
			if _, err := serverConn.ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer ts.Close()

	pongCh := make(chan struct{}, 1)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	clientWS, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	client := New(clientWS, func() { pongCh <- struct{}{} })
	defer client.Close()
	<-ready

	if err := client.WritePing(); err != nil {
		t.Fatal(err)
	}
	// the pong control frame only surfaces once the client reads
	go client.ws.ReadMessage()

	select {
	case <-pongCh:
	case <-time.After(2 * time.Second):
		t.Fatal("expected onPong callback to fire")
	}
}
