package connection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn, *http.Request)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn, r)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testClientConfig(server *httptest.Server) ClientConfig {
	return ClientConfig{
		URL:          wsURL(server),
		PingTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   100,
	}
}

func TestClient_Connect(t *testing.T) {
	var mu sync.Mutex
	var authHeader, userAgent string

	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		mu.Lock()
		authHeader = r.Header.Get("Authorization")
		userAgent = r.Header.Get("User-Agent")
		mu.Unlock()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	cfg := testClientConfig(server)
	cfg.AccessToken = "s3cret"

	client := NewClient(cfg, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if !client.IsConnected() {
		t.Error("expected IsConnected to return true")
	}

	mu.Lock()
	if authHeader != "Bearer s3cret" {
		t.Errorf("Authorization = %q, want %q", authHeader, "Bearer s3cret")
	}
	if !strings.HasPrefix(userAgent, "onebot-relay/") {
		t.Errorf("User-Agent = %q, want onebot-relay/...", userAgent)
	}
	mu.Unlock()

	if err := client.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected IsConnected to return false after Close")
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if err := client.Connect(context.Background()); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("Connect after Close err = %v, want ErrAlreadyClosed", err)
	}
}

func TestClient_Send(t *testing.T) {
	received := make(chan []byte, 1)

	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- msg
	})
	defer server.Close()

	client := NewClient(testClientConfig(server), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	testMsg := []byte(`{"action":"get_status","params":{}}`)
	if err := client.Send(testMsg); err != nil {
		t.Errorf("Send failed: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != string(testMsg) {
			t.Errorf("received %q, want %q", got, testMsg)
		}
	case <-time.After(time.Second):
		t.Fatal("server did not receive the message")
	}
}

func TestClient_Messages(t *testing.T) {
	testMessages := []string{
		`{"time":1,"self_id":1,"post_type":"message"}`,
		`{"time":2,"self_id":1,"post_type":"notice"}`,
		`{"time":3,"self_id":1,"post_type":"request"}`,
	}

	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		for _, msg := range testMessages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		time.Sleep(time.Second)
	})
	defer server.Close()

	client := NewClient(testClientConfig(server), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	timeout := time.After(time.Second)
	for i, want := range testMessages {
		select {
		case msg := <-client.Messages():
			if string(msg.Data) != want {
				t.Errorf("message %d: got %q, want %q", i, msg.Data, want)
			}
			if msg.ReceivedAt.IsZero() {
				t.Error("ReceivedAt should not be zero")
			}
		case <-timeout:
			t.Fatalf("timeout waiting for message %d", i)
		}
	}
}

func TestClient_ErrorOnServerClose(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"),
			time.Now().Add(time.Second))
	})
	defer server.Close()

	client := NewClient(testClientConfig(server), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	select {
	case err := <-client.Errors():
		if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
			t.Errorf("err = %v, want close 1001", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an error after the server closed")
	}
}

func TestClient_StaleUpstream(t *testing.T) {
	// The handler never reads, so pings are never answered.
	release := make(chan struct{})
	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		<-release
	})
	defer server.Close()
	defer close(release)

	cfg := testClientConfig(server)
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PingTimeout = 50 * time.Millisecond

	client := NewClient(cfg, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	select {
	case err := <-client.Errors():
		if !errors.Is(err, ErrStaleConnection) {
			t.Errorf("err = %v, want ErrStaleConnection", err)
		}
	case <-time.After(time.Second):
		t.Fatal("silent upstream was not reported")
	}
}

func TestClient_SendNotConnected(t *testing.T) {
	client := NewClient(ClientConfig{URL: "ws://localhost:12345"}, nil)

	if err := client.Send([]byte("test")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestClient_PingHandler(t *testing.T) {
	pong := make(chan string, 1)

	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		conn.SetPongHandler(func(data string) error {
			pong <- data
			return nil
		})
		if err := conn.WriteControl(websocket.PingMessage, []byte("heartbeat"), time.Now().Add(time.Second)); err != nil {
			t.Logf("ping error: %v", err)
			return
		}
		// Reading is what dispatches the pong to the handler.
		conn.SetReadDeadline(time.Now().Add(time.Second))
		conn.ReadMessage()
	})
	defer server.Close()

	client := NewClient(testClientConfig(server), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	select {
	case data := <-pong:
		if data != "heartbeat" {
			t.Errorf("pong payload = %q, want %q", data, "heartbeat")
		}
	case <-time.After(time.Second):
		t.Fatal("no pong received")
	}
}

func TestDefaultConfigs(t *testing.T) {
	clientCfg := DefaultClientConfig()
	if clientCfg.PingInterval != 30*time.Second {
		t.Errorf("PingInterval = %v, want 30s", clientCfg.PingInterval)
	}
	if clientCfg.BufferSize != 1000 {
		t.Errorf("BufferSize = %d, want 1000", clientCfg.BufferSize)
	}

	sessionCfg := DefaultSessionConfig()
	if sessionCfg.WriteTimeout != 5*time.Second {
		t.Errorf("WriteTimeout = %v, want 5s", sessionCfg.WriteTimeout)
	}
	if sessionCfg.ReadLimit != 1<<20 {
		t.Errorf("ReadLimit = %d, want 1MiB", sessionCfg.ReadLimit)
	}
}
