package connection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/onebot-relay/internal/fanout"
	"github.com/rickgao/onebot-relay/internal/model"
	"github.com/rickgao/onebot-relay/internal/processor"
)

// senderFunc adapts a function to processor.Sender.
type senderFunc func(ctx context.Context, call processor.Call) error

func (f senderFunc) Send(ctx context.Context, call processor.Call) error {
	return f(ctx, call)
}

// replyWith answers every call synchronously with resp.
func replyWith(resp model.Response) senderFunc {
	return func(ctx context.Context, call processor.Call) error {
		resp.Echo = call.Request.Echo()
		call.Reply <- resp
		close(call.Reply)
		return nil
	}
}

// scriptedReceiver replays a fixed sequence of Recv results, then blocks
// until the session ends.
type scriptedReceiver struct {
	items  chan recvResult
	closed atomic.Bool
}

type recvResult struct {
	ev  model.Event
	err error
}

func newScriptedReceiver(results ...recvResult) *scriptedReceiver {
	r := &scriptedReceiver{items: make(chan recvResult, len(results))}
	for _, res := range results {
		r.items <- res
	}
	return r
}

func (r *scriptedReceiver) Recv(ctx context.Context) (model.Event, error) {
	select {
	case res := <-r.items:
		return res.ev, res.err
	case <-ctx.Done():
		return model.Event{}, ctx.Err()
	}
}

func (r *scriptedReceiver) Close() {
	r.closed.Store(true)
}

// sessionHarness serves Sessions over httptest and dials them.
type sessionHarness struct {
	server    *httptest.Server
	events    *fanout.Broadcaster
	subscribe func() (fanout.Receiver, error)
	sessions  chan *Session
	ended     chan error
}

func newSessionHarness(t *testing.T, sender processor.Sender) *sessionHarness {
	t.Helper()
	return newSessionHarnessWith(t, sender, nil)
}

// newSessionHarnessWith feeds sessions from subscribe instead of the
// harness broadcaster when subscribe is non-nil.
func newSessionHarnessWith(t *testing.T, sender processor.Sender, subscribe func() (fanout.Receiver, error)) *sessionHarness {
	t.Helper()

	h := &sessionHarness{
		events:    fanout.New(fanout.Config{BufferSize: 16}, nil, nil),
		subscribe: subscribe,
		sessions:  make(chan *Session, 4),
		ended:     make(chan error, 4),
	}
	if h.subscribe == nil {
		h.subscribe = func() (fanout.Receiver, error) { return h.events.Subscribe() }
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		sub, err := h.subscribe()
		if err != nil {
			conn.Close()
			return
		}
		sess := NewSession(DefaultSessionConfig(), conn, sender, sub, nil, nil)
		h.sessions <- sess
		h.ended <- sess.Run(context.Background())
	}))

	t.Cleanup(func() {
		h.events.Close()
		h.server.Close()
	})
	return h
}

// dial connects a client and waits until its session is subscribed.
func (h *sessionHarness) dial(t *testing.T) (*websocket.Conn, *Session) {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(h.server), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	select {
	case sess := <-h.sessions:
		return conn, sess
	case <-time.After(time.Second):
		t.Fatal("session was not created")
		return nil, nil
	}
}

func (h *sessionHarness) waitEnded(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.ended:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
		return nil
	}
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Fatalf("message type = %d, want text", msgType)
	}
	return string(data)
}

func writeText(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
}

func TestSession_EchoRoundTrip(t *testing.T) {
	h := newSessionHarness(t, replyWith(processor.StubExecutor{}.Execute(context.Background(), model.Request{})))
	conn, _ := h.dial(t)

	writeText(t, conn, `{"action":"ping","params":{"echo":"x1"}}`)

	got := readText(t, conn)
	want := `{"status":"ok","retcode":0,"data":{"message":"Action processed successfully"},"echo":"x1"}`
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestSession_InvalidFrame(t *testing.T) {
	var dispatched atomic.Int64
	sender := senderFunc(func(ctx context.Context, call processor.Call) error {
		dispatched.Add(1)
		return replyWith(model.OK(nil))(ctx, call)
	})

	h := newSessionHarness(t, sender)
	conn, _ := h.dial(t)

	tests := []struct {
		name  string
		frame string
		want  string
	}{
		{
			name:  "not json",
			frame: `not json`,
			want:  `{"status":"failed","retcode":1400,"data":{"error":"Invalid request format"}}`,
		},
		{
			name:  "best effort echo",
			frame: `{"action":7,"echo":"e1"}`,
			want:  `{"status":"failed","retcode":1400,"data":{"error":"Invalid request format"},"echo":"e1"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeText(t, conn, tt.frame)
			if got := readText(t, conn); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}

	if n := dispatched.Load(); n != 0 {
		t.Errorf("invalid frames dispatched %d calls, want 0", n)
	}
}

func TestSession_BinaryNotice(t *testing.T) {
	h := newSessionHarness(t, replyWith(model.OK(nil)))
	conn, _ := h.dial(t)

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	if got := readText(t, conn); got != BinaryNotice {
		t.Errorf("got %q, want %q", got, BinaryNotice)
	}
}

func TestSession_PingPong(t *testing.T) {
	h := newSessionHarness(t, replyWith(model.OK(nil)))
	conn, _ := h.dial(t)

	pong := make(chan string, 1)
	conn.SetPongHandler(func(data string) error {
		pong <- data
		return nil
	})

	if err := conn.WriteControl(websocket.PingMessage, []byte("are-you-there"), time.Now().Add(time.Second)); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	// The pong precedes this response on the wire.
	writeText(t, conn, `{"action":"ping","params":{}}`)
	readText(t, conn)

	select {
	case data := <-pong:
		if data != "are-you-there" {
			t.Errorf("pong payload = %q, want %q", data, "are-you-there")
		}
	default:
		t.Error("no pong received")
	}
}

func TestSession_FailureRetcodes(t *testing.T) {
	tests := []struct {
		name   string
		sender senderFunc
		want   string
	}{
		{
			name: "dispatch failed",
			sender: func(ctx context.Context, call processor.Call) error {
				return processor.ErrQueueFull
			},
			want: `{"status":"failed","retcode":1,"data":{"error":"Internal server error sending to processor"},"echo":"r1"}`,
		},
		{
			name: "no reply",
			sender: func(ctx context.Context, call processor.Call) error {
				close(call.Reply)
				return nil
			},
			want: `{"status":"failed","retcode":2,"data":{"error":"Processor did not respond"},"echo":"r1"}`,
		},
		{
			name:   "reply not serializable",
			sender: replyWith(model.OK(make(chan int))),
			want:   `{"status":"failed","retcode":3,"data":{"error":"Failed to serialize processor response"},"echo":"r1"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newSessionHarness(t, tt.sender)
			conn, _ := h.dial(t)

			writeText(t, conn, `{"action":"send_msg","params":{"echo":"r1"}}`)
			if got := readText(t, conn); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}

			// The session keeps serving after a failure.
			writeText(t, conn, `not json`)
			readText(t, conn)
		})
	}
}

func TestSession_ResponsesInRequestOrder(t *testing.T) {
	p := processor.New(processor.DefaultConfig(), processor.StubExecutor{}, nil, nil)
	p.Start(context.Background())
	defer p.Stop(context.Background())

	h := newSessionHarness(t, p)
	conn, _ := h.dial(t)

	for i := 0; i < 5; i++ {
		writeText(t, conn, `{"action":"ping","params":{"echo":`+string(rune('0'+i))+`}}`)
	}
	for i := 0; i < 5; i++ {
		var resp struct {
			Echo int `json:"echo"`
		}
		if err := json.Unmarshal([]byte(readText(t, conn)), &resp); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		if resp.Echo != i {
			t.Errorf("response %d has echo %d", i, resp.Echo)
		}
	}
}

func TestSession_RelaysEvents(t *testing.T) {
	h := newSessionHarness(t, replyWith(model.OK(nil)))
	conn, _ := h.dial(t)

	// An event that cannot be serialized is dropped; the loop keeps going.
	bad := model.Event{PostType: model.PostTypeNotice, Extra: map[string]json.RawMessage{"broken": json.RawMessage(`{`)}}
	good, err := model.ParseEvent([]byte(`{"time":5,"self_id":9,"post_type":"notice","notice_type":"group_increase"}`))
	if err != nil {
		t.Fatalf("ParseEvent failed: %v", err)
	}

	h.events.Publish(bad)
	h.events.Publish(good)

	got := readText(t, conn)
	want := `{"time":5,"self_id":9,"post_type":"notice","notice_type":"group_increase"}`
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestSession_KeepsRelayingAfterLag(t *testing.T) {
	ev, err := model.ParseEvent([]byte(`{"time":7,"self_id":1,"post_type":"notice","notice_type":"poke"}`))
	if err != nil {
		t.Fatalf("ParseEvent failed: %v", err)
	}
	recv := newScriptedReceiver(
		recvResult{err: &fanout.LagError{Missed: 3}},
		recvResult{ev: ev},
	)

	h := newSessionHarnessWith(t, replyWith(model.OK(nil)), func() (fanout.Receiver, error) {
		return recv, nil
	})
	conn, _ := h.dial(t)

	want := `{"time":7,"self_id":1,"post_type":"notice","notice_type":"poke"}`
	if got := readText(t, conn); got != want {
		t.Errorf("got %s, want %s", got, want)
	}

	conn.Close()
	h.waitEnded(t)
	if !recv.closed.Load() {
		t.Error("session should close its receiver on exit")
	}
}

func TestSession_UnencodableEventKeepsSessionUp(t *testing.T) {
	bad := model.Event{PostType: model.PostTypeNotice, Extra: map[string]json.RawMessage{"broken": json.RawMessage(`{`)}}
	good := model.Event{Time: 8, SelfID: 1, PostType: model.PostTypeMetaEvent}
	recv := newScriptedReceiver(recvResult{ev: bad}, recvResult{ev: good})

	h := newSessionHarnessWith(t, replyWith(model.OK(nil)), func() (fanout.Receiver, error) {
		return recv, nil
	})
	conn, _ := h.dial(t)

	var got map[string]any
	if err := json.Unmarshal([]byte(readText(t, conn)), &got); err != nil {
		t.Fatalf("first frame is not json: %v", err)
	}
	if got["post_type"] != model.PostTypeMetaEvent || got["time"] != float64(8) {
		t.Errorf("first frame = %v, want the encodable event", got)
	}

	// Frame handling is unaffected by the dropped event.
	writeText(t, conn, `{"action":"ping","params":{"echo":"after-drop"}}`)
	var resp model.Response
	if err := json.Unmarshal([]byte(readText(t, conn)), &resp); err != nil {
		t.Fatalf("response is not json: %v", err)
	}
	if resp.Retcode != model.RetcodeOK || string(resp.Echo) != `"after-drop"` {
		t.Errorf("resp = %+v, want ok with echo after-drop", resp)
	}
}

func TestSession_FanoutClosedEndsSession(t *testing.T) {
	h := newSessionHarness(t, replyWith(model.OK(nil)))
	conn, _ := h.dial(t)

	h.events.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("err = %v, want close 1001", err)
	}
	if err := h.waitEnded(t); err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}
}

func TestSession_CloseWhileAwaitingReply(t *testing.T) {
	accepted := make(chan struct{})
	// Accepts the call and never answers.
	sender := senderFunc(func(ctx context.Context, call processor.Call) error {
		close(accepted)
		return nil
	})

	h := newSessionHarness(t, sender)
	conn, sess := h.dial(t)

	writeText(t, conn, `{"action":"slow","params":{"echo":"x"}}`)
	select {
	case <-accepted:
	case <-time.After(time.Second):
		t.Fatal("request was not dispatched")
	}

	sess.Close()
	h.waitEnded(t)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to be closed")
	}
}

func TestSession_DrainFinishesInFlight(t *testing.T) {
	accepted := make(chan struct{})
	release := make(chan struct{})
	sender := senderFunc(func(ctx context.Context, call processor.Call) error {
		close(accepted)
		go func() {
			<-release
			call.Reply <- model.Response{Status: model.StatusOK, Echo: call.Request.Echo()}
			close(call.Reply)
		}()
		return nil
	})

	h := newSessionHarness(t, sender)
	conn, sess := h.dial(t)

	writeText(t, conn, `{"action":"slow","params":{"echo":"d1"}}`)
	<-accepted

	sess.Drain()
	close(release)

	got := readText(t, conn)
	if got != `{"status":"ok","retcode":0,"data":null,"echo":"d1"}` {
		t.Errorf("in-flight response = %s", got)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("err = %v, want close 1001 after drain", err)
	}
	if err := h.waitEnded(t); err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}
}

func TestSession_ClientCloseEndsRun(t *testing.T) {
	h := newSessionHarness(t, replyWith(model.OK(nil)))
	conn, _ := h.dial(t)

	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))

	if err := h.waitEnded(t); err != nil {
		t.Errorf("Run returned %v, want nil on normal closure", err)
	}
	if n := h.events.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount = %d, want 0 after session end", n)
	}
}
