package connection

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rickgao/onebot-relay/internal/fanout"
	"github.com/rickgao/onebot-relay/internal/metrics"
	"github.com/rickgao/onebot-relay/internal/model"
	"github.com/rickgao/onebot-relay/internal/processor"
)

// Session serves one accepted relay client.
type Session struct {
	id      string
	cfg     SessionConfig
	conn    *websocket.Conn
	sender  processor.Sender
	events  fanout.Receiver
	metrics *metrics.Relay
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// Write serialization between the frame loop and the event loop
	writeMu sync.Mutex

	// Drain state
	stateMu     sync.Mutex
	busy        bool
	draining    bool
	closeSent   bool
	closeCode   int
	closeReason string
}

// NewSession wraps an upgraded connection. events must be a subscription
// taken for this session alone; the session closes it on exit.
func NewSession(
	cfg SessionConfig,
	conn *websocket.Conn,
	sender processor.Sender,
	events fanout.Receiver,
	m *metrics.Relay,
	logger *slog.Logger,
) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultSessionConfig().WriteTimeout
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = DefaultSessionConfig().CloseGrace
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	return &Session{
		id:      id,
		cfg:     cfg,
		conn:    conn,
		sender:  sender,
		events:  events,
		metrics: m,
		logger:  logger.With("session", id),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Run serves the session until the peer goes away, ctx ends, or Close is
// called. The connection and the subscription are released on return.
func (s *Session) Run(ctx context.Context) error {
	stopParent := context.AfterFunc(ctx, s.cancel)
	defer stopParent()

	// Closing the socket is what unblocks ReadMessage.
	stopConn := context.AfterFunc(s.ctx, func() { s.conn.Close() })
	defer stopConn()

	if s.cfg.ReadLimit > 0 {
		s.conn.SetReadLimit(s.cfg.ReadLimit)
	}
	s.conn.SetPingHandler(s.handlePing)
	s.conn.SetPongHandler(func(string) error {
		s.logger.Debug("pong received")
		return nil
	})

	s.logger.Info("session started", "remote", s.conn.RemoteAddr().String())

	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		s.relayEvents()
	}()

	err := s.readLoop()

	s.cancel()
	<-relayDone
	s.events.Close()
	s.conn.Close()

	if err != nil {
		s.logger.Warn("session ended with error", "error", err)
	} else {
		s.logger.Info("session ended")
	}
	return err
}

// Drain finishes the frame in flight, then closes the connection politely.
func (s *Session) Drain() {
	s.drain(websocket.CloseGoingAway, closeReasonDrain)
}

// Close tears the session down immediately.
func (s *Session) Close() {
	s.cancel()
}

// readLoop handles inbound frames one at a time.
func (s *Session) readLoop() error {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil || s.isDraining() {
				return nil
			}
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				return nil
			}
			return err
		}

		if !s.beginFrame() {
			continue
		}

		switch msgType {
		case websocket.TextMessage:
			s.handleText(data)
		case websocket.BinaryMessage:
			if err := s.writeFrame([]byte(BinaryNotice)); err != nil {
				s.logger.Warn("failed to write binary notice", "error", err)
			}
		}

		s.endFrame()
	}
}

// handleText decodes, dispatches and answers one request frame.
func (s *Session) handleText(data []byte) {
	req, err := model.DecodeRequest(data)
	if err != nil {
		s.logger.Warn("invalid request frame", "error", err, "size", len(data))
		s.respond(model.Failed(model.RetcodeBadRequest, model.MsgBadRequest, model.ExtractEcho(data)))
		return
	}

	echo := req.Echo()
	reply := make(chan model.Response, 1)

	if err := s.sender.Send(s.ctx, processor.Call{Request: req, Reply: reply}); err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Error("failed to dispatch request", "action", req.Action, "error", err)
		s.respond(model.Failed(model.RetcodeDispatchFailed, model.MsgDispatchFailed, echo))
		return
	}

	// No deadline: only the session's own teardown stops the wait.
	select {
	case resp, ok := <-reply:
		if !ok {
			s.logger.Warn("processor dropped request", "action", req.Action)
			s.respond(model.Failed(model.RetcodeNoReply, model.MsgNoReply, echo))
			return
		}

		out, err := json.Marshal(resp)
		if err != nil {
			s.logger.Error("failed to encode response", "action", req.Action, "error", err)
			s.respond(model.Failed(model.RetcodeEncodeFailed, model.MsgEncodeFailed, echo))
			return
		}
		s.writeResponse(resp.Retcode, out)

	case <-s.ctx.Done():
		s.logger.Debug("session closed while awaiting reply", "action", req.Action)
	}
}

// respond writes a relay-generated response.
func (s *Session) respond(resp model.Response) {
	out, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to encode response", "retcode", resp.Retcode, "error", err)
		return
	}
	s.writeResponse(resp.Retcode, out)
}

func (s *Session) writeResponse(retcode int, data []byte) {
	if err := s.writeFrame(data); err != nil {
		s.logger.Warn("failed to write response", "retcode", retcode, "error", err)
		return
	}
	s.metrics.Response(retcode)
}

// writeFrame writes one text frame.
func (s *Session) writeFrame(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// handlePing answers a ping with a pong carrying the same payload.
func (s *Session) handlePing(data string) error {
	s.logger.Debug("ping received")
	err := s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(s.cfg.WriteTimeout))
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

// relayEvents forwards fan-out events to the client.
func (s *Session) relayEvents() {
	for {
		ev, err := s.events.Recv(s.ctx)
		if err != nil {
			var lagErr *fanout.LagError
			switch {
			case errors.As(err, &lagErr):
				s.logger.Warn("session lagging behind event stream", "missed", lagErr.Missed)
				continue
			case errors.Is(err, fanout.ErrClosed):
				s.logger.Info("event stream closed, ending session")
				s.drain(websocket.CloseGoingAway, closeReasonFeed)
			}
			return
		}

		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("failed to encode event, dropping", "post_type", ev.PostType, "error", err)
			s.metrics.EventDropped()
			continue
		}

		if err := s.writeFrame(data); err != nil {
			s.logger.Warn("failed to write event, stopping event relay", "error", err)
			return
		}
		s.metrics.EventDelivered()
	}
}

// beginFrame marks a frame in flight. Frames arriving while draining are ignored.
func (s *Session) beginFrame() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.draining {
		return false
	}
	s.busy = true
	return true
}

func (s *Session) endFrame() {
	s.stateMu.Lock()
	s.busy = false
	draining, code, reason := s.draining, s.closeCode, s.closeReason
	s.stateMu.Unlock()

	if draining {
		s.sendClose(code, reason)
	}
}

func (s *Session) isDraining() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.draining
}

func (s *Session) drain(code int, reason string) {
	s.stateMu.Lock()
	if s.draining {
		s.stateMu.Unlock()
		return
	}
	s.draining = true
	s.closeCode, s.closeReason = code, reason
	busy := s.busy
	s.stateMu.Unlock()

	if !busy {
		s.sendClose(code, reason)
	}
}

// sendClose sends a close frame once and bounds the wait for the peer's reply.
func (s *Session) sendClose(code int, reason string) {
	s.stateMu.Lock()
	if s.closeSent {
		s.stateMu.Unlock()
		return
	}
	s.closeSent = true
	s.stateMu.Unlock()

	deadline := time.Now().Add(s.cfg.CloseGrace)
	if err := s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline); err != nil {
		s.logger.Debug("failed to send close frame", "error", err)
	}
	s.conn.SetReadDeadline(deadline)
}
