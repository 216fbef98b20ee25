package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clara-ai/clara/internal/events"
	"github.com/clara-ai/clara/internal/protocol"
	"github.com/clara-ai/clara/internal/router"
)

// wsSession is one adapter connection. The read loop owns the
// connection's reads; all writes funnel through the send channel so
// the write loop is the only writer.
type wsSession struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	registered atomic.Bool
	closed     atomic.Bool

	nodeID   string
	platform string
}

var errSendBufferFull = errors.New("send buffer full")

func (s *wsSession) run() {
	defer s.close()
	go s.writeLoop()
	go s.pingLoop()
	s.readLoop()
}

func (s *wsSession) close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.cancel()
	_ = s.conn.Close()

	if s.registered.Load() {
		if node := s.server.registry.Unregister(s); node != nil {
			s.server.metrics.ConnectedNodes.WithLabelValues(node.Platform).Dec()
			s.server.emitter.EmitAsync(context.Background(),
				events.New(events.EventAdapterDisconnected).
					WithNode(node.NodeID, node.Platform))
			s.logger.Info("adapter disconnected",
				"node_id", node.NodeID, "platform", node.Platform)
		}
	}
}

// alive reports whether the session can still accept frames.
func (s *wsSession) alive() bool { return !s.closed.Load() }

// Send implements nodes.Sender. Frames are encoded and queued for the
// write loop; a full buffer drops the frame rather than blocking the
// caller.
func (s *wsSession) Send(msg protocol.Message) error {
	if s.closed.Load() {
		return errors.New("session closed")
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case s.send <- data:
		s.server.metrics.FramesSent.WithLabelValues(string(msg.Kind())).Inc()
		return nil
	default:
		s.logger.Warn("send buffer full, dropping frame",
			"node_id", s.nodeID, "frame_type", msg.Kind())
		return errSendBufferFull
	}
}

func (s *wsSession) readLoop() {
	s.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))

		msg, err := protocol.Parse(data)
		if err != nil {
			// Malformed frames are reported, never fatal. Unknown
			// types are ignored with debug logging.
			switch {
			case errors.Is(err, protocol.ErrUnknownType):
				s.logger.Debug("ignoring unknown frame type", "error", err)
			case errors.Is(err, protocol.ErrInvalidJSON):
				_ = s.Send(protocol.NewError("", protocol.CodeInvalidJSON, err.Error(), true))
			default:
				_ = s.Send(protocol.NewError("", protocol.CodeInvalidMessage, err.Error(), true))
			}
			continue
		}

		s.server.metrics.FramesReceived.WithLabelValues(string(msg.Kind())).Inc()
		s.handle(msg)
	}
}

func (s *wsSession) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case data, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.cancel()
				return
			}
		}
	}
}

func (s *wsSession) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(wsWriteWait)); err != nil {
				s.cancel()
				return
			}
		}
	}
}

func (s *wsSession) handle(msg protocol.Message) {
	switch frame := msg.(type) {
	case *protocol.Register:
		s.handleRegister(frame)
	case *protocol.Unregister:
		s.handleUnregister(frame)
	case *protocol.Ping:
		_ = s.server.registry.UpdatePing(s)
		pong := &protocol.Pong{Envelope: protocol.NewEnvelope(protocol.TypePong, "")}
		pong.ID = frame.ID
		_ = s.Send(pong)
	case *protocol.UserMessage:
		s.handleMessage(frame)
	case *protocol.Cancel:
		s.handleCancel(frame)
	case *protocol.Status:
		s.handleStatus(frame)
	default:
		_ = s.Send(protocol.NewError(msg.FrameID(), protocol.CodeInvalidMessage,
			"unexpected frame type "+string(msg.Kind()), true))
	}
}

func (s *wsSession) handleRegister(frame *protocol.Register) {
	if s.server.config.Secret != "" && frame.Secret != s.server.config.Secret {
		_ = s.Send(protocol.NewError(frame.ID, protocol.CodeUnauthorized,
			"registration secret mismatch", false))
		return
	}

	caps := make([]string, 0, len(frame.Capabilities))
	for _, c := range frame.Capabilities {
		caps = append(caps, string(c))
	}
	sessionID, isReconnection := s.server.registry.Register(
		s, frame.NodeID, frame.Platform, caps, frame.SessionID)

	s.nodeID = frame.NodeID
	s.platform = frame.Platform
	s.registered.Store(true)
	s.server.metrics.ConnectedNodes.WithLabelValues(frame.Platform).Inc()

	ack := &protocol.Registered{
		Envelope:       protocol.NewEnvelope(protocol.TypeRegistered, ""),
		SessionID:      sessionID,
		IsReconnection: isReconnection,
	}
	_ = s.Send(ack)

	s.server.emitter.EmitAsync(s.ctx, events.New(events.EventAdapterConnected).
		WithNode(frame.NodeID, frame.Platform).
		WithData("session_id", sessionID).
		WithData("reconnection", isReconnection))
	s.logger.Info("adapter registered",
		"node_id", frame.NodeID, "platform", frame.Platform,
		"reconnection", isReconnection)
}

func (s *wsSession) handleUnregister(frame *protocol.Unregister) {
	nodeID := frame.NodeID
	if nodeID == "" {
		nodeID = s.nodeID
	}
	s.server.registry.Forget(nodeID)
	s.logger.Info("adapter unregistered", "node_id", nodeID)
}

func (s *wsSession) handleMessage(frame *protocol.UserMessage) {
	if !s.registered.Load() {
		_ = s.Send(protocol.NewError(frame.ID, protocol.CodeNotRegistered,
			"REGISTER before sending messages", true))
		return
	}
	if s.server.orch == nil {
		_ = s.Send(protocol.NewError(frame.ID, protocol.CodeNoProcessor,
			"gateway has no processor configured", false))
		return
	}

	s.server.emitter.EmitAsync(s.ctx, events.New(events.EventMessageReceived).
		WithNode(s.nodeID, s.platform).
		WithRequest(frame.ID, frame.User.ID, frame.Channel.ID))

	// Responses for this request flow back here even if the message is
	// debounced or batched under a different head.
	s.server.trackOrigin(frame.ID, s, s.platform)

	result, err := s.server.router.Submit(frame)
	switch {
	case errors.Is(err, router.ErrDuplicate):
		s.server.dropOrigin(frame.ID)
		_ = s.Send(protocol.NewError(frame.ID, protocol.CodeDuplicate,
			"duplicate message", false))
	case errors.Is(err, router.ErrQueueFull):
		s.server.dropOrigin(frame.ID)
		_ = s.Send(protocol.NewError(frame.ID, protocol.CodeQueueFull,
			"channel queue is full", true))
	case err != nil:
		s.server.dropOrigin(frame.ID)
		_ = s.Send(protocol.NewError(frame.ID, protocol.CodeInternal,
			err.Error(), false))
	default:
		s.logger.Debug("message accepted",
			"request_id", frame.ID, "decision", result.Decision.String(),
			"channel", frame.Channel.ID)
	}
}

func (s *wsSession) handleCancel(frame *protocol.Cancel) {
	requestID := frame.RequestID
	if requestID == "" {
		requestID = frame.ID
	}
	found, active := s.server.router.Cancel(requestID)
	if !found {
		_ = s.Send(protocol.NewError(requestID, protocol.CodeNotFound,
			"request not found or already terminal", false))
		return
	}
	if active {
		// The processor confirms with CANCELLED when its context unwinds.
		s.logger.Info("cancel accepted", "request_id", requestID)
		return
	}
	// Queued or debounce-pending: nothing is running, confirm directly.
	s.server.dropOrigin(requestID)
	_ = s.Send(&protocol.Cancelled{
		Envelope: protocol.NewEnvelope(protocol.TypeCancelled, requestID),
	})
}

func (s *wsSession) handleStatus(frame *protocol.Status) {
	snap := s.server.router.Snapshot()
	reply := &protocol.Status{
		Envelope:      protocol.NewEnvelope(protocol.TypeStatus, frame.RequestID),
		ActiveCount:   snap.ActiveCount,
		QueueLength:   snap.QueueLength,
		UptimeSeconds: time.Since(s.server.startTime).Seconds(),
	}
	_ = s.Send(reply)
}
