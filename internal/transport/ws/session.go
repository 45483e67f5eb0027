package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Austin-rgb/messages/internal/domain"
	"github.com/Austin-rgb/messages/internal/logger"
	"github.com/Austin-rgb/messages/internal/registry"
	"github.com/Austin-rgb/messages/internal/transport/rest"
	"github.com/Austin-rgb/messages/internal/transport/rest/response"
)

const (
	heartbeatInterval = 5 * time.Second
	heartbeatTimeout  = 10 * time.Second
	writeTimeout      = 10 * time.Second
	maxFrameSize      = 64 * 1024
	publishTimeout    = 2 * time.Second
)

// clientFrame is the inbound text protocol. Only "private" is acted on;
// unknown types are accepted and ignored.
type clientFrame struct {
	Type    string `json:"type"`
	To      string `json:"to"`
	Content string `json:"content"`
}

// Server upgrades authenticated requests into live duplex sessions and
// registers them for fanout.
type Server struct {
	registry      *registry.Registry
	queue         domain.Queue
	receiptsTopic string
	upgrader      websocket.Upgrader
	lg            zerolog.Logger
}

func NewServer(reg *registry.Registry, queue domain.Queue, receiptsTopic string) *Server {
	return &Server{
		registry:      reg,
		queue:         queue,
		receiptsTopic: receiptsTopic,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  maxFrameSize,
			WriteBufferSize: maxFrameSize,
			// Auth happens at the middleware; the session is origin-agnostic.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		lg: logger.With("ws"),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, ok := rest.GetPrincipal(r.Context())
	if !ok {
		response.Fail(w, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", "")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.lg.Warn().Err(err).Str("principal", principal).Msg("upgrade failed")
		return
	}

	sess := &session{
		server:    s,
		principal: principal,
		conn:      conn,
		sink:      registry.NewSink(),
		done:      make(chan struct{}),
		lg:        s.lg.With().Str("principal", principal).Logger(),
	}
	sess.beat()

	s.registry.Connect(principal, sess.sink)
	go sess.writeLoop()
	sess.readLoop()
}

type session struct {
	server    *Server
	principal string
	conn      *websocket.Conn
	sink      registry.Sink
	done      chan struct{}
	lastBeat  atomic.Int64
	lg        zerolog.Logger
}

func (s *session) beat() {
	s.lastBeat.Store(time.Now().UnixNano())
}

func (s *session) stale() bool {
	return time.Since(time.Unix(0, s.lastBeat.Load())) > heartbeatTimeout
}

// readLoop drains inbound frames until the peer goes away. Pings and pongs
// refresh the heartbeat; text frames carry the client protocol.
func (s *session) readLoop() {
	defer close(s.done)

	s.conn.SetReadLimit(maxFrameSize)
	s.conn.SetPingHandler(func(payload string) error {
		s.beat()
		// control writes are safe concurrently with the write loop
		return s.conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(writeTimeout))
	})
	s.conn.SetPongHandler(func(string) error {
		s.beat()
		return nil
	})

	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.lg.Debug().Err(err).Msg("session read ended")
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type == "private" {
			s.server.registry.Private(s.principal, frame.To, frame.Content)
		}
	}
}

// writeLoop is the single writer: it drains the sink in FIFO order and owns
// the heartbeat ticker. Exiting closes the connection, which also unblocks
// the read loop.
func (s *session) writeLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer func() {
		ticker.Stop()
		s.server.registry.Disconnect(s.principal, s.sink)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg, open := <-s.sink:
			if !open {
				// replaced by a newer session for the same principal
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg.Payload); err != nil {
				s.lg.Debug().Err(err).Msg("session write failed")
				return
			}
			if msg.ID != "" {
				s.publishDeliveryReceipt(msg.ID)
			}

		case <-ticker.C:
			if s.stale() {
				s.lg.Debug().Msg("heartbeat timed out")
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			return
		}
	}
}

func (s *session) publishDeliveryReceipt(messageID string) {
	payload, err := json.Marshal(domain.Receipt{Message: messageID, User: s.principal, Delivered: true})
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if _, err := s.server.queue.Publish(ctx, s.server.receiptsTopic, payload); err != nil {
			s.lg.Warn().Err(err).Str("message", messageID).Msg("delivery receipt publish failed")
		}
	}()
}
