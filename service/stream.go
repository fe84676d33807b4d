package service

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/InsulaLabs/synap/broker"
	"github.com/InsulaLabs/synap/models"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 512                 // Maximum message size allowed from peer.
)

// A streamSession is one WebSocket claiming an identity. The broker
// pushes messages in through Deliver; the write pump forwards them to
// the peer. Inbound frames carry nothing and are read only to surface
// pongs and the close.
type streamSession struct {
	service  *Service
	conn     *websocket.Conn
	identity string

	// connID is the broker's handle for this claim. Set once Connect
	// returns, read only by the teardown path.
	connID string

	// Buffered channel of outbound messages.
	send chan []byte
	done chan struct{}

	closeOnce  sync.Once
	superseded atomic.Bool
}

var _ broker.Conn = &streamSession{}

// streamHandler upgrades the request and binds the peer to the identity
// named in the query string, kicking any prior holder.
func (s *Service) streamHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}

	identity := r.URL.Query().Get("identity")
	if err := broker.ValidateIdentity(identity); err != nil {
		s.writeError(w, http.StatusBadRequest, models.ErrorTypeValidation, err.Error())
		return
	}

	if !s.tryAcquireStream() {
		s.logger.Warn("Max stream connections reached, rejecting new connection", "max", s.cfg.Sessions.MaxConnections)
		s.writeError(w, http.StatusServiceUnavailable, models.ErrorTypeTooManyConnections, "too many connections")
		return
	}

	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.releaseStream()
		s.logger.Error("Failed to upgrade WebSocket connection", "error", err, "identity", identity)
		return
	}
	s.logger.Info("WebSocket connection upgraded", "remote_addr", conn.RemoteAddr().String(), "identity", identity)

	session := &streamSession{
		service:  s,
		conn:     conn,
		identity: identity,
		send:     make(chan []byte, s.cfg.Sessions.SendBufferSize),
		done:     make(chan struct{}),
	}

	// The write pump must be running before Connect: the broker drains
	// the retained backlog into the session during the Connect call.
	go session.writePump()

	connID, err := s.broker.Connect(identity, session)
	if err != nil {
		s.logger.Error("Could not connect stream to broker", "identity", identity, "error", err)
		session.Close()
		s.releaseStream()
		return
	}
	session.connID = connID

	go session.readPump()
}

// Deliver queues one message for the peer. It never blocks: a full
// buffer or a closed session is an error, which the broker treats as a
// disconnect and leaves the message behind the cursor for replay.
func (s *streamSession) Deliver(msg models.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("could not marshal message for %s: %w", s.identity, err)
	}

	select {
	case <-s.done:
		return fmt.Errorf("session for %s is closed", s.identity)
	default:
	}

	select {
	case s.send <- payload:
		return nil
	default:
		return fmt.Errorf("send buffer full for %s", s.identity)
	}
}

// Superseded marks the session as kicked so the close frame carries the
// collision close code instead of a normal closure.
func (s *streamSession) Superseded() {
	s.superseded.Store(true)
}

func (s *streamSession) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *streamSession) writeMessage(message []byte) bool {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		s.service.logger.Error("WebSocket message write error", "remote_addr", s.conn.RemoteAddr(), "identity", s.identity, "error", err)
		return false
	}
	return true
}

// drainAndClose flushes messages queued before the session was closed,
// then sends the close frame. Queued messages are already past this
// identity's cursors and will not be replayed, so dropping them here
// would lose them outright.
func (s *streamSession) drainAndClose() {
	for {
		select {
		case message := <-s.send:
			if !s.writeMessage(message) {
				return
			}
		default:
			code := websocket.CloseNormalClosure
			text := "stream closed"
			if s.superseded.Load() {
				code = models.CloseCodeSuperseded
				text = "identity claimed by another connection"
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
			return
		}
	}
}

// writePump pumps messages from the broker to the WebSocket connection.
// A goroutine running writePump is started for each session. The
// application ensures that there is at most one writer to a connection
// by executing all writes from this goroutine.
func (s *streamSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		s.service.logger.Info("WebSocket writePump finished", "remote_addr", s.conn.RemoteAddr(), "identity", s.identity)
	}()
	for {
		select {
		case message := <-s.send:
			if !s.writeMessage(message) {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.service.logger.Debug("WebSocket sending ping", "remote_addr", s.conn.RemoteAddr())
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.service.logger.Error("WebSocket ping write error", "remote_addr", s.conn.RemoteAddr(), "identity", s.identity, "error", err)
				return
			}
		case <-s.done:
			s.drainAndClose()
			return
		case <-s.service.appCtx.Done():
			s.service.logger.Info("Service context done, closing WebSocket connection from writePump", "remote_addr", s.conn.RemoteAddr())
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}

// readPump pumps control frames from the WebSocket connection and tears
// the session down when the peer goes away. The application ensures
// that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (s *streamSession) readPump() {
	defer func() {
		s.service.broker.Disconnect(s.identity, s.connID)
		s.Close()
		s.conn.Close()
		s.service.releaseStream()
		s.service.logger.Info(
			"WebSocket readPump finished, connection closed and unregistered",
			"remote_addr", s.conn.RemoteAddr(),
			"identity", s.identity,
		)
	}()
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))

	s.conn.SetPongHandler(func(string) error {
		s.service.logger.Debug("WebSocket pong received", "remote_addr", s.conn.RemoteAddr())
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.service.logger.Error(
					"WebSocket read error",
					"remote_addr", s.conn.RemoteAddr(),
					"identity", s.identity,
					"error", err,
				)
			} else {
				s.service.logger.Info(
					"WebSocket connection closed",
					"remote_addr", s.conn.RemoteAddr(),
					"identity", s.identity,
					"error", err,
				)
			}
			break
		}
	}
}
