package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/selfdb-io/selfdb/internal/model"
)

const (
	// authDeadline is how long a fresh connection has to present a valid
	// ticket before being dropped.
	authDeadline = 10 * time.Second

	// writeWait bounds every outbound write so a stalled peer cannot pin
	// a writer goroutine.
	writeWait = 2 * time.Second

	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// sendBuffer is the per-session outbound queue. When it fills, new
	// frames for that session are dropped.
	sendBuffer = 64
)

// Session is one WebSocket connection moving through the
// opened → authenticated → closed lifecycle. Subscriptions only exist
// on authenticated sessions and die with the connection.
type Session struct {
	router *Router
	conn   *websocket.Conn
	logger *slog.Logger

	mu            sync.Mutex
	authenticated bool
	principal     model.Principal
	subs          map[string]string // subscription id → table filter ("" = none)

	send      chan model.ServerFrame
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(r *Router, conn *websocket.Conn, logger *slog.Logger) *Session {
	return &Session{
		router: r,
		conn:   conn,
		logger: logger,
		subs:   make(map[string]string),
		send:   make(chan model.ServerFrame, sendBuffer),
		done:   make(chan struct{}),
	}
}

// run drives the session until the peer disconnects, a pump fails, or
// the authentication deadline passes without a valid ticket.
func (s *Session) run(ctx context.Context) {
	defer s.close()

	go s.writePump()

	// Until authenticated, the read deadline doubles as the auth timer.
	_ = s.conn.SetReadDeadline(time.Now().Add(authDeadline))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("realtime: read failed", "error", err)
			}
			return
		}

		var msg model.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.sendError("malformed message")
			continue
		}
		if !s.handleMessage(ctx, msg) {
			return
		}
	}
}

// handleMessage processes one client frame; a false return closes the
// session.
func (s *Session) handleMessage(ctx context.Context, msg model.ClientMessage) bool {
	switch msg.Type {
	case model.MsgAuthenticate:
		return s.handleAuthenticate(ctx, msg.Token)

	case model.MsgSubscribe:
		if !s.isAuthenticated() {
			return s.rejectAndClose("authentication required")
		}
		if msg.SubscriptionID == "" {
			s.sendError("subscription_id required")
			return true
		}
		table := ""
		if msg.Data != nil {
			table = msg.Data.Table
		}
		s.mu.Lock()
		s.subs[msg.SubscriptionID] = table
		s.mu.Unlock()
		s.enqueue(model.ServerFrame{Type: model.FrameSubscribed, SubscriptionID: msg.SubscriptionID})
		return true

	case model.MsgUnsubscribe:
		if !s.isAuthenticated() {
			return s.rejectAndClose("authentication required")
		}
		s.mu.Lock()
		delete(s.subs, msg.SubscriptionID)
		s.mu.Unlock()
		s.enqueue(model.ServerFrame{Type: model.FrameUnsubscribed, SubscriptionID: msg.SubscriptionID})
		return true

	default:
		s.sendError("unknown message type")
		return true
	}
}

func (s *Session) handleAuthenticate(ctx context.Context, token string) bool {
	principal, err := s.router.auth.Authenticate(ctx, token)
	if err != nil || !principal.IsUser() {
		return s.rejectAndClose("invalid token")
	}

	s.mu.Lock()
	s.authenticated = true
	s.principal = principal
	s.mu.Unlock()

	// Authenticated: switch from the auth deadline to the pong-based one.
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.enqueue(model.ServerFrame{Type: model.FrameAuthenticated})
	s.logger.Debug("realtime: session authenticated", "user_id", principal.UserID())
	return true
}

// deliver enqueues a database_change frame for every subscription of an
// authenticated session that matches the event.
func (s *Session) deliver(ev model.ChangeEvent) {
	s.mu.Lock()
	if !s.authenticated {
		s.mu.Unlock()
		return
	}
	var matched []string
	for id, table := range s.subs {
		if matches(id, table, ev) {
			matched = append(matched, id)
		}
	}
	s.mu.Unlock()

	for _, id := range matched {
		evCopy := ev
		s.enqueue(model.ServerFrame{
			Type:           model.FrameDatabaseChange,
			SubscriptionID: id,
			Data:           &evCopy,
		})
	}
}

func (s *Session) isAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

func (s *Session) sendError(message string) {
	s.enqueue(model.ServerFrame{Type: model.FrameError, Message: message})
}

// rejectAndClose flushes one error frame, waits briefly so the write
// pump can drain it, and signals the read loop to end the session.
func (s *Session) rejectAndClose(message string) bool {
	s.sendError(message)
	time.Sleep(50 * time.Millisecond)
	return false
}

// enqueue hands a frame to the write pump without ever blocking the
// caller; overflow drops the frame.
func (s *Session) enqueue(frame model.ServerFrame) {
	select {
	case s.send <- frame:
	case <-s.done:
	default:
		s.logger.Warn("realtime: outbound buffer full, dropping frame",
			"frame_type", frame.Type, "subscription_id", frame.SubscriptionID)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(frame); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// close transitions the session to closed exactly once: subscriptions
// are discarded, the registry entry removed, and the socket shut.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.router.unregister(s)
		_ = s.conn.Close()
	})
}
