package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/selfdb-io/selfdb/internal/model"
)

// Authenticator validates a realtime ticket and resolves it to a live
// principal. The server package implements it on top of the ticket
// manager and the users table.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (model.Principal, error)
}

// Router tracks live WebSocket sessions and fans change events out to
// their matching subscriptions.
type Router struct {
	auth     Authenticator
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[*Session]struct{}
}

// NewRouter creates an empty Router.
func NewRouter(auth Authenticator, logger *slog.Logger) *Router {
	return &Router{
		auth:   auth,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin enforcement happens in the HTTP middleware ahead of
			// the upgrade; the handshake itself accepts any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[*Session]struct{}),
	}
}

// ServeHTTP upgrades the request and runs the session until the peer
// disconnects or the session is closed.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		r.logger.Debug("realtime: upgrade failed", "error", err)
		return
	}

	s := newSession(r, conn, r.logger)
	r.register(s)
	s.run(req.Context())
}

// Dispatch delivers a change event to every matching subscription of
// every authenticated session. Slow sessions do not block the bridge:
// a full outbound buffer drops the frame for that session and logs it.
func (r *Router) Dispatch(ev model.ChangeEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for s := range r.sessions {
		s.deliver(ev)
	}
}

// SessionCount reports the number of open sessions, for health output.
func (r *Router) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll tears down every session, used during shutdown.
func (r *Router) CloseAll() {
	r.mu.RLock()
	open := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		open = append(open, s)
	}
	r.mu.RUnlock()

	for _, s := range open {
		s.close()
	}
}

func (r *Router) register(s *Session) {
	r.mu.Lock()
	r.sessions[s] = struct{}{}
	r.mu.Unlock()
}

func (r *Router) unregister(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s)
	r.mu.Unlock()
}

// matches reports whether a subscription (its id and optional table
// filter) selects an event. A subscription matches when its filter names
// the event's table, when its id is the event's channel, or when it is
// the wildcard id.
func matches(subID, tableFilter string, ev model.ChangeEvent) bool {
	if tableFilter != "" && tableFilter == ev.Table {
		return true
	}
	if subID == ev.Channel {
		return true
	}
	return subID == model.WildcardSubscription
}
