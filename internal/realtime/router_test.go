package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selfdb-io/selfdb/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubAuth accepts exactly one token.
type stubAuth struct {
	token string
	user  model.User
}

func (a *stubAuth) Authenticate(_ context.Context, token string) (model.Principal, error) {
	if token != a.token {
		return model.Principal{}, errors.New("invalid token")
	}
	u := a.user
	return model.Principal{Kind: model.PrincipalUser, User: &u}, nil
}

func TestMatches(t *testing.T) {
	ev := model.ChangeEvent{
		Operation: model.OpInsert,
		Table:     "buckets",
		Channel:   "buckets_changes",
	}

	tests := []struct {
		name   string
		subID  string
		filter string
		want   bool
	}{
		{"table filter hits", "sub-1", "buckets", true},
		{"table filter misses", "sub-1", "files", false},
		{"id equals channel", "buckets_changes", "", true},
		{"wildcard", "tables_changes", "", true},
		{"unrelated id no filter", "sub-1", "", false},
		{"filter wins over unrelated id", "whatever", "buckets", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matches(tt.subID, tt.filter, ev))
		})
	}
}

// dialTestRouter starts the router behind httptest and returns a
// connected client.
func dialTestRouter(t *testing.T, r *Router) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) model.ServerFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame model.ServerFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func writeMsg(t *testing.T, conn *websocket.Conn, msg model.ClientMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func TestSessionAuthenticateSubscribeReceive(t *testing.T) {
	auth := &stubAuth{token: "good", user: model.User{ID: uuid.New(), Email: "a@b.io", IsActive: true}}
	r := NewRouter(auth, testLogger())
	conn := dialTestRouter(t, r)

	writeMsg(t, conn, model.ClientMessage{Type: model.MsgAuthenticate, Token: "good"})
	frame := readFrame(t, conn)
	require.Equal(t, model.FrameAuthenticated, frame.Type)

	writeMsg(t, conn, model.ClientMessage{
		Type:           model.MsgSubscribe,
		SubscriptionID: "sub-1",
		Data:           &model.SubscriptionData{Table: "buckets"},
	})
	frame = readFrame(t, conn)
	require.Equal(t, model.FrameSubscribed, frame.Type)
	assert.Equal(t, "sub-1", frame.SubscriptionID)

	r.Dispatch(model.ChangeEvent{
		Operation: model.OpInsert,
		Table:     "buckets",
		Channel:   "buckets_changes",
		Data:      json.RawMessage(`{"id":"x"}`),
	})

	frame = readFrame(t, conn)
	require.Equal(t, model.FrameDatabaseChange, frame.Type)
	assert.Equal(t, "sub-1", frame.SubscriptionID)
	require.NotNil(t, frame.Data)
	assert.Equal(t, model.OpInsert, frame.Data.Operation)
	assert.Equal(t, "buckets", frame.Data.Table)
}

func TestSessionBadTokenCloses(t *testing.T) {
	auth := &stubAuth{token: "good"}
	r := NewRouter(auth, testLogger())
	conn := dialTestRouter(t, r)

	writeMsg(t, conn, model.ClientMessage{Type: model.MsgAuthenticate, Token: "bad"})

	frame := readFrame(t, conn)
	assert.Equal(t, model.FrameError, frame.Type)

	// Connection is torn down after the error frame.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestSubscribeBeforeAuthenticateCloses(t *testing.T) {
	auth := &stubAuth{token: "good"}
	r := NewRouter(auth, testLogger())
	conn := dialTestRouter(t, r)

	writeMsg(t, conn, model.ClientMessage{Type: model.MsgSubscribe, SubscriptionID: "sub-1"})

	frame := readFrame(t, conn)
	assert.Equal(t, model.FrameError, frame.Type)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	auth := &stubAuth{token: "good", user: model.User{ID: uuid.New(), IsActive: true}}
	r := NewRouter(auth, testLogger())
	conn := dialTestRouter(t, r)

	writeMsg(t, conn, model.ClientMessage{Type: model.MsgAuthenticate, Token: "good"})
	require.Equal(t, model.FrameAuthenticated, readFrame(t, conn).Type)

	writeMsg(t, conn, model.ClientMessage{Type: model.MsgSubscribe, SubscriptionID: "files_changes"})
	require.Equal(t, model.FrameSubscribed, readFrame(t, conn).Type)

	writeMsg(t, conn, model.ClientMessage{Type: model.MsgUnsubscribe, SubscriptionID: "files_changes"})
	require.Equal(t, model.FrameUnsubscribed, readFrame(t, conn).Type)

	r.Dispatch(model.ChangeEvent{Operation: model.OpDelete, Table: "files", Channel: "files_changes"})

	// Nothing should arrive; a short deadline turns silence into a timeout.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	var frame model.ServerFrame
	err := conn.ReadJSON(&frame)
	assert.Error(t, err, "received a frame after unsubscribing")
}

func TestDispatchSkipsUnmatchedSessions(t *testing.T) {
	auth := &stubAuth{token: "good", user: model.User{ID: uuid.New(), IsActive: true}}
	r := NewRouter(auth, testLogger())
	conn := dialTestRouter(t, r)

	writeMsg(t, conn, model.ClientMessage{Type: model.MsgAuthenticate, Token: "good"})
	require.Equal(t, model.FrameAuthenticated, readFrame(t, conn).Type)

	writeMsg(t, conn, model.ClientMessage{
		Type:           model.MsgSubscribe,
		SubscriptionID: "sub-a",
		Data:           &model.SubscriptionData{Table: "users"},
	})
	require.Equal(t, model.FrameSubscribed, readFrame(t, conn).Type)

	// An event on a different table must not be delivered.
	r.Dispatch(model.ChangeEvent{Operation: model.OpInsert, Table: "buckets", Channel: "buckets_changes"})
	// A matching event after it must be the next frame.
	r.Dispatch(model.ChangeEvent{Operation: model.OpUpdate, Table: "users", Channel: "users_changes"})

	frame := readFrame(t, conn)
	require.Equal(t, model.FrameDatabaseChange, frame.Type)
	assert.Equal(t, "users", frame.Data.Table)
	assert.Equal(t, model.OpUpdate, frame.Data.Operation)
}

func TestWildcardSubscriptionSeesEveryTable(t *testing.T) {
	auth := &stubAuth{token: "good", user: model.User{ID: uuid.New(), IsActive: true}}
	r := NewRouter(auth, testLogger())
	conn := dialTestRouter(t, r)

	writeMsg(t, conn, model.ClientMessage{Type: model.MsgAuthenticate, Token: "good"})
	require.Equal(t, model.FrameAuthenticated, readFrame(t, conn).Type)

	writeMsg(t, conn, model.ClientMessage{Type: model.MsgSubscribe, SubscriptionID: model.WildcardSubscription})
	require.Equal(t, model.FrameSubscribed, readFrame(t, conn).Type)

	for _, table := range []string{"users", "buckets", "cors_origins"} {
		r.Dispatch(model.ChangeEvent{Operation: model.OpInsert, Table: table, Channel: table + "_changes"})
		frame := readFrame(t, conn)
		require.Equal(t, model.FrameDatabaseChange, frame.Type)
		assert.Equal(t, table, frame.Data.Table)
	}
}

func TestSessionCount(t *testing.T) {
	auth := &stubAuth{token: "good", user: model.User{ID: uuid.New(), IsActive: true}}
	r := NewRouter(auth, testLogger())
	require.Equal(t, 0, r.SessionCount())

	conn := dialTestRouter(t, r)
	writeMsg(t, conn, model.ClientMessage{Type: model.MsgAuthenticate, Token: "good"})
	require.Equal(t, model.FrameAuthenticated, readFrame(t, conn).Type)

	assert.Equal(t, 1, r.SessionCount())

	require.NoError(t, conn.Close())
	// The read pump notices the close asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for r.SessionCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 0, r.SessionCount())
}
