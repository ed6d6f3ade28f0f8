package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/anatoly-dev/go-chat-gateway/pkg/auth"
	"github.com/anatoly-dev/go-chat-gateway/pkg/chatlog"
	"github.com/anatoly-dev/go-chat-gateway/pkg/config"
	"github.com/anatoly-dev/go-chat-gateway/pkg/gateway"
	"github.com/anatoly-dev/go-chat-gateway/pkg/models"
	"github.com/anatoly-dev/go-chat-gateway/pkg/presence"
	"github.com/anatoly-dev/go-chat-gateway/pkg/registry"
	"github.com/anatoly-dev/go-chat-gateway/pkg/relay"
	"github.com/anatoly-dev/go-chat-gateway/pkg/websocket"
	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testServer struct {
	*httptest.Server
	gw  *gateway.Gateway
	log *chatlog.Memory
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	logger := zap.NewNop()
	reg := registry.New()
	log := chatlog.NewMemory(100)
	chat := config.ChatConfig{ReadLimit: 4096, MaxMessageLength: 2000}
	gw := gateway.New(reg,
		presence.NewBroadcaster(reg, logger),
		relay.New(reg, log, chat.MaxMessageLength, logger),
		auth.Passthrough{},
		gateway.Options{},
		logger)

	upgrader := websocket.NewUpgrader(websocket.OptionsFromConfig(&chat), logger)
	ws := NewWebSocketHandler(gw, upgrader, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", ws.HandleConnection)
	mux.HandleFunc("/health", NewHealthCheckHandler(gw, logger).HandleHealthCheck)
	mux.HandleFunc("/api/presence", NewPresenceHandler(gw, logger).HandleOnlineUsers)
	mux.HandleFunc("/api/messages", NewHistoryHandler(log, logger).HandleConversation)

	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		gw.Close(context.Background())
		srv.Close()
	})
	return &testServer{Server: srv, gw: gw, log: log}
}

func (s *testServer) dial(t *testing.T, query string) *gorilla.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws" + query
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *gorilla.Conn) *models.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	event, err := models.DecodeEvent(raw)
	require.NoError(t, err)
	return event
}

func readPresence(t *testing.T, conn *gorilla.Conn) []string {
	t.Helper()
	event := readEvent(t, conn)
	require.Equal(t, models.EventPresenceUpdate, event.Type)
	ids, err := event.UserIDs()
	require.NoError(t, err)
	return ids
}

func readDelivered(t *testing.T, conn *gorilla.Conn) *models.ChatMessage {
	t.Helper()
	event := readEvent(t, conn)
	require.Equal(t, models.EventMessageDelivered, event.Type)
	msg, err := event.Message()
	require.NoError(t, err)
	return msg
}

func TestWebSocketChatFlow(t *testing.T) {
	srv := newTestServer(t)

	alice := srv.dial(t, "?userId=alice")
	assert.Equal(t, []string{"alice"}, readPresence(t, alice))

	bob := srv.dial(t, "?userId=bob")
	assert.ElementsMatch(t, []string{"alice", "bob"}, readPresence(t, alice))
	assert.ElementsMatch(t, []string{"alice", "bob"}, readPresence(t, bob))

	require.NoError(t, alice.WriteMessage(gorilla.TextMessage,
		[]byte(`{"event":"message-send","data":{"message":{"senderId":"alice","recipientId":"bob","content":"hi"}}}`)))

	got := readDelivered(t, bob)
	assert.Equal(t, "alice", got.SenderID)
	assert.Equal(t, "hi", got.Content)
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.CreatedAt.IsZero())

	ack := readDelivered(t, alice)
	assert.Equal(t, got.ID, ack.ID)

	require.NoError(t, alice.WriteMessage(gorilla.TextMessage,
		[]byte(`{"event":"message-send","data":{"message":{"senderId":"alice","recipientId":"carol","content":"anyone?"}}}`)))
	assert.Equal(t, "carol", readDelivered(t, alice).RecipientID)
	assert.Equal(t, 2, srv.log.Len())

	bob.Close()
	assert.Equal(t, []string{"alice"}, readPresence(t, alice))
}

func TestWebSocketLongMultibyteMessage(t *testing.T) {
	srv := newTestServer(t)

	alice := srv.dial(t, "?userId=alice")
	readPresence(t, alice)
	bob := srv.dial(t, "?userId=bob")
	readPresence(t, alice)
	readPresence(t, bob)

	for _, content := range []string{
		strings.Repeat("界", 2000),
		strings.Repeat("😀", 2000),
	} {
		require.NoError(t, alice.WriteJSON(map[string]interface{}{
			"event": "message-send",
			"data": map[string]interface{}{
				"message": map[string]string{"senderId": "alice", "recipientId": "bob", "content": content},
			},
		}))

		assert.Equal(t, content, readDelivered(t, bob).Content)
		assert.Equal(t, content, readDelivered(t, alice).Content)
	}

	assert.Equal(t, 2, srv.log.Len())
	assert.ElementsMatch(t, []string{"alice", "bob"}, srv.gw.OnlineUserIDs(context.Background()))
}

func TestWebSocketRejectsMissingUserID(t *testing.T) {
	srv := newTestServer(t)
	watcher := srv.dial(t, "?userId=watcher")
	readPresence(t, watcher)

	anon := srv.dial(t, "")
	anon.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := anon.ReadMessage()
	require.Error(t, err)
	assert.True(t, gorilla.IsCloseError(err, gorilla.ClosePolicyViolation), "got %v", err)

	assert.Equal(t, []string{"watcher"}, srv.gw.OnlineUserIDs(context.Background()))
}

func TestWebSocketServerClose(t *testing.T) {
	srv := newTestServer(t)
	alice := srv.dial(t, "?userId=alice")
	readPresence(t, alice)

	require.NoError(t, srv.gw.Close(context.Background()))

	alice.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := alice.ReadMessage()
	assert.True(t, gorilla.IsCloseError(err, gorilla.CloseNormalClosure), "got %v", err)
}

func TestHealthAndPresenceEndpoints(t *testing.T) {
	srv := newTestServer(t)
	alice := srv.dial(t, "?userId=alice")
	readPresence(t, alice)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, healthResponse{Status: "ok", Connections: 1, Online: 1}, health)

	resp, err = http.Get(srv.URL + "/api/presence")
	require.NoError(t, err)
	defer resp.Body.Close()
	var pres presenceResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pres))
	assert.Equal(t, presenceResponse{Count: 1, Users: []string{"alice"}}, pres)
}

func TestHistoryHandler(t *testing.T) {
	log := chatlog.NewMemory(10)
	ctx := context.Background()
	for _, m := range []*models.ChatMessage{
		{SenderID: "alice", RecipientID: "bob", Content: "one"},
		{SenderID: "bob", RecipientID: "alice", Content: "two"},
		{SenderID: "alice", RecipientID: "carol", Content: "other"},
		{SenderID: "alice", RecipientID: "bob", Content: "three"},
	} {
		require.NoError(t, log.Append(ctx, m))
	}
	h := NewHistoryHandler(log, zap.NewNop())

	rec := httptest.NewRecorder()
	h.HandleConversation(rec, httptest.NewRequest("GET", "/api/messages?userA=bob&userB=alice&limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body historyResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Messages, 2)
	assert.Equal(t, "two", body.Messages[0].Content)
	assert.Equal(t, "three", body.Messages[1].Content)

	for _, target := range []string{
		"/api/messages?userA=bob",
		"/api/messages?userA=bob&userB=alice&limit=zero",
		"/api/messages?userA=bob&userB=alice&limit=-1",
	} {
		rec := httptest.NewRecorder()
		h.HandleConversation(rec, httptest.NewRequest("GET", target, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}

	rec = httptest.NewRecorder()
	h.HandleConversation(rec, httptest.NewRequest("POST", "/api/messages", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.HandleConversation(rec, httptest.NewRequest("GET", "/api/messages?userA=x&userB=y", nil))
	assert.JSONEq(t, `{"messages":[]}`, rec.Body.String())
}
