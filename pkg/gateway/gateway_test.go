package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/anatoly-dev/go-chat-gateway/pkg/auth"
	"github.com/anatoly-dev/go-chat-gateway/pkg/chatlog"
	"github.com/anatoly-dev/go-chat-gateway/pkg/metrics"
	"github.com/anatoly-dev/go-chat-gateway/pkg/models"
	"github.com/anatoly-dev/go-chat-gateway/pkg/presence"
	"github.com/anatoly-dev/go-chat-gateway/pkg/registry"
	"github.com/anatoly-dev/go-chat-gateway/pkg/registry/registrytest"
	"github.com/anatoly-dev/go-chat-gateway/pkg/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type harness struct {
	reg     *registry.Registry
	log     *chatlog.Memory
	gw      *Gateway
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	logger := zap.NewNop()
	h := &harness{
		reg:     registry.New(),
		log:     chatlog.NewMemory(100),
		metrics: metrics.NewMetrics("test", prometheus.NewRegistry()),
	}
	b := presence.NewBroadcaster(h.reg, logger)
	b.SetMetrics(&h.metrics.Presence)
	r := relay.New(h.reg, h.log, 500, logger)
	r.SetMetrics(&h.metrics.Relay)
	h.gw = New(h.reg, b, r, auth.Passthrough{}, opts, logger)
	h.gw.SetMetrics(h.metrics)
	return h
}

func (h *harness) connect(t *testing.T, userID string) (*Session, *registrytest.Conn) {
	t.Helper()
	conn := registrytest.NewConn(userID)
	s, err := h.gw.Accept(context.Background(), conn, auth.Credentials{UserID: userID})
	require.NoError(t, err)
	require.Equal(t, StateActive, s.State())
	return s, conn
}

func sendFrame(t *testing.T, s *Session, from, to, content string) error {
	t.Helper()
	raw := fmt.Sprintf(`{"event":"message-send","data":{"message":{"senderId":%q,"recipientId":%q,"content":%q}}}`, from, to, content)
	return s.HandleEvent(context.Background(), []byte(raw))
}

func presenceOf(t *testing.T, c *registrytest.Conn) []string {
	t.Helper()
	ids, ok := c.LastPresence()
	require.True(t, ok, "no presence update received")
	return ids
}

func TestChatScenario(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	// alice joins
	s, alice := h.connect(t, "alice")
	assert.Equal(t, []string{"alice"}, h.reg.AllUserIDs())
	assert.Equal(t, []string{"alice"}, presenceOf(t, alice))

	// bob joins, both see both
	bobSession, bob := h.connect(t, "bob")
	assert.ElementsMatch(t, []string{"alice", "bob"}, presenceOf(t, alice))
	assert.ElementsMatch(t, []string{"alice", "bob"}, presenceOf(t, bob))

	// alice -> bob
	require.NoError(t, sendFrame(t, s, "alice", "bob", "hi"))

	toBob := bob.Events(models.EventMessageDelivered)
	require.Len(t, toBob, 1)
	msg, err := toBob[0].Message()
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.Content)
	assert.False(t, msg.CreatedAt.IsZero())
	assert.Len(t, alice.Events(models.EventMessageDelivered), 1)

	// alice -> carol (never connected)
	require.NoError(t, sendFrame(t, s, "alice", "carol", "hello?"))
	assert.Len(t, alice.Events(models.EventMessageDelivered), 2)
	assert.Len(t, bob.Events(models.EventMessageDelivered), 1)
	assert.Equal(t, 2, h.log.Len())

	// bob leaves
	bobSession.Disconnect(ctx)
	assert.Equal(t, StateClosed, bobSession.State())
	assert.Equal(t, []string{"alice"}, h.reg.AllUserIDs())
	assert.Equal(t, []string{"alice"}, presenceOf(t, alice))
}

func TestRejectWithoutUserID(t *testing.T) {
	h := newHarness(t, Options{})
	_, watcher := h.connect(t, "watcher")
	watcher.Reset()

	conn := registrytest.NewConn("")
	s, err := h.gw.Accept(context.Background(), conn, auth.Credentials{})
	assert.ErrorIs(t, err, auth.ErrMissingUserID)
	assert.Equal(t, StateRejected, s.State())
	assert.True(t, conn.Closed())
	assert.True(t, conn.Rejected())

	assert.Equal(t, []string{"watcher"}, h.reg.AllUserIDs())
	assert.Equal(t, 1, h.gw.ConnectionCount())
	assert.Empty(t, watcher.Events(models.EventPresenceUpdate))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WebSocket.RejectedConnections.WithLabelValues("missing_user_id")))

	// a rejected session ignores everything
	require.NoError(t, sendFrame(t, s, "x", "watcher", "boo"))
	s.Disconnect(context.Background())
	assert.Empty(t, watcher.Events(models.EventMessageDelivered))
	assert.Equal(t, StateRejected, s.State())
}

func TestStaleDisconnectKeepsNewerConnection(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	first, firstConn := h.connect(t, "alice")
	_, secondConn := h.connect(t, "alice")
	assert.False(t, firstConn.Closed())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Presence.Replacements))

	secondConn.Reset()
	first.Disconnect(ctx)

	got, ok := h.reg.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, secondConn.ID(), got.ID())
	assert.Equal(t, []string{"alice"}, h.reg.AllUserIDs())
	assert.Empty(t, secondConn.Events(models.EventPresenceUpdate))
	assert.Equal(t, 1, h.gw.ConnectionCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Presence.StaleDisconnect))
}

func TestSupersededConnectionStillReceivesBroadcasts(t *testing.T) {
	h := newHarness(t, Options{})
	_, old := h.connect(t, "alice")
	h.connect(t, "alice")
	old.Reset()

	h.connect(t, "bob")
	assert.ElementsMatch(t, []string{"alice", "bob"}, presenceOf(t, old))
}

func TestSenderIsTakenFromSession(t *testing.T) {
	h := newHarness(t, Options{})
	mallory, _ := h.connect(t, "mallory")
	_, bob := h.connect(t, "bob")

	require.NoError(t, sendFrame(t, mallory, "alice", "bob", "trust me"))

	events := bob.Events(models.EventMessageDelivered)
	require.Len(t, events, 1)
	msg, err := events[0].Message()
	require.NoError(t, err)
	assert.Equal(t, "mallory", msg.SenderID)
}

func TestHandleEventDropsUnrelayableFrames(t *testing.T) {
	h := newHarness(t, Options{})
	alice, aliceConn := h.connect(t, "alice")

	assert.Error(t, alice.HandleEvent(context.Background(), []byte(`{{`)))
	assert.Error(t, alice.HandleEvent(context.Background(), []byte(`{"event":"message-send","data":{}}`)))
	assert.NoError(t, alice.HandleEvent(context.Background(), []byte(`{"event":"typing","data":{}}`)))
	assert.ErrorIs(t, sendFrame(t, alice, "alice", "bob", strings.Repeat("x", 501)), relay.ErrInvalidMessage)

	assert.Empty(t, aliceConn.Events(models.EventMessageDelivered))
	assert.Zero(t, h.log.Len())
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.Relay.Dropped.WithLabelValues("malformed")))
}

func TestOddButWellFormedSendsAreRelayed(t *testing.T) {
	h := newHarness(t, Options{})
	alice, aliceConn := h.connect(t, "alice")
	_, bobConn := h.connect(t, "bob")

	require.NoError(t, sendFrame(t, alice, "alice", "bob", "   "))
	require.NoError(t, sendFrame(t, alice, "alice", "", "anyone?"))

	assert.Len(t, aliceConn.Events(models.EventMessageDelivered), 2)
	assert.Len(t, bobConn.Events(models.EventMessageDelivered), 1)
	assert.Equal(t, 2, h.log.Len())
}

func TestSendRateLimit(t *testing.T) {
	h := newHarness(t, Options{SendRate: 0.001, SendBurst: 2})
	alice, _ := h.connect(t, "alice")

	require.NoError(t, sendFrame(t, alice, "alice", "bob", "1"))
	require.NoError(t, sendFrame(t, alice, "alice", "bob", "2"))
	assert.ErrorIs(t, sendFrame(t, alice, "alice", "bob", "3"), ErrRateLimited)
	assert.Equal(t, 2, h.log.Len())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	alice, _ := h.connect(t, "alice")
	_, bob := h.connect(t, "bob")
	bob.Reset()

	alice.Disconnect(context.Background())
	alice.Disconnect(context.Background())

	assert.Len(t, bob.Events(models.EventPresenceUpdate), 1)
}

func TestMessagesAfterDisconnectAreIgnored(t *testing.T) {
	h := newHarness(t, Options{})
	alice, _ := h.connect(t, "alice")
	_, bob := h.connect(t, "bob")

	alice.Disconnect(context.Background())
	require.NoError(t, sendFrame(t, alice, "alice", "bob", "late"))
	assert.Empty(t, bob.Events(models.EventMessageDelivered))
}

func TestDeliverFromBackend(t *testing.T) {
	h := newHarness(t, Options{})
	_, bob := h.connect(t, "bob")

	res, err := h.gw.Deliver(context.Background(), &models.ChatMessage{
		SenderID:    "system",
		RecipientID: "bob",
		Content:     "task assigned",
	})
	require.NoError(t, err)
	assert.True(t, res.Delivered)
	assert.Len(t, bob.Events(models.EventMessageDelivered), 1)
}

func TestCloseClosesAllConnections(t *testing.T) {
	h := newHarness(t, Options{})
	_, a := h.connect(t, "alice")
	_, b := h.connect(t, "bob")

	require.NoError(t, h.gw.Close(context.Background()))
	assert.True(t, a.Closed())
	assert.True(t, b.Closed())
	assert.False(t, a.Rejected())
}

func TestOnlineSetMatchesLatestEvents(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	sessions := map[string]*Session{}

	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("user-%d", i)
		sessions[id], _ = h.connect(t, id)
	}
	for i := 0; i < 10; i += 3 {
		sessions[fmt.Sprintf("user-%d", i)].Disconnect(ctx)
	}

	assert.Equal(t,
		[]string{"user-1", "user-2", "user-4", "user-5", "user-7", "user-8"},
		h.gw.OnlineUserIDs(ctx))
}

// sharedStore is an in-memory presence.Store with users counted per call.
type sharedStore struct {
	mu    sync.Mutex
	users map[string]int
}

func (s *sharedStore) Join(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID]++
	return nil
}

func (s *sharedStore) Leave(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users[userID]--; s.users[userID] <= 0 {
		delete(s.users, userID)
	}
	return nil
}

func (s *sharedStore) OnlineUserIDs(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func TestSharedStoreUpdatedBeforeBroadcast(t *testing.T) {
	logger := zap.NewNop()
	reg := registry.New()
	store := &sharedStore{users: map[string]int{"remote": 1}}
	b := presence.NewBroadcaster(reg, logger)
	b.SetStore(store)
	gw := New(reg, b, relay.New(reg, chatlog.NewMemory(10), 0, logger), auth.Passthrough{}, Options{}, logger)
	ctx := context.Background()

	alice := registrytest.NewConn("alice")
	_, err := gw.Accept(ctx, alice, auth.Credentials{UserID: "alice"})
	require.NoError(t, err)
	ids, _ := alice.LastPresence()
	assert.Equal(t, []string{"alice", "remote"}, ids)

	bob := registrytest.NewConn("bob")
	bobSession, err := gw.Accept(ctx, bob, auth.Credentials{UserID: "bob"})
	require.NoError(t, err)

	bobSession.Disconnect(ctx)
	ids, _ = alice.LastPresence()
	assert.Equal(t, []string{"alice", "remote"}, ids)
}
