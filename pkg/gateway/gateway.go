// Package gateway accepts chat connections and wires them to presence and
// the message relay.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/anatoly-dev/go-chat-gateway/pkg/auth"
	"github.com/anatoly-dev/go-chat-gateway/pkg/metrics"
	"github.com/anatoly-dev/go-chat-gateway/pkg/models"
	"github.com/anatoly-dev/go-chat-gateway/pkg/presence"
	"github.com/anatoly-dev/go-chat-gateway/pkg/registry"
	"github.com/anatoly-dev/go-chat-gateway/pkg/relay"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type State int

const (
	StateConnecting State = iota
	StateActive
	StateRejected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateRejected:
		return "rejected"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var ErrRateLimited = errors.New("send rate exceeded")

type Options struct {
	// SendRate is the sustained message-send rate per connection; zero
	// disables limiting.
	SendRate  float64
	SendBurst int
}

// Gateway serializes every connect, disconnect and inbound event through a
// single lock, so registry changes, broadcasts and relays happen in one total
// order.
type Gateway struct {
	mutex       sync.Mutex
	registry    *registry.Registry
	broadcaster *presence.Broadcaster
	relay       *relay.Relay
	verifier    auth.Verifier
	opts        Options
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

func New(
	reg *registry.Registry,
	broadcaster *presence.Broadcaster,
	rl *relay.Relay,
	verifier auth.Verifier,
	opts Options,
	logger *zap.Logger,
) *Gateway {
	return &Gateway{
		registry:    reg,
		broadcaster: broadcaster,
		relay:       rl,
		verifier:    verifier,
		opts:        opts,
		logger:      logger,
	}
}

func (g *Gateway) SetMetrics(metrics *metrics.Metrics) {
	g.metrics = metrics
}

// Accept runs the handshake for conn. On failure the connection is closed,
// nothing is registered and no presence update is sent.
func (g *Gateway) Accept(ctx context.Context, conn registry.Conn, creds auth.Credentials) (*Session, error) {
	userID, err := g.verifier.Verify(ctx, creds)
	if err == nil && userID == "" {
		err = auth.ErrMissingUserID
	}
	if err != nil {
		g.reject(conn, err)
		return &Session{gateway: g, conn: conn, state: StateRejected}, err
	}

	session := &Session{
		gateway: g,
		conn:    conn,
		userID:  userID,
		state:   StateActive,
	}
	if g.opts.SendRate > 0 {
		burst := g.opts.SendBurst
		if burst <= 0 {
			burst = 1
		}
		session.limiter = rate.NewLimiter(rate.Limit(g.opts.SendRate), burst)
	}

	g.mutex.Lock()
	defer g.mutex.Unlock()

	g.registry.Attach(conn)
	replaced := g.registry.Register(userID, conn)
	if !replaced {
		g.broadcaster.Track(ctx, userID, true)
	}
	g.broadcaster.BroadcastOnlineUsers(ctx)

	if g.metrics != nil {
		g.metrics.WebSocket.ConnectionsTotal.Inc()
		g.metrics.WebSocket.ActiveConnections.Set(float64(g.registry.Len()))
		if replaced {
			g.metrics.Presence.Replacements.Inc()
		}
	}

	g.logger.Info("Chat connection accepted",
		zap.String("userID", userID),
		zap.String("connID", conn.ID()),
		zap.Bool("replaced", replaced))

	return session, nil
}

func (g *Gateway) reject(conn registry.Conn, err error) {
	reason := "unauthorized"
	if errors.Is(err, auth.ErrMissingUserID) {
		reason = "missing_user_id"
	}

	g.logger.Warn("Chat connection rejected",
		zap.String("connID", conn.ID()),
		zap.String("reason", reason),
		zap.Error(err))

	if g.metrics != nil {
		g.metrics.WebSocket.RejectedConnections.WithLabelValues(reason).Inc()
	}

	if cerr := conn.Reject("handshake rejected"); cerr != nil {
		g.logger.Debug("Failed to close rejected connection", zap.Error(cerr))
	}
}

// OnlineUserIDs returns the current online-set.
func (g *Gateway) OnlineUserIDs(ctx context.Context) []string {
	return g.broadcaster.OnlineUserIDs(ctx)
}

// ConnectionCount is the number of live connections on this instance.
func (g *Gateway) ConnectionCount() int {
	return g.registry.Len()
}

// Deliver relays a message that did not arrive on a chat connection.
func (g *Gateway) Deliver(ctx context.Context, msg *models.ChatMessage) (*relay.Result, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.relay.Relay(ctx, msg, nil)
}

// RefreshPresence rebroadcasts the online-set, e.g. after another instance
// changed the shared presence store.
func (g *Gateway) RefreshPresence(ctx context.Context) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.broadcaster.BroadcastOnlineUsers(ctx)
}

// Close closes every live connection. Their sessions clean up as their
// transports report the disconnect.
func (g *Gateway) Close(ctx context.Context) error {
	conns := g.registry.Connections()
	g.logger.Info("Closing chat connections", zap.Int("count", len(conns)))

	var errs []error
	for _, conn := range conns {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", conn.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Session is the gateway side of one accepted or rejected connection.
type Session struct {
	gateway *Gateway
	conn    registry.Conn
	userID  string
	limiter *rate.Limiter
	state   State
}

func (s *Session) UserID() string { return s.userID }

func (s *Session) Conn() registry.Conn { return s.conn }

func (s *Session) State() State {
	s.gateway.mutex.Lock()
	defer s.gateway.mutex.Unlock()
	return s.state
}

// HandleEvent processes one inbound frame. Malformed frames, unknown events
// and invalid messages are logged and dropped; the returned error is for the
// transport's logging only and is never sent to the client.
func (s *Session) HandleEvent(ctx context.Context, raw []byte) error {
	g := s.gateway

	event, err := models.DecodeEvent(raw)
	if err != nil {
		g.dropped("malformed")
		return err
	}

	if g.metrics != nil {
		g.metrics.WebSocket.MessagesReceived.WithLabelValues(string(event.Type)).Inc()
	}

	if event.Type != models.EventMessageSend {
		g.logger.Debug("Ignoring unsupported event",
			zap.String("event", string(event.Type)),
			zap.String("userID", s.userID))
		return nil
	}

	msg, err := event.Message()
	if err != nil {
		g.dropped("malformed")
		return err
	}

	if s.limiter != nil && !s.limiter.Allow() {
		g.dropped("rate_limited")
		g.logger.Warn("Message send rate exceeded", zap.String("userID", s.userID))
		return ErrRateLimited
	}

	g.mutex.Lock()
	defer g.mutex.Unlock()

	if s.state != StateActive {
		return nil
	}

	if msg.SenderID != "" && msg.SenderID != s.userID {
		g.logger.Warn("Overriding spoofed sender",
			zap.String("claimed", msg.SenderID),
			zap.String("userID", s.userID))
	}
	msg.SenderID = s.userID

	if _, err := g.relay.Relay(ctx, msg, s.conn); err != nil {
		g.logger.Warn("Dropping invalid message", zap.Error(err), zap.String("userID", s.userID))
		return err
	}
	return nil
}

func (g *Gateway) dropped(reason string) {
	if g.metrics != nil {
		g.metrics.Relay.Dropped.WithLabelValues(reason).Inc()
	}
}

// Disconnect unregisters the session if its connection is still on record
// and broadcasts the new online-set. Calling it again is a no-op.
func (s *Session) Disconnect(ctx context.Context) {
	g := s.gateway

	g.mutex.Lock()
	defer g.mutex.Unlock()

	if s.state != StateActive {
		return
	}
	s.state = StateClosed

	g.registry.Detach(s.conn)
	if g.metrics != nil {
		g.metrics.WebSocket.ActiveConnections.Set(float64(g.registry.Len()))
	}

	if !g.registry.Unregister(s.userID, s.conn) {
		g.logger.Debug("Ignoring stale disconnect",
			zap.String("userID", s.userID),
			zap.String("connID", s.conn.ID()))

		if g.metrics != nil {
			g.metrics.Presence.StaleDisconnect.Inc()
		}
		return
	}

	g.broadcaster.Track(ctx, s.userID, false)
	g.broadcaster.BroadcastOnlineUsers(ctx)

	g.logger.Info("Chat connection closed",
		zap.String("userID", s.userID),
		zap.String("connID", s.conn.ID()))
}
