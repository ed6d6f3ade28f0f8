package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/anatoly-dev/go-chat-gateway/pkg/config"
	"github.com/anatoly-dev/go-chat-gateway/pkg/metrics"
	"github.com/anatoly-dev/go-chat-gateway/pkg/models"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrConnClosed    = errors.New("connection closed")
	ErrSendQueueFull = errors.New("send queue full")
)

type Options struct {
	SendQueueSize  int
	ReadLimit      int64
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
}

const (
	// maxEncodedRuneBytes is the widest JSON form of one rune: an astral
	// character escaped as a surrogate pair.
	maxEncodedRuneBytes = 12
	// envelopeBytes covers the event name, ids and field names around the
	// message content.
	envelopeBytes = 1024
)

// MinReadLimit is the smallest frame size that still carries any message of
// maxMessageLength runes.
func MinReadLimit(maxMessageLength int) int64 {
	if maxMessageLength <= 0 {
		return 0
	}
	return int64(maxMessageLength)*maxEncodedRuneBytes + envelopeBytes
}

// OptionsFromConfig maps chat settings to transport options. The read limit
// is raised to MinReadLimit so that a message the relay accepts is never cut
// off by the transport.
func OptionsFromConfig(cfg *config.ChatConfig) Options {
	return Options{
		SendQueueSize:  cfg.SendQueueSize,
		ReadLimit:      max(cfg.ReadLimit, MinReadLimit(cfg.MaxMessageLength)),
		PingInterval:   cfg.PingInterval,
		PongTimeout:    cfg.PongTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		AllowedOrigins: cfg.AllowedOrigins,
	}
}

func (o Options) withDefaults() Options {
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 256
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 4096
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

// Handler consumes the frames of one connection. Disconnect is called once
// when the connection ends.
type Handler interface {
	HandleEvent(ctx context.Context, raw []byte) error
	Disconnect(ctx context.Context)
}

type Upgrader struct {
	upgrader websocket.Upgrader
	opts     Options
	logger   *zap.Logger
	metrics  *metrics.WebSocketMetrics
}

func NewUpgrader(opts Options, logger *zap.Logger) *Upgrader {
	opts = opts.withDefaults()
	u := &Upgrader{
		opts:   opts,
		logger: logger,
	}
	u.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     u.checkOrigin,
	}
	return u
}

func (u *Upgrader) SetMetrics(metrics *metrics.WebSocketMetrics) {
	u.metrics = metrics
}

func (u *Upgrader) checkOrigin(r *http.Request) bool {
	if len(u.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range u.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// Upgrade switches the request to the WebSocket protocol. The returned Conn
// does no I/O until Run.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	return &Conn{
		id:        uuid.New().String(),
		ws:        ws,
		send:      make(chan []byte, u.opts.SendQueueSize),
		done:      make(chan struct{}),
		opts:      u.opts,
		logger:    u.logger,
		metrics:   u.metrics,
		connected: time.Now(),
	}, nil
}

// Conn is one client WebSocket. Writes go through a buffered queue drained
// by the write pump; Send never blocks.
type Conn struct {
	id        string
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	opts      Options
	logger    *zap.Logger
	metrics   *metrics.WebSocketMetrics
	connected time.Time

	mu        sync.Mutex
	started   bool
	closed    bool
	closeCode int
	closeText string
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(event *models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnClosed
	}

	select {
	case c.send <- payload:
		return nil
	default:
		if c.metrics != nil {
			c.metrics.SendQueueFull.Inc()
		}
		return ErrSendQueueFull
	}
}

// Close ends the connection with a normal closure.
func (c *Conn) Close() error {
	return c.closeWith(websocket.CloseNormalClosure, "server closing")
}

// Reject ends a connection whose handshake failed with a policy-violation
// close.
func (c *Conn) Reject(reason string) error {
	return c.closeWith(websocket.ClosePolicyViolation, reason)
}

// closeWith writes the close frame directly before Run; afterwards the write
// pump sends it.
func (c *Conn) closeWith(code int, text string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.closeText = text
	started := c.started
	close(c.done)
	c.mu.Unlock()

	if started {
		return nil
	}

	c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
	return c.ws.Close()
}

// Run starts the pumps. h.Disconnect is called when the read side ends, or
// right away if the connection was closed before Run.
func (c *Conn) Run(ctx context.Context, h Handler) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	if c.closed {
		c.mu.Unlock()
		h.Disconnect(ctx)
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.writePump()
	go c.readPump(ctx, h)
}

func (c *Conn) readPump(ctx context.Context, h Handler) {
	defer func() {
		h.Disconnect(ctx)
		c.Close()
		c.ws.Close()

		if c.metrics != nil {
			c.metrics.ConnectionDuration.Observe(time.Since(c.connected).Seconds())
		}
	}()

	c.ws.SetReadLimit(c.opts.ReadLimit)
	c.ws.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				c.logger.Info("WebSocket closed unexpectedly",
					zap.Error(err),
					zap.String("connID", c.id))

				if c.metrics != nil {
					c.metrics.UnexpectedCloseCount.Inc()
				}
			}
			return
		}

		if c.metrics != nil {
			c.metrics.BytesReceived.Add(float64(len(message)))
		}

		if err := h.HandleEvent(ctx, message); err != nil {
			c.logger.Debug("Client event not processed",
				zap.Error(err),
				zap.String("connID", c.id))
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("Write failed", zap.Error(err), zap.String("connID", c.id))
				return
			}

			if c.metrics != nil {
				c.metrics.BytesSent.Add(float64(len(message)))
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.mu.Lock()
			code, text := c.closeCode, c.closeText
			c.mu.Unlock()

			c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
			return
		}
	}
}
