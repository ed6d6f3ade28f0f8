package handlers

import (
	"context"
	"net/http"

	"github.com/anatoly-dev/go-chat-gateway/pkg/auth"
	"github.com/anatoly-dev/go-chat-gateway/pkg/gateway"
	"github.com/anatoly-dev/go-chat-gateway/pkg/websocket"
	"go.uber.org/zap"
)

type WebSocketHandler struct {
	gateway  *gateway.Gateway
	upgrader *websocket.Upgrader
	logger   *zap.Logger
}

func NewWebSocketHandler(gw *gateway.Gateway, upgrader *websocket.Upgrader, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		gateway:  gw,
		upgrader: upgrader,
		logger:   logger,
	}
}

// HandleConnection upgrades the request and hands the connection to the
// gateway. Credentials are checked after the upgrade so that a refused
// client sees a WebSocket close rather than an HTTP error.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	creds := auth.CredentialsFromRequest(r)

	conn, err := h.upgrader.Upgrade(w, r)
	if err != nil {
		h.logger.Warn("Failed to upgrade to WebSocket", zap.Error(err))
		return
	}

	// the request context ends with this handler, the connection does not
	ctx := context.WithoutCancel(r.Context())

	session, err := h.gateway.Accept(ctx, conn, creds)
	if err != nil {
		return
	}

	conn.Run(ctx, session)
}

func (h *WebSocketHandler) CloseConnections(ctx context.Context) error {
	h.logger.Info("Closing all WebSocket connections")
	return h.gateway.Close(ctx)
}
