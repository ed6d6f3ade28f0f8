package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/anatoly-dev/go-chat-gateway/pkg/chatlog"
	"github.com/anatoly-dev/go-chat-gateway/pkg/gateway"
	"github.com/anatoly-dev/go-chat-gateway/pkg/models"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

func writeJSON(w http.ResponseWriter, status int, body interface{}, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Debug("Failed to write response", zap.Error(err))
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type HealthCheckHandler struct {
	gateway *gateway.Gateway
	logger  *zap.Logger
}

func NewHealthCheckHandler(gw *gateway.Gateway, logger *zap.Logger) *HealthCheckHandler {
	return &HealthCheckHandler{
		gateway: gw,
		logger:  logger,
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Online      int    `json:"online"`
}

func (h *HealthCheckHandler) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		Connections: h.gateway.ConnectionCount(),
		Online:      len(h.gateway.OnlineUserIDs(r.Context())),
	}
	h.logger.Debug("Health check",
		zap.Int("connections", resp.Connections),
		zap.Int("online", resp.Online))

	writeJSON(w, http.StatusOK, resp, h.logger)
}

type PresenceHandler struct {
	gateway *gateway.Gateway
	logger  *zap.Logger
}

func NewPresenceHandler(gw *gateway.Gateway, logger *zap.Logger) *PresenceHandler {
	return &PresenceHandler{
		gateway: gw,
		logger:  logger,
	}
}

type presenceResponse struct {
	Count int      `json:"count"`
	Users []string `json:"users"`
}

func (h *PresenceHandler) HandleOnlineUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"}, h.logger)
		return
	}

	users := h.gateway.OnlineUserIDs(r.Context())
	if users == nil {
		users = []string{}
	}
	writeJSON(w, http.StatusOK, presenceResponse{Count: len(users), Users: users}, h.logger)
}

type HistoryHandler struct {
	log    *chatlog.Memory
	logger *zap.Logger
}

func NewHistoryHandler(log *chatlog.Memory, logger *zap.Logger) *HistoryHandler {
	return &HistoryHandler{
		log:    log,
		logger: logger,
	}
}

type historyResponse struct {
	Messages []*models.ChatMessage `json:"messages"`
}

// HandleConversation serves the retained messages between userA and userB.
func (h *HistoryHandler) HandleConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"}, h.logger)
		return
	}

	q := r.URL.Query()
	userA, userB := q.Get("userA"), q.Get("userB")
	if userA == "" || userB == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "userA and userB are required"}, h.logger)
		return
	}

	limit := defaultHistoryLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"}, h.logger)
			return
		}
		limit = n
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	msgs := h.log.Conversation(userA, userB, limit)
	if msgs == nil {
		msgs = []*models.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Messages: msgs}, h.logger)
}
