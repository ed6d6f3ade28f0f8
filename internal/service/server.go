package service

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anatoly-dev/go-chat-gateway/pkg/config"
	"github.com/anatoly-dev/go-chat-gateway/pkg/handlers"
	"github.com/anatoly-dev/go-chat-gateway/pkg/metrics"
	"go.uber.org/zap"
)

type Server struct {
	server          *http.Server
	wsHandler       *handlers.WebSocketHandler
	healthHandler   *handlers.HealthCheckHandler
	presenceHandler *handlers.PresenceHandler
	historyHandler  *handlers.HistoryHandler
	metricsHandler  *metrics.MetricsHandler
	chatService     *ChatService
	logger          *zap.Logger
	cfg             *config.ServerConfig
	stopCollector   context.CancelFunc
}

func NewServer(
	wsHandler *handlers.WebSocketHandler,
	healthHandler *handlers.HealthCheckHandler,
	presenceHandler *handlers.PresenceHandler,
	historyHandler *handlers.HistoryHandler,
	metricsHandler *metrics.MetricsHandler,
	chatService *ChatService,
	logger *zap.Logger,
	cfg *config.ServerConfig,
) *Server {
	return &Server{
		wsHandler:       wsHandler,
		healthHandler:   healthHandler,
		presenceHandler: presenceHandler,
		historyHandler:  historyHandler,
		metricsHandler:  metricsHandler,
		chatService:     chatService,
		logger:          logger,
		cfg:             cfg,
	}
}

// Routes builds the HTTP mux. /ws is left uninstrumented so the upgrade can
// hijack the connection.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.wsHandler.HandleConnection)

	s.handle(mux, "/health", http.HandlerFunc(s.healthHandler.HandleHealthCheck))
	s.handle(mux, "/api/presence", http.HandlerFunc(s.presenceHandler.HandleOnlineUsers))
	s.handle(mux, "/api/messages", http.HandlerFunc(s.historyHandler.HandleConversation))

	if s.metricsHandler != nil {
		mux.Handle("/metrics", s.metricsHandler.Handler())
	}

	return mux
}

func (s *Server) handle(mux *http.ServeMux, path string, h http.Handler) {
	if s.metricsHandler != nil {
		h = s.metricsHandler.Instrument(path, h)
	}
	mux.Handle(path, h)
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.Routes(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	collectCtx, cancel := context.WithCancel(context.Background())
	s.stopCollector = cancel
	if s.metricsHandler != nil {
		go s.metricsHandler.CollectSystemMetrics(collectCtx, 15*time.Second)
	}

	if err := s.chatService.Start(collectCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start chat service: %w", err)
	}

	go func() {
		s.logger.Info("Starting server", zap.Int("port", s.cfg.Port))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	return s.waitForShutdown()
}

func (s *Server) waitForShutdown() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	s.logger.Info("Received shutdown signal")

	shutdownTimeout := 30 * time.Second
	if s.cfg.ShutdownTimeout > 0 {
		shutdownTimeout = s.cfg.ShutdownTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down services", zap.Duration("timeout", shutdownTimeout))

	return s.Shutdown(ctx)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Performing controlled shutdown")

	s.chatService.Stop()

	if s.stopCollector != nil {
		s.stopCollector()
	}

	if err := s.wsHandler.CloseConnections(ctx); err != nil {
		s.logger.Error("Error closing WebSocket connections", zap.Error(err))
	}

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info("Server shutdown completed")
	return nil
}
