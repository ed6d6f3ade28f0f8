package service

import (
	"context"
	"fmt"

	"github.com/anatoly-dev/go-chat-gateway/pkg/gateway"
	"github.com/anatoly-dev/go-chat-gateway/pkg/kafka"
	"github.com/anatoly-dev/go-chat-gateway/pkg/models"
	"go.uber.org/zap"
)

// InboundSource feeds chat messages published by backend services.
type InboundSource interface {
	RegisterHandler(topic string, handler kafka.MessageHandler)
	Start() error
	Stop()
}

// PresenceWatcher reports online-set changes made by other instances.
type PresenceWatcher interface {
	Watch(ctx context.Context, onChange func(ctx context.Context)) error
}

// ChatService connects the optional background inputs to the gateway. Either
// input may be nil.
type ChatService struct {
	gateway *gateway.Gateway
	inbound InboundSource
	watcher PresenceWatcher
	logger  *zap.Logger
}

func NewChatService(
	gw *gateway.Gateway,
	inbound InboundSource,
	watcher PresenceWatcher,
	logger *zap.Logger,
) *ChatService {
	service := &ChatService{
		gateway: gw,
		inbound: inbound,
		watcher: watcher,
		logger:  logger,
	}

	service.registerMessageHandlers()

	return service
}

func (s *ChatService) registerMessageHandlers() {
	if s.inbound == nil {
		return
	}

	s.inbound.RegisterHandler("", func(ctx context.Context, msg *models.ChatMessage) error {
		s.logger.Info("Handling inbound chat message",
			zap.String("senderID", msg.SenderID),
			zap.String("recipientID", msg.RecipientID))

		result, err := s.gateway.Deliver(ctx, msg)
		if err != nil {
			return err
		}

		s.logger.Debug("Inbound chat message relayed",
			zap.String("messageID", result.Message.ID),
			zap.Bool("delivered", result.Delivered))
		return nil
	})
}

func (s *ChatService) Start(ctx context.Context) error {
	s.logger.Info("Starting chat service")

	if s.watcher != nil {
		if err := s.watcher.Watch(ctx, s.gateway.RefreshPresence); err != nil {
			return fmt.Errorf("failed to watch presence changes: %w", err)
		}
	}

	if s.inbound != nil {
		if err := s.inbound.Start(); err != nil {
			return fmt.Errorf("failed to start inbound consumer: %w", err)
		}
	}

	return nil
}

func (s *ChatService) Stop() {
	s.logger.Info("Stopping chat service")
	if s.inbound != nil {
		s.inbound.Stop()
	}
}
