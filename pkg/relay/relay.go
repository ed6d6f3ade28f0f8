package relay

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/anatoly-dev/go-chat-gateway/pkg/chatlog"
	"github.com/anatoly-dev/go-chat-gateway/pkg/metrics"
	"github.com/anatoly-dev/go-chat-gateway/pkg/models"
	"github.com/anatoly-dev/go-chat-gateway/pkg/registry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrInvalidMessage = errors.New("invalid chat message")

const (
	OriginConnection = "connection"
	OriginKafka      = "kafka"
)

// Result reports what a relay attempt reached.
type Result struct {
	Message      *models.ChatMessage
	Delivered    bool
	Acknowledged bool
}

type Relay struct {
	registry  *registry.Registry
	log       chatlog.Log
	logger    *zap.Logger
	metrics   *metrics.RelayMetrics
	maxLength int
	now       func() time.Time
}

func New(reg *registry.Registry, log chatlog.Log, maxLength int, logger *zap.Logger) *Relay {
	return &Relay{
		registry:  reg,
		log:       log,
		logger:    logger,
		maxLength: maxLength,
		now:       time.Now,
	}
}

func (r *Relay) SetMetrics(metrics *metrics.RelayMetrics) {
	r.metrics = metrics
}

// validate refuses only what cannot be relayed or exceeds the configured
// length; empty content and unknown recipients still go through.
func (r *Relay) validate(msg *models.ChatMessage) error {
	switch {
	case msg == nil:
		return fmt.Errorf("%w: empty payload", ErrInvalidMessage)
	case r.maxLength > 0 && utf8.RuneCountInString(msg.Content) > r.maxLength:
		return fmt.Errorf("%w: content longer than %d characters", ErrInvalidMessage, r.maxLength)
	}
	return nil
}

// Relay stamps msg, appends it to the log, forwards it to the recipient if
// registered and acknowledges it to the sender. origin is the connection the
// message arrived on; when nil the sender's registered connection, if any,
// receives the acknowledgement. An offline recipient is not an error.
func (r *Relay) Relay(ctx context.Context, msg *models.ChatMessage, origin registry.Conn) (*Result, error) {
	start := r.now()

	if err := r.validate(msg); err != nil {
		if r.metrics != nil {
			r.metrics.Dropped.WithLabelValues("invalid").Inc()
		}
		return nil, err
	}

	msg.ID = uuid.New().String()
	msg.CreatedAt = start.UTC()

	if err := r.log.Append(ctx, msg); err != nil {
		r.logger.Error("Failed to append message to log",
			zap.Error(err),
			zap.String("messageID", msg.ID))

		if r.metrics != nil {
			r.metrics.LogAppendErrors.Inc()
		}
	}

	event, err := models.NewDeliveredEvent(msg)
	if err != nil {
		return nil, err
	}

	result := &Result{Message: msg}

	label := OriginConnection
	if origin == nil {
		label = OriginKafka
		if conn, ok := r.registry.Lookup(msg.SenderID); ok {
			origin = conn
		}
	}

	recipient, online := r.registry.Lookup(msg.RecipientID)
	if online && (origin == nil || recipient.ID() != origin.ID()) {
		if err := recipient.Send(event); err != nil {
			r.logger.Debug("Failed to deliver message",
				zap.Error(err),
				zap.String("messageID", msg.ID),
				zap.String("recipientID", msg.RecipientID))
		} else {
			result.Delivered = true
		}
	}

	if origin != nil {
		if err := origin.Send(event); err != nil {
			r.logger.Debug("Failed to acknowledge message",
				zap.Error(err),
				zap.String("messageID", msg.ID),
				zap.String("senderID", msg.SenderID))
		} else {
			result.Acknowledged = true
		}
	}

	// a message to oneself is delivered by its acknowledgement
	if online && origin != nil && recipient.ID() == origin.ID() {
		result.Delivered = result.Acknowledged
	}

	if r.metrics != nil {
		r.metrics.MessagesRelayed.WithLabelValues(label).Inc()
		if result.Delivered {
			r.metrics.Delivered.Inc()
		} else {
			r.metrics.Undelivered.Inc()
		}
		r.metrics.RelayLatency.Observe(r.now().Sub(start).Seconds())
	}

	r.logger.Debug("Relayed message",
		zap.String("messageID", msg.ID),
		zap.String("senderID", msg.SenderID),
		zap.String("recipientID", msg.RecipientID),
		zap.Bool("delivered", result.Delivered))

	return result, nil
}
