package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/anatoly-dev/go-chat-gateway/pkg/config"
	"github.com/anatoly-dev/go-chat-gateway/pkg/metrics"
	"github.com/anatoly-dev/go-chat-gateway/pkg/models"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// MessageHandler receives chat messages published to an inbound topic.
type MessageHandler func(ctx context.Context, msg *models.ChatMessage) error

type Consumer struct {
	consumer  *kafka.Consumer
	handlers  map[string]MessageHandler
	fallback  MessageHandler
	logger    *zap.Logger
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	topics    []string
	isRunning bool
	mutex     sync.Mutex
	metrics   *metrics.KafkaMetrics
}

func NewConsumer(cfg *config.KafkaConfig, logger *zap.Logger) (*Consumer, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.BootstrapServers,
		"group.id":           cfg.GroupID,
		"auto.offset.reset":  "latest",
		"enable.auto.commit": true,
	})

	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	consumer := &Consumer{
		consumer: c,
		handlers: make(map[string]MessageHandler),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		topics:   cfg.InboundTopics,
	}

	return consumer, nil
}

func (c *Consumer) SetMetrics(metrics *metrics.KafkaMetrics) {
	c.metrics = metrics
}

// RegisterHandler routes messages from topic to handler. An empty topic sets
// the handler used for topics without their own.
func (c *Consumer) RegisterHandler(topic string, handler MessageHandler) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if topic == "" {
		c.fallback = handler
		return
	}
	c.handlers[topic] = handler
}

func (c *Consumer) handlerFor(topic string) (MessageHandler, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if h, ok := c.handlers[topic]; ok {
		return h, true
	}
	return c.fallback, c.fallback != nil
}

func (c *Consumer) Start() error {
	c.mutex.Lock()
	if c.isRunning {
		c.mutex.Unlock()
		return fmt.Errorf("consumer is already running")
	}
	c.isRunning = true
	c.mutex.Unlock()

	if err := c.consumer.SubscribeTopics(c.topics, nil); err != nil {
		return fmt.Errorf("failed to subscribe to topics: %w", err)
	}

	c.wg.Add(1)
	go c.consumeMessages()

	return nil
}

func (c *Consumer) Stop() {
	c.mutex.Lock()
	if !c.isRunning {
		c.mutex.Unlock()
		return
	}
	c.isRunning = false
	c.mutex.Unlock()

	c.logger.Info("Stopping Kafka consumer")

	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("All Kafka consumer routines stopped")
	case <-time.After(10 * time.Second):
		c.logger.Warn("Timeout waiting for Kafka consumer routines to stop")
	}

	if err := c.consumer.Close(); err != nil {
		c.logger.Error("Error closing Kafka consumer", zap.Error(err))
	}

	c.logger.Info("Kafka consumer stopped")
}

func (c *Consumer) consumeMessages() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			ev := c.consumer.Poll(100)
			if ev == nil {
				continue
			}

			switch e := ev.(type) {
			case *kafka.Message:
				c.handleMessage(e)

				if c.metrics != nil && e.TopicPartition.Topic != nil {
					c.metrics.MessagesProcessed.WithLabelValues(*e.TopicPartition.Topic).Inc()
					c.recordLag(e.TopicPartition)
				}

			case kafka.Error:
				c.logger.Error("Kafka error", zap.Error(e), zap.String("code", e.Code().String()))

				if c.metrics != nil {
					c.metrics.KafkaErrors.WithLabelValues(e.Code().String()).Inc()
				}
			default:
			}
		}
	}
}

// recordLag uses the locally cached high watermark, so it does not wait on
// the broker.
func (c *Consumer) recordLag(tp kafka.TopicPartition) {
	_, high, err := c.consumer.GetWatermarkOffsets(*tp.Topic, tp.Partition)
	if err != nil {
		return
	}

	lag := Lag(high, tp.Offset)
	partition := strconv.Itoa(int(tp.Partition))
	c.metrics.ConsumerLag.WithLabelValues(*tp.Topic, partition).Set(float64(lag))

	c.logger.Debug("Kafka consumer lag",
		zap.String("topic", *tp.Topic),
		zap.String("partition", partition),
		zap.Int64("high", high),
		zap.Int64("lag", lag))
}

// Lag is the number of messages after offset up to the high watermark.
func Lag(high int64, offset kafka.Offset) int64 {
	if offset < 0 || high <= int64(offset) {
		return 0
	}
	return high - int64(offset) - 1
}

func (c *Consumer) handleMessage(msg *kafka.Message) {
	topic := ""
	if msg.TopicPartition.Topic != nil {
		topic = *msg.TopicPartition.Topic
	}

	c.logger.Debug("Received message from Kafka",
		zap.String("topic", topic),
		zap.Int32("partition", msg.TopicPartition.Partition),
		zap.Int64("offset", int64(msg.TopicPartition.Offset)),
		zap.ByteString("key", msg.Key),
		zap.Int("value_len", len(msg.Value)))

	message, err := DecodeChatMessage(msg.Value)
	if err != nil {
		c.logger.Error("Failed to decode message", zap.Error(err), zap.ByteString("payload", msg.Value))

		if c.metrics != nil {
			c.metrics.DeserializeErrors.Inc()
		}

		return
	}

	handler, ok := c.handlerFor(topic)
	if !ok {
		c.logger.Warn("No handler registered for topic", zap.String("topic", topic))
		return
	}

	if err := handler(c.ctx, message); err != nil {
		c.logger.Error("Failed to handle message", zap.Error(err), zap.String("topic", topic))
	}
}

// DecodeChatMessage accepts either a bare chat message or a message-send
// event envelope. Server-assigned fields are discarded.
func DecodeChatMessage(value []byte) (*models.ChatMessage, error) {
	var head struct {
		Event models.EventType `json:"event"`
	}
	if err := json.Unmarshal(value, &head); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}

	var msg *models.ChatMessage
	if head.Event != "" {
		event, err := models.DecodeEvent(value)
		if err != nil {
			return nil, err
		}
		if event.Type != models.EventMessageSend {
			return nil, fmt.Errorf("unsupported event %q", event.Type)
		}
		if msg, err = event.Message(); err != nil {
			return nil, err
		}
	} else {
		msg = &models.ChatMessage{}
		if err := json.Unmarshal(value, msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
	}

	msg.ID = ""
	msg.CreatedAt = time.Time{}
	return msg, nil
}
