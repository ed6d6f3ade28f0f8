package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/anatoly-dev/go-chat-gateway/pkg/config"
	"github.com/anatoly-dev/go-chat-gateway/pkg/metrics"
	"github.com/anatoly-dev/go-chat-gateway/pkg/models"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// Producer archives relayed chat messages to a Kafka topic. It satisfies
// chatlog.Log; produce is asynchronous and delivery failures are only
// logged.
type Producer struct {
	producer *kafka.Producer
	topic    string
	logger   *zap.Logger
	metrics  *metrics.KafkaMetrics
	wg       sync.WaitGroup
}

func NewProducer(cfg *config.KafkaConfig, logger *zap.Logger) (*Producer, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.BootstrapServers,
		"acks":              "1",
		"linger.ms":         5,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	producer := &Producer{
		producer: p,
		topic:    cfg.ArchiveTopic,
		logger:   logger,
	}

	producer.wg.Add(1)
	go producer.deliveryReports()

	return producer, nil
}

func (p *Producer) SetMetrics(metrics *metrics.KafkaMetrics) {
	p.metrics = metrics
}

// NewRecord builds the archive record for msg, keyed by recipient so that a
// conversation side stays on one partition.
func NewRecord(topic string, msg *models.ChatMessage) (*kafka.Message, error) {
	value, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(msg.RecipientID),
		Value:          value,
		Timestamp:      msg.CreatedAt,
		Headers: []kafka.Header{
			{Key: "message_id", Value: []byte(msg.ID)},
			{Key: "sender_id", Value: []byte(msg.SenderID)},
		},
	}, nil
}

func (p *Producer) Append(_ context.Context, msg *models.ChatMessage) error {
	record, err := NewRecord(p.topic, msg)
	if err != nil {
		return err
	}

	if err := p.producer.Produce(record, nil); err != nil {
		return fmt.Errorf("failed to produce message to Kafka: %w", err)
	}
	return nil
}

func (p *Producer) deliveryReports() {
	defer p.wg.Done()

	for ev := range p.producer.Events() {
		switch e := ev.(type) {
		case *kafka.Message:
			if e.TopicPartition.Error != nil {
				p.logger.Error("Failed to deliver message to Kafka",
					zap.Error(e.TopicPartition.Error),
					zap.ByteString("key", e.Key))

				if p.metrics != nil {
					p.metrics.KafkaErrors.WithLabelValues("delivery").Inc()
				}
				continue
			}

			if p.metrics != nil {
				p.metrics.MessagesProduced.Inc()
			}

		case kafka.Error:
			p.logger.Error("Kafka producer error", zap.Error(e), zap.String("code", e.Code().String()))

			if p.metrics != nil {
				p.metrics.KafkaErrors.WithLabelValues(e.Code().String()).Inc()
			}
		}
	}
}

// Close flushes pending records for up to timeoutMs and closes the producer.
func (p *Producer) Close(timeoutMs int) {
	p.logger.Info("Stopping Kafka producer")

	if remaining := p.producer.Flush(timeoutMs); remaining > 0 {
		p.logger.Warn("Kafka producer closed with unflushed messages", zap.Int("remaining", remaining))
	}

	p.producer.Close()
	p.wg.Wait()

	p.logger.Info("Kafka producer stopped")
}
