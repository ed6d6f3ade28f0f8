package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/anatoly-dev/go-chat-gateway/pkg/config"
	"github.com/anatoly-dev/go-chat-gateway/pkg/metrics"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	usersKey       = "chat:presence:users"
	instanceKey    = "chat:presence:instance:%s"
	changedChannel = "chat:presence:changed"
)

// PresenceStore keeps the online-set shared by every gateway instance. Each
// instance counts once per user it has registered, so a user stays online
// while any instance holds a connection for them.
type PresenceStore struct {
	client     *redis.Client
	pubsub     *redis.PubSub
	logger     *zap.Logger
	instanceID string
	metrics    *metrics.RedisMetrics
	onChange   func(ctx context.Context)
	done       chan struct{}
}

func NewPresenceStore(cfg *config.RedisConfig, logger *zap.Logger, instanceID string) (*PresenceStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &PresenceStore{
		client:     client,
		logger:     logger,
		instanceID: instanceID,
		done:       make(chan struct{}),
	}, nil
}

func (s *PresenceStore) SetMetrics(metrics *metrics.RedisMetrics) {
	s.metrics = metrics
}

func (s *PresenceStore) observe(operation string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.RedisOperationLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.RedisOperationErrors.WithLabelValues(operation).Inc()
	}
}

// joinScript counts a user once per instance: the shared count only moves
// when the instance set gains the user.
var joinScript = redis.NewScript(`
if redis.call('SADD', KEYS[2], ARGV[1]) == 0 then
	return 0
end
redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
return 1
`)

// leaveScript is the inverse of joinScript. The count only drops when the
// instance still held the user, so a repeated leave is a no-op.
var leaveScript = redis.NewScript(`
if redis.call('SREM', KEYS[2], ARGV[1]) == 0 then
	return 0
end
local n = redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
if n <= 0 then
	redis.call('HDEL', KEYS[1], ARGV[1])
end
return 1
`)

func (s *PresenceStore) Join(ctx context.Context, userID string) error {
	return s.update(ctx, "join", joinScript, userID)
}

func (s *PresenceStore) Leave(ctx context.Context, userID string) error {
	return s.update(ctx, "leave", leaveScript, userID)
}

// update runs script for userID and announces the change to other instances
// when it altered the shared set.
func (s *PresenceStore) update(ctx context.Context, operation string, script *redis.Script, userID string) error {
	start := time.Now()

	keys := []string{usersKey, fmt.Sprintf(instanceKey, s.instanceID)}
	changed, err := script.Run(ctx, s.client, keys, userID).Int()
	if err == nil && changed == 1 {
		err = s.client.Publish(ctx, changedChannel, s.instanceID).Err()
	}

	s.observe(operation, start, err)
	if err != nil {
		return fmt.Errorf("failed to record %s in Redis: %w", operation, err)
	}

	if changed == 1 && s.metrics != nil {
		s.metrics.PresenceUpdates.Inc()
	}
	return nil
}

func (s *PresenceStore) OnlineUserIDs(ctx context.Context) ([]string, error) {
	start := time.Now()
	ids, err := s.client.HKeys(ctx, usersKey).Result()
	s.observe("online", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to read online users from Redis: %w", err)
	}
	return ids, nil
}

// Watch subscribes to presence changes made by other instances and calls
// onChange for each. It returns once the subscription is confirmed.
func (s *PresenceStore) Watch(ctx context.Context, onChange func(ctx context.Context)) error {
	s.pubsub = s.client.Subscribe(ctx, changedChannel)
	if _, err := s.pubsub.Receive(ctx); err != nil {
		s.pubsub.Close()
		s.pubsub = nil
		return fmt.Errorf("failed to subscribe to presence changes: %w", err)
	}
	s.onChange = onChange

	go s.subscribe()
	return nil
}

func (s *PresenceStore) subscribe() {
	defer close(s.done)

	ctx := context.Background()
	for msg := range s.pubsub.Channel() {
		s.handleRedisMessage(ctx, msg)
	}
}

func (s *PresenceStore) handleRedisMessage(ctx context.Context, msg *redis.Message) {
	s.logger.Debug("received Redis message", zap.String("channel", msg.Channel), zap.String("payload", msg.Payload))

	if msg.Payload == s.instanceID {
		return
	}

	if s.metrics != nil {
		s.metrics.RemoteNotifications.Inc()
	}
	if s.onChange != nil {
		s.onChange(ctx)
	}
}

// Clear removes this instance's users from the shared set, e.g. on shutdown.
func (s *PresenceStore) Clear(ctx context.Context) error {
	users, err := s.client.SMembers(ctx, fmt.Sprintf(instanceKey, s.instanceID)).Result()
	if err != nil {
		return fmt.Errorf("failed to list instance users: %w", err)
	}
	for _, userID := range users {
		if err := s.Leave(ctx, userID); err != nil {
			return err
		}
	}
	return nil
}

func (s *PresenceStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.logger.Info("Closing Redis presence store")

	if err := s.Clear(ctx); err != nil {
		s.logger.Error("Error clearing instance presence", zap.Error(err))
	}

	var pubsubErr, clientErr error

	if s.pubsub != nil {
		pubsubErr = s.pubsub.Close()
		if pubsubErr != nil {
			s.logger.Error("Error closing Redis pubsub", zap.Error(pubsubErr))
		}
		<-s.done
	}

	if s.client != nil {
		clientErr = s.client.Close()
		if clientErr != nil {
			s.logger.Error("Error closing Redis client", zap.Error(clientErr))
		}
	}

	if pubsubErr != nil {
		return pubsubErr
	}

	return clientErr
}
