package commands

import (
	"fmt"

	"github.com/anatoly-dev/go-chat-gateway/internal/service"
	"github.com/anatoly-dev/go-chat-gateway/pkg/auth"
	"github.com/anatoly-dev/go-chat-gateway/pkg/chatlog"
	"github.com/anatoly-dev/go-chat-gateway/pkg/config"
	"github.com/anatoly-dev/go-chat-gateway/pkg/gateway"
	"github.com/anatoly-dev/go-chat-gateway/pkg/handlers"
	"github.com/anatoly-dev/go-chat-gateway/pkg/kafka"
	"github.com/anatoly-dev/go-chat-gateway/pkg/metrics"
	"github.com/anatoly-dev/go-chat-gateway/pkg/presence"
	"github.com/anatoly-dev/go-chat-gateway/pkg/redis"
	"github.com/anatoly-dev/go-chat-gateway/pkg/registry"
	"github.com/anatoly-dev/go-chat-gateway/pkg/relay"
	"github.com/anatoly-dev/go-chat-gateway/pkg/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type Application struct {
	configPath     string
	cfg            *config.Config
	logger         *zap.Logger
	instanceID     string
	promRegistry   *prometheus.Registry
	metrics        *metrics.Metrics
	registry       *registry.Registry
	history        *chatlog.Memory
	chatLog        chatlog.Log
	verifier       auth.Verifier
	presenceStore  *redis.PresenceStore
	kafkaProducer  *kafka.Producer
	kafkaConsumer  *kafka.Consumer
	broadcaster    *presence.Broadcaster
	relay          *relay.Relay
	gateway        *gateway.Gateway
	chatService    *service.ChatService
	wsHandler      *handlers.WebSocketHandler
	metricsHandler *metrics.MetricsHandler
	server         *service.Server
}

func NewApplication(configPath string) *Application {
	return &Application{
		configPath: configPath,
		instanceID: uuid.New().String(),
	}
}

func (a *Application) Init() error {
	if err := a.initConfig(); err != nil {
		return err
	}

	if err := a.initLogger(); err != nil {
		return err
	}

	a.logger.Info("Starting chat gateway",
		zap.String("instanceID", a.instanceID),
		zap.String("version", Version))

	a.initMetrics()

	if err := a.initStorage(); err != nil {
		return err
	}

	if err := a.initAuth(); err != nil {
		return err
	}

	a.initGateway()

	if err := a.initKafkaConsumer(); err != nil {
		return err
	}

	a.initServices()
	a.initServer()

	return nil
}

func (a *Application) initConfig() error {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	a.cfg = cfg
	return nil
}

func (a *Application) initLogger() error {
	logger, err := config.NewLogger(&a.cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	a.logger = logger.With(zap.String("instanceID", a.instanceID))
	return nil
}

func (a *Application) initMetrics() {
	a.promRegistry = prometheus.NewRegistry()
	a.promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.NewMetrics(a.cfg.Metrics.Namespace, a.promRegistry)
	a.metricsHandler = metrics.NewMetricsHandler(a.metrics, a.promRegistry, a.logger)
}

// initStorage sets up the in-memory history and the optional Kafka archive
// and Redis presence store.
func (a *Application) initStorage() error {
	a.registry = registry.New()
	a.history = chatlog.NewMemory(a.cfg.Chat.LogCapacity)
	a.chatLog = a.history

	if a.cfg.Kafka.Enabled {
		producer, err := kafka.NewProducer(&a.cfg.Kafka, a.logger)
		if err != nil {
			return fmt.Errorf("failed to create Kafka producer: %w", err)
		}
		producer.SetMetrics(&a.metrics.Kafka)
		a.kafkaProducer = producer
		a.chatLog = chatlog.Multi{a.history, producer}
	}

	if a.cfg.Redis.Enabled {
		store, err := redis.NewPresenceStore(&a.cfg.Redis, a.logger, a.instanceID)
		if err != nil {
			return fmt.Errorf("failed to create Redis presence store: %w", err)
		}
		store.SetMetrics(&a.metrics.Redis)
		a.presenceStore = store
	}

	return nil
}

func (a *Application) initAuth() error {
	verifier, err := auth.NewVerifier(&a.cfg.Auth)
	if err != nil {
		return fmt.Errorf("failed to create verifier: %w", err)
	}
	a.verifier = verifier
	return nil
}

func (a *Application) initGateway() {
	a.broadcaster = presence.NewBroadcaster(a.registry, a.logger)
	a.broadcaster.SetMetrics(&a.metrics.Presence)
	if a.presenceStore != nil {
		a.broadcaster.SetStore(a.presenceStore)
	}

	a.relay = relay.New(a.registry, a.chatLog, a.cfg.Chat.MaxMessageLength, a.logger)
	a.relay.SetMetrics(&a.metrics.Relay)

	a.gateway = gateway.New(a.registry, a.broadcaster, a.relay, a.verifier, gateway.Options{
		SendRate:  a.cfg.Chat.SendRate,
		SendBurst: a.cfg.Chat.SendBurst,
	}, a.logger)
	a.gateway.SetMetrics(a.metrics)

	upgrader := websocket.NewUpgrader(websocket.OptionsFromConfig(&a.cfg.Chat), a.logger)
	upgrader.SetMetrics(&a.metrics.WebSocket)
	a.wsHandler = handlers.NewWebSocketHandler(a.gateway, upgrader, a.logger)
}

func (a *Application) initKafkaConsumer() error {
	if !a.cfg.Kafka.Enabled || len(a.cfg.Kafka.InboundTopics) == 0 {
		return nil
	}

	consumer, err := kafka.NewConsumer(&a.cfg.Kafka, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create Kafka consumer: %w", err)
	}
	consumer.SetMetrics(&a.metrics.Kafka)
	a.kafkaConsumer = consumer
	return nil
}

func (a *Application) initServices() {
	var inbound service.InboundSource
	if a.kafkaConsumer != nil {
		inbound = a.kafkaConsumer
	}

	var watcher service.PresenceWatcher
	if a.presenceStore != nil {
		watcher = a.presenceStore
	}

	a.chatService = service.NewChatService(a.gateway, inbound, watcher, a.logger)
}

func (a *Application) initServer() {
	a.server = service.NewServer(
		a.wsHandler,
		handlers.NewHealthCheckHandler(a.gateway, a.logger),
		handlers.NewPresenceHandler(a.gateway, a.logger),
		handlers.NewHistoryHandler(a.history, a.logger),
		a.metricsHandler,
		a.chatService,
		a.logger,
		&a.cfg.Server,
	)
}

func (a *Application) Run() error {
	return a.server.Start()
}

func (a *Application) Stop() {
	if a.kafkaProducer != nil {
		a.kafkaProducer.Close(5000)
	}
	if a.presenceStore != nil {
		a.presenceStore.Close()
	}
	if a.logger != nil {
		a.logger.Sync()
	}
}

func NewServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := NewApplication(configPath)
			defer app.Stop()
			if err := app.Init(); err != nil {
				return err
			}
			return app.Run()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Directory containing config.yaml")

	return cmd
}
