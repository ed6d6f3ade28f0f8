package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Chat    ChatConfig    `mapstructure:"chat"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Logger  LoggerConfig  `mapstructure:"logger"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"readTimeout"`
	WriteTimeout    time.Duration `mapstructure:"writeTimeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
}

// ChatConfig tunes the WebSocket transport and the relay.
type ChatConfig struct {
	SendQueueSize    int           `mapstructure:"sendQueueSize"`
	ReadLimit        int64         `mapstructure:"readLimit"`
	PingInterval     time.Duration `mapstructure:"pingInterval"`
	PongTimeout      time.Duration `mapstructure:"pongTimeout"`
	WriteTimeout     time.Duration `mapstructure:"writeTimeout"`
	MaxMessageLength int           `mapstructure:"maxMessageLength"`
	LogCapacity      int           `mapstructure:"logCapacity"`
	SendRate         float64       `mapstructure:"sendRate"`
	SendBurst        int           `mapstructure:"sendBurst"`
	AllowedOrigins   []string      `mapstructure:"allowedOrigins"`
}

type AuthConfig struct {
	// Mode is "passthrough" or "jwt".
	Mode      string `mapstructure:"mode"`
	JWTSecret string `mapstructure:"jwtSecret"`
	JWTIssuer string `mapstructure:"jwtIssuer"`
}

type KafkaConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	BootstrapServers string   `mapstructure:"bootstrapServers"`
	GroupID          string   `mapstructure:"groupId"`
	ArchiveTopic     string   `mapstructure:"archiveTopic"`
	InboundTopics    []string `mapstructure:"inboundTopics"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LoggerConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("CHATGATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// a missing file is fine, defaults and env cover everything
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 10*time.Second)
	v.SetDefault("server.writeTimeout", 10*time.Second)
	v.SetDefault("server.shutdownTimeout", 30*time.Second)

	v.SetDefault("chat.sendQueueSize", 256)
	v.SetDefault("chat.readLimit", 4096)
	v.SetDefault("chat.pingInterval", 30*time.Second)
	v.SetDefault("chat.pongTimeout", 60*time.Second)
	v.SetDefault("chat.writeTimeout", 10*time.Second)
	v.SetDefault("chat.maxMessageLength", 2000)
	v.SetDefault("chat.logCapacity", 10000)
	v.SetDefault("chat.sendRate", 0.0)
	v.SetDefault("chat.sendBurst", 20)
	v.SetDefault("chat.allowedOrigins", []string{})

	v.SetDefault("auth.mode", "passthrough")
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.jwtIssuer", "")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.bootstrapServers", "localhost:9092")
	v.SetDefault("kafka.groupId", "chat-gateway")
	v.SetDefault("kafka.archiveTopic", "chat-messages")
	v.SetDefault("kafka.inboundTopics", []string{"chat-inbound"})

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("metrics.namespace", "chat_gateway")
}
