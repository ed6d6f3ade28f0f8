package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type WebSocketMetrics struct {
	ActiveConnections    prometheus.Gauge
	ConnectionsTotal     prometheus.Counter
	ConnectionDuration   prometheus.Histogram
	UnexpectedCloseCount prometheus.Counter
	RejectedConnections  *prometheus.CounterVec

	MessagesReceived *prometheus.CounterVec
	BytesSent        prometheus.Counter
	BytesReceived    prometheus.Counter
	SendQueueFull    prometheus.Counter
}

type PresenceMetrics struct {
	OnlineUsers     prometheus.Gauge
	Broadcasts      prometheus.Counter
	BroadcastErrors prometheus.Counter
	Replacements    prometheus.Counter
	StaleDisconnect prometheus.Counter
}

type RelayMetrics struct {
	MessagesRelayed *prometheus.CounterVec
	Delivered       prometheus.Counter
	Undelivered     prometheus.Counter
	Dropped         *prometheus.CounterVec
	LogAppendErrors prometheus.Counter
	RelayLatency    prometheus.Histogram
}

type KafkaMetrics struct {
	MessagesProcessed *prometheus.CounterVec
	MessagesProduced  prometheus.Counter
	ConsumerLag       *prometheus.GaugeVec
	DeserializeErrors prometheus.Counter
	KafkaErrors       *prometheus.CounterVec
}

type RedisMetrics struct {
	PresenceUpdates       prometheus.Counter
	RemoteNotifications   prometheus.Counter
	RedisOperationLatency prometheus.Histogram
	RedisOperationErrors  *prometheus.CounterVec
}

type HttpMetrics struct {
	RequestsTotal      *prometheus.CounterVec
	ResponseStatusCode *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
}

type SystemMetrics struct {
	GoroutineCount prometheus.Gauge
}

type Metrics struct {
	WebSocket WebSocketMetrics
	Presence  PresenceMetrics
	Relay     RelayMetrics
	Kafka     KafkaMetrics
	Redis     RedisMetrics
	Http      HttpMetrics
	System    SystemMetrics
}

// NewMetrics registers every collector with reg. A nil reg registers with
// the default Prometheus registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	m := &Metrics{
		WebSocket: WebSocketMetrics{
			ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "websocket_active_connections",
				Help:      "Number of live WebSocket connections",
			}),
			ConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "websocket_connections_total",
				Help:      "Total accepted WebSocket connections",
			}),
			ConnectionDuration: f.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "websocket_connection_duration_seconds",
				Help:      "WebSocket connection lifetime in seconds",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			}),
			UnexpectedCloseCount: f.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "websocket_unexpected_close_total",
				Help:      "Connections closed without a clean close frame",
			}),
			RejectedConnections: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "websocket_rejected_connections_total",
				Help:      "Connections refused at handshake, by reason",
			}, []string{"reason"}),
			MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "websocket_messages_received_total",
				Help:      "Frames received from clients, by event",
			}, []string{"event"}),
			BytesSent: f.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "websocket_bytes_sent_total",
				Help:      "Bytes written to clients",
			}),
			BytesReceived: f.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "websocket_bytes_received_total",
				Help:      "Bytes read from clients",
			}),
			SendQueueFull: f.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "websocket_send_queue_full_total",
				Help:      "Events dropped because a client send queue was full",
			}),
		},
		Presence: PresenceMetrics{
			OnlineUsers: f.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "presence_online_users",
				Help:      "Size of the last broadcast online-set",
			}),
			Broadcasts: f.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "presence_broadcasts_total",
				Help:      "Presence updates broadcast",
			}),
			BroadcastErrors: f.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "presence_broadcast_errors_total",
				Help:      "Presence updates that could not be sent to a connection",
			}),
			Replacements: f.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "presence_replacements_total",
				Help:      "Registrations that superseded an existing connection",
			}),
			StaleDisconnect: f.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "presence_stale_disconnects_total",
				Help:      "Disconnects of connections no longer on record",
			}),
		},
		Relay: RelayMetrics{
			MessagesRelayed: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_messages_total",
				Help:      "Chat messages relayed, by origin",
			}, []string{"origin"}),
			Delivered: f.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_delivered_total",
				Help:      "Messages delivered to an online recipient",
			}),
			Undelivered: f.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_undelivered_total",
				Help:      "Messages whose recipient was offline",
			}),
			Dropped: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_dropped_total",
				Help:      "Messages dropped before relay, by reason",
			}, []string{"reason"}),
			LogAppendErrors: f.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_log_append_errors_total",
				Help:      "Failures appending to the message log",
			}),
			RelayLatency: f.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "relay_latency_seconds",
				Help:      "Time spent relaying one message",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
			}),
		},
		Kafka: KafkaMetrics{
			MessagesProcessed: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kafka_messages_processed_total",
				Help:      "Inbound Kafka messages processed, by topic",
			}, []string{"topic"}),
			MessagesProduced: f.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kafka_messages_produced_total",
				Help:      "Chat messages archived to Kafka",
			}),
			ConsumerLag: f.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "kafka_consumer_lag",
				Help:      "Inbound messages not yet consumed, by topic and partition",
			}, []string{"topic", "partition"}),
			DeserializeErrors: f.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kafka_deserialize_errors_total",
				Help:      "Inbound Kafka messages that failed to decode",
			}),
			KafkaErrors: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kafka_errors_total",
				Help:      "Kafka errors, by code",
			}, []string{"code"}),
		},
		Redis: RedisMetrics{
			PresenceUpdates: f.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "redis_presence_updates_total",
				Help:      "Presence changes written to Redis",
			}),
			RemoteNotifications: f.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "redis_remote_notifications_total",
				Help:      "Presence change notifications received from other instances",
			}),
			RedisOperationLatency: f.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "redis_operation_latency_seconds",
				Help:      "Latency of Redis presence operations",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 8),
			}),
			RedisOperationErrors: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "redis_operation_errors_total",
				Help:      "Redis errors, by operation",
			}, []string{"operation"}),
		},
		Http: HttpMetrics{
			RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests, by method and path",
			}, []string{"method", "path"}),
			ResponseStatusCode: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_response_status_code_total",
				Help:      "HTTP responses, by status",
			}, []string{"status_code"}),
			RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request handling time",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 10),
			}, []string{"path"}),
		},
		System: SystemMetrics{
			GoroutineCount: f.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "system_goroutine_count",
				Help:      "Number of live goroutines",
			}),
		},
	}

	return m
}
