package chat

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connected_clients",
		Help: "Number of currently connected clients",
	})

	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total inbound messages processed by type",
	}, []string{"type"})

	EventProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_event_processing_seconds",
		Help:    "Time the registry spends on each event type",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	LoginsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_logins_total",
		Help: "Login attempts by outcome",
	}, []string{"result"})

	DroppedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_dropped_messages_total",
		Help: "Outbound messages dropped because a client queue was full or closed",
	})

	PersistenceFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_persistence_failures_total",
		Help: "Directory operations that failed, by operation",
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(ConnectedClients)
	prometheus.MustRegister(MessagesTotal)
	prometheus.MustRegister(EventProcessingDuration)
	prometheus.MustRegister(LoginsTotal)
	prometheus.MustRegister(DroppedMessages)
	prometheus.MustRegister(PersistenceFailures)
}
