package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks the number of live charge-point sessions.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_active_connections",
		Help: "The total number of active charge point WebSocket connections.",
	})

	// ActiveObservers tracks the number of subscribed observers.
	ActiveObservers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_active_observers",
		Help: "The total number of observers subscribed to the broadcast hub.",
	})

	// MessagesReceived counts frames received from charge points, labeled by message type and action.
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_messages_received_total",
		Help: "Total number of OCPP-J frames received from charge points.",
	}, []string{"message_type", "action"})

	// CallErrorsSent counts CALLERROR replies, labeled by OCPP error code.
	CallErrorsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_call_errors_sent_total",
		Help: "Total number of CALLERROR frames sent to charge points.",
	}, []string{"error_code"})

	// PendingCalls tracks server-initiated calls awaiting a response.
	PendingCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_pending_calls",
		Help: "Number of outstanding server-initiated calls.",
	})

	// CallsCompleted counts server-initiated calls by outcome.
	CallsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_calls_completed_total",
		Help: "Total number of server-initiated calls, labeled by outcome.",
	}, []string{"action", "outcome"})

	// TransactionsStarted counts accepted StartTransaction requests.
	TransactionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_transactions_started_total",
		Help: "Total number of transactions started.",
	})

	// TransactionsStopped counts successful StopTransaction requests.
	TransactionsStopped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_transactions_stopped_total",
		Help: "Total number of transactions stopped.",
	})

	// EventsPublished counts events handed to the broadcast hub, labeled by event type.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_events_published_total",
		Help: "Total number of events published to observers.",
	}, []string{"event_type"})

	// EventsDropped counts events discarded by the drop-oldest policy of observer buffers.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_events_dropped_total",
		Help: "Total number of events dropped because an observer buffer was full.",
	})

	// PersistenceFailures counts failed SaveTransaction attempts.
	PersistenceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_persistence_failures_total",
		Help: "Total number of failed attempts to persist a transaction.",
	})

	// CommandsConsumed counts downstream commands consumed from Kafka, labeled by command name.
	CommandsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_commands_consumed_total",
		Help: "Total number of commands consumed from the message broker.",
	}, []string{"command_name"})

	// MessageProcessingDuration observes the time spent handling one inbound CALL, labeled by action.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_message_processing_duration_seconds",
		Help:    "Histogram of inbound CALL processing times.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"action"})
)
