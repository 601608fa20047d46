package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	MessagesReceived     = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_messages_received_total", Help: "Messages received from owner queues"})
	MessagesAcknowledged = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_messages_acknowledged_total", Help: "Messages deleted after handler success"})
	MessagesAbandoned    = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_messages_abandoned_total", Help: "Messages left for broker redelivery after handler failure"})
	MessagesRejected     = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_messages_rejected_total", Help: "Messages deleted without success (malformed or permanent failure)"})
	MessagesCancelled    = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_messages_cancelled_total", Help: "Messages released by shutdown before completion"})
	BusyNotices          = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_busy_notices_total", Help: "Still-working notices sent to owners"})
	AdmissionDeferred    = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_admission_deferred_total", Help: "Queue polls skipped because capacity was exhausted"})
	BrokerErrors         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dispatch_broker_errors_total", Help: "Broker call failures by operation"}, []string{"op"})
	LeaseExtensions      = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_lease_extensions_total", Help: "Successful lease extensions"})
	InFlightGauge        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatch_inflight", Help: "Messages currently holding capacity tokens"})
	KnownQueuesGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatch_known_queues", Help: "Owner queues currently tracked by the directory"})
	HandlerSeconds       = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "dispatch_handler_duration_seconds", Help: "Handler call duration", Buckets: prometheus.ExponentialBuckets(0.05, 2, 14)})
	JournalFlushes       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dispatch_journal_flushes_total", Help: "Journal flushes by result"}, []string{"result"})
	JournalDropped       = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_journal_dropped_total", Help: "Journal records dropped because the buffer was full"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			MessagesReceived,
			MessagesAcknowledged,
			MessagesAbandoned,
			MessagesRejected,
			MessagesCancelled,
			BusyNotices,
			AdmissionDeferred,
			BrokerErrors,
			LeaseExtensions,
			InFlightGauge,
			KnownQueuesGauge,
			HandlerSeconds,
			JournalFlushes,
			JournalDropped,
		)
	})
	return promhttp.Handler()
}
