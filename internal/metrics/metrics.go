package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for the streaming proxy
type Metrics struct {
	// Subscription metrics
	SubscriptionsActive *prometheus.GaugeVec
	SubscriptionsTotal  *prometheus.CounterVec
	SubscriptionErrors  *prometheus.CounterVec
	HandshakesTotal     *prometheus.CounterVec
	ConnectionsActive   *prometheus.GaugeVec

	// Event delivery metrics
	EventsDeliveredTotal *prometheus.CounterVec
	EventBytesTotal      *prometheus.CounterVec
	EventsDroppedTotal   *prometheus.CounterVec

	// Payload store metrics
	PayloadsStoredTotal  prometheus.Counter
	PayloadsFetchedTotal prometheus.Counter
	PayloadsExpiredTotal prometheus.Counter
	PayloadStoreEntries  prometheus.Gauge
	PayloadStoreBytes    prometheus.Gauge

	// HTTP surface metrics
	RelayRequestsTotal *prometheus.CounterVec
	HTTPRequestsTotal  *prometheus.CounterVec

	// CometD metrics
	LongPollRetriesTotal prometheus.Counter
	LongPollCyclesTotal  prometheus.Counter
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	m.SubscriptionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sfstreamproxy_subscriptions_active",
			Help: "Number of subscriptions currently in the ACTIVE state",
		},
		[]string{"family"},
	)

	m.SubscriptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sfstreamproxy_subscriptions_total",
			Help: "Total number of subscribe requests accepted",
		},
		[]string{"family"},
	)

	m.SubscriptionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sfstreamproxy_subscription_errors_total",
			Help: "Total number of subscriptions that ended in ERROR",
		},
		[]string{"family"},
	)

	m.HandshakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sfstreamproxy_handshakes_total",
			Help: "Total number of shared-connection handshakes performed",
		},
		[]string{"family"},
	)

	m.ConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sfstreamproxy_connections_active",
			Help: "Number of live shared protocol connections",
		},
		[]string{"family"},
	)

	m.EventsDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sfstreamproxy_events_delivered_total",
			Help: "Total number of events forwarded to the extension",
		},
		[]string{"family"},
	)

	m.EventBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sfstreamproxy_event_bytes_total",
			Help: "Total serialized event payload bytes forwarded",
		},
		[]string{"family"},
	)

	m.EventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sfstreamproxy_events_dropped_total",
			Help: "Events dropped because their subscription had already ended",
		},
		[]string{"family"},
	)

	m.PayloadsStoredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sfstreamproxy_payloads_stored_total",
			Help: "Payloads shelved for out-of-band HTTP fetch",
		},
	)

	m.PayloadsFetchedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sfstreamproxy_payloads_fetched_total",
			Help: "Shelved payloads successfully fetched over HTTP",
		},
	)

	m.PayloadsExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sfstreamproxy_payloads_expired_total",
			Help: "Shelved payloads purged unfetched by the TTL sweep or eviction",
		},
	)

	m.PayloadStoreEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sfstreamproxy_payload_store_entries",
			Help: "Payloads currently held in the store",
		},
	)

	m.PayloadStoreBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sfstreamproxy_payload_store_bytes",
			Help: "Bytes currently held in the payload store",
		},
	)

	m.RelayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sfstreamproxy_relay_requests_total",
			Help: "Relay requests by outcome",
		},
		[]string{"outcome"},
	)

	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sfstreamproxy_http_requests_total",
			Help: "Loopback HTTP requests by path and status",
		},
		[]string{"path", "status"},
	)

	m.LongPollRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sfstreamproxy_long_poll_retries_total",
			Help: "Transient CometD long-poll failures that were retried",
		},
	)

	m.LongPollCyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sfstreamproxy_long_poll_cycles_total",
			Help: "Completed CometD long-poll cycles",
		},
	)

	return m
}
