// Package metrics exposes the broker's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesPublished counts every message accepted by the broker.
	MessagesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "synap_messages_published_total",
		Help: "The total number of messages published to the broker.",
	})

	// MessagesDelivered counts deliveries by path: live fan-out or
	// backlog replay on reconnect.
	MessagesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synap_messages_delivered_total",
		Help: "The total number of messages handed to live connections.",
	},
		[]string{"mode"},
	)

	// DeliveryFailures counts deliveries that could not be enqueued and
	// therefore forced a disconnect.
	DeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "synap_delivery_failures_total",
		Help: "The total number of failed deliveries to live connections.",
	})

	// MessagesExpired counts messages purged after their TTL elapsed.
	MessagesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "synap_messages_expired_total",
		Help: "The total number of retained messages purged at expiry.",
	})

	// ConnectionsActive tracks the number of live subscriber connections.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "synap_active_connections",
		Help: "The number of currently live subscriber connections.",
	})

	// ConnectionsSuperseded counts prior connections kicked because
	// their identity connected again elsewhere.
	ConnectionsSuperseded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "synap_connections_superseded_total",
		Help: "The total number of connections force-closed by an identity collision.",
	})

	// IdentitiesReaped counts idle identities removed by the sweep.
	IdentitiesReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "synap_identities_reaped_total",
		Help: "The total number of idle identities reaped.",
	})

	// TopicsReaped counts empty topics removed by the sweep.
	TopicsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "synap_topics_reaped_total",
		Help: "The total number of empty topics reaped.",
	})
)

const (
	DeliveryModeLive   = "live"
	DeliveryModeReplay = "replay"
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
