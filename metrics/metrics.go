// Package metrics exposes Prometheus collectors for the sync layer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "claimsync"

// Collector holds all Prometheus metrics for the client. A nil *Collector is
// valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	EventsReceived     *prometheus.CounterVec
	EventsDuplicate    *prometheus.CounterVec
	EventsDropped      prometheus.Counter
	Reconnects         prometheus.Counter
	CommandFailures    *prometheus.CounterVec
	ConnectionState    prometheus.Gauge
	NotificationUnread prometheus.Gauge
}

// NewCollector creates collectors registered on a private registry so tests
// can build as many as they like.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Events received from the transport channel by kind.",
		}, []string{"kind"}),
		EventsDuplicate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_duplicate_total",
			Help:      "Duplicate deliveries suppressed by a store, by kind.",
		}, []string{"kind"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Frames that could not be decoded or routed to a handler.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Successful reconnects after a connection error.",
		}),
		CommandFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_failures_total",
			Help:      "Commands rejected by the remote side or the transport.",
		}, []string{"command"}),
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "0 disconnected, 1 connecting, 2 connected, 3 errored.",
		}),
		NotificationUnread: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notifications_unread",
			Help:      "Current unread notification counter.",
		}),
	}
	c.registry.MustRegister(
		c.EventsReceived,
		c.EventsDuplicate,
		c.EventsDropped,
		c.Reconnects,
		c.CommandFailures,
		c.ConnectionState,
		c.NotificationUnread,
	)
	return c
}

// Registry returns the private registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// EventReceived counts one inbound event.
func (c *Collector) EventReceived(kind string) {
	if c == nil {
		return
	}
	c.EventsReceived.WithLabelValues(kind).Inc()
}

// DuplicateSuppressed counts one ignored duplicate delivery.
func (c *Collector) DuplicateSuppressed(kind string) {
	if c == nil {
		return
	}
	c.EventsDuplicate.WithLabelValues(kind).Inc()
}

// EventDropped counts one undecodable frame.
func (c *Collector) EventDropped() {
	if c == nil {
		return
	}
	c.EventsDropped.Inc()
}

// Reconnected counts one reconnect.
func (c *Collector) Reconnected() {
	if c == nil {
		return
	}
	c.Reconnects.Inc()
}

// CommandFailed counts one failed command.
func (c *Collector) CommandFailed(command string) {
	if c == nil {
		return
	}
	c.CommandFailures.WithLabelValues(command).Inc()
}

// SetConnectionState records the numeric connection state.
func (c *Collector) SetConnectionState(state int) {
	if c == nil {
		return
	}
	c.ConnectionState.Set(float64(state))
}

// SetUnread records the notification unread counter.
func (c *Collector) SetUnread(n int) {
	if c == nil {
		return
	}
	c.NotificationUnread.Set(float64(n))
}
