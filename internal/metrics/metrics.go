// Package metrics exposes prometheus collectors for router activity.
//
// A nil *Collector is valid and records nothing, so the router can run without
// metrics in tests and embedded setups.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wampx"

type Collector struct {
	reg *prometheus.Registry

	realms       prometheus.Gauge
	sessions     *prometheus.GaugeVec
	messages     *prometheus.CounterVec
	publications *prometheus.CounterVec
	events       *prometheus.CounterVec
	invocations  *prometheus.CounterVec
	pending      *prometheus.GaugeVec
}

func newCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func newGaugeVec(subsystem, name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

// New returns a Collector registered on its own registry together with the
// go runtime and process collectors.
func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		realms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "realms",
			Help:      "Number of realms known to the router",
		}),
		sessions:     newGaugeVec("router", "sessions", "Number of established sessions", "realm"),
		messages:     newCounterVec("session", "messages_total", "WAMP messages handled by sessions", "direction", "type"),
		publications: newCounterVec("broker", "publications_total", "Publications routed by the broker", "realm"),
		events:       newCounterVec("broker", "events_total", "Events delivered to subscribers", "realm"),
		invocations:  newCounterVec("dealer", "invocations_total", "Invocations forwarded to callees", "realm"),
		pending:      newGaugeVec("dealer", "pending_invocations", "Invocations waiting for a yield or error", "realm"),
	}

	c.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.realms,
		c.sessions,
		c.messages,
		c.publications,
		c.events,
		c.invocations,
		c.pending,
	)
	return c
}

// Registry is the registry every collector is registered on.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

func (c *Collector) RealmCreated() {
	if c == nil {
		return
	}
	c.realms.Inc()
}

func (c *Collector) SessionJoined(realm string) {
	if c == nil {
		return
	}
	c.sessions.WithLabelValues(realm).Inc()
}

func (c *Collector) SessionLeft(realm string) {
	if c == nil {
		return
	}
	c.sessions.WithLabelValues(realm).Dec()
}

// Message counts one message; direction is "in" or "out".
func (c *Collector) Message(direction, typ string) {
	if c == nil {
		return
	}
	c.messages.WithLabelValues(direction, typ).Inc()
}

func (c *Collector) Published(realm string, delivered int) {
	if c == nil {
		return
	}
	c.publications.WithLabelValues(realm).Inc()
	c.events.WithLabelValues(realm).Add(float64(delivered))
}

func (c *Collector) Invoked(realm string) {
	if c == nil {
		return
	}
	c.invocations.WithLabelValues(realm).Inc()
	c.pending.WithLabelValues(realm).Inc()
}

// Settled records n invocations leaving the pending table, answered or not.
func (c *Collector) Settled(realm string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.pending.WithLabelValues(realm).Sub(float64(n))
}
