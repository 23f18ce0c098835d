// Package metrics translates the core's observer events into Prometheus
// collectors on a private registry, exposed over HTTP by internal/httpapi.
// A private registry rather than the default global one, so tests and
// multiple server instances in one process never collide on metric names.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gpcore/internal/observer"
)

const namespace = "gpcore"

// Source provides the live gauges. *registry.Registry satisfies it.
type Source interface {
	PeerCount() int
	RoomCount() int
}

// Metrics is an observer.Observer backed by Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	connectionsTotal     prometheus.Counter
	disconnectsTotal     prometheus.Counter
	authenticationsTotal prometheus.Counter
	roomsCreatedTotal    prometheus.Counter
	roomsDestroyedTotal  prometheus.Counter
	eventsRaisedTotal    prometheus.Counter
	operationsTotal      *prometheus.CounterVec
}

// New builds the collector set on a fresh registry. Call BindSource once the
// peer/room registry exists to add the live gauges.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Connections accepted and handshaken.",
		}),
		disconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Peer connections ended, for any reason.",
		}),
		authenticationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authentications_total",
			Help:      "Successful Authenticate operations.",
		}),
		roomsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_created_total",
			Help:      "Rooms created.",
		}),
		roomsDestroyedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_destroyed_total",
			Help:      "Rooms destroyed, explicitly or by TTL cleanup.",
		}),
		eventsRaisedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_raised_total",
			Help:      "RaiseEvent operations fanned out.",
		}),
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Operations processed, by operation code.",
		}, []string{"op_code"}),
	}
	m.registry.MustRegister(
		m.connectionsTotal,
		m.disconnectsTotal,
		m.authenticationsTotal,
		m.roomsCreatedTotal,
		m.roomsDestroyedTotal,
		m.eventsRaisedTotal,
		m.operationsTotal,
	)
	return m
}

// BindSource registers the peers-connected and rooms-active gauges against
// the live registry.
func (m *Metrics) BindSource(src Source) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "peers_connected",
		Help:      "Currently connected peers.",
	}, func() float64 { return float64(src.PeerCount()) }))
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rooms_active",
		Help:      "Currently registered rooms.",
	}, func() float64 { return float64(src.RoomCount()) }))
}

// Emit implements observer.Observer.
func (m *Metrics) Emit(name string, ctx observer.Context) {
	switch name {
	case observer.EventPeerConnected:
		m.connectionsTotal.Inc()
	case observer.EventPeerDisconnected:
		m.disconnectsTotal.Inc()
	case observer.EventPeerAuthenticated:
		m.authenticationsTotal.Inc()
	case observer.EventRoomCreated:
		m.roomsCreatedTotal.Inc()
	case observer.EventRoomDestroyed:
		m.roomsDestroyedTotal.Inc()
	case observer.EventEventRaised:
		m.eventsRaisedTotal.Inc()
	case observer.EventOperationProcessed:
		m.operationsTotal.WithLabelValues(strconv.Itoa(int(ctx.OpCode))).Inc()
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
