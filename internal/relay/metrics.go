package relay

import "github.com/prometheus/client_golang/prometheus"

// Drop reasons reported on relay_dropped_total.
const (
	dropUnknownTarget = "unknown_target"
	dropMalformed     = "malformed"
	dropSlowConsumer  = "slow_consumer"
)

// Metrics are the relay's Prometheus collectors.
type Metrics struct {
	Rooms        prometheus.Gauge
	Peers        prometheus.Gauge
	Relayed      *prometheus.CounterVec
	Dropped      *prometheus.CounterVec
	JoinRequests *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is what tests usually want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "huddle",
			Name:      "rooms",
			Help:      "Rooms with at least one member.",
		}),
		Peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "huddle",
			Name:      "peers",
			Help:      "Connected signaling clients.",
		}),
		Relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huddle",
			Name:      "relay_messages_total",
			Help:      "Negotiation messages forwarded to their target.",
		}, []string{"type"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huddle",
			Name:      "relay_dropped_total",
			Help:      "Messages the relay discarded.",
		}, []string{"reason"}),
		JoinRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huddle",
			Name:      "join_requests_total",
			Help:      "Admission requests by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.Rooms, m.Peers, m.Relayed, m.Dropped, m.JoinRequests)
	}
	return m
}

func (m *Metrics) observe(r *Registry) {
	m.Rooms.Set(float64(r.RoomCount()))
	m.Peers.Set(float64(r.PeerCount()))
}
