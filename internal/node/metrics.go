package node

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the node's instrumentation. Collectors are created
// unregistered so tests can read them directly; Register attaches them
// to the registry the admin server exposes.
type Metrics struct {
	requestsTotal     *prometheus.CounterVec
	redirectsTotal    *prometheus.CounterVec
	gossipRounds      prometheus.Counter
	keysStored        prometheus.Gauge
	storageBytes      prometheus.Gauge
	slotsServed       prometheus.Gauge
	peersKnown        prometheus.Gauge
	connectionsActive prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slotkv_requests_total",
				Help: "Total instructions dispatched, by opcode",
			},
			[]string{"instruction"},
		),
		redirectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slotkv_redirects_total",
				Help: "Redirect responses sent, by kind (move, ask, no_asking); move also counts keyed requests for unserved slots answered with a no-owner error",
			},
			[]string{"kind"},
		),
		gossipRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slotkv_gossip_rounds_total",
			Help: "Gossip ping rounds performed",
		}),
		keysStored: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "slotkv_keys_stored",
			Help: "Keys held in the local store",
		}),
		storageBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "slotkv_storage_bytes",
			Help: "Value bytes held in the local store",
		}),
		slotsServed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "slotkv_slots_served",
			Help: "Slots this node currently serves",
		}),
		peersKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "slotkv_peers_known",
			Help: "Peers in the node table",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "slotkv_connections_active",
			Help: "Open client and cluster connections",
		}),
	}
}

// Register attaches all collectors to reg.
func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.requestsTotal,
		m.redirectsTotal,
		m.gossipRounds,
		m.keysStored,
		m.storageBytes,
		m.slotsServed,
		m.peersKnown,
		m.connectionsActive,
	)
}
