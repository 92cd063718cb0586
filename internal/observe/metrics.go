package observe

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_connections",
		Help: "Number of live peer connections on the master",
	})

	envelopesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_envelopes_total",
			Help: "Total envelopes by kind and direction",
		},
		[]string{"kind", "dir"}, // request|callback|publish|notification, in|out
	)

	requestTimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mesh_request_timeouts_total",
		Help: "Total requests resolved by timeout instead of callback",
	})

	heartbeatsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mesh_heartbeats_total",
		Help: "Total successful heartbeat round trips",
	})

	broadcastTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mesh_broadcast_deliveries_total",
		Help: "Total per-connection broadcast deliveries",
	})

	bindErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_bind_errors_total",
			Help: "Total bind handshake failures by reason",
		},
		[]string{"reason"}, // auth|timeout|params
	)
)

func init() {
	prometheus.MustRegister(
		connections,
		envelopesTotal,
		requestTimeoutsTotal,
		heartbeatsTotal,
		broadcastTotal,
		bindErrorsTotal,
	)
}

func SetConnections(n float64)          { connections.Set(n) }
func IncEnvelope(kind, dir string)      { envelopesTotal.WithLabelValues(kind, dir).Inc() }
func IncRequestTimeout()                { requestTimeoutsTotal.Inc() }
func IncHeartbeat()                     { heartbeatsTotal.Inc() }
func AddBroadcast(n float64)            { broadcastTotal.Add(n) }
func IncBindError(reason string)        { bindErrorsTotal.WithLabelValues(reason).Inc() }
