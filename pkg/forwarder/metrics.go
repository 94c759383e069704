package forwarder

import (
	"io"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
)

// metricsSet holds the forwarder's Prometheus-format counters and gauges,
// following the same pull-based metrics.Set pattern the teacher uses for its
// nspkt listener (pkg/nspkt/listener.go WritePrometheus) and process metrics
// (atlas.Server.serveRest's "/metrics" handler).
type metricsSet struct {
	set *metrics.Set

	beaconRxTotal        *metrics.Counter
	beaconTxTotal        *metrics.Counter
	beaconMalformedTotal *metrics.Counter
	portChangeTotal      *metrics.Counter
	livenessLossTotal    [numNetworks]*metrics.Counter
	routeTeardownTotal   [numNetworks]*metrics.Counter
	connectFailuresTotal *metrics.Counter
	routeCounts          [numNetworks]atomic.Int64
}

// newMetricsSet registers the forwarder's metrics in a fresh isolated set so
// callers can mount it under any HTTP path without colliding with global
// process metrics.
func newMetricsSet() *metricsSet {
	m := &metricsSet{set: metrics.NewSet()}

	m.beaconRxTotal = m.set.NewCounter(`pinecone_beacon_rx_total`)
	m.beaconTxTotal = m.set.NewCounter(`pinecone_beacon_tx_total`)
	m.beaconMalformedTotal = m.set.NewCounter(`pinecone_beacon_malformed_total`)
	m.portChangeTotal = m.set.NewCounter(`pinecone_port_change_total`)
	m.connectFailuresTotal = m.set.NewCounter(`pinecone_nw2_connect_failures_total`)

	for _, side := range []NetworkId{NW1, NW2} {
		i := side.Index()
		m.livenessLossTotal[i] = m.set.NewCounter(`pinecone_liveness_loss_total{side="` + side.String() + `"}`)
		m.routeTeardownTotal[i] = m.set.NewCounter(`pinecone_route_teardown_total{side="` + side.String() + `"}`)

		side := side
		m.set.NewGauge(`pinecone_route_count{side="`+side.String()+`"}`, func() float64 {
			return float64(m.routeCounts[side.Index()].Load())
		})
	}

	return m
}

// routeCount returns a settable view of side's route gauge.
func (m *metricsSet) routeCount(side NetworkId) interface {
	Set(float64)
} {
	return routeCountSetter{m, side}
}

type routeCountSetter struct {
	m    *metricsSet
	side NetworkId
}

func (r routeCountSetter) Set(v float64) {
	r.m.routeCounts[r.side.Index()].Store(int64(v))
}

// WritePrometheus writes the forwarder's metrics in text exposition format.
func (m *metricsSet) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}
