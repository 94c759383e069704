package forwarder

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// emitPeriod is the beacon emitter's loop period (spec §4.4). The splice
// engine's post-error backoff is the separate postErrorBackoff.
const emitPeriod = time.Second

// BeaconEmitter periodically relays the most recently received beacon onto
// NW1's multicast group, feeding or resetting the NW1 liveness tick (spec
// §4.4, component C4). It never originates beacons of its own; the forwarder
// is a one-way relay from NW2 to NW1 (spec §4.4 rationale).
type BeaconEmitter struct {
	log      zerolog.Logger
	conn     *net.UDPConn
	state    *SharedState
	groupStr string
	metrics  *metricsSet
}

// NewBeaconEmitter constructs an emitter bound to conn, the NW1 multicast
// socket.
func NewBeaconEmitter(log zerolog.Logger, conn *net.UDPConn, state *SharedState, wantIPv6 bool, m *metricsSet) *BeaconEmitter {
	return &BeaconEmitter{
		log:      log.With().Str("component", "beacon-emitter-nw1").Logger(),
		conn:     conn,
		state:    state,
		groupStr: mcastGroupAddr(wantIPv6),
		metrics:  m,
	}
}

// Run emits beacons every emitPeriod until ctx is canceled.
func (e *BeaconEmitter) Run(ctx context.Context) error {
	t := time.NewTicker(emitPeriod)
	defer t.Stop()

	raddr, err := net.ResolveUDPAddr("udp", e.groupStr)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			payload, fresh := e.state.TakeOutgoingBeacon()
			if fresh {
				if _, err := e.conn.WriteToUDP(payload[:], raddr); err != nil {
					e.log.Err(err).Msg("beacon relay send failed")
				} else if e.metrics != nil {
					e.metrics.beaconTxTotal.Inc()
				}
				e.state.LivenessReset(NW1)
			} else {
				e.state.LivenessFeed(NW1)
			}
		}
	}
}
