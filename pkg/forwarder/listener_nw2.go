package forwarder

import (
	"context"
	"errors"
	"net"

	"github.com/rs/zerolog"
)

// BeaconListener receives Pinecone beacons on NW2, learns the advertised
// rendezvous port and peer address, and notifies the lifecycle manager of
// port changes (spec §4.3, component C3). It never spawns or aborts tasks
// itself; task handle ownership stays centralized in SharedState (spec §4.3
// rationale).
type BeaconListener struct {
	log       zerolog.Logger
	conn      *net.UDPConn
	state     *SharedState
	ifaceName string
	metrics   *metricsSet

	// OnPortChange is invoked, serially, every time a beacon changes the
	// NW1 rendezvous port, including the very first beacon ever received.
	OnPortChange func(ctx context.Context, newPort uint16)
}

// NewBeaconListener constructs a listener bound to conn. conn must already be
// joined to the Pinecone multicast group on NW2 (see OpenMulticastSocket);
// invariant I4 (beacon listener runs only for NW2) is enforced by never
// constructing one for NW1.
func NewBeaconListener(log zerolog.Logger, conn *net.UDPConn, state *SharedState, ifaceName string, m *metricsSet) *BeaconListener {
	return &BeaconListener{
		log:       log.With().Str("component", "beacon-listener-nw2").Logger(),
		conn:      conn,
		state:     state,
		ifaceName: ifaceName,
		metrics:   m,
	}
}

// Run receives beacons until ctx is canceled. Receive errors are logged and
// the loop continues.
func (l *BeaconListener) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			l.conn.Close()
		case <-done:
		}
	}()

	buf := make([]byte, beaconRecvScratchSize)
	initializing := true

	for {
		n, addr, err := l.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.Err(err).Msg("beacon receive error")
			continue
		}

		peerIP := addr.Addr().Unmap()
		if cur, ok := l.state.GetDestination(); !ok || cur != peerIP {
			l.state.SetDestination(peerIP, l.ifaceName)
			l.log.Log().Str("peer", peerIP.String()).Msg("nw2 beacon source changed")
		}

		raw := buf[:n]
		payload, ok := decodeBeaconPayload(raw)
		if !ok {
			if l.metrics != nil {
				l.metrics.beaconMalformedTotal.Inc()
			}
			l.log.Err(errors.New("malformed beacon")).Int("len", n).Msg("dropped beacon with unexpected length")
			continue
		}
		if l.metrics != nil {
			l.metrics.beaconRxTotal.Inc()
		}

		l.state.SetOutgoingBeacon(payload)
		port, changed, _ := l.state.SetPortFromBeacon(raw)

		if changed || initializing {
			initializing = false
			if l.metrics != nil {
				l.metrics.portChangeTotal.Inc()
			}
			if l.OnPortChange != nil {
				l.OnPortChange(ctx, port)
			}
		}
	}
}
