// Package forwarder bridges a Pinecone beacon-driven control plane on one
// network interface to a TCP rendezvous splice on another: it listens for
// UDP beacons on NW2, relays them onto NW1, and maintains a TCP listener on
// NW1 whose accepted connections are spliced to the NW2 endpoint the beacons
// advertise.
package forwarder

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Forwarder wires together the shared routing state (C1), the two
// multicast sockets (C2), the beacon listener (C3), the beacon emitter (C4),
// the splice engine (C5), and the lifecycle manager (C6) (spec §2 "Control
// flow").
type Forwarder struct {
	log     zerolog.Logger
	cfg     Config
	state   *SharedState
	metrics *metricsSet
}

// New constructs a Forwarder from a validated Config.
func New(log zerolog.Logger, cfg Config) (*Forwarder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	m := newMetricsSet()
	return &Forwarder{
		log:     log,
		cfg:     cfg,
		state:   NewSharedState(log, m),
		metrics: m,
	}, nil
}

// WritePrometheus writes the forwarder's metrics in text exposition format,
// for mounting under an HTTP debug handler (mirrors the teacher's
// nspkt.Listener.WritePrometheus and atlas.Server's "/metrics" surface).
func (f *Forwarder) WritePrometheus(w io.Writer) {
	f.metrics.WritePrometheus(w)
}

// Run opens both multicast sockets, starts the beacon listener, the beacon
// emitter, and a background liveness watchdog, then blocks until ctx is
// canceled or any top-level task ends (spec §2: "The process terminates when
// the main join point observes any top-level task ending").
func (f *Forwarder) Run(ctx context.Context) error {
	nw1Conn, err := OpenMulticastSocket(ctx, f.cfg.If1, f.cfg.If1IPv6)
	if err != nil {
		return fmt.Errorf("open nw1 multicast socket: %w", err)
	}
	defer nw1Conn.Close()

	nw2Conn, err := OpenMulticastSocket(ctx, f.cfg.If2, f.cfg.If2IPv6)
	if err != nil {
		return fmt.Errorf("open nw2 multicast socket: %w", err)
	}
	defer nw2Conn.Close()

	splicer := NewSplicer(f.log, f.state, f.metrics)
	lifecycle := NewLifecycleManager(f.log, f.state, splicer, f.cfg.If1)

	listener := NewBeaconListener(f.log, nw2Conn, f.state, f.cfg.If2, f.metrics)
	listener.OnPortChange = lifecycle.OnPortChange

	emitter := NewBeaconEmitter(f.log, nw1Conn, f.state, f.cfg.If1IPv6, f.metrics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return listener.Run(gctx) })
	g.Go(func() error { return emitter.Run(gctx) })
	g.Go(func() error { return f.runLivenessWatchdog(gctx, lifecycle) })
	g.Go(func() error { return f.runAbortReaper(gctx) })

	return g.Wait()
}

// livenessWatchdogPeriod matches the emitter's period: liveness loss is only
// ever observed at the cadence the emitter feeds the tick (spec §4.1
// liveness_is_connected, §5).
const livenessWatchdogPeriod = emitPeriod

// runLivenessWatchdog polls NW1 liveness and, on loss, invokes the lifecycle
// manager with the now-zeroed port (spec §4.6: "the side-effect in
// is_connected zeros the port, and the next observed new_port ... will
// differ from the current server's bound port, triggering a natural
// respawn"). It only acts on the falling edge, so a sustained outage
// triggers exactly one abort-all-routes cycle.
func (f *Forwarder) runLivenessWatchdog(ctx context.Context, lifecycle *LifecycleManager) error {
	t := time.NewTicker(livenessWatchdogPeriod)
	defer t.Stop()

	wasConnected := true
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			connected := f.state.LivenessIsConnected(NW1)
			if wasConnected && !connected {
				f.log.Log().Msg("nw1 liveness lost, tearing down routes")
				if f.metrics != nil {
					f.metrics.livenessLossTotal[NW1.Index()].Inc()
				}
				lifecycle.OnPortChange(ctx, f.state.GetPort())
			}
			wasConnected = connected
		}
	}
}

// abortReapPeriod is the periodic reaper cadence for PendingAbortList (spec
// §3, §4.1 "reap_aborts ... Flushed by a periodic reaper").
const abortReapPeriod = emitPeriod

// runAbortReaper periodically drains the pending abort list so routes torn
// down by a task (rather than by the lifecycle manager, which reaps
// synchronously) are actually aborted promptly.
func (f *Forwarder) runAbortReaper(ctx context.Context) error {
	t := time.NewTicker(abortReapPeriod)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			f.state.ReapAborts()
		}
	}
}
