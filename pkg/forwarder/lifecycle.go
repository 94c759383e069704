package forwarder

import (
	"context"
	"net"

	"github.com/rs/zerolog"
)

// LifecycleManager owns the single entry point that reacts to port changes
// and liveness loss: tear down everything, then respawn the TCP listener at
// the new port (spec §4.6, component C6).
type LifecycleManager struct {
	log     zerolog.Logger
	state   *SharedState
	splicer *Splicer
	ifaceV1 string
}

// NewLifecycleManager constructs a manager bound to state and splicer.
// ifaceV1 names the NW1 interface the TCP listener binds to.
func NewLifecycleManager(log zerolog.Logger, state *SharedState, splicer *Splicer, ifaceV1 string) *LifecycleManager {
	return &LifecycleManager{
		log:     log.With().Str("component", "lifecycle-manager").Logger(),
		state:   state,
		splicer: splicer,
		ifaceV1: ifaceV1,
	}
}

// OnPortChange implements spec §4.6's on_port_change: abort everything, reap,
// then spawn a fresh listener unless newPort is 0 (spec §4.6: "A new_port ==
// 0 invocation aborts all routes and does not spawn a listener").
func (lm *LifecycleManager) OnPortChange(ctx context.Context, newPort uint16) {
	lm.state.AbortAllRoutes()
	lm.state.ReapAborts()

	if newPort == 0 {
		lm.log.Log().Msg("port reset to 0, idling until next beacon")
		return
	}

	l, err := bindTCPListener(lm.ifaceV1, newPort)
	if err != nil {
		lm.log.Err(err).Uint16("port", newPort).Msg("failed to bind tcp listener for new port")
		return
	}

	listenCtx, cancel := context.WithCancel(ctx)
	lm.state.SetServerHandle(AbortHandle(cancel))

	go func() {
		if err := lm.splicer.ServeListener(listenCtx, l); err != nil && listenCtx.Err() == nil {
			lm.log.Err(err).Msg("tcp listener exited unexpectedly")
		}
	}()

	lm.log.Log().Uint16("port", newPort).Str("iface", lm.ifaceV1).Msg("tcp listener bound to new port")
}

// bindTCPListener binds the NW1 TCP listener per spec §4.5's "Server
// listener": wildcard address, the given rendezvous port, SO_REUSEADDR,
// device-bound to the NW1 interface, TCP_NODELAY on accepted connections.
// The backlog is not set to 128: it is the kernel's net.core.somaxconn
// default (see bindTCPListenerPlatform).
func bindTCPListener(ifaceName string, port uint16) (*net.TCPListener, error) {
	return bindTCPListenerPlatform(ifaceName, port)
}
