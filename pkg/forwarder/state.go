package forwarder

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// MaxTick is the saturating liveness tick ceiling (spec §3 LivenessTick).
// A tick strictly greater than MaxTick means "disconnected".
const MaxTick = 3

// SharedState is the thread-safe registry tying the beacon control plane and
// the splice engine together (spec §4.1, component C1). All operations are
// safe to call from multiple goroutines. Mutable maps are guarded by
// per-side mutexes; the port register and liveness ticks are lock-free
// atomics (relaxed ordering is sufficient because the lifecycle manager
// serializes transitions via explicit abort+respawn, not via register
// ordering).
type SharedState struct {
	log zerolog.Logger

	port atomic.Uint32 // holds a uint16; 0 means disconnected (invariant I2)

	destMu    sync.Mutex
	destAddr  netip.Addr
	destIface string // NW2 interface name, used for IPv6 zone formatting

	routeMu [numNetworks]sync.Mutex
	routes  [numNetworks]map[RouteKey]RouteTaskGroup

	pendingMu sync.Mutex
	pending   []AbortHandle

	serverMu     sync.Mutex
	serverHandle AbortHandle

	liveness [numNetworks]atomic.Uint32

	beaconMu    sync.Mutex
	nw1Out      BeaconPayload
	nw1OutFresh bool
	nw2In       BeaconPayload

	// testQueues backs per-route byte queues used only by tests (spec §4.1),
	// independent of the production splice queues created per-connection in
	// splice.go.
	testMu     sync.Mutex
	testQueues map[RouteKey]byteQueue

	metrics *metricsSet
}

// NewSharedState creates an empty shared routing state.
func NewSharedState(log zerolog.Logger, m *metricsSet) *SharedState {
	s := &SharedState{
		log:        log,
		testQueues: make(map[RouteKey]byteQueue),
		metrics:    m,
	}
	s.routes[NW1] = make(map[RouteKey]RouteTaskGroup)
	s.routes[NW2] = make(map[RouteKey]RouteTaskGroup)
	return s
}

// SetPortFromBeacon stores the port encoded in payload (spec invariant I3:
// rejected without mutation if len(payload) != BeaconPayloadSize). Returns
// the new port and whether it differs from the previous value.
func (s *SharedState) SetPortFromBeacon(payload []byte) (port uint16, changed bool, ok bool) {
	p, ok := decodeBeaconPayload(payload)
	if !ok {
		return 0, false, false
	}
	port = p.Port()
	old := s.port.Swap(uint32(port))
	changed = uint16(old) != port
	if changed {
		s.log.Log().Uint16("old_port", uint16(old)).Uint16("new_port", port).Msg("nw1 rendezvous port changed")
	}
	return port, changed, true
}

// GetPort returns the current NW1 rendezvous port (0 means disconnected).
func (s *SharedState) GetPort() uint16 {
	return uint16(s.port.Load())
}

// resetPort zeros the port register, the liveness-loss/port-change
// equivalence from spec §3 ("Loss of liveness is semantically equivalent to
// a port change to 0").
func (s *SharedState) resetPort() {
	s.port.Store(0)
}

// SetDestination records addr (and, for IPv6, the interface it was observed
// on) as the current NW2 peer.
func (s *SharedState) SetDestination(addr netip.Addr, iface string) {
	s.destMu.Lock()
	defer s.destMu.Unlock()
	s.destAddr = addr
	s.destIface = iface
}

// GetDestination returns the most recently observed NW2 peer address.
func (s *SharedState) GetDestination() (netip.Addr, bool) {
	s.destMu.Lock()
	defer s.destMu.Unlock()
	return s.destAddr, s.destAddr.IsValid()
}

// GetDestinationSocketString formats the current destination and port for
// dialing: "ip:port" for IPv4, "[ip%iface]:port" for IPv6 (scope-id via
// textual zone). The IPv6 host is bracketed because it carries the
// "%iface" zone separator: net.Dial/SplitHostPort only accept a zoned IPv6
// host-port pair in bracketed form, not the spec's bare "ip%iface:port"
// reading of §4.1.
func (s *SharedState) GetDestinationSocketString() (string, error) {
	s.destMu.Lock()
	addr, iface := s.destAddr, s.destIface
	s.destMu.Unlock()

	if !addr.IsValid() {
		return "", fmt.Errorf("no destination address observed yet")
	}
	port := s.GetPort()

	if addr.Is4() || addr.Is4In6() {
		return fmt.Sprintf("%s:%d", addr.Unmap(), port), nil
	}
	if iface != "" {
		return fmt.Sprintf("[%s%%%s]:%d", addr, iface, port), nil
	}
	return fmt.Sprintf("[%s]:%d", addr, port), nil
}

// InsertRoute registers group under key on side. Fails if key is already
// present (spec property P5).
func (s *SharedState) InsertRoute(side NetworkId, key RouteKey, group RouteTaskGroup) bool {
	i := side.Index()
	s.routeMu[i].Lock()
	defer s.routeMu[i].Unlock()

	if _, exists := s.routes[i][key]; exists {
		return false
	}
	s.routes[i][key] = group
	if s.metrics != nil {
		s.metrics.routeCount(side).Set(float64(len(s.routes[i])))
	}
	s.log.Log().Str("side", side.String()).Any("key", key).Msg("route inserted")
	return true
}

// AbortRoute moves every non-nil handle of key's group on side into the
// pending abort list and removes the entry. Idempotent: a repeated call after
// removal returns false without panicking (spec property P6).
func (s *SharedState) AbortRoute(side NetworkId, key RouteKey) bool {
	i := side.Index()

	s.routeMu[i].Lock()
	group, exists := s.routes[i][key]
	if exists {
		delete(s.routes[i], key)
	}
	n := len(s.routes[i])
	s.routeMu[i].Unlock()

	if !exists {
		return false
	}
	if s.metrics != nil {
		s.metrics.routeCount(side).Set(float64(n))
		s.metrics.routeTeardownTotal[i].Inc()
	}

	s.enqueueAborts(group.abortHandles())
	s.log.Log().Str("side", side.String()).Any("key", key).Msg("route aborted")
	return true
}

// AbortAllRoutes aborts every route on both sides and, if present, the
// current TCP server (spec §4.6 Lifecycle Manager step 1).
func (s *SharedState) AbortAllRoutes() {
	for _, side := range []NetworkId{NW1, NW2} {
		i := side.Index()
		s.routeMu[i].Lock()
		var handles []AbortHandle
		n := 0
		for key, group := range s.routes[i] {
			handles = append(handles, group.abortHandles()...)
			delete(s.routes[i], key)
			n++
		}
		s.routeMu[i].Unlock()
		if len(handles) > 0 {
			s.enqueueAborts(handles)
		}
		if s.metrics != nil {
			s.metrics.routeCount(side).Set(0)
			for j := 0; j < n; j++ {
				s.metrics.routeTeardownTotal[i].Inc()
			}
		}
	}

	s.serverMu.Lock()
	h := s.serverHandle
	s.serverHandle = nil
	s.serverMu.Unlock()
	if h != nil {
		s.enqueueAborts([]AbortHandle{h})
	}
}

// SetServerHandle replaces the currently active TCP listener task's handle,
// moving the prior handle, if any, into the pending abort list.
func (s *SharedState) SetServerHandle(h AbortHandle) {
	s.serverMu.Lock()
	prev := s.serverHandle
	s.serverHandle = h
	s.serverMu.Unlock()
	if prev != nil {
		s.enqueueAborts([]AbortHandle{prev})
	}
}

func (s *SharedState) enqueueAborts(handles []AbortHandle) {
	s.pendingMu.Lock()
	s.pending = append(s.pending, handles...)
	s.pendingMu.Unlock()
}

// ReapAborts drains the pending abort list, calling every handle. Safe to
// call repeatedly, including concurrently from a periodic reaper and from
// direct callers.
func (s *SharedState) ReapAborts() {
	s.pendingMu.Lock()
	handles := s.pending
	s.pending = nil
	s.pendingMu.Unlock()

	for _, h := range handles {
		if h != nil {
			h()
		}
	}
}

// LivenessFeed records one emit cycle that found no fresh beacon to forward.
func (s *SharedState) LivenessFeed(side NetworkId) {
	i := side.Index()
	for {
		cur := s.liveness[i].Load()
		if cur > MaxTick {
			return // already saturated
		}
		if s.liveness[i].CompareAndSwap(cur, cur+1) {
			return
		}
	}
}

// LivenessReset records a successful beacon emit/relay.
func (s *SharedState) LivenessReset(side NetworkId) {
	s.liveness[side.Index()].Store(0)
}

// LivenessIsConnected reports whether side's liveness tick is within bounds.
// As a side effect, loss of liveness (tick > MaxTick) on NW1 resets the port
// register to 0, coupling liveness loss directly to route teardown on the
// next port-change observation (spec §4.1: "this couples liveness to
// teardown by design").
func (s *SharedState) LivenessIsConnected(side NetworkId) bool {
	tick := s.liveness[side.Index()].Load()
	connected := tick <= MaxTick
	if !connected && side == NW1 {
		s.resetPort()
	}
	return connected
}

// SetOutgoingBeacon stores payload as the NW1 outgoing beacon slot and the
// NW2 incoming copy, marking the outgoing slot fresh (spec §4.4: "populated
// by C3's update path").
func (s *SharedState) SetOutgoingBeacon(p BeaconPayload) {
	s.beaconMu.Lock()
	defer s.beaconMu.Unlock()
	s.nw2In = p
	s.nw1Out = p
	s.nw1OutFresh = true
}

// TakeOutgoingBeacon consumes the NW1 outgoing beacon slot: returns the
// payload and true iff it has been refreshed since the last call.
func (s *SharedState) TakeOutgoingBeacon() (BeaconPayload, bool) {
	s.beaconMu.Lock()
	defer s.beaconMu.Unlock()
	if !s.nw1OutFresh {
		return BeaconPayload{}, false
	}
	s.nw1OutFresh = false
	return s.nw1Out, true
}
