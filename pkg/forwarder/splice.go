package forwarder

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// spliceQueueCapacity is the bounded depth of each of the three per-route
// byte queues (spec §4.5, §5 resource limits).
const spliceQueueCapacity = 100

// spliceReadBufSize is the maximum chunk size read from either socket per
// iteration (spec §4.5 step 5).
const spliceReadBufSize = 65535

// postErrorBackoff is the pause a read loop takes after observing EOF or a
// fatal error, before it exits (spec §5 "post-error backoff at 1 s").
const postErrorBackoff = time.Second

// Splicer accepts TCP connections on NW1 and bridges each to a matching NW2
// connection via a five-task pipeline (spec §4.5, component C5).
type Splicer struct {
	log     zerolog.Logger
	state   *SharedState
	metrics *metricsSet
	ifaceV6 bool
}

// NewSplicer constructs a splice engine bound to the given shared state.
func NewSplicer(log zerolog.Logger, state *SharedState, m *metricsSet) *Splicer {
	return &Splicer{
		log:     log.With().Str("component", "splice-engine").Logger(),
		state:   state,
		metrics: m,
	}
}

// ServeListener runs the accept loop on l until ctx is canceled, which closes
// l. Accept errors are logged and the loop continues. l is closed on return.
func (sp *Splicer) ServeListener(ctx context.Context, l *net.TCPListener) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			l.Close()
		case <-done:
		}
	}()
	defer l.Close()

	for {
		conn, err := l.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			sp.log.Err(err).Msg("accept failed")
			continue
		}
		go sp.handleAccept(ctx, conn)
	}
}

// handleAccept implements spec §4.5 "Per connection" steps 1-6.
func (sp *Splicer) handleAccept(ctx context.Context, serverConn *net.TCPConn) {
	peer := serverConn.RemoteAddr().(*net.TCPAddr)
	peerAddr, ok := netip.AddrFromSlice(peer.IP)
	if !ok {
		serverConn.Close()
		return
	}
	peerAddr = peerAddr.Unmap()
	peerPort := uint16(peer.Port)

	// Step 1: initial policy mirrors the NW1 source port as the NW2 source
	// port (spec §4.5 step 1; see Q3, not yet resolved to collision-avoidant
	// allocation).
	key := RouteKey{NW1PeerIP: peerAddr, NW1SrcPort: peerPort, NW2SrcPort: peerPort}

	log := sp.log.With().Str("peer", peer.String()).Any("route", key).Logger()

	dialAddr, err := sp.state.GetDestinationSocketString()
	if err != nil {
		log.Err(err).Msg("no nw2 destination known, dropping accepted connection")
		serverConn.Close()
		return
	}

	d := net.Dialer{Timeout: 5 * time.Second}
	clientConnRaw, err := d.DialContext(ctx, "tcp", dialAddr)
	if err != nil {
		if sp.metrics != nil {
			sp.metrics.connectFailuresTotal.Inc()
		}
		log.Err(err).Str("nw2_addr", dialAddr).Msg("nw2 connect failed, dropping accepted connection")
		serverConn.Close()
		return
	}
	clientConn := clientConnRaw.(*net.TCPConn)
	_ = serverConn.SetNoDelay(true)
	_ = clientConn.SetNoDelay(true)

	serverIn := newByteQueue(spliceQueueCapacity)  // server-read -> forwarder
	forwarding := newByteQueue(spliceQueueCapacity) // forwarder -> client-write
	clientIn := newByteQueue(spliceQueueCapacity)   // client-read -> server-write

	routeCtx, abort := context.WithCancel(ctx)

	// closeConns is the only place either socket is ever closed, guarded by
	// closeOnce so the read/write-loop path (teardown, below) and the
	// lifecycle-abort path (routeCtx canceled out from under the loops, with
	// no teardown call) can't race to double-close. Every abort handle below
	// cancels routeCtx; the watcher goroutine is what turns that cancellation
	// into an actual FIN to both peers, since canceling a context alone
	// closes nothing.
	var closeOnce sync.Once
	closeConns := func() {
		closeOnce.Do(func() {
			serverConn.Close()
			clientConn.Close()
		})
	}
	go func() {
		<-routeCtx.Done()
		closeConns()
	}()

	teardown := func() {
		abort()
		sp.state.AbortRoute(NW1, key)
		closeConns()
	}

	group := newRouteTaskGroup(
		func() { abort() },
		func() { abort() },
		func() { abort() },
		func() { abort() },
		func() { abort() },
	)
	if !sp.state.InsertRoute(NW1, key, group) {
		log.Error().Msg("route key collision on insert, dropping connection")
		abort()
		return
	}

	go spliceReadLoop(routeCtx, log.With().Str("task", taskServerRead.String()).Logger(), serverConn, serverIn, teardown)
	go spliceForward(routeCtx, log.With().Str("task", taskForwarder.String()).Logger(), serverIn, forwarding)
	go spliceWriteLoop(routeCtx, log.With().Str("task", taskClientWrite.String()).Logger(), clientConn, forwarding, teardown)
	go spliceReadLoop(routeCtx, log.With().Str("task", taskClientRead.String()).Logger(), clientConn, clientIn, teardown)
	go spliceWriteLoop(routeCtx, log.With().Str("task", taskServerWrite.String()).Logger(), serverConn, clientIn, teardown)

	log.Log().Str("nw2_addr", dialAddr).Msg("route established")
}

// spliceReadLoop reads up to spliceReadBufSize bytes from conn and enqueues
// each chunk onto out, until EOF, a fatal error, or ctx cancellation (spec
// §4.5 step 5, server-read/client-read).
func spliceReadLoop(ctx context.Context, log zerolog.Logger, conn net.Conn, out byteQueue, teardown func()) {
	buf := make([]byte, spliceReadBufSize)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() == nil {
				if errors.Is(err, io.EOF) {
					log.Log().Msg("connection closed by peer")
				} else {
					log.Err(err).Msg("read error")
				}
				teardown()
				time.Sleep(postErrorBackoff)
			}
			return
		}
		chunk := make([]byte, n)
		copy(chunk, buf[:n])

		select {
		case out <- chunk:
		case <-ctx.Done():
			return
		}
	}
}

// spliceForward dequeues from in, applies the (currently unconditional)
// validation hook, and enqueues onto out (spec §4.5 step 5, forwarder).
func spliceForward(ctx context.Context, log zerolog.Logger, in, out byteQueue) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-in:
			if !ok {
				return
			}
			if !validate(chunk) {
				continue
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}
}

// validate is the splice engine's pluggable payload hook. It currently
// admits everything (spec §1 Non-goals: "no payload inspection or
// transformation").
func validate(_ []byte) bool {
	return true
}

// spliceWriteLoop dequeues from in and writes each chunk in full to conn
// (spec §4.5 step 5, client-write/server-write). A writer observing a closed
// queue exits without logging or teardown; a socket write error outside
// cancellation is logged and triggers teardown (spec §4.5 Teardown, Q4).
func spliceWriteLoop(ctx context.Context, log zerolog.Logger, conn net.Conn, in byteQueue, teardown func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-in:
			if !ok {
				return
			}
			if _, err := conn.Write(chunk); err != nil {
				if ctx.Err() == nil {
					log.Err(err).Msg("write error")
					teardown()
				}
				return
			}
		}
	}
}
