package forwarder

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// TestSpliceEndToEnd covers end-to-end scenario 3 ("Connection splice"):
// bytes sent by the NW1-side peer arrive at the NW2-side peer and vice
// versa.
func TestSpliceEndToEnd(t *testing.T) {
	nw2Listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen nw2: %v", err)
	}
	defer nw2Listener.Close()

	nw2Accepted := make(chan net.Conn, 1)
	go func() {
		c, err := nw2Listener.Accept()
		if err != nil {
			return
		}
		nw2Accepted <- c
	}()

	nw2Addr := nw2Listener.Addr().(*net.TCPAddr)

	s := NewSharedState(zerolog.Nop(), nil)
	s.SetDestination(netip.MustParseAddr("127.0.0.1"), "")
	s.SetPortFromBeacon(beaconWithPort(uint16(nw2Addr.Port)))

	sp := NewSplicer(zerolog.Nop(), s, nil)

	nw1Listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen nw1: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sp.ServeListener(ctx, nw1Listener)

	nw1PeerConn, err := net.Dial("tcp", nw1Listener.Addr().String())
	if err != nil {
		t.Fatalf("dial nw1 listener: %v", err)
	}
	defer nw1PeerConn.Close()

	var nw2PeerConn net.Conn
	select {
	case nw2PeerConn = <-nw2Accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("nw2 side never accepted a matching connection")
	}
	defer nw2PeerConn.Close()

	if _, err := nw1PeerConn.Write([]byte("hello")); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	buf := make([]byte, 5)
	nw2PeerConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := readFull(nw2PeerConn, buf); err != nil {
		t.Fatalf("nw2 read hello: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("nw2 side read %q, want %q", buf, "hello")
	}

	if _, err := nw2PeerConn.Write([]byte("world")); err != nil {
		t.Fatalf("write world: %v", err)
	}
	nw1PeerConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := readFull(nw1PeerConn, buf); err != nil {
		t.Fatalf("nw1 read world: %v", err)
	}
	if string(buf) != "world" {
		t.Errorf("nw1 side read %q, want %q", buf, "world")
	}
}

// TestLifecycleAbortClosesSpliceSockets covers end-to-end scenario 4's "the
// old TCP session on P is closed by the forwarder": a route torn down via
// the lifecycle path (AbortAllRoutes + ReapAborts, as LifecycleManager.
// OnPortChange does), rather than by a read/write loop observing EOF, must
// still close both spliced sockets so peer P sees its connection close.
func TestLifecycleAbortClosesSpliceSockets(t *testing.T) {
	nw2Listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen nw2: %v", err)
	}
	defer nw2Listener.Close()

	nw2Accepted := make(chan net.Conn, 1)
	go func() {
		c, err := nw2Listener.Accept()
		if err != nil {
			return
		}
		nw2Accepted <- c
	}()

	nw2Addr := nw2Listener.Addr().(*net.TCPAddr)

	s := NewSharedState(zerolog.Nop(), nil)
	s.SetDestination(netip.MustParseAddr("127.0.0.1"), "")
	s.SetPortFromBeacon(beaconWithPort(uint16(nw2Addr.Port)))

	sp := NewSplicer(zerolog.Nop(), s, nil)

	nw1Listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen nw1: %v", err)
	}
	defer nw1Listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sp.ServeListener(ctx, nw1Listener)

	nw1PeerConn, err := net.Dial("tcp", nw1Listener.Addr().String())
	if err != nil {
		t.Fatalf("dial nw1 listener: %v", err)
	}
	defer nw1PeerConn.Close()

	var nw2PeerConn net.Conn
	select {
	case nw2PeerConn = <-nw2Accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("nw2 side never accepted a matching connection")
	}
	defer nw2PeerConn.Close()

	// Push one byte through the splice first: the pipeline tasks start only
	// after InsertRoute, so this guarantees the route is registered before it
	// is aborted.
	if _, err := nw1PeerConn.Write([]byte("x")); err != nil {
		t.Fatalf("write x: %v", err)
	}
	buf := make([]byte, 1)
	nw2PeerConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := readFull(nw2PeerConn, buf); err != nil {
		t.Fatalf("nw2 read x: %v", err)
	}

	// Simulate the lifecycle manager's abort sequence (spec §4.6 step 1-2),
	// without touching the splice goroutines directly.
	s.AbortAllRoutes()
	s.ReapAborts()

	nw1PeerConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := nw1PeerConn.Read(buf); err == nil || isTimeout(err) {
		t.Fatal("expected peer P's connection to be closed by the forwarder after a lifecycle abort")
	}

	nw2PeerConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := nw2PeerConn.Read(buf); err == nil || isTimeout(err) {
		t.Fatal("expected the nw2 companion connection to be closed by the forwarder after a lifecycle abort")
	}
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// isTimeout reports whether err is a read/write deadline expiry, which a test
// must not mistake for the peer closing the connection.
func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// TestSpliceConnectFailureDropsAccept covers the "Peer connect failure"
// error-handling row: when the NW2 connect fails, the forwarder closes the
// accepted NW1 connection.
func TestSpliceConnectFailureDropsAccept(t *testing.T) {
	s := NewSharedState(zerolog.Nop(), nil)
	// A destination with no listener behind it.
	s.SetDestination(netip.MustParseAddr("127.0.0.1"), "")
	s.SetPortFromBeacon(beaconWithPort(1))

	m := newMetricsSet()
	sp := NewSplicer(zerolog.Nop(), s, m)

	nw1Listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen nw1: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sp.ServeListener(ctx, nw1Listener)

	conn, err := net.Dial("tcp", nw1Listener.Addr().String())
	if err != nil {
		t.Fatalf("dial nw1 listener: %v", err)
	}
	defer conn.Close()

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(buf); err == nil || isTimeout(err) {
		t.Error("expected the accepted connection to be closed after a failed nw2 connect")
	}
}
