package forwarder

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// TestBeaconEmitterRelay covers end-to-end scenario 2 ("Beacon relay"): a
// beacon placed in the outgoing slot is relayed to the group unchanged.
//
// Run overrides emitPeriod's effective cadence is not configurable, so this
// test relies on the default 1s period; it is inherently slower than the
// package's other tests.
func TestBeaconEmitterRelay(t *testing.T) {
	group, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	defer group.Close()

	s := NewSharedState(zerolog.Nop(), nil)
	emitterConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}

	e := NewBeaconEmitter(zerolog.Nop(), emitterConn, s, false, nil)
	e.groupStr = group.LocalAddr().String()

	var want BeaconPayload
	want[0] = 0xab
	want[32] = 0x93
	want[33] = 0x9f
	s.SetOutgoingBeacon(want)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	buf := make([]byte, beaconRecvScratchSize)
	group.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, err := group.Read(buf)
	if err != nil {
		t.Fatalf("expected a relayed beacon within 3s: %v", err)
	}
	got, ok := decodeBeaconPayload(buf[:n])
	if !ok {
		t.Fatalf("relayed datagram had unexpected length %d", n)
	}
	if got != want {
		t.Errorf("relayed payload = %v, want %v", got, want)
	}

	if s.LivenessIsConnected(NW1) != true {
		t.Error("a successful relay should keep NW1 liveness connected")
	}
}

// TestBeaconEmitterLivenessFeed covers that an empty slot feeds, rather than
// resets, the NW1 liveness tick.
func TestBeaconEmitterLivenessFeed(t *testing.T) {
	s := NewSharedState(zerolog.Nop(), nil)
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	e := NewBeaconEmitter(zerolog.Nop(), conn, s, false, nil)
	e.groupStr = "127.0.0.1:1" // nobody listening; irrelevant since the slot is empty

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	time.Sleep(1200 * time.Millisecond)
	cancel()

	tick := s.liveness[NW1.Index()].Load()
	if tick == 0 {
		t.Error("expected the liveness tick to have advanced with no outgoing beacon")
	}
}
