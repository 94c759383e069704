package forwarder

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/rs/zerolog"
)

// TestQueueFIFO covers P4: dequeues return enqueued buffers in insertion
// order.
func TestQueueFIFO(t *testing.T) {
	s := NewSharedState(zerolog.Nop(), nil)
	key := RouteKey{NW1PeerIP: netip.MustParseAddr("10.0.0.3"), NW1SrcPort: 3, NW2SrcPort: 3}

	want := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, b := range want {
		s.EnqueueTestData(key, b)
	}

	for _, w := range want {
		got, ok := s.DequeueTestData(key)
		if !ok {
			t.Fatalf("expected a value, got none for %q", w)
		}
		if !bytes.Equal(got, w) {
			t.Errorf("DequeueTestData() = %q, want %q", got, w)
		}
	}

	if _, ok := s.DequeueTestData(key); ok {
		t.Error("expected the queue to be drained")
	}
}

func TestDequeueUnknownKey(t *testing.T) {
	s := NewSharedState(zerolog.Nop(), nil)
	key := RouteKey{NW1PeerIP: netip.MustParseAddr("10.0.0.4"), NW1SrcPort: 4, NW2SrcPort: 4}
	if _, ok := s.DequeueTestData(key); ok {
		t.Error("dequeuing from a never-enqueued key should report false")
	}
}
