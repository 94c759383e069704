package forwarder

import "encoding/binary"

const (
	// BeaconPayloadSize is the fixed length of a Pinecone beacon datagram.
	BeaconPayloadSize = 34

	// beaconRecvScratchSize is the scratch buffer size used when receiving
	// beacons; oversized datagrams are truncated by the kernel, not us.
	beaconRecvScratchSize = 96

	// PineconeMcastPort is the fixed UDP port beacons are sent and received on.
	PineconeMcastPort = 60606
)

// PineconeMcastAddrV4 and PineconeMcastAddrV6 are the Pinecone beacon
// multicast groups.
const (
	PineconeMcastAddrV4 = "224.0.0.114"
	PineconeMcastAddrV6 = "ff02::114"
)

// BeaconPayload is a 34-byte Pinecone beacon datagram. The zero value is the
// "absent" payload.
type BeaconPayload [BeaconPayloadSize]byte

// IsZero reports whether p is the all-zero "absent" payload.
func (p BeaconPayload) IsZero() bool {
	return p == BeaconPayload{}
}

// Port returns the TCP rendezvous port encoded in the last two bytes of the
// payload: payload[32] is the low-order byte, payload[33] the high-order byte
// (standard little-endian reading of payload[32:34]).
func (p BeaconPayload) Port() uint16 {
	return binary.LittleEndian.Uint16(p[32:34])
}

// decodeBeaconPayload validates and copies b into a BeaconPayload. It returns
// false without mutating anything if len(b) != BeaconPayloadSize (spec
// invariant I3).
func decodeBeaconPayload(b []byte) (BeaconPayload, bool) {
	var p BeaconPayload
	if len(b) != BeaconPayloadSize {
		return p, false
	}
	copy(p[:], b)
	return p, true
}
