//go:build !linux

package forwarder

import (
	"context"
	"fmt"
	"net"
)

// OpenMulticastSocket is only implemented for Linux: SO_BINDTODEVICE, used to
// scope the multicast socket to a single interface (spec §4.2), has no
// portable equivalent. This mirrors the source's own "winapi functions
// should be added for windows support" TODO in fwd_udp.rs.
func OpenMulticastSocket(ctx context.Context, ifaceName string, wantIPv6 bool) (*net.UDPConn, error) {
	return nil, fmt.Errorf("multicast socket binding is only supported on linux")
}
