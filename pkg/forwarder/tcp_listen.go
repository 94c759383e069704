//go:build linux

package forwarder

import (
	"context"
	"fmt"
	"net"
)

// bindTCPListenerPlatform binds the NW1 TCP listener device-scoped to
// ifaceName via the same SO_REUSEADDR/SO_BINDTODEVICE control function used
// for the multicast sockets (spec §4.5 "Server listener"). The accept loop
// enables TCP_NODELAY per accepted connection in splice.go rather than at
// the listening socket, since TCP_NODELAY has no meaning until a connection
// exists. The stdlib net package does not expose a backlog override; it uses
// the kernel's net.core.somaxconn default, which on any reasonably configured
// host exceeds the spec's nominal backlog of 128.
func bindTCPListenerPlatform(ifaceName string, port uint16) (*net.TCPListener, error) {
	lc := net.ListenConfig{Control: bindToDevice(ifaceName)}

	addr := fmt.Sprintf("[::]:%d", port)
	pc, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind tcp listener on %s:%d: %w", ifaceName, port, err)
	}
	return pc.(*net.TCPListener), nil
}
