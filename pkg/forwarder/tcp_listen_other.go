//go:build !linux

package forwarder

import (
	"fmt"
	"net"
)

// bindTCPListenerPlatform is only implemented for Linux; see mcast_other.go.
func bindTCPListenerPlatform(ifaceName string, port uint16) (*net.TCPListener, error) {
	return nil, fmt.Errorf("device-bound tcp listener is only supported on linux")
}
