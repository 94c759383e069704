//go:build linux

package forwarder

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

// bindToDevice returns a net.ListenConfig.Control function that sets
// SO_REUSEADDR and binds the socket to ifaceName at the device level (layer-2
// scoping), replacing the source's socket2::bind_device call.
func bindToDevice(ifaceName string) func(string, string, syscall.RawConn) error {
	return func(_, _ string, c syscall.RawConn) error {
		var sockErr error
		if err := c.Control(func(fd uintptr) {
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
				sockErr = fmt.Errorf("set SO_REUSEADDR: %w", err)
				return
			}
			if err := unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, ifaceName); err != nil {
				sockErr = fmt.Errorf("set SO_BINDTODEVICE %q: %w", ifaceName, err)
				return
			}
		}); err != nil {
			return err
		}
		return sockErr
	}
}

// OpenMulticastSocket constructs a UDP socket bound to ifaceName, joined to
// the Pinecone multicast group for the chosen address family, with multicast
// loopback disabled (spec §4.2, component C2). Failures are fatal during
// construction; there is no retry.
func OpenMulticastSocket(ctx context.Context, ifaceName string, wantIPv6 bool) (*net.UDPConn, error) {
	_, ifi, err := ResolveInterfaceAddr(ifaceName, wantIPv6)
	if err != nil {
		return nil, err
	}

	lc := net.ListenConfig{Control: bindToDevice(ifaceName)}

	if wantIPv6 {
		mcast := net.ParseIP(PineconeMcastAddrV6)
		laddr := fmt.Sprintf("[::]:%d", PineconeMcastPort)

		pc, err := lc.ListenPacket(ctx, "udp6", laddr)
		if err != nil {
			return nil, fmt.Errorf("bind ipv6 multicast socket on %s: %w", ifaceName, err)
		}
		conn := pc.(*net.UDPConn)

		p := ipv6.NewPacketConn(conn)
		if err := p.JoinGroup(ifi, &net.UDPAddr{IP: mcast}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("join ipv6 multicast group on %s: %w", ifaceName, err)
		}
		if err := p.SetMulticastLoopback(false); err != nil {
			conn.Close()
			return nil, fmt.Errorf("disable ipv6 multicast loopback on %s: %w", ifaceName, err)
		}
		if err := p.SetMulticastInterface(ifi); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set ipv6 multicast interface %s: %w", ifaceName, err)
		}
		return conn, nil
	}

	mcast := net.ParseIP(PineconeMcastAddrV4)
	laddr := fmt.Sprintf("0.0.0.0:%d", PineconeMcastPort)

	pc, err := lc.ListenPacket(ctx, "udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("bind ipv4 multicast socket on %s: %w", ifaceName, err)
	}
	conn := pc.(*net.UDPConn)

	p := ipv4.NewPacketConn(conn)
	if err := p.JoinGroup(ifi, &net.UDPAddr{IP: mcast}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("join ipv4 multicast group on %s: %w", ifaceName, err)
	}
	if err := p.SetMulticastLoopback(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("disable ipv4 multicast loopback on %s: %w", ifaceName, err)
	}
	if err := p.SetMulticastInterface(ifi); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set ipv4 multicast interface %s: %w", ifaceName, err)
	}
	return conn, nil
}
