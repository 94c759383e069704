package forwarder

import (
	"fmt"
	"net"
	"net/netip"
)

// ResolveInterfaceAddr looks up ifaceName and returns the address family
// requested by wantIPv6: its IPv4 address unless wantIPv6 is set, in which
// case its IPv6 address. Mixed stacks are not supported on a single side
// (spec §4.2). This supplements the distilled spec with the interface
// resolution step original_source/src/cli.rs performs via pnet::datalink
// before any socket is opened.
func ResolveInterfaceAddr(ifaceName string, wantIPv6 bool) (netip.Addr, *net.Interface, error) {
	ifi, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return netip.Addr{}, nil, fmt.Errorf("unknown interface %q: %w", ifaceName, err)
	}

	addrs, err := ifi.Addrs()
	if err != nil {
		return netip.Addr{}, nil, fmt.Errorf("list addresses for %q: %w", ifaceName, err)
	}

	var v4, v6 netip.Addr
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip == nil {
			continue
		}
		if addr, ok := netip.AddrFromSlice(ip.To16()); ok {
			addr = addr.Unmap()
			if ip4 := ip.To4(); ip4 != nil {
				if a4, ok := netip.AddrFromSlice(ip4); ok {
					v4 = a4
				}
			} else if !addr.IsLinkLocalUnicast() || !v6.IsValid() {
				v6 = addr
			}
		}
	}

	if wantIPv6 {
		if !v6.IsValid() {
			return netip.Addr{}, nil, fmt.Errorf("no IPv6 address associated with interface %q", ifaceName)
		}
		return v6, ifi, nil
	}
	if !v4.IsValid() {
		return netip.Addr{}, nil, fmt.Errorf("no IPv4 address associated with interface %q", ifaceName)
	}
	return v4, ifi, nil
}

// mcastGroupAddr returns the "group:port" string to send beacons to for the
// given address family.
func mcastGroupAddr(wantIPv6 bool) string {
	if wantIPv6 {
		return fmt.Sprintf("[%s]:%d", PineconeMcastAddrV6, PineconeMcastPort)
	}
	return fmt.Sprintf("%s:%d", PineconeMcastAddrV4, PineconeMcastPort)
}
