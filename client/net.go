package client

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

type BindFunc func() (net.PacketConn, error)

func BindUDPAnyPort() BindFunc {
	return func() (net.PacketConn, error) { return net.ListenPacket("udp", ":0") }
}

func BindUDP(addr string) BindFunc {
	return func() (net.PacketConn, error) { return net.ListenPacket("udp", addr) }
}

func BindUDPv4(addr string) BindFunc {
	return func() (net.PacketConn, error) { return net.ListenPacket("udp4", addr) }
}

func BindUDPv6(addr string) BindFunc {
	return func() (net.PacketConn, error) { return net.ListenPacket("udp6", addr) }
}

func HostAddr(host net.IP, port uint16) string {
	h := ""
	if len(host) > 0 {
		h = host.String()
	}
	p := strconv.FormatUint(uint64(port), 10)
	return net.JoinHostPort(h, p)
}

// resolveUDPAddr resolves addr, preferring an IPv4 address. An empty host
// means the local machine.
func resolveUDPAddr(ctx context.Context, addr string) (*net.UDPAddr, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	p, err := net.DefaultResolver.LookupPort(ctx, "udp", port)
	if err != nil {
		return nil, err
	}
	if host == "" {
		return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: p}, nil
	}

	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses found for %q", host)
	}

	ip := ips[0]
	for _, candidate := range ips {
		if candidate.Unmap().Is4() {
			ip = candidate
			break
		}
	}
	return net.UDPAddrFromAddrPort(netip.AddrPortFrom(ip.Unmap(), uint16(p))), nil
}

func sameUDPAddr(a net.Addr, b *net.UDPAddr) bool {
	ua, ok := a.(*net.UDPAddr)
	if !ok {
		return false
	}
	return ua.Port == b.Port && ua.IP.Equal(b.IP)
}
