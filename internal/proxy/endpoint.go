// Package proxy implements the session lifecycle and routing fabric of the
// UDP reverse proxy: the per-source session cache, the ingress dispatcher,
// the paired per-session transmit/receive loops, and the reply aggregator.
package proxy

import (
	"net"
	"net/netip"
)

// SourceEndpoint identifies one originating peer by address and port. It is
// used as the session cache key and as the destination address when
// writing replies back to the ingress socket.
type SourceEndpoint struct {
	Addr netip.Addr
	Port uint16
}

// SourceEndpointFromUDPAddr converts a net.UDPAddr, as returned by
// net.PacketConn.ReadFrom, into a SourceEndpoint.
func SourceEndpointFromUDPAddr(addr *net.UDPAddr) SourceEndpoint {
	ip, _ := netip.AddrFromSlice(addr.IP)
	return SourceEndpoint{
		Addr: ip.Unmap(),
		Port: uint16(addr.Port),
	}
}

// UDPAddr returns the net.UDPAddr form of the endpoint, suitable for use as
// the destination of a WriteTo call on the ingress socket.
func (s SourceEndpoint) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: s.Addr.AsSlice(), Port: int(s.Port)}
}

func (s SourceEndpoint) String() string {
	return netip.AddrPortFrom(s.Addr, s.Port).String()
}
