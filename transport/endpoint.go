package transport

import (
	"fmt"
	"net/netip"
)

// Endpoint is an IP address and port.
type Endpoint = netip.AddrPort

// NormalizeEndpoint returns ep in the single form handed out to callers:
// IPv4-mapped IPv6 addresses become plain IPv4 and zones are dropped.
func NormalizeEndpoint(ep Endpoint) Endpoint {
	return netip.AddrPortFrom(ep.Addr().Unmap().WithZone(""), ep.Port())
}

// EndpointFromRaw builds a normalized endpoint from an address in network
// byte order (4 or 16 bytes) and a port in host byte order.
func EndpointFromRaw(addr []byte, port uint16) (Endpoint, error) {
	ip, ok := netip.AddrFromSlice(addr)
	if !ok {
		return Endpoint{}, fmt.Errorf("transport: invalid address length %d", len(addr))
	}
	return NormalizeEndpoint(netip.AddrPortFrom(ip, port)), nil
}

// FamilyOf reports the family a descriptor needs to reach ep.
func FamilyOf(ep Endpoint) Family {
	if ep.Addr().Unmap().Is4() {
		return IPv4
	}
	return IPv6
}
