//go:build linux
// +build linux

package unixsock

import (
	"fmt"
	"os"

	"github.com/fzft/asyncsock/transport"
	"golang.org/x/sys/unix"
)

// sockaddrOf converts ep for a socket of the given domain. IPv4 endpoints are
// mapped when the socket is IPv6.
func sockaddrOf(ep transport.Endpoint, domain int) (unix.Sockaddr, error) {
	if !ep.IsValid() {
		return nil, fmt.Errorf("unixsock: invalid endpoint %v", ep)
	}
	addr := ep.Addr().Unmap()
	switch domain {
	case unix.AF_INET:
		if !addr.Is4() {
			return nil, os.NewSyscallError("connect", unix.EAFNOSUPPORT)
		}
		return &unix.SockaddrInet4{Port: int(ep.Port()), Addr: addr.As4()}, nil
	case unix.AF_INET6:
		return &unix.SockaddrInet6{Port: int(ep.Port()), Addr: addr.As16()}, nil
	default:
		return nil, os.NewSyscallError("connect", unix.EAFNOSUPPORT)
	}
}

// endpointOf converts a kernel socket address. x/sys/unix already hands out
// ports in host order and addresses in network order.
func endpointOf(sa unix.Sockaddr) (transport.Endpoint, error) {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return transport.EndpointFromRaw(sa.Addr[:], uint16(sa.Port))
	case *unix.SockaddrInet6:
		return transport.EndpointFromRaw(sa.Addr[:], uint16(sa.Port))
	default:
		return transport.Endpoint{}, fmt.Errorf("unixsock: unsupported socket address %T", sa)
	}
}
