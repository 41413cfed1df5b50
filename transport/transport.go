// Package transport defines the primitive operations a reliable,
// connection-oriented transport exposes to the rest of asyncsock, and the
// readiness multiplexer the poll service drives.
//
// Implementations live in subpackages: unixsock talks to the kernel through
// non-blocking TCP sockets and epoll, memory is an in-process network used by
// tests and demos.
package transport

import "time"

// Descriptor identifies one transport-level connection.
type Descriptor int

// InvalidDescriptor is held by a handle before open and after close.
const InvalidDescriptor Descriptor = -1

// Valid reports whether d refers to an allocated descriptor.
func (d Descriptor) Valid() bool { return d >= 0 }

// Family selects the address family of a new descriptor.
type Family uint8

const (
	IPv4 Family = iota
	IPv6
)

func (f Family) String() string {
	switch f {
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	default:
		return "unknown"
	}
}

// Interest is a readiness direction.
type Interest uint8

const (
	Read Interest = 1 << iota
	Write
)

func (i Interest) String() string {
	switch i {
	case Read:
		return "read"
	case Write:
		return "write"
	case Read | Write:
		return "read|write"
	default:
		return "none"
	}
}

// Transport is the set of primitives a connection handle is built from.
//
// Every call is non-blocking. Recv and Send return ErrWouldBlock when no
// progress can be made; Send may also accept 0 bytes without an error. A
// (0, nil) Recv is end-of-stream. Connect may return ErrInProgress, in which
// case ConnectResult reports the outcome once the descriptor is writable.
//
// The error returned by a primitive belongs to that call only. Callers must
// translate it before issuing another primitive or suspending.
type Transport interface {
	Socket(family Family) (Descriptor, error)
	Connect(fd Descriptor, ep Endpoint) error
	ConnectResult(fd Descriptor) error
	Send(fd Descriptor, p []byte) (int, error)
	Recv(fd Descriptor, p []byte) (int, error)
	Close(fd Descriptor) error
	LocalAddr(fd Descriptor) (Endpoint, error)
	PeerAddr(fd Descriptor) (Endpoint, error)
	NewMultiplexer() (Multiplexer, error)
}

// Multiplexer waits for readiness on a set of descriptors.
//
// Interest is one-shot per direction: once Wait reports a descriptor in the
// readable (writable) set, read (write) interest for it is dropped and must
// be added again. Error and hang-up conditions are reported for every
// direction the descriptor had interest in.
// A Wait that times out, is interrupted, or is woken returns empty sets and
// a nil error.
type Multiplexer interface {
	Add(fd Descriptor, in Interest) error
	Remove(fd Descriptor) error
	// Wait blocks for at most timeout. The returned slices are only valid
	// until the next call.
	Wait(timeout time.Duration) (readable, writable []Descriptor, err error)
	Wake() error
	Close() error
}
