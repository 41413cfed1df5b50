// Package memory is an in-process implementation of transport.Transport.
//
// A Network connects handle-side descriptors to Peers accepted from a
// Listener. Every handle-side primitive is non-blocking and behaves like a
// library transport: Recv reports ErrWouldBlock while nothing is buffered,
// and Send accepts 0 bytes, without an error, while the peer's window is
// full. Peers are the blocking test side of a connection.
package memory

import (
	"net/netip"
	"os"
	"sync"
	"syscall"

	"github.com/fzft/asyncsock/transport"
)

// DefaultSendWindow is the number of unread bytes a handle may have in
// flight towards its peer.
const DefaultSendWindow = 64 * 1024

const firstEphemeralPort = 40000

// Op names a primitive, for fault injection.
type Op string

const (
	OpSocket    Op = "socket"
	OpConnect   Op = "connect"
	OpSend      Op = "send"
	OpRecv      Op = "recv"
	OpClose     Op = "close"
	OpLocalAddr Op = "getsockname"
	OpPeerAddr  Op = "getpeername"
	OpMuxAdd    Op = "epoll_add"
	OpMuxWait   Op = "epoll_wait"
)

type Options struct {
	// SendWindow is the initial window of every new connection.
	SendWindow int
	// AsyncConnect makes Connect report ErrInProgress; the connection is
	// established once a multiplexer reports the descriptor writable.
	AsyncConnect bool
}

// Network is a set of descriptors, listeners and multiplexers sharing one lock.
type Network struct {
	opts Options

	mu        sync.Mutex
	cond      *sync.Cond
	next      transport.Descriptor
	nextPort  uint16
	socks     map[transport.Descriptor]*socket
	listeners map[transport.Endpoint]*Listener
	muxes     map[*mux]struct{}
	faults    map[Op]syscall.Errno
}

var _ transport.Transport = (*Network)(nil)

// socket is the handle side of a connection.
type socket struct {
	fd     transport.Descriptor
	family transport.Family
	local  transport.Endpoint
	remote transport.Endpoint

	connecting bool
	connected  bool
	closed     bool
	peerClosed bool

	in     []byte // peer -> handle
	out    []byte // handle -> peer
	window int
}

func NewNetwork(opts Options) *Network {
	if opts.SendWindow <= 0 {
		opts.SendWindow = DefaultSendWindow
	}
	n := &Network{
		opts:      opts,
		nextPort:  firstEphemeralPort,
		socks:     make(map[transport.Descriptor]*socket),
		listeners: make(map[transport.Endpoint]*Listener),
		muxes:     make(map[*mux]struct{}),
		faults:    make(map[Op]syscall.Errno),
	}
	n.cond = sync.NewCond(&n.mu)
	return n
}

// InjectFault makes the next call of op fail with errno.
func (n *Network) InjectFault(op Op, errno syscall.Errno) {
	n.mu.Lock()
	n.faults[op] = errno
	n.mu.Unlock()
}

// Allocated reports the number of open handle-side descriptors.
func (n *Network) Allocated() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.socks)
}

// takeFault pops an injected fault for op. Caller holds n.mu.
func (n *Network) takeFault(op Op) error {
	errno, ok := n.faults[op]
	if !ok {
		return nil
	}
	delete(n.faults, op)
	return os.NewSyscallError(string(op), errno)
}

// changed wakes blocked peers and waiting multiplexers. Caller holds n.mu.
func (n *Network) changed() {
	n.cond.Broadcast()
	for m := range n.muxes {
		m.poke()
	}
}

func (n *Network) ephemeral() uint16 {
	port := n.nextPort
	n.nextPort++
	if n.nextPort == 0 {
		n.nextPort = firstEphemeralPort
	}
	return port
}

func loopback(family transport.Family) netip.Addr {
	if family == transport.IPv6 {
		return netip.IPv6Loopback()
	}
	return netip.AddrFrom4([4]byte{127, 0, 0, 1})
}

// lookup returns the socket for fd. Caller holds n.mu.
func (n *Network) lookup(op Op, fd transport.Descriptor) (*socket, error) {
	if err := n.takeFault(op); err != nil {
		return nil, err
	}
	s, ok := n.socks[fd]
	if !ok {
		return nil, os.NewSyscallError(string(op), syscall.EBADF)
	}
	return s, nil
}

func (n *Network) Socket(family transport.Family) (transport.Descriptor, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.takeFault(OpSocket); err != nil {
		return transport.InvalidDescriptor, err
	}
	fd := n.next
	n.next++
	n.socks[fd] = &socket{fd: fd, family: family, window: n.opts.SendWindow}
	return fd, nil
}

func (n *Network) Connect(fd transport.Descriptor, ep transport.Endpoint) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	s, err := n.lookup(OpConnect, fd)
	if err != nil {
		return err
	}
	if s.connected || s.connecting {
		return os.NewSyscallError(string(OpConnect), syscall.EISCONN)
	}
	if transport.FamilyOf(ep) == transport.IPv6 && s.family == transport.IPv4 {
		return os.NewSyscallError(string(OpConnect), syscall.EAFNOSUPPORT)
	}

	ln, ok := n.listeners[transport.NormalizeEndpoint(ep)]
	if !ok || ln.closed {
		return os.NewSyscallError(string(OpConnect), syscall.ECONNREFUSED)
	}

	s.local = netip.AddrPortFrom(loopback(s.family), n.ephemeral())
	s.remote = ep
	if s.family == transport.IPv6 {
		// keep the IPv4-mapped form a dual-stack socket would report
		s.remote = netip.AddrPortFrom(netip.AddrFrom16(ep.Addr().As16()), ep.Port())
	}

	peer := &Peer{n: n, s: s}
	select {
	case ln.backlog <- peer:
	default:
		return os.NewSyscallError(string(OpConnect), syscall.ECONNREFUSED)
	}

	if n.opts.AsyncConnect {
		s.connecting = true
		n.changed()
		return transport.ErrInProgress
	}
	s.connected = true
	n.changed()
	return nil
}

func (n *Network) ConnectResult(fd transport.Descriptor) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	s, err := n.lookup(OpConnect, fd)
	if err != nil {
		return err
	}
	if s.connecting {
		s.connecting = false
		s.connected = true
		n.changed()
	}
	if !s.connected {
		return os.NewSyscallError(string(OpConnect), syscall.ENOTCONN)
	}
	return nil
}

func (n *Network) Send(fd transport.Descriptor, p []byte) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	s, err := n.lookup(OpSend, fd)
	if err != nil {
		return 0, err
	}
	if !s.connected {
		return 0, os.NewSyscallError(string(OpSend), syscall.ENOTCONN)
	}
	if s.peerClosed {
		return 0, os.NewSyscallError(string(OpSend), syscall.EPIPE)
	}

	space := s.window - len(s.out)
	if space <= 0 {
		return 0, nil
	}
	if len(p) < space {
		space = len(p)
	}
	s.out = append(s.out, p[:space]...)
	n.changed()
	return space, nil
}

func (n *Network) Recv(fd transport.Descriptor, p []byte) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	s, err := n.lookup(OpRecv, fd)
	if err != nil {
		return 0, err
	}
	if !s.connected {
		return 0, os.NewSyscallError(string(OpRecv), syscall.ENOTCONN)
	}
	if len(s.in) > 0 {
		c := copy(p, s.in)
		s.in = s.in[c:]
		n.changed()
		return c, nil
	}
	if s.peerClosed {
		return 0, nil
	}
	return 0, transport.ErrWouldBlock
}

// Close releases fd even when an injected fault makes it report an error.
func (n *Network) Close(fd transport.Descriptor) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	fault := n.takeFault(OpClose)
	s, ok := n.socks[fd]
	if !ok {
		return os.NewSyscallError(string(OpClose), syscall.EBADF)
	}
	s.closed = true
	delete(n.socks, fd)
	n.changed()
	return fault
}

func (n *Network) LocalAddr(fd transport.Descriptor) (transport.Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	s, err := n.lookup(OpLocalAddr, fd)
	if err != nil {
		return transport.Endpoint{}, err
	}
	if !s.connected {
		return transport.Endpoint{}, os.NewSyscallError(string(OpLocalAddr), syscall.ENOTCONN)
	}
	return transport.NormalizeEndpoint(s.local), nil
}

func (n *Network) PeerAddr(fd transport.Descriptor) (transport.Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	s, err := n.lookup(OpPeerAddr, fd)
	if err != nil {
		return transport.Endpoint{}, err
	}
	if !s.connected {
		return transport.Endpoint{}, os.NewSyscallError(string(OpPeerAddr), syscall.ENOTCONN)
	}
	return transport.NormalizeEndpoint(s.remote), nil
}

func (n *Network) NewMultiplexer() (transport.Multiplexer, error) {
	m := &mux{
		n:        n,
		interest: make(map[transport.Descriptor]transport.Interest),
		notify:   make(chan struct{}, 1),
		wake:     make(chan struct{}, 1),
	}
	n.mu.Lock()
	n.muxes[m] = struct{}{}
	n.mu.Unlock()
	return m, nil
}

// readiness reports which directions of s can make progress. A descriptor
// closed behind the multiplexer's back is ready both ways. Caller holds n.mu.
func readiness(s *socket) transport.Interest {
	if s == nil {
		return transport.Read | transport.Write
	}
	var ready transport.Interest
	if s.connected && (len(s.in) > 0 || s.peerClosed) {
		ready |= transport.Read
	}
	if s.connecting || (s.connected && (s.peerClosed || len(s.out) < s.window)) {
		ready |= transport.Write
	}
	return ready
}
