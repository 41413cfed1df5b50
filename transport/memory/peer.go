package memory

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"os"
	"syscall"

	"github.com/fzft/asyncsock/transport"
)

const listenBacklog = 16

var ErrListenerClosed = errors.New("memory: listener closed")

// Listener hands out the peer side of every connection made to its endpoint.
type Listener struct {
	n       *Network
	ep      transport.Endpoint
	backlog chan *Peer
	closed  bool
}

// Listen binds ep. Port 0 picks an ephemeral port.
func (n *Network) Listen(ep transport.Endpoint) (*Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ep = transport.NormalizeEndpoint(ep)
	if ep.Port() == 0 {
		ep = netip.AddrPortFrom(ep.Addr(), n.ephemeral())
	}
	if _, ok := n.listeners[ep]; ok {
		return nil, os.NewSyscallError("bind", syscall.EADDRINUSE)
	}
	ln := &Listener{
		n:       n,
		ep:      ep,
		backlog: make(chan *Peer, listenBacklog),
	}
	n.listeners[ep] = ln
	return ln, nil
}

func (l *Listener) Endpoint() transport.Endpoint { return l.ep }

// Accept waits for the next connection.
func (l *Listener) Accept(ctx context.Context) (*Peer, error) {
	select {
	case p := <-l.backlog:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops new connections. Already queued peers stay acceptable.
func (l *Listener) Close() error {
	l.n.mu.Lock()
	defer l.n.mu.Unlock()

	if l.closed {
		return ErrListenerClosed
	}
	l.closed = true
	delete(l.n.listeners, l.ep)
	return nil
}

// Peer is the remote end of a handle's connection. Its Read and Write block.
type Peer struct {
	n      *Network
	s      *socket
	closed bool
}

var _ io.ReadWriteCloser = (*Peer)(nil)

// Write queues p for the handle. It never blocks on the handle side.
func (p *Peer) Write(b []byte) (int, error) {
	p.n.mu.Lock()
	defer p.n.mu.Unlock()

	if p.closed {
		return 0, io.ErrClosedPipe
	}
	if p.s.closed {
		return 0, os.NewSyscallError("write", syscall.EPIPE)
	}
	p.s.in = append(p.s.in, b...)
	p.n.changed()
	return len(b), nil
}

// Read blocks until the handle has sent something or closed its descriptor.
func (p *Peer) Read(b []byte) (int, error) {
	p.n.mu.Lock()
	defer p.n.mu.Unlock()

	for len(p.s.out) == 0 && !p.s.closed && !p.closed {
		p.n.cond.Wait()
	}
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	if len(p.s.out) == 0 {
		return 0, io.EOF
	}
	c := copy(b, p.s.out)
	p.s.out = p.s.out[c:]
	p.n.changed()
	return c, nil
}

// Close ends the peer's side. The handle reads end-of-stream once it has
// drained what was already written.
func (p *Peer) Close() error {
	p.n.mu.Lock()
	defer p.n.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.s.peerClosed = true
	p.n.changed()
	return nil
}

// SetWindow changes how many unread bytes the handle may have in flight.
func (p *Peer) SetWindow(n int) {
	p.n.mu.Lock()
	p.s.window = n
	p.n.changed()
	p.n.mu.Unlock()
}

// Buffered reports how many bytes the handle sent that the peer has not read.
func (p *Peer) Buffered() int {
	p.n.mu.Lock()
	defer p.n.mu.Unlock()
	return len(p.s.out)
}

// LocalEndpoint is the listener endpoint the connection was made to.
func (p *Peer) LocalEndpoint() transport.Endpoint {
	return transport.NormalizeEndpoint(p.s.remote)
}

// RemoteEndpoint is the handle's local endpoint.
func (p *Peer) RemoteEndpoint() transport.Endpoint {
	return transport.NormalizeEndpoint(p.s.local)
}
