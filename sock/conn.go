// Package sock provides Conn, a connection handle whose connect, read and
// write calls look blocking to the caller but park the goroutine on the poll
// service, instead of an OS thread, whenever the transport would block.
//
// A Conn supports one reader and one writer at a time. Closing a Conn
// releases a goroutine parked in Connect, ReadSome or WriteSome with
// ErrClosed; closing it while a transport call is in flight is not supported.
package sock

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"syscall"

	"github.com/fzft/asyncsock/log"
	"github.com/fzft/asyncsock/poll"
	"github.com/fzft/asyncsock/transport"
	"go.uber.org/zap"
)

var (
	ErrNotOpen      = errors.New("sock: handle not open")
	ErrAlreadyOpen  = errors.New("sock: handle already open")
	ErrNotConnected = errors.New("sock: handle not connected")
	ErrClosed       = errors.New("sock: handle closed while waiting")
)

type State uint8

const (
	Unopened State = iota
	Idle
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Unopened:
		return "unopened"
	case Idle:
		return "idle"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

type Option func(*Conn)

// WithFamily selects the address family Open allocates. Defaults to IPv4.
func WithFamily(f transport.Family) Option {
	return func(c *Conn) { c.family = f }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.logger = l
		}
	}
}

// Conn is a connection handle. Its lifecycle is
// Unopened -> Idle (Open) -> Connected (Connect) -> Closed (Close).
type Conn struct {
	svc    *poll.Service
	tr     transport.Transport
	family transport.Family
	logger *zap.Logger

	mu    sync.Mutex
	fd    transport.Descriptor
	state State
	eof   bool
	gen   uint64 // bumped by Close
}

var (
	_ io.Reader = (*Conn)(nil)
	_ io.Writer = (*Conn)(nil)
	_ io.Closer = (*Conn)(nil)
)

// New returns an unopened handle. svc must stay running for as long as the
// handle is used.
func New(svc *poll.Service, tr transport.Transport, opts ...Option) *Conn {
	c := &Conn{
		svc:    svc,
		tr:     tr,
		family: transport.IPv4,
		logger: log.Logger,
		fd:     transport.InvalidDescriptor,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open allocates a fresh descriptor. A closed handle may be reopened, which
// also clears the end-of-stream flag.
func (c *Conn) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fd.Valid() {
		return ErrAlreadyOpen
	}
	fd, err := c.tr.Socket(c.family)
	if err != nil {
		return transport.Translate("socket", transport.InvalidDescriptor, err)
	}
	c.fd = fd
	c.state = Idle
	c.eof = false
	return nil
}

// Connect establishes the connection to ep. A connect the transport finishes
// asynchronously parks the caller until the descriptor becomes writable.
// Failures are not retried.
func (c *Conn) Connect(ep transport.Endpoint) error {
	fd, err := c.expect(Idle)
	if err != nil {
		return err
	}

	err = c.tr.Connect(fd, ep)
	for errors.Is(err, transport.ErrInProgress) {
		if err = c.await(fd, transport.Write); err != nil {
			return err
		}
		err = c.tr.ConnectResult(fd)
	}
	if err != nil {
		f := transport.Translate("connect", fd, err).WithEndpoint(ep)
		c.logger.Debug("connect failed", f.Fields()...)
		return f
	}

	c.mu.Lock()
	c.state = Connected
	c.mu.Unlock()
	c.logger.Debug("connected", zap.Int("fd", int(fd)), zap.Stringer("endpoint", ep))
	return nil
}

// ReadSome reads up to len(p) bytes, parking until at least one byte or
// end-of-stream is available. A return of (0, nil) with len(p) > 0 means the
// peer closed its side; EOF reports it from then on.
func (c *Conn) ReadSome(p []byte) (int, error) {
	fd, err := c.expect(Connected)
	if err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	for {
		n, err := c.tr.Recv(fd, p)
		if errors.Is(err, transport.ErrWouldBlock) {
			if err := c.await(fd, transport.Read); err != nil {
				return 0, err
			}
			continue
		}
		if err != nil {
			return 0, transport.Translate("recv", fd, err).WithLen(len(p))
		}
		if n == 0 {
			c.mu.Lock()
			c.eof = true
			c.mu.Unlock()
		}
		return n, nil
	}
}

// WriteSome writes up to len(p) bytes and returns how many the transport
// accepted. It parks while the transport accepts nothing.
func (c *Conn) WriteSome(p []byte) (int, error) {
	fd, err := c.expect(Connected)
	if err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	for {
		n, err := c.tr.Send(fd, p)
		if err != nil && !errors.Is(err, transport.ErrWouldBlock) {
			return 0, transport.Translate("send", fd, err).WithLen(len(p))
		}
		if n > 0 {
			return n, nil
		}
		if err := c.await(fd, transport.Write); err != nil {
			return 0, err
		}
	}
}

// Read implements io.Reader on top of ReadSome.
func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.ReadSome(p)
	if err == nil && n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, err
}

// Write implements io.Writer by calling WriteSome until p is consumed.
func (c *Conn) Write(p []byte) (int, error) {
	var written int
	for written < len(p) {
		n, err := c.WriteSome(p[written:])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// Flush does nothing; the transport sends eagerly.
func (c *Conn) Flush() {}

// Close releases the descriptor. The descriptor counts as released even when
// the transport reports an error, which is returned. Closing a closed or
// never opened handle returns nil.
func (c *Conn) Close() error {
	c.mu.Lock()
	fd := c.fd
	if !fd.Valid() {
		c.mu.Unlock()
		return nil
	}
	c.fd = transport.InvalidDescriptor
	c.state = Closed
	c.gen++
	c.mu.Unlock()

	// parked operations wake, see the new generation and leave fd alone
	if err := c.svc.Release(fd); err != nil {
		c.logger.Warn("Failed to unregister descriptor", zap.Int("fd", int(fd)), zap.Error(err))
	}
	if err := c.tr.Close(fd); err != nil {
		f := transport.Translate("close", fd, err)
		c.logger.Debug("close failed", f.Fields()...)
		return f
	}
	return nil
}

func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fd.Valid()
}

// EOF reports whether a read has observed end-of-stream since the last Open.
func (c *Conn) EOF() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eof
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) Descriptor() transport.Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fd
}

// LocalEndpoint returns the normalized local address of a connected handle.
func (c *Conn) LocalEndpoint() (transport.Endpoint, error) {
	fd, err := c.expect(Connected)
	if err != nil {
		return transport.Endpoint{}, c.notConnected("getsockname", err)
	}
	ep, err := c.tr.LocalAddr(fd)
	if err != nil {
		return transport.Endpoint{}, transport.Translate("getsockname", fd, err)
	}
	return transport.NormalizeEndpoint(ep), nil
}

// RemoteEndpoint returns the normalized peer address of a connected handle.
func (c *Conn) RemoteEndpoint() (transport.Endpoint, error) {
	fd, err := c.expect(Connected)
	if err != nil {
		return transport.Endpoint{}, c.notConnected("getpeername", err)
	}
	ep, err := c.tr.PeerAddr(fd)
	if err != nil {
		return transport.Endpoint{}, transport.Translate("getpeername", fd, err)
	}
	return transport.NormalizeEndpoint(ep), nil
}

// expect returns the descriptor if the handle is in state want.
func (c *Conn) expect(want State) (transport.Descriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.state == want:
		return c.fd, nil
	case !c.fd.Valid():
		return transport.InvalidDescriptor, ErrNotOpen
	case want == Connected:
		return transport.InvalidDescriptor, ErrNotConnected
	default:
		return transport.InvalidDescriptor, fmt.Errorf("sock: handle is %s, want %s", c.state, want)
	}
}

// notConnected reports a state error of an endpoint query the way the
// transport would, keeping the sentinel in the chain.
func (c *Conn) notConnected(op string, err error) *transport.Failure {
	return &transport.Failure{
		Op:         op,
		Code:       syscall.ENOTCONN,
		Message:    err.Error(),
		Descriptor: c.Descriptor(),
		Err:        err,
	}
}

// await registers a fresh signal for fd in direction in and parks until the
// poll service fires it. It returns ErrClosed if the handle was closed in
// the meantime.
func (c *Conn) await(fd transport.Descriptor, in transport.Interest) error {
	c.mu.Lock()
	gen := c.gen
	closed := c.fd != fd
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	sig := poll.NewSignal()

	var err error
	if in == transport.Read {
		err = c.svc.RegisterRead(fd, sig)
	} else {
		err = c.svc.RegisterWrite(fd, sig)
	}
	if err != nil {
		return err
	}
	// a Close racing the registration may have released fd already
	if c.stale(gen) {
		_ = c.svc.Unregister(fd)
		return ErrClosed
	}

	sig.Wait()
	if c.stale(gen) {
		return ErrClosed
	}
	return nil
}

func (c *Conn) stale(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen != gen
}
