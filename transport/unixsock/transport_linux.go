//go:build linux
// +build linux

package unixsock

import (
	"os"

	"github.com/fzft/asyncsock/log"
	"github.com/fzft/asyncsock/transport"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Transport talks to the kernel directly. Descriptors are socket fds.
type Transport struct {
	maxEvents int
	logger    *zap.Logger
}

var _ transport.Transport = (*Transport)(nil)

func New(opts ...Option) (*Transport, error) {
	t := &Transport{
		maxEvents: DefaultMaxEvents,
		logger:    log.Logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *Transport) Socket(family transport.Family) (transport.Descriptor, error) {
	domain := unix.AF_INET
	if family == transport.IPv6 {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return transport.InvalidDescriptor, os.NewSyscallError("socket", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		_ = unix.Close(fd)
		return transport.InvalidDescriptor, os.NewSyscallError("setsockopt", err)
	}
	t.logger.Debug("socket opened", zap.Int("fd", fd), zap.Stringer("family", family))
	return transport.Descriptor(fd), nil
}

func (t *Transport) Connect(fd transport.Descriptor, ep transport.Endpoint) error {
	domain, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_DOMAIN)
	if err != nil {
		return os.NewSyscallError("getsockopt", err)
	}
	sa, err := sockaddrOf(ep, domain)
	if err != nil {
		return err
	}
	switch err := unix.Connect(int(fd), sa); err {
	case nil:
		return nil
	case unix.EINPROGRESS, unix.EALREADY, unix.EINTR:
		return transport.ErrInProgress
	default:
		return os.NewSyscallError("connect", err)
	}
}

func (t *Transport) ConnectResult(fd transport.Descriptor) error {
	v, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return os.NewSyscallError("getsockopt", err)
	}
	switch errno := unix.Errno(v); errno {
	case 0, unix.EISCONN:
		// SO_ERROR is also 0 while the handshake is still running, which a
		// stale writable report can expose.
		if _, err := unix.Getpeername(int(fd)); err == unix.ENOTCONN {
			return transport.ErrInProgress
		}
		return nil
	case unix.EINPROGRESS, unix.EALREADY, unix.EINTR:
		return transport.ErrInProgress
	default:
		return os.NewSyscallError("connect", errno)
	}
}

func (t *Transport) Send(fd transport.Descriptor, p []byte) (int, error) {
	for {
		n, err := unix.SendmsgN(int(fd), p, nil, nil, unix.MSG_NOSIGNAL)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, transport.ErrWouldBlock
		default:
			return 0, os.NewSyscallError("send", err)
		}
	}
}

func (t *Transport) Recv(fd transport.Descriptor, p []byte) (int, error) {
	for {
		n, err := unix.Read(int(fd), p)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, transport.ErrWouldBlock
		default:
			return 0, os.NewSyscallError("recv", err)
		}
	}
}

func (t *Transport) Close(fd transport.Descriptor) error {
	if err := unix.Close(int(fd)); err != nil {
		return os.NewSyscallError("close", err)
	}
	t.logger.Debug("socket closed", zap.Int("fd", int(fd)))
	return nil
}

func (t *Transport) LocalAddr(fd transport.Descriptor) (transport.Endpoint, error) {
	sa, err := unix.Getsockname(int(fd))
	if err != nil {
		return transport.Endpoint{}, os.NewSyscallError("getsockname", err)
	}
	return endpointOf(sa)
}

func (t *Transport) PeerAddr(fd transport.Descriptor) (transport.Endpoint, error) {
	sa, err := unix.Getpeername(int(fd))
	if err != nil {
		return transport.Endpoint{}, os.NewSyscallError("getpeername", err)
	}
	return endpointOf(sa)
}

func (t *Transport) NewMultiplexer() (transport.Multiplexer, error) {
	return newEpoll(t.maxEvents, t.logger)
}
