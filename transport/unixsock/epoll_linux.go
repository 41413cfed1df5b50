//go:build linux
// +build linux

package unixsock

import (
	"os"
	"sync"
	"time"
	"unsafe"

	"github.com/fzft/asyncsock/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// https://copyconstruct.medium.com/the-method-to-epolls-madness-d9d2d6378642

const (
	readEvents  = unix.EPOLLIN | unix.EPOLLPRI | unix.EPOLLRDHUP
	writeEvents = unix.EPOLLOUT
	errEvents   = unix.EPOLLERR | unix.EPOLLHUP
)

// epoll is a level-triggered epoll instance plus an eventfd used to wake a
// blocked wait. It keeps track of the interest mask of every descriptor so
// it can choose between EPOLL_CTL_ADD and EPOLL_CTL_MOD and drop directions
// once they have been reported.
type epoll struct {
	epfd   int
	efd    int
	logger *zap.Logger

	mu       sync.Mutex
	interest map[int]uint32

	// owned by the waiting goroutine
	events   []unix.EpollEvent
	readable []transport.Descriptor
	writable []transport.Descriptor
}

var _ transport.Multiplexer = (*epoll)(nil)

func newEpoll(maxEvents int, logger *zap.Logger) (*epoll, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		logger.Error("Failed to create epoll", zap.Error(err))
		return nil, os.NewSyscallError("epoll_create1", err)
	}

	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		logger.Error("Failed to create eventfd", zap.Error(err))
		_ = closeFd(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}

	e := &epoll{
		epfd:     epfd,
		efd:      efd,
		logger:   logger,
		interest: make(map[int]uint32),
		events:   make([]unix.EpollEvent, maxEvents),
	}

	if err := e.ctl(unix.EPOLL_CTL_ADD, efd, unix.EPOLLIN); err != nil {
		logger.Error("Failed to add eventfd to epoll", zap.Error(err))
		return nil, multierr.Append(err, e.Close())
	}
	return e, nil
}

func (e *epoll) Add(fd transport.Descriptor, in transport.Interest) error {
	var mask uint32
	if in&transport.Read != 0 {
		mask |= readEvents
	}
	if in&transport.Write != 0 {
		mask |= writeEvents
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur, ok := e.interest[int(fd)]
	want := cur | mask
	if ok && want == cur {
		return nil
	}

	var err error
	if ok {
		err = e.ctl(unix.EPOLL_CTL_MOD, int(fd), want)
	} else {
		err = e.ctl(unix.EPOLL_CTL_ADD, int(fd), want)
	}
	if err != nil {
		return err
	}

	e.interest[int(fd)] = want
	return nil
}

func (e *epoll) Remove(fd transport.Descriptor) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remove(int(fd))
}

// remove deletes fd from the epoll set. A descriptor the kernel already
// forgot about (closed elsewhere) is not an error. Caller holds e.mu.
func (e *epoll) remove(fd int) error {
	if _, ok := e.interest[fd]; !ok {
		return nil
	}
	delete(e.interest, fd)

	err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT || err == unix.EBADF {
		return nil
	}
	if err != nil {
		return os.NewSyscallError("epoll_ctl del", err)
	}
	return nil
}

func (e *epoll) Wait(timeout time.Duration) ([]transport.Descriptor, []transport.Descriptor, error) {
	e.readable = e.readable[:0]
	e.writable = e.writable[:0]

	// n == 0 means the wait timed out, EINTR means a signal arrived first.
	// Both just hand control back to the caller.
	n, err := unix.EpollWait(e.epfd, e.events, timeoutMsec(int64(timeout)))
	if err == unix.EINTR {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, os.NewSyscallError("epoll_wait", err)
	}
	if n == 0 {
		return nil, nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := 0; i < n; i++ {
		ev := &e.events[i]
		fd := int(ev.Fd)

		if fd == e.efd {
			e.drainWake()
			continue
		}

		cur, ok := e.interest[fd]
		if !ok {
			continue
		}

		fired := cur & ev.Events
		if ev.Events&errEvents != 0 {
			fired = cur
		}
		if fired&readEvents != 0 {
			fired |= cur & readEvents
			e.readable = append(e.readable, transport.Descriptor(fd))
		}
		if fired&writeEvents != 0 {
			e.writable = append(e.writable, transport.Descriptor(fd))
		}

		if err := e.rearm(fd, cur&^fired); err != nil {
			e.logger.Warn("Failed to drop reported interest", zap.Int("fd", fd), zap.Error(err))
		}
	}
	return e.readable, e.writable, nil
}

// rearm narrows fd's interest to mask, deleting it when nothing is left.
// Caller holds e.mu.
func (e *epoll) rearm(fd int, mask uint32) error {
	if mask == 0 {
		return e.remove(fd)
	}
	if err := e.ctl(unix.EPOLL_CTL_MOD, fd, mask); err != nil {
		return err
	}
	e.interest[fd] = mask
	return nil
}

// Wake makes a blocked Wait return.
func (e *epoll) Wake() error {
	var one uint64 = 1
	_, err := unix.Write(e.efd, (*(*[8]byte)(unsafe.Pointer(&one)))[:])
	if err == unix.EAGAIN {
		// counter saturated, a wakeup is already pending
		return nil
	}
	if err != nil {
		e.logger.Error("Failed to write to event fd", zap.Error(err))
		return os.NewSyscallError("write eventfd", err)
	}
	return nil
}

func (e *epoll) drainWake() {
	var buf uint64
	if _, err := unix.Read(e.efd, (*(*[8]byte)(unsafe.Pointer(&buf)))[:]); err != nil && err != unix.EAGAIN {
		e.logger.Error("Failed to read from event fd", zap.Error(err))
	}
}

// Close order: eventfd, epoll. Registered sockets are owned by their
// handles and are not closed here.
func (e *epoll) Close() error {
	var errs error
	if err := closeFd(e.efd); err != nil {
		errs = multierr.Append(errs, os.NewSyscallError("close eventfd", err))
	}
	e.efd = -1
	if err := closeFd(e.epfd); err != nil {
		errs = multierr.Append(errs, os.NewSyscallError("close epoll", err))
	}
	e.epfd = -1
	return errs
}

func (e *epoll) ctl(op int, fd int, events uint32) error {
	name := "epoll_ctl add"
	if op == unix.EPOLL_CTL_MOD {
		name = "epoll_ctl mod"
	}
	return os.NewSyscallError(name,
		unix.EpollCtl(e.epfd, op, fd, &unix.EpollEvent{Fd: int32(fd), Events: events}))
}
