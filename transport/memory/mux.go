package memory

import (
	"os"
	"syscall"
	"time"

	"github.com/fzft/asyncsock/transport"
)

// mux follows the one-shot interest contract of transport.Multiplexer.
type mux struct {
	n *Network

	// guarded by n.mu
	interest map[transport.Descriptor]transport.Interest
	closed   bool

	notify chan struct{}
	wake   chan struct{}

	// owned by the waiting goroutine
	readable []transport.Descriptor
	writable []transport.Descriptor
}

var _ transport.Multiplexer = (*mux)(nil)

func (m *mux) poke() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mux) Add(fd transport.Descriptor, in transport.Interest) error {
	m.n.mu.Lock()
	defer m.n.mu.Unlock()

	if err := m.n.takeFault(OpMuxAdd); err != nil {
		return err
	}
	if m.closed {
		return os.NewSyscallError(string(OpMuxAdd), syscall.EBADF)
	}
	if _, ok := m.n.socks[fd]; !ok {
		return os.NewSyscallError(string(OpMuxAdd), syscall.EBADF)
	}
	m.interest[fd] |= in
	m.poke()
	return nil
}

func (m *mux) Remove(fd transport.Descriptor) error {
	m.n.mu.Lock()
	delete(m.interest, fd)
	m.n.mu.Unlock()
	return nil
}

func (m *mux) Wait(timeout time.Duration) ([]transport.Descriptor, []transport.Descriptor, error) {
	var expired <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		ready, err := m.collect()
		if err != nil || ready {
			return m.readable, m.writable, err
		}
		select {
		case <-m.notify:
		case <-m.wake:
			return nil, nil, nil
		case <-expired:
			return nil, nil, nil
		}
	}
}

// collect gathers ready descriptors and drops the reported interest.
func (m *mux) collect() (bool, error) {
	m.n.mu.Lock()
	defer m.n.mu.Unlock()

	m.readable = m.readable[:0]
	m.writable = m.writable[:0]

	if err := m.n.takeFault(OpMuxWait); err != nil {
		return false, err
	}
	if m.closed {
		return false, os.NewSyscallError(string(OpMuxWait), syscall.EBADF)
	}

	for fd, in := range m.interest {
		fired := in & readiness(m.n.socks[fd])
		if fired == 0 {
			continue
		}
		if fired&transport.Read != 0 {
			m.readable = append(m.readable, fd)
		}
		if fired&transport.Write != 0 {
			m.writable = append(m.writable, fd)
		}
		if rest := in &^ fired; rest != 0 {
			m.interest[fd] = rest
		} else {
			delete(m.interest, fd)
		}
	}
	return len(m.readable)+len(m.writable) > 0, nil
}

func (m *mux) Wake() error {
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

func (m *mux) Close() error {
	m.n.mu.Lock()
	defer m.n.mu.Unlock()

	if m.closed {
		return os.NewSyscallError("close", syscall.EBADF)
	}
	m.closed = true
	m.interest = nil
	delete(m.n.muxes, m)
	return nil
}
