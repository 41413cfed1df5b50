// Package poll turns transport readiness into goroutine wakeups.
//
// A Service owns one polling goroutine that waits on a transport.Multiplexer
// and fires the Signal registered for every descriptor reported ready. Read
// and write registrations live in separate maps with separate locks, so the
// two directions never contend or get mixed up.
package poll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fzft/asyncsock/log"
	"github.com/fzft/asyncsock/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrAlreadyRegistered = errors.New("poll: descriptor already registered")
	ErrServiceClosed     = errors.New("poll: service closed")
	ErrAlreadyStarted    = errors.New("poll: service already started")
)

// DefaultInterval bounds each wait so the loop notices Stop even when the
// wakeup is lost. It is not a timeout callers can observe.
const DefaultInterval = time.Second

type Option func(*Service)

func WithInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// Service is the readiness poll service. One instance is shared by every
// connection handle built on it and must outlive them.
type Service struct {
	mux      transport.Multiplexer
	interval time.Duration
	logger   *zap.Logger

	readMu sync.Mutex
	reads  map[transport.Descriptor]*Signal

	writeMu sync.Mutex
	writes  map[transport.Descriptor]*Signal

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc

	closed atomic.Bool
	done   chan struct{}
	err    error // written by the loop before done is closed
}

func NewService(mux transport.Multiplexer, opts ...Option) *Service {
	s := &Service{
		mux:      mux,
		interval: DefaultInterval,
		logger:   log.Logger,
		reads:    make(map[transport.Descriptor]*Signal),
		writes:   make(map[transport.Descriptor]*Signal),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the polling goroutine. Cancelling ctx stops the loop like
// Stop does, but leaves the multiplexer open until Stop is called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrServiceClosed
	}
	if s.started {
		return ErrAlreadyStarted
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	go s.loop(ctx)
	return nil
}

// Stop cancels the loop, waits for it to exit and releases the multiplexer.
// Calling it again is a no-op.
func (s *Service) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.closed.Store(true)
	started := s.started
	s.mu.Unlock()

	var errs error
	if started {
		s.cancel()
		if err := s.mux.Wake(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("poll: wake: %w", err))
		}
		<-s.done
	} else {
		close(s.done)
	}

	if err := s.mux.Close(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("poll: close multiplexer: %w", err))
	}
	if r, w := s.Pending(); r+w > 0 {
		s.logger.Warn("poll service stopped with pending registrations",
			zap.Int("reads", r), zap.Int("writes", w))
	}
	return errs
}

// Done is closed once the loop has exited.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

// Err returns the failure that killed the loop, if any. Connections that were
// registered at that point are never resumed.
func (s *Service) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// RegisterRead arranges for sig to fire once fd is readable. The caller must
// not have another read registration for fd outstanding.
func (s *Service) RegisterRead(fd transport.Descriptor, sig *Signal) error {
	return s.register(&s.readMu, s.reads, fd, sig, transport.Read)
}

// RegisterWrite arranges for sig to fire once fd is writable.
func (s *Service) RegisterWrite(fd transport.Descriptor, sig *Signal) error {
	return s.register(&s.writeMu, s.writes, fd, sig, transport.Write)
}

// register stores the signal before arming the multiplexer: a readiness
// report can then never arrive ahead of its map entry.
func (s *Service) register(mu *sync.Mutex, m map[transport.Descriptor]*Signal,
	fd transport.Descriptor, sig *Signal, in transport.Interest) error {
	if s.closed.Load() {
		return ErrServiceClosed
	}

	mu.Lock()
	if _, ok := m[fd]; ok {
		mu.Unlock()
		return fmt.Errorf("%w: fd=%d %s", ErrAlreadyRegistered, fd, in)
	}
	m[fd] = sig
	mu.Unlock()

	if err := s.mux.Add(fd, in); err != nil {
		mu.Lock()
		if m[fd] == sig {
			delete(m, fd)
		}
		mu.Unlock()

		f := transport.Translate("register "+in.String(), fd, err)
		s.logger.Warn("Failed to register interest", f.Fields()...)
		return f
	}

	s.logger.Debug("registered", zap.Int("fd", int(fd)), zap.Stringer("interest", in))
	return nil
}

// Unregister drops all interest in fd. Pending signals are discarded without
// firing.
func (s *Service) Unregister(fd transport.Descriptor) error {
	s.take(fd)
	return s.disarm(fd)
}

// Release drops all interest in fd like Unregister, then fires the signals
// that were pending so their waiters resume.
func (s *Service) Release(fd transport.Descriptor) error {
	rd, wr := s.take(fd)
	err := s.disarm(fd)
	for _, sig := range []*Signal{rd, wr} {
		if sig != nil {
			sig.Fire()
		}
	}
	return err
}

// take removes and returns the read and write signals of fd.
func (s *Service) take(fd transport.Descriptor) (rd, wr *Signal) {
	s.readMu.Lock()
	rd = s.reads[fd]
	delete(s.reads, fd)
	s.readMu.Unlock()

	s.writeMu.Lock()
	wr = s.writes[fd]
	delete(s.writes, fd)
	s.writeMu.Unlock()
	return rd, wr
}

func (s *Service) disarm(fd transport.Descriptor) error {
	if s.closed.Load() {
		return nil
	}
	if err := s.mux.Remove(fd); err != nil {
		return transport.Translate("unregister", fd, err)
	}
	return nil
}

// Pending reports the number of outstanding read and write registrations.
func (s *Service) Pending() (reads, writes int) {
	s.readMu.Lock()
	reads = len(s.reads)
	s.readMu.Unlock()

	s.writeMu.Lock()
	writes = len(s.writes)
	s.writeMu.Unlock()
	return
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)

	s.logger.Debug("poll loop started", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			s.closed.Store(true)
			s.logger.Debug("Received stop signal. Exiting poll loop.")
			return
		default:
		}

		readable, writable, err := s.mux.Wait(s.interval)
		if err != nil {
			s.closed.Store(true)
			s.err = transport.Translate("wait", transport.InvalidDescriptor, err)
			r, w := s.Pending()
			s.logger.Error("poll wait failed, registered connections will not resume",
				zap.Error(err), zap.Int("reads", r), zap.Int("writes", w))
			return
		}

		fulfill(&s.readMu, s.reads, readable)
		fulfill(&s.writeMu, s.writes, writable)
	}
}

// fulfill fires and erases the signal of every ready descriptor.
func fulfill(mu *sync.Mutex, m map[transport.Descriptor]*Signal, ready []transport.Descriptor) {
	if len(ready) == 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	for _, fd := range ready {
		if sig, ok := m[fd]; ok {
			delete(m, fd)
			sig.Fire()
		}
	}
}
