package poll

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/fzft/asyncsock/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type batch struct {
	readable []transport.Descriptor
	writable []transport.Descriptor
}

// fakeMux reports exactly the batches a test pushes.
type fakeMux struct {
	mu      sync.Mutex
	added   map[transport.Descriptor]transport.Interest
	removed []transport.Descriptor
	addErr  error
	closed  bool

	batches chan batch
	waitErr chan error
	wake    chan struct{}
}

func newFakeMux() *fakeMux {
	return &fakeMux{
		added:   make(map[transport.Descriptor]transport.Interest),
		batches: make(chan batch, 8),
		waitErr: make(chan error, 1),
		wake:    make(chan struct{}, 1),
	}
}

func (m *fakeMux) Add(fd transport.Descriptor, in transport.Interest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addErr != nil {
		return m.addErr
	}
	m.added[fd] |= in
	return nil
}

func (m *fakeMux) Remove(fd transport.Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.added, fd)
	m.removed = append(m.removed, fd)
	return nil
}

func (m *fakeMux) Wait(timeout time.Duration) ([]transport.Descriptor, []transport.Descriptor, error) {
	select {
	case b := <-m.batches:
		return b.readable, b.writable, nil
	case err := <-m.waitErr:
		return nil, nil, err
	case <-m.wake:
		return nil, nil, nil
	case <-time.After(timeout):
		return nil, nil, nil
	}
}

func (m *fakeMux) Wake() error {
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

func (m *fakeMux) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *fakeMux) interest(fd transport.Descriptor) transport.Interest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.added[fd]
}

func startService(t *testing.T, mux transport.Multiplexer) *Service {
	t.Helper()
	svc := NewService(mux, WithInterval(10*time.Millisecond))
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { assert.NoError(t, svc.Stop()) })
	return svc
}

func waitFired(t *testing.T, sig *Signal) {
	t.Helper()
	select {
	case <-sig.Done():
	case <-time.After(time.Second):
		t.Fatal("signal not fired")
	}
}

func TestServiceFulfillsOnlyReadyDescriptor(t *testing.T) {
	mux := newFakeMux()
	svc := startService(t, mux)

	a, b := NewSignal(), NewSignal()
	require.NoError(t, svc.RegisterRead(3, a))
	require.NoError(t, svc.RegisterRead(4, b))
	assert.Equal(t, transport.Read, mux.interest(3))
	assert.Equal(t, transport.Read, mux.interest(4))

	mux.batches <- batch{readable: []transport.Descriptor{3}}
	waitFired(t, a)

	assert.False(t, b.Fired())
	reads, writes := svc.Pending()
	assert.Equal(t, 1, reads)
	assert.Equal(t, 0, writes)

	mux.batches <- batch{readable: []transport.Descriptor{4}}
	waitFired(t, b)
	reads, _ = svc.Pending()
	assert.Equal(t, 0, reads)
}

func TestServiceTracksDirectionsIndependently(t *testing.T) {
	mux := newFakeMux()
	svc := startService(t, mux)

	rd, wr := NewSignal(), NewSignal()
	require.NoError(t, svc.RegisterRead(7, rd))
	require.NoError(t, svc.RegisterWrite(7, wr))
	assert.Equal(t, transport.Read|transport.Write, mux.interest(7))

	mux.batches <- batch{writable: []transport.Descriptor{7}}
	waitFired(t, wr)
	assert.False(t, rd.Fired())

	reads, writes := svc.Pending()
	assert.Equal(t, 1, reads)
	assert.Equal(t, 0, writes)
}

func TestServiceIgnoresUnregisteredReadiness(t *testing.T) {
	mux := newFakeMux()
	svc := startService(t, mux)

	sig := NewSignal()
	require.NoError(t, svc.RegisterWrite(9, sig))

	mux.batches <- batch{readable: []transport.Descriptor{9}, writable: []transport.Descriptor{1}}
	mux.batches <- batch{writable: []transport.Descriptor{9}}
	waitFired(t, sig)
}

func TestServiceRejectsDuplicateRegistration(t *testing.T) {
	svc := startService(t, newFakeMux())

	require.NoError(t, svc.RegisterRead(5, NewSignal()))
	err := svc.RegisterRead(5, NewSignal())
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	// the other direction is still free
	assert.NoError(t, svc.RegisterWrite(5, NewSignal()))
}

func TestServiceRegisterFailureIsSynchronous(t *testing.T) {
	mux := newFakeMux()
	mux.addErr = os.NewSyscallError("epoll_ctl add", syscall.EBADF)
	svc := startService(t, mux)

	err := svc.RegisterRead(11, NewSignal())
	var f *transport.Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, syscall.EBADF, f.Code)
	assert.Equal(t, transport.Descriptor(11), f.Descriptor)

	reads, _ := svc.Pending()
	assert.Equal(t, 0, reads, "failed registration must not leak")
}

func TestServiceUnregisterDropsPendingSignals(t *testing.T) {
	mux := newFakeMux()
	svc := startService(t, mux)

	rd, wr := NewSignal(), NewSignal()
	require.NoError(t, svc.RegisterRead(2, rd))
	require.NoError(t, svc.RegisterWrite(2, wr))
	require.NoError(t, svc.Unregister(2))

	reads, writes := svc.Pending()
	assert.Zero(t, reads)
	assert.Zero(t, writes)
	assert.Equal(t, transport.Interest(0), mux.interest(2))

	mux.batches <- batch{readable: []transport.Descriptor{2}, writable: []transport.Descriptor{2}}
	time.Sleep(30 * time.Millisecond)
	assert.False(t, rd.Fired())
	assert.False(t, wr.Fired())
}

func TestServiceReleaseFiresPendingSignals(t *testing.T) {
	mux := newFakeMux()
	svc := startService(t, mux)

	rd, wr, other := NewSignal(), NewSignal(), NewSignal()
	require.NoError(t, svc.RegisterRead(3, rd))
	require.NoError(t, svc.RegisterWrite(3, wr))
	require.NoError(t, svc.RegisterRead(4, other))
	require.NoError(t, svc.Release(3))

	assert.True(t, rd.Fired())
	assert.True(t, wr.Fired())
	assert.False(t, other.Fired())
	assert.Equal(t, transport.Interest(0), mux.interest(3))

	reads, writes := svc.Pending()
	assert.Equal(t, 1, reads)
	assert.Zero(t, writes)

	// nothing registered is fine
	assert.NoError(t, svc.Release(9))
}

func TestServiceWaitFailureIsFatal(t *testing.T) {
	mux := newFakeMux()
	svc := startService(t, mux)

	stuck := NewSignal()
	require.NoError(t, svc.RegisterRead(1, stuck))

	mux.waitErr <- os.NewSyscallError("epoll_wait", syscall.EBADF)
	select {
	case <-svc.Done():
	case <-time.After(time.Second):
		t.Fatal("loop survived a wait failure")
	}

	err := svc.Err()
	var f *transport.Failure
	require.ErrorAs(t, err, &f)
	assert.True(t, errors.Is(err, syscall.EBADF))
	assert.False(t, stuck.Fired(), "registered waiters are not resumed")
	assert.ErrorIs(t, svc.RegisterRead(2, NewSignal()), ErrServiceClosed)
}

func TestServiceLifecycle(t *testing.T) {
	mux := newFakeMux()
	svc := NewService(mux, WithInterval(10*time.Millisecond))

	require.NoError(t, svc.Start(context.Background()))
	assert.ErrorIs(t, svc.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, svc.Stop())
	assert.NoError(t, svc.Stop())
	assert.True(t, mux.closed)
	assert.NoError(t, svc.Err())
	assert.ErrorIs(t, svc.Start(context.Background()), ErrServiceClosed)
	assert.ErrorIs(t, svc.RegisterWrite(1, NewSignal()), ErrServiceClosed)
}

func TestServiceStopsPromptly(t *testing.T) {
	svc := NewService(newFakeMux(), WithInterval(time.Hour))
	require.NoError(t, svc.Start(context.Background()))

	start := time.Now()
	require.NoError(t, svc.Stop())
	assert.Less(t, time.Since(start), time.Second, "Stop must wake the loop")
}

func TestServiceStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	svc := NewService(newFakeMux(), WithInterval(10*time.Millisecond))
	require.NoError(t, svc.Start(ctx))

	cancel()
	select {
	case <-svc.Done():
	case <-time.After(time.Second):
		t.Fatal("loop ignored cancellation")
	}
	assert.ErrorIs(t, svc.RegisterRead(1, NewSignal()), ErrServiceClosed)
	assert.NoError(t, svc.Stop())
}

func TestServiceStopWithoutStart(t *testing.T) {
	mux := newFakeMux()
	svc := NewService(mux)
	require.NoError(t, svc.Stop())
	assert.True(t, mux.closed)
	select {
	case <-svc.Done():
	default:
		t.Fatal("Done not closed")
	}
}
