//go:build linux
// +build linux

package unixsock

import (
	"testing"
	"time"

	"github.com/fzft/asyncsock/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newTestEpoll(t *testing.T) *epoll {
	t.Helper()
	e, err := newEpoll(16, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEpollInterestIsOneShot(t *testing.T) {
	e := newTestEpoll(t)
	a, b := socketPair(t)

	require.NoError(t, e.Add(transport.Descriptor(a), transport.Read|transport.Write))

	readable, writable, err := e.Wait(time.Second)
	require.NoError(t, err)
	assert.Empty(t, readable)
	assert.Equal(t, []transport.Descriptor{transport.Descriptor(a)}, writable)

	// write interest was dropped, so an always-writable socket stays quiet
	readable, writable, err = e.Wait(20 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, readable)
	assert.Empty(t, writable)

	_, err = unix.Write(b, []byte("ping"))
	require.NoError(t, err)
	readable, writable, err = e.Wait(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []transport.Descriptor{transport.Descriptor(a)}, readable)
	assert.Empty(t, writable)

	// data is still unread but nothing is registered any more
	readable, _, err = e.Wait(20 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, readable)
}

func TestEpollHangupFiresEveryDirection(t *testing.T) {
	e := newTestEpoll(t)
	a, b := socketPair(t)

	require.NoError(t, e.Add(transport.Descriptor(a), transport.Read))
	require.NoError(t, unix.Shutdown(b, unix.SHUT_RDWR))

	readable, _, err := e.Wait(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []transport.Descriptor{transport.Descriptor(a)}, readable)
}

func TestEpollWake(t *testing.T) {
	e := newTestEpoll(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = e.Wait(time.Hour)
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, e.Wake())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wake did not interrupt the wait")
	}

	// the wakeup was consumed
	readable, writable, err := e.Wait(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, readable)
	assert.Empty(t, writable)
}

func TestEpollRemove(t *testing.T) {
	e := newTestEpoll(t)
	a, _ := socketPair(t)

	require.NoError(t, e.Add(transport.Descriptor(a), transport.Write))
	require.NoError(t, e.Remove(transport.Descriptor(a)))
	require.NoError(t, e.Remove(transport.Descriptor(a)))

	_, writable, err := e.Wait(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, writable)

	err = e.Add(transport.Descriptor(-5), transport.Read)
	assert.ErrorIs(t, err, unix.EBADF)
}

func TestTimeoutMsecRoundsUp(t *testing.T) {
	assert.Equal(t, -1, timeoutMsec(-1))
	assert.Equal(t, 0, timeoutMsec(0))
	assert.Equal(t, 1, timeoutMsec(int64(time.Microsecond)))
	assert.Equal(t, 1000, timeoutMsec(int64(time.Second)))
}
