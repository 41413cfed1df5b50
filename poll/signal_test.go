package poll

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSignalFiresOnce(t *testing.T) {
	sig := NewSignal()
	assert.False(t, sig.Fired())

	assert.True(t, sig.Fire())
	assert.False(t, sig.Fire(), "second Fire must be a no-op")
	assert.True(t, sig.Fired())

	select {
	case <-sig.Done():
	default:
		t.Fatal("Done not closed after Fire")
	}
}

func TestSignalWaitParksUntilFire(t *testing.T) {
	sig := NewSignal()
	released := make(chan struct{})
	go func() {
		sig.Wait()
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("Wait returned before Fire")
	case <-time.After(50 * time.Millisecond):
	}

	sig.Fire()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Fire")
	}
}
