package poll

import "sync/atomic"

// Signal is a single-shot completion signal with one waiter and one setter.
// Firing it more than once is a no-op.
type Signal struct {
	fired atomic.Bool
	done  chan struct{}
}

func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Fire releases the waiter. It reports whether this call did it.
func (s *Signal) Fire() bool {
	if !s.fired.CompareAndSwap(false, true) {
		return false
	}
	close(s.done)
	return true
}

// Wait parks the calling goroutine until Fire.
func (s *Signal) Wait() {
	<-s.done
}

func (s *Signal) Done() <-chan struct{} {
	return s.done
}

func (s *Signal) Fired() bool {
	return s.fired.Load()
}
