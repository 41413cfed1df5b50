// Package unixsock implements transport.Transport on non-blocking kernel TCP
// sockets, with an epoll based multiplexer.
package unixsock

import (
	"errors"

	"go.uber.org/zap"
)

// ErrUnsupported is returned on platforms without epoll.
var ErrUnsupported = errors.New("unixsock: platform not supported")

// DefaultMaxEvents is the number of readiness events fetched per wait.
const DefaultMaxEvents = 256

type Option func(*Transport)

// WithMaxEvents sets the epoll event buffer size of new multiplexers.
func WithMaxEvents(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.maxEvents = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}
