//go:build !linux
// +build !linux

package unixsock

import (
	"github.com/fzft/asyncsock/transport"
	"go.uber.org/zap"
)

// Transport is only implemented on Linux.
type Transport struct {
	transport.Transport
	maxEvents int
	logger    *zap.Logger
}

// New always fails outside Linux.
func New(opts ...Option) (*Transport, error) {
	return nil, ErrUnsupported
}
