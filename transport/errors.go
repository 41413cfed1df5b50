package transport

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

var (
	// ErrWouldBlock means the primitive cannot make progress until the
	// descriptor becomes ready. It never leaves the connection handle.
	ErrWouldBlock = errors.New("transport: would block")

	// ErrInProgress means a connect was started and completes asynchronously.
	ErrInProgress = errors.New("transport: connect in progress")
)

// Failure is any transport-reported error other than would-block, together
// with the operation it came from.
type Failure struct {
	Op         string
	Code       syscall.Errno // 0 when the transport did not report an errno
	Message    string
	Descriptor Descriptor
	Endpoint   Endpoint // zero when not relevant
	Len        int      // requested length, 0 when not relevant
	Err        error
}

// Translate turns the error of a failed primitive into a Failure. It must be
// called right after the primitive returns.
func Translate(op string, fd Descriptor, err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	f = &Failure{
		Op:         op,
		Message:    err.Error(),
		Descriptor: fd,
		Err:        err,
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		f.Code = errno
		f.Message = errno.Error()
	}
	return f
}

// WithEndpoint records the endpoint the failed operation targeted.
func (f *Failure) WithEndpoint(ep Endpoint) *Failure {
	f.Endpoint = ep
	return f
}

// WithLen records the length the failed operation requested.
func (f *Failure) WithLen(n int) *Failure {
	f.Len = n
	return f
}

func (f *Failure) Error() string {
	var b strings.Builder
	b.WriteString("transport: ")
	b.WriteString(f.Op)
	if f.Descriptor.Valid() {
		fmt.Fprintf(&b, " fd=%d", f.Descriptor)
	}
	if f.Endpoint.IsValid() {
		b.WriteString(" ")
		b.WriteString(f.Endpoint.String())
	}
	if f.Len > 0 {
		fmt.Fprintf(&b, " len=%d", f.Len)
	}
	b.WriteString(": ")
	b.WriteString(f.Message)
	return b.String()
}

func (f *Failure) Unwrap() error { return f.Err }

// Fields returns the failure context as structured log fields.
func (f *Failure) Fields() []zap.Field {
	fields := []zap.Field{
		zap.String("op", f.Op),
		zap.Int("fd", int(f.Descriptor)),
		zap.String("message", f.Message),
	}
	if f.Code != 0 {
		fields = append(fields, zap.Int("code", int(f.Code)))
	}
	if f.Endpoint.IsValid() {
		fields = append(fields, zap.Stringer("endpoint", f.Endpoint))
	}
	if f.Len > 0 {
		fields = append(fields, zap.Int("len", f.Len))
	}
	return fields
}
