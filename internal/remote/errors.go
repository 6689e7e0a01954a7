// Package remote defines the error taxonomy shared by remote store adapters
// and the sync engine, plus a bounded-retry helper for connection
// establishment.
//
// Adapters signal failure classes with the sentinel errors below; the engine
// decides retry-vs-drop from [IsTransient], [IsPreconditionFailed], and
// [IsNotFound] without knowing anything about the underlying protocol.
package remote

import (
	"context"
	"errors"
	"net"
	"syscall"
)

var (
	// ErrNotFound reports that the addressed remote object does not exist.
	ErrNotFound = errors.New("remote: not found")

	// ErrPreconditionFailed reports that an update or delete carried an
	// expected change token that no longer matches the remote object.
	ErrPreconditionFailed = errors.New("remote: precondition failed")

	// ErrUnavailable lets adapters mark a failure as transient when the
	// transport error alone does not make that obvious.
	ErrUnavailable = errors.New("remote: temporarily unavailable")
)

// IsNotFound reports whether err means the remote object is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsPreconditionFailed reports whether err is a change-token mismatch.
func IsPreconditionFailed(err error) bool {
	return errors.Is(err, ErrPreconditionFailed)
}

// IsTransient reports whether err is a network-class failure worth retrying
// on a later sync run: connection refused or reset, DNS failure, timeout,
// context deadline, or an explicit [ErrUnavailable].
//
// Anything not recognised here is treated as permanent and the affected queue
// entry is dropped rather than retried blindly forever.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	for _, errno := range []syscall.Errno{
		syscall.ECONNREFUSED,
		syscall.ECONNRESET,
		syscall.EPIPE,
		syscall.ETIMEDOUT,
		syscall.EHOSTUNREACH,
		syscall.ENETUNREACH,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
