package storage

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a transfer failure.
type Kind int

const (
	KindRemoteUnavailable Kind = iota + 1
	KindPermissionDenied
	KindTimeout
	KindPartialTransfer
)

func (k Kind) String() string {
	switch k {
	case KindRemoteUnavailable:
		return "remote unavailable"
	case KindPermissionDenied:
		return "permission denied"
	case KindTimeout:
		return "timeout"
	case KindPartialTransfer:
		return "partial transfer"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	ErrRemoteUnavailable = errors.New("remote unavailable")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrTimeout           = errors.New("transfer timed out")
	ErrPartialTransfer   = errors.New("partial transfer")

	// ErrStorageUnavailable is matched by every failure meaning durable
	// storage cannot be reached right now: a client that could not be
	// constructed, and transfers failing with KindRemoteUnavailable.
	ErrStorageUnavailable = errors.New("durable storage unavailable")
)

// TransportError is returned by Client operations.
type TransportError struct {
	Op     string
	Remote string
	Kind   Kind
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Remote, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *TransportError) Is(target error) bool {
	switch target {
	case ErrRemoteUnavailable, ErrStorageUnavailable:
		return e.Kind == KindRemoteUnavailable
	case ErrPermissionDenied:
		return e.Kind == KindPermissionDenied
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrPartialTransfer:
		return e.Kind == KindPartialTransfer
	}
	return false
}

// Retryable reports whether re-running the operation from scratch may
// succeed.
func (e *TransportError) Retryable() bool {
	return e.Kind != KindPermissionDenied
}

// IsRetryable reports whether err is a retryable TransportError.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Retryable()
}

func newTransportError(op, remote string, kind Kind, err error) *TransportError {
	return &TransportError{Op: op, Remote: remote, Kind: kind, Err: err}
}

// contextError classifies a transfer interrupted by ctx. It returns nil when
// ctx is still live.
func contextError(ctx context.Context, op, remote string) error {
	switch err := ctx.Err(); {
	case errors.Is(err, context.DeadlineExceeded):
		return newTransportError(op, remote, KindTimeout, err)
	case err != nil:
		return newTransportError(op, remote, KindPartialTransfer, err)
	}
	return nil
}
