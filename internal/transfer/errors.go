package transfer

import (
	"errors"
	"fmt"

	"github.com/s3mirror/s3mirror/internal/fingerprint"
)

// ErrTransport matches every *TransportError.
var ErrTransport = errors.New("transport error")

// ErrIntegrity matches every *IntegrityError.
var ErrIntegrity = errors.New("integrity check failed")

// TransportError is a failure talking to the object store during a
// transfer.
type TransportError struct {
	// Op is the store operation that failed: head, get, put or delete.
	Op  string
	Key string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// IntegrityError reports that the fingerprints on both sides of a
// completed transfer disagree. It points at clock skew, a concurrent
// writer or corruption, and is never retried.
type IntegrityError struct {
	// Op is "push" or "pull".
	Op   string
	Path string
	Key  string

	// Expected is the fingerprint of the transfer source, Actual that of
	// the destination after the transfer.
	Expected fingerprint.Fingerprint
	Actual   fingerprint.Fingerprint
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed: %s %s -> %s: expected %s, got %s",
		e.Op, e.Path, e.Key, e.Expected, e.Actual)
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}
