package config

import (
	"errors"
	"fmt"
)

// ErrInvalid matches every configuration error:
//
//	if errors.Is(err, config.ErrInvalid) {
//	    // fatal at startup
//	}
var ErrInvalid = errors.New("invalid configuration")

// Error describes a malformed or unusable configuration value. It is fatal
// at startup and is always reported before any background loop starts.
type Error struct {
	// Field is the dotted configuration key, e.g. "folder.include".
	Field string
	// Reason is a short human-readable explanation.
	Reason string
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid configuration: %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports ErrInvalid as a match.
func (e *Error) Is(target error) bool {
	return target == ErrInvalid
}
