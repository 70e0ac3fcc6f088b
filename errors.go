package txpool

import (
	"github.com/pkg/errors"
)

// Code identifies the class of a pool error. Use Is to test an error
// against a Code.
type Code string

const (
	// ErrResourceExhausted is returned by Acquire when the hard limit is reached.
	ErrResourceExhausted Code = "ResourceExhausted"
	// ErrConnectivity wraps a failure to open a physical connection.
	ErrConnectivity Code = "Connectivity"
	// ErrTransactionalProtocol reports start/end/prepare/commit/rollback
	// called out of sequence.
	ErrTransactionalProtocol Code = "TransactionalProtocol"
	// ErrStaleConnectionDisposed is only ever logged by the reaper.
	ErrStaleConnectionDisposed Code = "StaleConnectionDisposed"
	// ErrLeaseOwnershipMismatch is only ever logged by Release.
	ErrLeaseOwnershipMismatch Code = "LeaseOwnershipMismatch"
	ErrPoolClosed             Code = "PoolClosed"
	ErrInvalidConfig          Code = "InvalidConfig"
)

// codedError carries a Code and, optionally, the error that caused it.
type codedError struct {
	Code    Code
	Message string
	cause   error
}

func (ce codedError) Error() string {
	if ce.cause != nil {
		return string(ce.Code) + ": " + ce.Message + ": " + ce.cause.Error()
	}
	return string(ce.Code) + ": " + ce.Message
}

func (ce codedError) Unwrap() error { return ce.cause }

func (ce codedError) Is(err error) bool {
	if e, ok := err.(codedError); ok && ce.Code == e.Code {
		return true
	}
	return false
}

func newError(code Code, message string) error {
	return errors.WithStack(codedError{Code: code, Message: message})
}

func newErrorf(code Code, format string, args ...interface{}) error {
	return newError(code, errors.Errorf(format, args...).Error())
}

func wrapError(code Code, cause error, message string) error {
	return errors.WithStack(codedError{Code: code, Message: message, cause: cause})
}

// Is reports whether any error in err's chain carries the given Code.
func Is(err error, code Code) bool {
	return errors.Is(err, codedError{Code: code})
}

// CodeOf returns the Code carried by err, or "" when err is not a pool error.
func CodeOf(err error) Code {
	var ce codedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
