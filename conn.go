package txpool

import (
	"context"
)

// Conn is a live physical database connection. The pool only opens,
// validates and closes it and toggles its transaction mode; everything
// else is up to the consumer holding the lease.
type Conn interface {
	// SetAutoCommit switches the session between autocommit and explicit
	// transaction mode. Enabling autocommit commits pending work.
	SetAutoCommit(ctx context.Context, on bool) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	// Validate checks that the connection is still usable.
	Validate(ctx context.Context) error
	Close() error
}

// PendingWriter is implemented by connections that know whether the current
// transaction has written anything. Prepare votes read-only when it has not.
type PendingWriter interface {
	PendingWrites() bool
}

// BadConnChecker is implemented by connections that can tell whether an
// error returned by the driver leaves the session unusable.
type BadConnChecker interface {
	IsBadConn(err error) bool
}

// Opener creates physical connections for a pool.
type Opener interface {
	Open(ctx context.Context) (Conn, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context) (Conn, error)

// Open calls f(ctx).
func (f OpenerFunc) Open(ctx context.Context) (Conn, error) { return f(ctx) }

// InspectorProvider is implemented by openers that know how to inspect the
// activity of their backend.
type InspectorProvider interface {
	Inspector() Inspector
}
