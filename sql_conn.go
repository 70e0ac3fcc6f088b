package txpool

import (
	"context"
	"database/sql"
	"sort"

	"github.com/pkg/errors"
	"github.com/sasha-s/go-deadlock"
)

// SQLOpener opens connections through a registered database/sql driver.
// Each Conn owns a dedicated *sql.DB limited to one physical connection.
type SQLOpener struct {
	driverName string
	dsn        string
	dialect    dialect
}

// NewSQLOpener builds the DSN for cfg. The driver must have been registered,
// usually by a blank import in the main package.
func NewSQLOpener(cfg Config) (*SQLOpener, error) {
	drivers := sql.Drivers()
	i := sort.SearchStrings(drivers, cfg.Driver)
	if i == len(drivers) || drivers[i] != cfg.Driver {
		return nil, newErrorf(ErrInvalidConfig, "unknown driver %q (forgotten import?)", cfg.Driver)
	}
	dsn, err := DataSourceName(cfg.Driver, cfg.Endpoint, cfg.Credentials, cfg.LoginTimeout)
	if err != nil {
		return nil, err
	}
	return &SQLOpener{
		driverName: cfg.Driver,
		dsn:        dsn,
		dialect:    dialectFor(cfg.Driver),
	}, nil
}

// Open establishes one physical connection.
func (o *SQLOpener) Open(ctx context.Context) (Conn, error) {
	db, err := sql.Open(o.driverName, o.dsn)
	if err != nil {
		return nil, o.dialect.openError(err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	conn, err := db.Conn(ctx)
	if err == nil {
		err = conn.PingContext(ctx)
		if err != nil {
			conn.Close()
		}
	}
	if err != nil {
		db.Close()
		return nil, o.dialect.openError(err)
	}
	return &SQLConn{db: db, conn: conn, dialect: o.dialect, autoCommit: true}, nil
}

// Inspector returns the activity inspector of the backend, nil if it has none.
func (o *SQLOpener) Inspector() Inspector { return o.dialect.inspector }

// SQLConn is a Conn over one database/sql connection. With autocommit
// disabled every statement runs in a transaction that Commit and Rollback
// end and immediately replace.
type SQLConn struct {
	db      *sql.DB
	conn    *sql.Conn
	dialect dialect

	mu         deadlock.Mutex // protects following fields
	tx         *sql.Tx
	autoCommit bool
	dirty      bool // tx executed a statement
}

// SetAutoCommit implements Conn. Enabling autocommit commits the pending
// transaction.
func (c *SQLConn) SetAutoCommit(ctx context.Context, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if on {
		if c.tx != nil {
			err := c.tx.Commit()
			c.tx, c.dirty = nil, false
			if err != nil {
				return err
			}
		}
		c.autoCommit = true
		return nil
	}
	if !c.autoCommit {
		return nil
	}
	if err := c.beginLocked(); err != nil {
		return err
	}
	c.autoCommit = false
	return nil
}

// beginLocked starts the transaction backing autocommit off. It is not tied
// to any request context so it outlives the call that started it.
func (c *SQLConn) beginLocked() error {
	tx, err := c.conn.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	c.tx, c.dirty = tx, false
	return nil
}

// Commit implements Conn.
func (c *SQLConn) Commit(ctx context.Context) error {
	return c.finish(ctx, (*sql.Tx).Commit)
}

// Rollback implements Conn.
func (c *SQLConn) Rollback(ctx context.Context) error {
	return c.finish(ctx, (*sql.Tx).Rollback)
}

func (c *SQLConn) finish(ctx context.Context, end func(*sql.Tx) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.autoCommit {
		return errors.New("no transaction in progress")
	}
	if c.tx != nil {
		err := end(c.tx)
		c.tx, c.dirty = nil, false
		if err != nil {
			return err
		}
	}
	return c.beginLocked()
}

// Validate implements Conn.
func (c *SQLConn) Validate(ctx context.Context) error {
	return c.conn.PingContext(ctx)
}

// PendingWrites reports whether the current transaction ran any statement.
// Queries count too: INSERT ... RETURNING and functions with side effects
// write through QueryContext.
func (c *SQLConn) PendingWrites() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// IsBadConn implements BadConnChecker.
func (c *SQLConn) IsBadConn(err error) bool {
	return c.dialect.classify(err) == failureConn
}

// ExecContext runs a statement, inside the current transaction if autocommit
// is disabled.
func (c *SQLConn) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx != nil {
		c.dirty = true
		return c.tx.ExecContext(ctx, query, args...)
	}
	return c.conn.ExecContext(ctx, query, args...)
}

// QueryContext runs a query, inside the current transaction if autocommit is
// disabled.
func (c *SQLConn) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx != nil {
		c.dirty = true
		return c.tx.QueryContext(ctx, query, args...)
	}
	return c.conn.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a query expected to return at most one row.
func (c *SQLConn) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx != nil {
		c.dirty = true
		return c.tx.QueryRowContext(ctx, query, args...)
	}
	return c.conn.QueryRowContext(ctx, query, args...)
}

// Close rolls back any pending transaction and closes the connection.
func (c *SQLConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if c.tx != nil {
		if rerr := c.tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			err = rerr
		}
		c.tx = nil
	}
	if cerr := c.conn.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := c.db.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
