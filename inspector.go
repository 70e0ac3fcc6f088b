package txpool

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// ActivityInspectorLabel is the owner label of the connection borrowed by
// ActivityReport.
const ActivityInspectorLabel = "activity-inspector"

// Querier runs read-only queries on a physical connection.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// Inspector collects backend activity over a borrowed connection.
type Inspector interface {
	Dialect() string
	Inspect(ctx context.Context, q Querier) (ActivityReport, error)
}

// ActivityReport lists what the backend is doing right now.
type ActivityReport struct {
	Dialect     string
	Supported   bool
	CollectedAt time.Time
	Queries     []ActiveQuery
	LockWaits   []LockWait
}

// ActiveQuery is one statement in flight on the backend.
type ActiveQuery struct {
	SessionID string
	User      string
	Database  string
	State     string
	Elapsed   time.Duration
	Query     string
}

// LockWait pairs a blocked session with the session holding the lock.
type LockWait struct {
	WaitingID     string
	WaitingQuery  string
	BlockingID    string
	BlockingQuery string
}

// ActivityReport borrows a connection and asks the backend which statements
// are running and which sessions wait on locks. Backends without an
// inspector report Supported false. The borrowed connection is released on
// every path.
func (p *Pool) ActivityReport(ctx context.Context) (ActivityReport, error) {
	if p.inspector == nil {
		return ActivityReport{CollectedAt: p.now()}, nil
	}

	// The report never runs inside the caller's transaction.
	ctx = WithTx(ctx, "")
	pc, err := p.Acquire(ctx, ActivityInspectorLabel)
	if err != nil {
		return ActivityReport{}, errors.Wrap(err, "borrowing connection for activity report")
	}
	defer pc.Release(ActivityInspectorLabel)

	q, ok := pc.Conn().(Querier)
	if !ok {
		return ActivityReport{Dialect: p.inspector.Dialect(), CollectedAt: p.now()}, nil
	}

	pc.ci.Lock()
	report, err := p.inspector.Inspect(ctx, q)
	pc.ci.Unlock()
	if err != nil {
		if pc.isBadConn(err) {
			pc.Invalidate()
		}
		return ActivityReport{}, errors.Wrapf(err, "collecting %s activity", p.inspector.Dialect())
	}
	report.Dialect = p.inspector.Dialect()
	report.Supported = true
	report.CollectedAt = p.now()
	return report, nil
}

// sqlInspector runs one query for active statements and, optionally, one
// for lock waits. Both must return the columns scanned below.
type sqlInspector struct {
	dialect      string
	queriesSQL   string // session, user, database, state, elapsed seconds, query
	lockWaitsSQL string // waiting session, waiting query, blocking session, blocking query
}

func (in sqlInspector) Dialect() string { return in.dialect }

func (in sqlInspector) Inspect(ctx context.Context, q Querier) (ActivityReport, error) {
	var report ActivityReport

	rows, err := q.QueryContext(ctx, in.queriesSQL)
	if err != nil {
		return report, errors.Wrap(err, "querying active statements")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id, user, db, state, query sql.NullString
			elapsed                    sql.NullFloat64
		)
		if err := rows.Scan(&id, &user, &db, &state, &elapsed, &query); err != nil {
			return report, errors.Wrap(err, "scanning active statement")
		}
		report.Queries = append(report.Queries, ActiveQuery{
			SessionID: id.String,
			User:      user.String,
			Database:  db.String,
			State:     state.String,
			Elapsed:   time.Duration(elapsed.Float64 * float64(time.Second)),
			Query:     query.String,
		})
	}
	if err := rows.Err(); err != nil {
		return report, errors.Wrap(err, "reading active statements")
	}
	rows.Close()

	if in.lockWaitsSQL == "" {
		return report, nil
	}
	rows, err = q.QueryContext(ctx, in.lockWaitsSQL)
	if err != nil {
		return report, errors.Wrap(err, "querying lock waits")
	}
	defer rows.Close()
	for rows.Next() {
		var waitingID, waitingQuery, blockingID, blockingQuery sql.NullString
		if err := rows.Scan(&waitingID, &waitingQuery, &blockingID, &blockingQuery); err != nil {
			return report, errors.Wrap(err, "scanning lock wait")
		}
		report.LockWaits = append(report.LockWaits, LockWait{
			WaitingID:     waitingID.String,
			WaitingQuery:  waitingQuery.String,
			BlockingID:    blockingID.String,
			BlockingQuery: blockingQuery.String,
		})
	}
	return report, errors.Wrap(rows.Err(), "reading lock waits")
}
