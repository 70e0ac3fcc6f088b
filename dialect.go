package txpool

import (
	"database/sql/driver"

	mssql "github.com/denisenkom/go-mssqldb"
	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// Driver names with built in support.
const (
	DriverMySQL     = "mysql"
	DriverPostgres  = "postgres"
	DriverSQLServer = "sqlserver"
	DriverMSSQL     = "mssql"
	DriverSQLite3   = "sqlite3"
)

// failure classifies a driver error at the pool boundary.
type failure int

const (
	failureOther failure = iota
	failureAuth          // credentials rejected
	failureConn          // network or session broken, the connection is unusable
)

// dialect holds what the pool knows about one backend.
type dialect struct {
	name      string
	inspector Inspector
	classify  func(error) failure
}

func dialectFor(driverName string) dialect {
	switch driverName {
	case DriverMySQL:
		return dialect{name: driverName, inspector: mysqlInspector, classify: classifyMySQL}
	case DriverPostgres:
		return dialect{name: driverName, inspector: postgresInspector, classify: classifyPostgres}
	case DriverSQLServer, DriverMSSQL:
		return dialect{name: driverName, inspector: sqlServerInspector, classify: classifySQLServer}
	}
	return dialect{name: driverName, classify: classifyGeneric}
}

// openError maps a failure to open a connection into ErrConnectivity.
func (d dialect) openError(err error) error {
	switch d.classify(err) {
	case failureAuth:
		return wrapError(ErrConnectivity, err, d.name+": authentication failed")
	case failureConn:
		return wrapError(ErrConnectivity, err, d.name+": connection failed")
	}
	return wrapError(ErrConnectivity, err, d.name+": opening connection")
}

func classifyGeneric(err error) failure {
	if errors.Is(err, driver.ErrBadConn) {
		return failureConn
	}
	return failureOther
}

func classifyMySQL(err error) failure {
	var me *mysql.MySQLError
	switch {
	case errors.As(err, &me) && me.Number == 1045: // ER_ACCESS_DENIED_ERROR
		return failureAuth
	case errors.Is(err, mysql.ErrInvalidConn):
		return failureConn
	}
	return classifyGeneric(err)
}

func classifyPostgres(err error) failure {
	var pe *pq.Error
	if errors.As(err, &pe) {
		switch pe.Code.Class() {
		case "28": // invalid_authorization_specification
			return failureAuth
		case "08": // connection_exception
			return failureConn
		}
	}
	return classifyGeneric(err)
}

func classifySQLServer(err error) failure {
	var se mssql.Error
	if errors.As(err, &se) && se.Number == 18456 { // login failed
		return failureAuth
	}
	return classifyGeneric(err)
}

var mysqlInspector = sqlInspector{
	dialect: DriverMySQL,
	queriesSQL: `SELECT CAST(id AS CHAR), user, db, command, time, info
FROM information_schema.processlist
WHERE command <> 'Sleep' AND id <> CONNECTION_ID()
ORDER BY time DESC`,
	lockWaitsSQL: `SELECT CAST(waiting_pid AS CHAR), waiting_query, CAST(blocking_pid AS CHAR), blocking_query
FROM sys.innodb_lock_waits`,
}

var postgresInspector = sqlInspector{
	dialect: DriverPostgres,
	queriesSQL: `SELECT pid::text, usename, datname, state,
	EXTRACT(EPOCH FROM (now() - query_start))::float8, query
FROM pg_stat_activity
WHERE state <> 'idle' AND pid <> pg_backend_pid()
ORDER BY query_start`,
	lockWaitsSQL: `SELECT w.pid::text, w.query, b.pid::text, b.query
FROM pg_stat_activity w
JOIN pg_stat_activity b ON b.pid = ANY(pg_blocking_pids(w.pid))`,
}

var sqlServerInspector = sqlInspector{
	dialect: DriverSQLServer,
	queriesSQL: `SELECT CAST(r.session_id AS varchar(10)), s.login_name, DB_NAME(r.database_id), r.status,
	r.total_elapsed_time / 1000.0, t.text
FROM sys.dm_exec_requests r
JOIN sys.dm_exec_sessions s ON s.session_id = r.session_id
CROSS APPLY sys.dm_exec_sql_text(r.sql_handle) t
WHERE r.session_id <> @@SPID
ORDER BY r.total_elapsed_time DESC`,
	lockWaitsSQL: `SELECT CAST(r.session_id AS varchar(10)), wt.text, CAST(r.blocking_session_id AS varchar(10)), bt.text
FROM sys.dm_exec_requests r
CROSS APPLY sys.dm_exec_sql_text(r.sql_handle) wt
LEFT JOIN sys.dm_exec_requests b ON b.session_id = r.blocking_session_id
OUTER APPLY sys.dm_exec_sql_text(b.sql_handle) bt
WHERE r.blocking_session_id <> 0`,
}
