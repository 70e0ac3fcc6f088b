package txpool

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Credentials are the login used for every physical connection of a pool.
type Credentials struct {
	Username string
	Password string
}

// DataSourceName builds the driver specific DSN for endpoint, applying the
// credentials and the login timeout. Endpoints are URIs
// (mysql://host:3306/db, postgres://host/db, sqlserver://host?database=db);
// MySQL and PostgreSQL also accept their native DSN forms. Unknown drivers
// get the endpoint unchanged.
func DataSourceName(driverName, endpoint string, cr Credentials, loginTimeout time.Duration) (string, error) {
	switch driverName {
	case DriverMySQL:
		return mysqlDSN(endpoint, cr, loginTimeout)
	case DriverPostgres:
		return postgresDSN(endpoint, cr, loginTimeout)
	case DriverSQLServer, DriverMSSQL:
		return sqlserverDSN(endpoint, cr, loginTimeout)
	default:
		return endpoint, nil
	}
}

func mysqlDSN(endpoint string, cr Credentials, loginTimeout time.Duration) (string, error) {
	var cfg *mysql.Config
	if strings.HasPrefix(endpoint, "mysql://") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return "", wrapError(ErrInvalidConfig, err, "parsing mysql endpoint")
		}
		cfg = mysql.NewConfig()
		cfg.Net = "tcp"
		cfg.Addr = u.Host
		cfg.DBName = strings.TrimPrefix(u.Path, "/")
		if u.User != nil {
			cfg.User = u.User.Username()
			cfg.Passwd, _ = u.User.Password()
		}
		if q := u.Query(); len(q) > 0 {
			cfg.Params = make(map[string]string, len(q))
			for k := range q {
				cfg.Params[k] = q.Get(k)
			}
		}
	} else {
		var err error
		cfg, err = mysql.ParseDSN(endpoint)
		if err != nil {
			return "", wrapError(ErrInvalidConfig, err, "parsing mysql endpoint")
		}
	}

	if cr.Username != "" {
		cfg.User = cr.Username
		cfg.Passwd = cr.Password
	}
	if loginTimeout > 0 {
		cfg.Timeout = loginTimeout
	}
	cfg.InterpolateParams = true
	return cfg.FormatDSN(), nil
}

func postgresDSN(endpoint string, cr Credentials, loginTimeout time.Duration) (string, error) {
	if !strings.Contains(endpoint, "://") {
		// key=value form
		parts := []string{endpoint}
		if cr.Username != "" {
			parts = append(parts, "user="+quoteKV(cr.Username), "password="+quoteKV(cr.Password))
		}
		if loginTimeout > 0 {
			parts = append(parts, "connect_timeout="+strconv.Itoa(seconds(loginTimeout)))
		}
		return strings.TrimSpace(strings.Join(parts, " ")), nil
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", wrapError(ErrInvalidConfig, err, "parsing postgres endpoint")
	}
	if cr.Username != "" {
		u.User = url.UserPassword(cr.Username, cr.Password)
	}
	if loginTimeout > 0 {
		q := u.Query()
		q.Set("connect_timeout", strconv.Itoa(seconds(loginTimeout)))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func sqlserverDSN(endpoint string, cr Credentials, loginTimeout time.Duration) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" {
		return "", newErrorf(ErrInvalidConfig, "sqlserver endpoint must be a sqlserver:// URI, got %q", endpoint)
	}
	if cr.Username != "" {
		u.User = url.UserPassword(cr.Username, cr.Password)
	}
	if loginTimeout > 0 {
		q := u.Query()
		q.Set("dial timeout", strconv.Itoa(seconds(loginTimeout)))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func seconds(d time.Duration) int {
	s := int(d / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

func quoteKV(s string) string {
	if s != "" && !strings.ContainsAny(s, ` '\`) {
		return s
	}
	return fmt.Sprintf("'%s'", strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s))
}
