package storage

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// SQLiteConnString builds a SQLite connection string with standard pragmas.
//
// Includes busy_timeout (prevents "database is locked" under concurrency),
// journal_mode=WAL (readers such as `anthill status` do not block the engine)
// and the time_format pragma. Honors ANTHILL_LOCK_TIMEOUT for the busy
// timeout (default 30s). If path is already a file: URI, pragmas are appended
// only if absent.
func SQLiteConnString(path string, readOnly bool) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}

	busy := 30 * time.Second
	if v := strings.TrimSpace(os.Getenv("ANTHILL_LOCK_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			busy = d
		}
	}
	busyMs := int64(busy / time.Millisecond)

	conn := path
	if !strings.HasPrefix(conn, "file:") {
		conn = "file:" + conn
	}
	sep := "?"
	if strings.Contains(conn, "?") {
		sep = "&"
	}
	if readOnly && !strings.Contains(conn, "mode=") {
		conn += sep + "mode=ro"
		sep = "&"
	}
	if !strings.Contains(conn, "_pragma=busy_timeout") {
		conn += fmt.Sprintf("%s_pragma=busy_timeout(%d)", sep, busyMs)
		sep = "&"
	}
	if !readOnly && !strings.Contains(conn, "_pragma=journal_mode") {
		conn += sep + "_pragma=journal_mode(WAL)"
		sep = "&"
	}
	if !strings.Contains(conn, "_time_format=") {
		conn += sep + "_time_format=sqlite"
	}
	return conn
}

// MySQLConnString builds a go-sql-driver/mysql DSN. An empty database yields
// a server-level connection, used to create the database on first start.
func MySQLConnString(host string, port int, user, password, database string, tls bool) string {
	userPart := user
	if password != "" {
		userPart = fmt.Sprintf("%s:%s", user, password)
	}

	params := "parseTime=true"
	if tls {
		params += "&tls=true"
	}

	return fmt.Sprintf("%s@tcp(%s:%d)/%s?%s", userPart, host, port, database, params)
}
