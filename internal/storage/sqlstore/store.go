// Package sqlstore implements storage.Storage on database/sql.
//
// Two dialects are supported:
//   - SQLite via modernc.org/sqlite (pure Go, the default single-host backend)
//   - MySQL via github.com/go-sql-driver/mysql, which also works against a
//     running dolt sql-server
//
// Transient connection errors are retried with exponential backoff so a
// database blip during a CTF round does not lose a verdict.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	// MySQL driver for server mode connections
	_ "github.com/go-sql-driver/mysql"
	// Pure-Go SQLite driver, registered as "sqlite"
	_ "modernc.org/sqlite"

	"github.com/peace-maker/anthill/internal/storage"
	"github.com/peace-maker/anthill/internal/types"
)

type dialect struct {
	name       string
	driver     string
	schema     []string
	upsertFlag string
	setVersion string
}

var (
	sqliteDialect = dialect{
		name:       "sqlite",
		driver:     "sqlite",
		schema:     sqliteSchema,
		upsertFlag: sqliteUpsertFlag,
		setVersion: sqliteSetVersion,
	}
	mysqlDialect = dialect{
		name:       "mysql",
		driver:     "mysql",
		schema:     mysqlSchema,
		upsertFlag: mysqlUpsertFlag,
		setVersion: mysqlSetVersion,
	}
)

// Store implements storage.Storage on a SQL database.
type Store struct {
	db      *sql.DB
	dialect dialect
	closed  atomic.Bool
}

var _ storage.Storage = (*Store)(nil)

// MySQLConfig holds server-mode connection settings.
type MySQLConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	TLS      bool
}

const retryMaxElapsed = 30 * time.Second

func newRetryBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = retryMaxElapsed
	return bo
}

// OpenSQLite opens (creating if necessary) the SQLite database at path.
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open(sqliteDialect.driver, storage.SQLiteConnString(path, false))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite has a single writer; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return open(ctx, db, sqliteDialect)
}

// OpenSQLiteReadOnly opens an existing SQLite database for reporting
// commands that run next to a live engine.
func OpenSQLiteReadOnly(ctx context.Context, path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db, err := sql.Open(sqliteDialect.driver, storage.SQLiteConnString(path, true))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	s := &Store{db: db, dialect: sqliteDialect}
	if err := s.ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenMySQL connects to a MySQL-compatible server, creating the database
// if it does not exist yet.
func OpenMySQL(ctx context.Context, cfg MySQLConfig) (*Store, error) {
	if err := validateDatabaseName(cfg.Database); err != nil {
		return nil, fmt.Errorf("invalid database name %q: %w", cfg.Database, err)
	}

	initDB, err := sql.Open(mysqlDialect.driver,
		storage.MySQLConnString(cfg.Host, cfg.Port, cfg.User, cfg.Password, "", cfg.TLS))
	if err != nil {
		return nil, fmt.Errorf("failed to open init connection: %w", err)
	}
	defer func() { _ = initDB.Close() }()

	err = backoff.Retry(func() error {
		_, execErr := initDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", cfg.Database)) //nolint:gosec // validated above
		if execErr != nil && !isRetryableError(execErr) {
			// Dolt may return error 1007 even with IF NOT EXISTS
			if strings.Contains(strings.ToLower(execErr.Error()), "database exists") {
				return nil
			}
			return backoff.Permanent(execErr)
		}
		return execErr
	}, backoff.WithContext(newRetryBackoff(), ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to create database %s on %s:%d: %w", cfg.Database, cfg.Host, cfg.Port, err)
	}

	db, err := sql.Open(mysqlDialect.driver,
		storage.MySQLConnString(cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.TLS))
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return open(ctx, db, mysqlDialect)
}

func open(ctx context.Context, db *sql.DB, d dialect) (*Store, error) {
	s := &Store{db: db, dialect: d}
	if err := s.ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init %s schema: %w", d.name, err)
	}
	return s, nil
}

func (s *Store) ping(ctx context.Context) error {
	return s.withRetry(ctx, func() error {
		return s.db.PingContext(ctx)
	})
}

// initSchema creates all tables if they don't exist
func (s *Store) initSchema(ctx context.Context) error {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM config WHERE `key` = 'schema_version'").Scan(&raw)
	if err == nil {
		if v, convErr := strconv.Atoi(raw); convErr == nil && v >= schemaVersion {
			return nil
		}
	}

	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w\nSQL: %s", err, stmt)
		}
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.setVersion, strconv.Itoa(schemaVersion)); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced use.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns "sqlite" or "mysql".
func (s *Store) Dialect() string {
	return s.dialect.name
}

var validDatabaseNameRe = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)

func validateDatabaseName(name string) error {
	if !validDatabaseNameRe.MatchString(name) {
		return errors.New("must be 1-64 characters of [A-Za-z0-9_]")
	}
	return nil
}

// isRetryableError returns true if the error is a transient connection or
// lock error that should be retried.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, marker := range []string{
		"driver: bad connection",
		"invalid connection",
		"broken pipe",
		"connection reset",
		// the server may come back within the backoff window
		"connection refused",
		"database is read only",
		"lost connection",
		"gone away",
		"i/o timeout",
		// SQLite busy_timeout exhausted by a concurrent reader/writer
		"database is locked",
		"sqlite_busy",
	} {
		if strings.Contains(errStr, marker) {
			return true
		}
	}
	return false
}

// withRetry executes an operation with retry for transient errors.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	return backoff.Retry(func() error {
		err := op()
		if err != nil && isRetryableError(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(newRetryBackoff(), ctx))
}

func (s *Store) execContext(ctx context.Context, query string, args ...any) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

// SaveFlag upserts a flag record.
func (s *Store) SaveFlag(ctx context.Context, flag *types.Flag) error {
	if err := flag.Validate(); err != nil {
		return fmt.Errorf("save flag: %w", err)
	}
	var lastAttempt sql.NullInt64
	if flag.LastSubmissionAttempt != nil {
		lastAttempt = sql.NullInt64{Int64: flag.LastSubmissionAttempt.UnixNano(), Valid: true}
	}
	err := s.execContext(ctx, s.dialect.upsertFlag,
		flag.Value, flag.FirstSeen.UnixNano(), lastAttempt, string(flag.State), flag.RetryCount)
	if err != nil {
		return fmt.Errorf("save flag %q: %w", flag.Value, err)
	}
	return nil
}

const flagColumns = "value, first_seen, last_attempt, state, retry_count"

// GetFlag retrieves a flag by its normalized value.
func (s *Store) GetFlag(ctx context.Context, value string) (*types.Flag, error) {
	var flag *types.Flag
	err := s.withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, "SELECT "+flagColumns+" FROM flags WHERE value = ?", value)
		f, scanErr := scanFlag(row)
		if scanErr != nil {
			return scanErr
		}
		flag = f
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("flag %q: %w", value, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get flag %q: %w", value, err)
	}
	return flag, nil
}

// SearchFlags lists flags ordered by first_seen, optionally by state.
func (s *Store) SearchFlags(ctx context.Context, filter types.FlagFilter) ([]*types.Flag, error) {
	query := "SELECT " + flagColumns + " FROM flags"
	var args []any
	if filter.State != nil {
		query += " WHERE state = ?"
		args = append(args, string(*filter.State))
	}
	query += " ORDER BY first_seen ASC, value ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var flags []*types.Flag
	err := s.withRetry(ctx, func() error {
		flags = nil
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			f, err := scanFlag(rows)
			if err != nil {
				return err
			}
			flags = append(flags, f)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("search flags: %w", err)
	}
	return flags, nil
}

// AppendOccurrence records one capture.
func (s *Store) AppendOccurrence(ctx context.Context, occ *types.Occurrence) error {
	if occ.ID == "" || occ.FlagValue == "" {
		return fmt.Errorf("append occurrence: id and flag value are required")
	}
	err := s.execContext(ctx,
		`INSERT INTO occurrences (id, flag_value, collection_time, run_id, target_team_id, exploit_id)
VALUES (?, ?, ?, ?, ?, ?)`,
		occ.ID, occ.FlagValue, occ.CollectionTime.UnixNano(), occ.RunID, occ.TargetTeamID, occ.ExploitID)
	if err != nil {
		return fmt.Errorf("append occurrence for %q: %w", occ.FlagValue, err)
	}
	return nil
}

// GetOccurrences returns captures ordered by collection time.
func (s *Store) GetOccurrences(ctx context.Context, value string) ([]*types.Occurrence, error) {
	query := "SELECT id, flag_value, collection_time, run_id, target_team_id, exploit_id FROM occurrences"
	var args []any
	if value != "" {
		query += " WHERE flag_value = ?"
		args = append(args, value)
	}
	query += " ORDER BY collection_time ASC, id ASC"

	var out []*types.Occurrence
	err := s.withRetry(ctx, func() error {
		out = nil
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var (
				occ       types.Occurrence
				collected int64
			)
			if err := rows.Scan(&occ.ID, &occ.FlagValue, &collected, &occ.RunID, &occ.TargetTeamID, &occ.ExploitID); err != nil {
				return err
			}
			occ.CollectionTime = time.Unix(0, collected).UTC()
			out = append(out, &occ)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("get occurrences: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlag(row rowScanner) (*types.Flag, error) {
	var (
		f           types.Flag
		firstSeen   int64
		lastAttempt sql.NullInt64
		state       string
	)
	if err := row.Scan(&f.Value, &firstSeen, &lastAttempt, &state, &f.RetryCount); err != nil {
		return nil, err
	}
	f.FirstSeen = time.Unix(0, firstSeen).UTC()
	if lastAttempt.Valid {
		t := time.Unix(0, lastAttempt.Int64).UTC()
		f.LastSubmissionAttempt = &t
	}
	f.State = types.State(state)
	return &f, nil
}
