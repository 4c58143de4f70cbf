// Package sqlstore implements store.Store on database/sql. The embedded
// deployment runs on SQLite, the hosted one on PostgreSQL; both share the
// same queries, written with "?" placeholders and rebound per dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"igoutreach/pkg/config"
	"igoutreach/pkg/errors"
	"igoutreach/pkg/logger"
	"igoutreach/pkg/store"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Store is a SQL-backed store.Store.
type Store struct {
	db      *sql.DB
	dialect Dialect
	log     logger.Logger
	now     func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open connects to the configured backend and applies pending migrations.
func Open(ctx context.Context, cfg config.StoreConfig, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.GetLogger()
	}

	var (
		dialect Dialect
		dsn     string
	)
	switch strings.ToLower(cfg.Driver) {
	case "", string(SQLite):
		dialect = SQLite
		dsn = cfg.Path
		if dir := filepath.Dir(dsn); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.Wrap(errors.ErrorTypeStorage, err, "failed to create database directory")
			}
		}
		dsn += "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	case "memory":
		// a single connection keeps every query on the same in-memory database
		dialect = SQLite
		dsn = ":memory:?_pragma=foreign_keys(1)"
	case string(Postgres):
		dialect = Postgres
		dsn = cfg.DSN
	default:
		return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("unsupported store driver %q", cfg.Driver))
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, errors.Wrap(errors.ErrorTypeStorage, err, "failed to open database")
	}
	if dialect == SQLite {
		// one writer keeps RecordEvent's counter update serialized
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	err = retry.Do(
		func() error { return db.PingContext(ctx) },
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.MaxDelay(15*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).WarnWithFields("database not reachable yet", map[string]interface{}{
				"driver":  string(dialect),
				"attempt": n + 1,
			})
		}),
	)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(errors.ErrorTypeStorage, err, "failed to connect to database")
	}

	s := &Store{db: db, dialect: dialect, log: log, now: func() time.Time { return time.Now().UTC() }}
	version, err := s.Migrate()
	if err != nil {
		db.Close()
		return nil, err
	}
	log.InfoWithFields("store ready", map[string]interface{}{
		"driver":         string(dialect),
		"schema_version": version,
	})
	return s, nil
}

// Migrate applies all pending migrations and returns the schema version.
func (s *Store) Migrate() (uint, error) {
	var (
		driver database.Driver
		err    error
	)
	switch s.dialect {
	case Postgres:
		driver, err = postgres.WithInstance(s.db, &postgres.Config{})
	default:
		driver, err = sqlite.WithInstance(s.db, &sqlite.Config{})
	}
	if err != nil {
		return 0, errors.Wrap(errors.ErrorTypeStorage, err, "failed to create migration driver")
	}

	source, err := iofs.New(migrationFS, "migrations/"+string(s.dialect))
	if err != nil {
		return 0, errors.Wrap(errors.ErrorTypeStorage, err, "failed to create migration source")
	}

	m, err := migrate.NewWithInstance("iofs", source, string(s.dialect), driver)
	if err != nil {
		return 0, errors.Wrap(errors.ErrorTypeStorage, err, "failed to create migrate instance")
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return 0, errors.Wrap(errors.ErrorTypeStorage, err, "failed to run migrations")
	}

	version, _, err := m.Version()
	if err != nil {
		return 0, errors.Wrap(errors.ErrorTypeStorage, err, "failed to read migration version")
	}
	return version, nil
}

func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites "?" placeholders into "$n" for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	res, err := q.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, storageErr(err, query)
	}
	return res, nil
}

func (s *Store) query(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, error) {
	rows, err := q.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, storageErr(err, query)
	}
	return rows, nil
}

func (s *Store) row(ctx context.Context, q querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.rebind(query), args...)
}

// insert runs an INSERT ... RETURNING id and returns the new id.
func (s *Store) insert(ctx context.Context, q querier, query string, args ...any) (int64, error) {
	var id int64
	if err := s.row(ctx, q, query+" RETURNING id", args...).Scan(&id); err != nil {
		return 0, storageErr(err, query)
	}
	return id, nil
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrorTypeStorage, err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrorTypeStorage, err, "failed to commit transaction")
	}
	return nil
}

func storageErr(err error, query string) error {
	if err == sql.ErrNoRows {
		return store.ErrNotFound
	}
	op := strings.Fields(query)
	name := "query"
	if len(op) > 0 {
		name = strings.ToLower(op[0])
	}
	return errors.Wrap(errors.ErrorTypeStorage, err, name+" failed")
}

// requireRow maps an UPDATE that touched nothing to store.ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(errors.ErrorTypeStorage, err, "rows affected")
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func millis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := fromMillis(ms.Int64)
	return &t
}

func nullID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

func idPtr(id sql.NullInt64) *int64 {
	if !id.Valid {
		return nil
	}
	v := id.Int64
	return &v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
