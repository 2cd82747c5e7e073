package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql migrations/mysql/*.sql
var embedMigrations embed.FS

// Driver names as registered with database/sql.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Repository provides all database operations over one connection pool.
// It implements URLStore, WeatherStore and FlightStore.
type Repository struct {
	dbConn *sqlx.DB
	driver string
}

// NewRepository wraps an open connection returned by New.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{
		dbConn: db,
		driver: db.DriverName(),
	}
}

// Close terminates the database connection.
func (repo *Repository) Close() error {
	if err := repo.dbConn.Close(); err != nil {
		return fmt.Errorf("closing repo: %w", err)
	}
	return nil
}

// Ping checks that the database is reachable. Used by health checks.
func (repo *Repository) Ping(ctx context.Context) error {
	if err := repo.dbConn.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging db: %w", err)
	}
	return nil
}

// rebind converts ? placeholders to the driver's bind style.
func (repo *Repository) rebind(query string) string {
	return repo.dbConn.Rebind(query)
}

// New opens a connection for driver and applies all pending migrations for that dialect.
//
// For sqlite the DSN is a file path or file: URI; the parent directory is created and
// busy timeout and WAL pragmas are added unless the DSN sets its own. For mysql, parseTime is forced on.
func New(driver, dsn string) (*sqlx.DB, error) {
	var (
		dialect goose.Dialect
		dir     string
	)
	switch driver {
	case DriverSQLite:
		prepared, err := prepareSQLiteDSN(dsn)
		if err != nil {
			return nil, err
		}
		dsn = prepared
		dialect, dir = goose.DialectSQLite3, "migrations/sqlite"
	case DriverPostgres:
		dialect, dir = goose.DialectPostgres, "migrations/postgres"
	case DriverMySQL:
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("parsing mysql dsn: %w", err)
		}
		cfg.ParseTime = true
		dsn = cfg.FormatDSN()
		dialect, dir = goose.DialectMySQL, "migrations/mysql"
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to db: %w", err)
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect(string(dialect)); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting dialect for migrations: %w", err)
	}

	if err := goose.Up(db.DB, dir); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying migration: %w", err)
	}
	return db, nil
}

func prepareSQLiteDSN(dsn string) (string, error) {
	if dsn == "" {
		return "", errors.New("sqlite dsn is empty")
	}
	path, query, _ := strings.Cut(strings.TrimPrefix(dsn, "file:"), "?")
	if path != "" && path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", fmt.Errorf("creating db directory: %w", err)
			}
		}
	}
	if strings.Contains(query, "_pragma") {
		return dsn, nil
	}
	sep := "?"
	if query != "" {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", nil
}
