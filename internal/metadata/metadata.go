// Package metadata opens the SQL database holding upload sessions, chunk
// receipts and content records. PostgreSQL is the production driver; SQLite
// serves single-node installs and tests.
package metadata

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/ardzix/masjid-display-service/internal/logging"
	"github.com/ardzix/masjid-display-service/internal/metrics"
)

//go:embed migrations
var migrations embed.FS

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var placeholder = regexp.MustCompile(`\$(\d+)`)

// Store wraps a *sql.DB together with its dialect. Queries are written with
// PostgreSQL $n placeholders and rebound for SQLite.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, driver, databaseURL string) (*Store, error) {
	if driver == "" {
		driver = DriverPostgres
	}
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	switch driver {
	case DriverPostgres:
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	case DriverSQLite:
		// Single writer; pragmas are per connection so keep exactly one.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db, driver: driver}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Driver returns "postgres" or "sqlite".
func (s *Store) Driver() string {
	return s.driver
}

// Rebind converts $n placeholders to the driver's syntax.
func (s *Store) Rebind(query string) string {
	if s.driver == DriverSQLite {
		return placeholder.ReplaceAllString(query, "?$1")
	}
	return query
}

// Exec runs a statement and records its latency under name.
func (s *Store) Exec(ctx context.Context, name, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(name, time.Since(start)) }()
	return s.db.ExecContext(ctx, s.Rebind(query), args...)
}

// Query runs a query and records its latency under name. The caller must
// close the rows before issuing another statement on SQLite.
func (s *Store) Query(ctx context.Context, name, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(name, time.Since(start)) }()
	return s.db.QueryContext(ctx, s.Rebind(query), args...)
}

// QueryRow runs a single-row query and records its latency under name.
func (s *Store) QueryRow(ctx context.Context, name, query string, args ...any) *sql.Row {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(name, time.Since(start)) }()
	return s.db.QueryRowContext(ctx, s.Rebind(query), args...)
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	stats := s.db.Stats()
	metrics.SetDBConnectionsOpen(stats.OpenConnections)
}

// Migrate runs the embedded *.up.sql files for the store's driver in name
// order. Migrations are written to be re-runnable.
func (s *Store) Migrate(ctx context.Context) error {
	dir := path.Join("migrations", s.driver)
	files, err := fs.Glob(migrations, path.Join(dir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		logging.Info("running migration", zap.String("file", path.Base(f)), zap.String("driver", s.driver))
		content, err := fs.ReadFile(migrations, f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}

	return nil
}
