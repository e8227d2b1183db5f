package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // SQLite driver
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrDuplicate       = errors.New("duplicate record")
	ErrDuplicateMaster = errors.New("calendar already has a master event with this uid")
	ErrDatabaseInit    = errors.New("database initialization failed")
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries holds every read and write helper. It runs against the pool when
// reached through *DB and inside a transaction when reached through *Tx.
type Queries struct {
	q   querier
	now func() time.Time
}

// DB represents the database connection.
type DB struct {
	*Queries
	conn    *sql.DB
	writeMu sync.Mutex
}

// Tx is a single logical operation. Everything done through it commits or
// rolls back together.
type Tx struct {
	*Queries
	tx *sql.Tx
}

// New creates a new database connection and applies pending migrations.
func New(dbPath string) (*DB, error) {
	// Ensure the directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("%w: failed to create directory: %w", ErrDatabaseInit, err)
	}

	// Pragmas go in the DSN so that every pooled connection gets them.
	pragmas := []string{
		"journal_mode(WAL)",
		"busy_timeout(5000)",
		"foreign_keys(1)",
		"synchronous(NORMAL)",
	}
	dsn := dbPath + "?_txlock=immediate"
	for _, pragma := range pragmas {
		dsn += "&_pragma=" + pragma
	}

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseInit, err)
	}

	// SQLite allows a single writer; WithTx serializes writers on top of this.
	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(0)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: failed to connect: %w", ErrDatabaseInit, err)
	}

	if err := runMigrations(conn); err != nil {
		conn.Close()
		return nil, err
	}

	// Set file permissions (0600 for security)
	_ = os.Chmod(dbPath, 0600)

	return &DB{
		Queries: &Queries{q: conn, now: defaultNow},
		conn:    conn,
	}, nil
}

func defaultNow() time.Time {
	return time.Now().UTC()
}

// runMigrations applies the embedded schema migrations. The migrate instance
// is not closed because closing the sqlite driver closes conn.
func runMigrations(conn *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("%w: failed to load migrations: %w", ErrDatabaseInit, err)
	}
	driver, err := migratesqlite.WithInstance(conn, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("%w: failed to create migration driver: %w", ErrDatabaseInit, err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("%w: failed to create migrator: %w", ErrDatabaseInit, err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%w: migration up: %w", ErrDatabaseInit, err)
	}
	return nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying database connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Ping verifies the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// SetClock overrides the time source used for bookkeeping timestamps.
func (db *DB) SetClock(now func() time.Time) {
	db.Queries.now = now
}

// Now returns the current time of the database clock.
func (q *Queries) Now() time.Time {
	return q.now()
}

// WithTx executes fn within a database transaction. Writers are serialized
// so that a multi-row edit (an event plus its occurrences plus its queued
// operation) is never interleaved with another.
func (db *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	tx := &Tx{Queries: &Queries{q: sqlTx, now: db.Queries.now}, tx: sqlTx}
	if err := fn(tx); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return fromMillis(n.Int64)
}

func nullID(id int64) sql.NullInt64 {
	if id == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: id, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
