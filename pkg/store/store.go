// Package store provides the embedded SQLite database client and migration
// utilities. All durable state — the event log and every projection — lives
// in a single database file under the data root, with journaling enabled so
// a crash mid-write never corrupts committed state.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3" // Register sqlite3 driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

// Mode records which storage location the fallback chain settled on.
type Mode string

const (
	ModeFile     Mode = "file"
	ModeFallback Mode = "fallback"
	ModeMemory   Mode = "memory"
)

// FallbackDir is tried when the configured data root is unwritable.
const FallbackDir = "/tmp/fleet"

// Config holds database configuration.
type Config struct {
	// DataRoot is the preferred directory for the database file.
	DataRoot string

	// FallbackDir overrides the default fallback directory when set.
	FallbackDir string

	// BusyTimeout is how long a connection waits on a locked database
	// before returning SQLITE_BUSY.
	BusyTimeout time.Duration

	// MaxOpenConns bounds the connection pool for file-backed databases.
	MaxOpenConns int
}

// Store wraps the SQLite connection and reports where data landed.
type Store struct {
	db *sql.DB

	// Mode is file, fallback, or memory depending on which location in
	// the chain accepted writes.
	Mode Mode

	// Path is the database file location, or ":memory:" when in-memory.
	Path string
}

// DB returns the underlying database connection for health checks and
// direct queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Open creates the database client, walking the fallback chain until a
// location accepts writes: the configured data root, then /tmp/fleet, then
// an in-memory database. Migrations run before the store is returned, and
// the chosen location is logged so operators know whether state survives a
// restart.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
	}
	fallbackDir := cfg.FallbackDir
	if fallbackDir == "" {
		fallbackDir = FallbackDir
	}

	type candidate struct {
		mode Mode
		dir  string
	}
	chain := []candidate{
		{ModeFile, cfg.DataRoot},
		{ModeFallback, fallbackDir},
	}

	var errs []string
	for _, c := range chain {
		if c.dir == "" {
			continue
		}
		path := filepath.Join(c.dir, "squawk.db")
		st, err := openFile(ctx, path, cfg)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", path, err))
			continue
		}
		st.Mode = c.mode
		st.Path = path
		if c.mode == ModeFile {
			slog.Info("Database ready", "path", path, "mode", "file")
		} else {
			slog.Warn("Data root unwritable, using fallback database",
				"path", path, "tried", cfg.DataRoot)
		}
		return st, nil
	}

	st, err := openMemory(ctx)
	if err != nil {
		errs = append(errs, fmt.Sprintf("memory: %v", err))
		return nil, fmt.Errorf("no storage location available: %s", strings.Join(errs, "; "))
	}
	st.Mode = ModeMemory
	st.Path = ":memory:"
	slog.Warn("No writable database location, state will not survive restart",
		"tried", strings.Join(errs, "; "))
	return st, nil
}

// openFile opens a file-backed database with WAL journaling and runs
// migrations against it.
func openFile(ctx context.Context, path string, cfg Config) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := probeWritable(dir); err != nil {
		return nil, fmt.Errorf("probe data dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on",
		path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// openMemory opens a shared-cache in-memory database. The pool is pinned to
// a single connection so the database is not dropped when an idle
// connection closes.
func openMemory(ctx context.Context) (*Store, error) {
	db, err := sql.Open("sqlite3", "file::memory:?cache=shared&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// probeWritable verifies the directory accepts writes. MkdirAll succeeds on
// an existing read-only directory, so an explicit touch is needed.
func probeWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// runMigrations applies pending schema migrations using golang-migrate with
// the migration files embedded into the binary.
func runMigrations(db *sql.DB) error {
	hasMigrations, err := hasEmbeddedMigrations()
	if err != nil {
		return fmt.Errorf("check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return errors.New("no embedded migration files found — binary may be built incorrectly")
	}

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite driver: %w", err)
	}
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "squawk", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	// Close only the migration source. m.Close() would also close the
	// database driver, which closes the shared *sql.DB.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("close migration source: %w", err)
	}
	return nil
}

// hasEmbeddedMigrations checks the embedded FS for .sql migration files.
func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read embedded migrations: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			return true, nil
		}
	}
	return false, nil
}

// Querier is satisfied by both *sql.DB and *sql.Tx so data access functions
// can run standalone or inside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
