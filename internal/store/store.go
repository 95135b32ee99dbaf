package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/weft/internal/history"
	"github.com/roach88/weft/internal/op"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial schema
const currentSchemaVersion = 1

// DefaultHeaderCacheSize bounds each of the two header caches.
const DefaultHeaderCacheSize = 4096

// ErrNotFound is returned when a hash is not held by the store.
var ErrNotFound = errors.New("not found")

// Store provides durable storage for literals, op headers and the
// reference index. Uses SQLite with WAL mode.
type Store struct {
	db       *sql.DB
	registry *op.Registry
	logger   *slog.Logger

	headersByOp     *lru.Cache[string, *history.Header]
	headersByHeader *lru.Cache[string, *history.Header]

	watchMu  sync.Mutex
	watchers map[watchKey]map[*watcher]struct{}
	closed   bool
}

// Option configures a Store.
type Option func(*options)

type options struct {
	registry  *op.Registry
	cacheSize int
	logger    *slog.Logger
}

// WithRegistry sets the registry Load uses to decode literals.
func WithRegistry(r *op.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithHeaderCacheSize sets the size of the header LRU caches.
func WithHeaderCacheSize(n int) Option {
	return func(o *options) { o.cacheSize = n }
}

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	o := options{cacheSize: DefaultHeaderCacheSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections.
	// Every multi-statement operation runs in a transaction on this
	// connection; reads inside Save must go through the tx.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	byOp, err := lru.New[string, *history.Header](o.cacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create header cache: %w", err)
	}
	byHeader, err := lru.New[string, *history.Header](o.cacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create header cache: %w", err)
	}

	return &Store{
		db:              db,
		registry:        o.registry,
		logger:          o.logger.With("component", "store"),
		headersByOp:     byOp,
		headersByHeader: byHeader,
		watchers:        make(map[watchKey]map[*watcher]struct{}),
	}, nil
}

// Close stops every watch and closes the database connection.
func (s *Store) Close() error {
	s.closeWatchers()
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Registry returns the registry used to decode literals, or nil.
func (s *Store) Registry() *op.Registry {
	return s.registry
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
