package threads

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavor of a SQLStore.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

func (d Dialect) validate() error {
	switch d {
	case DialectPostgres, DialectSQLite:
		return nil
	default:
		return fmt.Errorf("threads: unsupported dialect %q", d)
	}
}

func (d Dialect) placeholder(n int) string {
	if d == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// SQLConfig configures a SQL-backed store.
type SQLConfig struct {
	Dialect Dialect `yaml:"dialect"`

	// DSN is a lib/pq connection string or a SQLite file path.
	DSN string `yaml:"dsn"`

	// AutoMigrate applies pending migrations on open.
	AutoMigrate bool `yaml:"auto_migrate"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// SQLStore persists mappings in Postgres or SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect

	getSQL    string
	setSQL    string
	deleteSQL string
}

// OpenSQLStore opens the database named by cfg and optionally migrates it.
func OpenSQLStore(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	if err := cfg.Dialect.validate(); err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, errors.New("threads: dsn is required")
	}

	db, err := sql.Open(string(cfg.Dialect), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.AutoMigrate {
		migrator, err := NewMigrator(db, cfg.Dialect)
		if err != nil {
			db.Close()
			return nil, err
		}
		if _, err := migrator.Up(ctx, 0); err != nil {
			db.Close()
			return nil, err
		}
	}

	return NewSQLStore(db, cfg.Dialect), nil
}

// NewSQLStore wraps an open database whose schema is already migrated.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	p := dialect.placeholder
	return &SQLStore{
		db:      db,
		dialect: dialect,
		getSQL: fmt.Sprintf(
			`SELECT user_id, thread_id, created_at FROM user_threads WHERE user_id = %s`, p(1)),
		setSQL: fmt.Sprintf(
			`INSERT INTO user_threads (user_id, thread_id, created_at) VALUES (%s, %s, %s)
ON CONFLICT (user_id) DO UPDATE SET thread_id = excluded.thread_id, created_at = excluded.created_at`,
			p(1), p(2), p(3)),
		deleteSQL: fmt.Sprintf(`DELETE FROM user_threads WHERE user_id = %s`, p(1)),
	}
}

// DB exposes the underlying database for migrations.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Dialect returns the store's SQL flavor.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, userID string) (*Thread, error) {
	var thread Thread
	var createdAt int64
	err := s.db.QueryRowContext(ctx, s.getSQL, userID).Scan(&thread.UserID, &thread.ThreadID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	thread.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &thread, nil
}

// Set implements Store.
func (s *SQLStore) Set(ctx context.Context, thread *Thread) error {
	if err := validateThread(thread); err != nil {
		return err
	}
	createdAt := thread.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	if _, err := s.db.ExecContext(ctx, s.setSQL, thread.UserID, thread.ThreadID, createdAt.UnixMilli()); err != nil {
		return fmt.Errorf("failed to set thread: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *SQLStore) Delete(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, s.deleteSQL, userID); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
