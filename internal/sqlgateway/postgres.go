package sqlgateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lib/pq"
)

// PostgresConfig configures direct database connections.
type PostgresConfig struct {
	// DefaultConnectionString is used when a request carries none.
	DefaultConnectionString string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// StatementTimeout bounds each statement. Zero leaves the context deadline in charge.
	StatementTimeout time.Duration

	// MaxPools caps the number of connection strings with an open pool. The
	// least recently used pool is closed when a new one would exceed it.
	MaxPools int
}

// DefaultPostgresConfig returns pool settings sized for interactive use.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		MaxOpenConns:     5,
		MaxIdleConns:     2,
		ConnMaxLifetime:  5 * time.Minute,
		ConnMaxIdleTime:  2 * time.Minute,
		StatementTimeout: 30 * time.Second,
		MaxPools:         16,
	}
}

// PostgresGateway runs SQL directly against Postgres through lib/pq. One
// pool is kept per connection string, up to MaxPools.
type PostgresGateway struct {
	config PostgresConfig
	open   func(dsn string) (*sql.DB, error)
	closed chan string

	mu    sync.Mutex
	pools *lru.Cache[string, *sql.DB]
}

// NewPostgresGateway creates a direct Postgres gateway.
func NewPostgresGateway(cfg PostgresConfig) *PostgresGateway {
	defaults := DefaultPostgresConfig()
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = defaults.MaxOpenConns
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = defaults.MaxIdleConns
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
	if cfg.ConnMaxIdleTime <= 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
	if cfg.MaxPools <= 0 {
		cfg.MaxPools = defaults.MaxPools
	}

	// Only fails for a non-positive size.
	pools, _ := lru.New[string, *sql.DB](cfg.MaxPools)
	return &PostgresGateway{
		config: cfg,
		open: func(dsn string) (*sql.DB, error) {
			return sql.Open("postgres", dsn)
		},
		pools: pools,
	}
}

// Name implements Gateway.
func (g *PostgresGateway) Name() string {
	return "postgres"
}

// Execute implements Gateway. Headers are ignored; credentials travel in
// the connection string.
func (g *PostgresGateway) Execute(ctx context.Context, req Request, _ http.Header) (*Result, error) {
	dsn := req.ConnectionString
	if dsn == "" {
		dsn = g.config.DefaultConnectionString
	}
	if dsn == "" {
		return nil, ErrNoConnection
	}

	db, err := g.pool(dsn)
	if err != nil {
		return nil, &GatewayError{Gateway: g.Name(), Message: "open database", Cause: err}
	}

	if g.config.StatementTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.config.StatementTimeout)
		defer cancel()
	}

	rows, err := db.QueryContext(ctx, req.SQL)
	if err != nil {
		return nil, g.wrapError(err)
	}
	defer rows.Close()

	result, err := scanRows(rows)
	if err != nil {
		return nil, g.wrapError(err)
	}
	return result, nil
}

// Close closes every pooled connection.
func (g *PostgresGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var errs []error
	for g.pools.Len() > 0 {
		_, db, ok := g.pools.RemoveOldest()
		if !ok {
			break
		}
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pools returns the number of open pools.
func (g *PostgresGateway) Pools() int {
	return g.pools.Len()
}

func (g *PostgresGateway) pool(dsn string) (*sql.DB, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if db, ok := g.pools.Get(dsn); ok {
		return db, nil
	}
	db, err := g.open(dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(g.config.MaxOpenConns)
	db.SetMaxIdleConns(g.config.MaxIdleConns)
	db.SetConnMaxLifetime(g.config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(g.config.ConnMaxIdleTime)

	if g.pools.Len() >= g.config.MaxPools {
		if oldDSN, old, ok := g.pools.RemoveOldest(); ok {
			// Close waits for running queries, so it must not hold the lock.
			go g.closeEvicted(oldDSN, old)
		}
	}
	g.pools.Add(dsn, db)
	return db, nil
}

func (g *PostgresGateway) closeEvicted(dsn string, db *sql.DB) {
	_ = db.Close()
	if g.closed != nil {
		g.closed <- dsn
	}
}

func (g *PostgresGateway) wrapError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		msg := pqErr.Message
		if pqErr.Detail != "" {
			msg += ": " + pqErr.Detail
		}
		if pqErr.Hint != "" {
			msg += " (hint: " + pqErr.Hint + ")"
		}
		return &GatewayError{Gateway: g.Name(), Code: string(pqErr.Code), Message: msg, Cause: err}
	}
	return &GatewayError{Gateway: g.Name(), Cause: err}
}

func scanRows(rows *sql.Rows) (*Result, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	out := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		row := make(map[string]any, len(columns))
		for i, column := range columns {
			row[column] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &Result{Rows: out}, nil
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		return val
	}
}

// RedactDSN hides the password in a connection string for logging.
func RedactDSN(dsn string) string {
	if i := strings.Index(dsn, "://"); i >= 0 {
		rest := dsn[i+3:]
		at := strings.LastIndex(rest, "@")
		if at < 0 {
			return dsn
		}
		creds := rest[:at]
		if colon := strings.Index(creds, ":"); colon >= 0 {
			return dsn[:i+3] + creds[:colon] + ":***" + rest[at:]
		}
		return dsn
	}

	fields := strings.Fields(dsn)
	for i, field := range fields {
		if strings.HasPrefix(strings.ToLower(field), "password=") {
			fields[i] = "password=***"
		}
	}
	return strings.Join(fields, " ")
}
