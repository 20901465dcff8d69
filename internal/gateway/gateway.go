// Package gateway mediates all database access for the workflow: connection,
// schema introspection and guarded read-only execution.
package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb/v2"
	_ "modernc.org/sqlite"

	"github.com/duckmesh/querygraph/internal/gateway/dataset"
)

const defaultPingTimeout = 5 * time.Second

type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
	// SampleRows is the number of example rows rendered per table; 0 disables them.
	SampleRows int
	// RowLimit caps rows returned by Execute; 0 means unlimited.
	RowLimit int
	// ParquetViews maps a view name to parquet files, duckdb only.
	ParquetViews map[string][]string
	// DemoSource is used when the sqlite demo file is missing.
	// Nil means the default HTTPS location.
	DemoSource  dataset.Source
	PingTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{SampleRows: 3, RowLimit: 200}
}

type Gateway struct {
	db      *sql.DB
	dialect dialect
	opts    Options
}

// Connect opens the database named by uri. Every failure is a *ConnectionError.
func Connect(ctx context.Context, uri string, opts Options) (*Gateway, error) {
	target, err := parseURI(uri)
	if err != nil {
		return nil, &ConnectionError{URI: uri, Err: err}
	}

	if target.dialect == DialectSQLite && target.path != "" && target.path != ":memory:" && dataset.IsDemoPath(target.path) {
		if err := ensureDemoDataset(ctx, target.path, opts.DemoSource); err != nil {
			return nil, &ConnectionError{URI: uri, Err: err}
		}
	}

	d := dialects[target.dialect]
	db, err := sql.Open(d.driver, target.dsn)
	if err != nil {
		return nil, &ConnectionError{URI: uri, Err: fmt.Errorf("open database: %w", err)}
	}
	if target.memory {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	} else if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxIdleTime > 0 && !target.memory {
		db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	}
	if opts.ConnMaxLifetime > 0 && !target.memory {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	gw := &Gateway{db: db, dialect: d, opts: opts}
	if err := gw.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, &ConnectionError{URI: uri, Err: err}
	}
	if len(opts.ParquetViews) > 0 {
		if err := gw.registerParquetViews(ctx, opts.ParquetViews); err != nil {
			_ = db.Close()
			return nil, &ConnectionError{URI: uri, Err: err}
		}
	}
	return gw, nil
}

// New wraps an already opened database handle.
func New(db *sql.DB, dialectName string, opts Options) (*Gateway, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	d, ok := dialects[dialectName]
	if !ok {
		return nil, fmt.Errorf("unsupported dialect %q", dialectName)
	}
	return &Gateway{db: db, dialect: d, opts: opts}, nil
}

func (g *Gateway) Dialect() string {
	return g.dialect.name
}

func (g *Gateway) Ping(ctx context.Context) error {
	timeout := g.opts.PingTimeout
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := g.db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

func (g *Gateway) Close() error {
	return g.db.Close()
}

// ListTables returns the usable tables and views, sorted by name.
func (g *Gateway) ListTables(ctx context.Context) ([]string, error) {
	rows, err := g.db.QueryContext(ctx, g.dialect.listTables)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tables := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	sort.Strings(tables)
	return tables, nil
}

type target struct {
	dialect string
	dsn     string
	path    string
	memory  bool
}

func parseURI(raw string) (target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return target{}, fmt.Errorf("database uri is required")
	}
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return target{}, fmt.Errorf("database uri %q has no scheme", redactURI(raw))
	}

	switch strings.ToLower(scheme) {
	case "sqlite":
		path, query := splitQuery(strings.TrimPrefix(rest, "/"))
		if path == "" || path == ":memory:" {
			return target{dialect: DialectSQLite, dsn: withQuery(":memory:", query), path: ":memory:", memory: true}, nil
		}
		return target{dialect: DialectSQLite, dsn: withQuery(path, query), path: path}, nil
	case "duckdb":
		path, query := splitQuery(strings.TrimPrefix(rest, "/"))
		if path == ":memory:" {
			path = ""
		}
		return target{dialect: DialectDuckDB, dsn: withQuery(path, query), path: path, memory: path == ""}, nil
	case "postgres", "postgresql":
		return target{dialect: DialectPostgres, dsn: raw}, nil
	default:
		return target{}, fmt.Errorf("unsupported database scheme %q", scheme)
	}
}

func splitQuery(value string) (string, string) {
	path, query, _ := strings.Cut(value, "?")
	return path, query
}

func withQuery(path, query string) string {
	if query == "" {
		return path
	}
	return path + "?" + query
}

func ensureDemoDataset(ctx context.Context, path string, source dataset.Source) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat demo dataset: %w", err)
	}
	if source == nil {
		source = dataset.HTTPSource{URL: dataset.DefaultURL}
	}
	if err := dataset.Fetch(ctx, source, path); err != nil {
		return fmt.Errorf("fetch demo dataset: %w", err)
	}
	return nil
}

func redactURI(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.User == nil {
		return raw
	}
	return parsed.Redacted()
}
