// Package storage defines the store boundary of the warehouse and a small
// factory so callers can stay backend-agnostic.
//
// Backends (postgres, sqlite) register a Factory at init time; importing
// warehouse/internal/storage/all enables all of them. Callers then obtain a
// Repository through New and never import a driver directly.
package storage

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Column is one column of a store-side table.
type Column struct {
	Name string
	Type string // backend type as reported by the catalog, valid in DDL
}

// Querier runs statements. It is implemented by both Repository and Tx so
// helpers can run inside or outside a transaction.
type Querier interface {
	// Exec runs a statement and returns the number of affected rows.
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	// Query runs a statement and calls fn once per result row. The values
	// slice is only valid during the call.
	Query(ctx context.Context, sql string, args []any, fn func(values []any) error) error
}

// Tx is a store transaction.
type Tx interface {
	Querier
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Repository is the store boundary used by every warehouse stage.
type Repository interface {
	Querier

	// Begin starts a transaction.
	Begin(ctx context.Context) (Tx, error)

	// CopyCSV bulk-loads a comma-delimited stream whose first line is a
	// header into table. columns is the header, in file order. It returns
	// the number of rows loaded.
	CopyCSV(ctx context.Context, table string, columns []string, r io.Reader) (int64, error)

	// Columns returns table's columns in ordinal order.
	Columns(ctx context.Context, table string) ([]Column, error)
	// TotalRows returns SELECT COUNT(*) for table.
	TotalRows(ctx context.Context, table string) (int64, error)
	// TableExists reports whether table exists.
	TableExists(ctx context.Context, table string) (bool, error)
	// DropTable drops table if it exists.
	DropTable(ctx context.Context, table string) error

	// Dialect describes the backend's SQL flavour.
	Dialect() Dialect

	Close()
}

// Config selects and configures a backend.
type Config struct {
	Kind string // "postgres" | "sqlite"
	DSN  string

	// MaxConns bounds the connection pool; it should be at least the number
	// of concurrent loader workers.
	MaxConns int

	// BatchSize is the insert batch used by backends without a native COPY.
	BatchSize int

	// Log receives backend progress lines; nil disables them.
	Log *zap.Logger
}

// Factory constructs a Repository for a Config.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register (or replace) the factory for kind.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[kind] = f
}

// New opens a Repository of cfg.Kind.
func New(ctx context.Context, cfg Config) (Repository, error) {
	mu.RLock()
	f, ok := factories[cfg.Kind]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}

// ListKinds returns the registered kinds, sorted.
func ListKinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func WithTx(ctx context.Context, repo Repository, fn func(tx Tx) error) (err error) {
	tx, err := repo.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ColumnNames projects cols to their names.
func ColumnNames(cols []Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}
