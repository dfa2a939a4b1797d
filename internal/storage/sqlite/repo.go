// Package sqlite implements a SQLite-backed storage.Repository using
// database/sql. SQLite has no bulk-load API like Postgres COPY, so CopyCSV
// parses the stream and inserts batches inside a single transaction.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"warehouse/internal/storage"
)

const defaultBatchSize = 1000

// Repository is a SQLite-backed implementation of storage.Repository.
type Repository struct {
	db  *sql.DB
	cfg Config
}

// NewRepository opens a SQLite database using the provided DSN and returns
// a Repository plus a Close function for cleanup.
//
// DSN is passed directly to database/sql; for example:
//
//	"file:warehouse.db"
//	"/tmp/warehouse.db"
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, nil, fmt.Errorf("sqlite: DSN must not be empty")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and pragmas stick.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Apply a basic ping with context to fail fast on invalid DSNs.
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")

	closeFn := func() { db.Close() }
	return &Repository{db: db, cfg: cfg}, closeFn, nil
}

// Exec implements storage.Querier.
func (r *Repository) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return execOn(ctx, r.db, query, args)
}

// Query implements storage.Querier.
func (r *Repository) Query(ctx context.Context, query string, args []any, fn func([]any) error) error {
	return queryOn(ctx, r.db, query, args, fn)
}

// Begin implements storage.Repository.
func (r *Repository) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin tx: %w", err)
	}
	return &sqliteTx{tx: tx}, nil
}

// CopyCSV reads a headed CSV from rd and inserts every row into table in one
// transaction, columns in header order. Empty fields are stored as NULL.
func (r *Repository) CopyCSV(ctx context.Context, table string, columns []string, rd io.Reader) (int64, error) {
	if len(columns) == 0 {
		return 0, fmt.Errorf("sqlite: CopyCSV: columns must not be empty")
	}

	cr := csv.NewReader(rd)
	cr.FieldsPerRecord = len(columns)
	if _, err := cr.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, fmt.Errorf("sqlite: read header: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, insertStatement(table, columns))
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("sqlite: prepare insert: %w", err)
	}
	defer stmt.Close()

	copyFn := func(ctx context.Context, _ []string, rows [][]any) (int64, error) {
		var n int64
		for _, row := range rows {
			if _, err := stmt.ExecContext(ctx, row...); err != nil {
				return n, fmt.Errorf("sqlite: insert: %w", err)
			}
			n++
		}
		return n, nil
	}

	rowsCh := make(chan []any, r.cfg.BatchSize)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(rowsCh)
		for line := 2; ; line++ {
			rec, err := cr.Read()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("sqlite: read line %d: %w", line, err)
			}
			row := make([]any, len(rec))
			for i, v := range rec {
				if v != "" {
					row[i] = v
				}
			}
			select {
			case rowsCh <- row:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	var total int64
	g.Go(func() error {
		var err error
		total, err = storage.LoadBatches(gctx, r.cfg.Log, columns, rowsCh, r.cfg.BatchSize, copyFn)
		return err
	})

	if err := g.Wait(); err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit: %w", err)
	}
	return total, nil
}

func insertStatement(table string, columns []string) string {
	ph := make([]string, len(columns))
	for i := range ph {
		ph[i] = "?"
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		storage.QuoteIdent(table), storage.QuoteColumns(columns), strings.Join(ph, ", "))
}

// Columns implements storage.Repository.
func (r *Repository) Columns(ctx context.Context, table string) ([]storage.Column, error) {
	var cols []storage.Column
	err := r.Query(ctx, "SELECT name, type FROM pragma_table_info(?) ORDER BY cid", []any{table}, func(v []any) error {
		cols = append(cols, storage.Column{Name: asString(v[0]), Type: asString(v[1])})
		return nil
	})
	return cols, err
}

// TotalRows implements storage.Repository.
func (r *Repository) TotalRows(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+storage.QuoteIdent(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count: %w", err)
	}
	return n, nil
}

// TableExists implements storage.Repository.
func (r *Repository) TableExists(ctx context.Context, table string) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?)", table).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("sqlite: table exists: %w", err)
	}
	return ok, nil
}

// DropTable implements storage.Repository.
func (r *Repository) DropTable(ctx context.Context, table string) error {
	_, err := r.Exec(ctx, "DROP TABLE IF EXISTS "+storage.QuoteIdent(table))
	return err
}

// Dialect implements storage.Repository.
func (r *Repository) Dialect() storage.Dialect { return Dialect{} }

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func execOn(ctx context.Context, db execQuerier, query string, args []any) (int64, error) {
	if strings.TrimSpace(query) == "" {
		return 0, nil
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: exec: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func queryOn(ctx context.Context, db execQuerier, query string, args []any, fn func([]any) error) error {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sqlite: query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("sqlite: columns: %w", err)
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("sqlite: scan: %w", err)
		}
		if err := fn(vals); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sqlite: rows: %w", err)
	}
	return nil
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return execOn(ctx, t.tx, query, args)
}

func (t *sqliteTx) Query(ctx context.Context, query string, args []any, fn func([]any) error) error {
	return queryOn(ctx, t.tx, query, args, fn)
}

func (t *sqliteTx) Commit(context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func (t *sqliteTx) Rollback(context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("sqlite: rollback: %w", err)
	}
	return nil
}
