// Package postgres implements storage.Repository on a pgx v5 pool. Bulk loads
// stream the raw CSV bytes through COPY FROM STDIN.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"warehouse/internal/storage"
)

// Config holds Postgres repository configuration.
type Config struct {
	DSN      string // connection string for pgxpool
	MaxConns int    // pool size; 0 keeps the pgxpool default
}

// Repository is a Postgres-backed implementation of storage.Repository.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository and returns a Close function for cleanup.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("pgxpool config: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, nil, fmt.Errorf("pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping: %w", pgErr(err))
	}
	return &Repository{pool: pool}, pool.Close, nil
}

// Exec implements storage.Querier.
func (r *Repository) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, pgErr(err)
	}
	return tag.RowsAffected(), nil
}

// Query implements storage.Querier.
func (r *Repository) Query(ctx context.Context, sql string, args []any, fn func([]any) error) error {
	return query(ctx, r.pool, sql, args, fn)
}

// Begin implements storage.Repository.
func (r *Repository) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, pgErr(err)
	}
	return &pgTx{tx: tx}, nil
}

// CopyCSV streams rd, header included, into table with COPY FROM STDIN.
// In CSV format an unquoted empty field is NULL.
func (r *Repository) CopyCSV(ctx context.Context, table string, columns []string, rd io.Reader) (int64, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return 0, pgErr(err)
	}
	defer conn.Release()

	tag, err := conn.Conn().PgConn().CopyFrom(ctx, rd, copyStatement(table, columns))
	if err != nil {
		return 0, fmt.Errorf("copy into %s: %w", table, pgErr(err))
	}
	return tag.RowsAffected(), nil
}

// copyStatement renders the COPY command for a headed, comma-delimited CSV.
func copyStatement(table string, columns []string) string {
	return fmt.Sprintf(
		"COPY %s (%s) FROM STDIN WITH (FORMAT csv, HEADER true, DELIMITER ',')",
		storage.QuoteIdent(table), storage.QuoteColumns(columns),
	)
}

const columnsSQL = `SELECT a.attname, format_type(a.atttypid, a.atttypmod)
FROM pg_attribute a
WHERE a.attrelid = to_regclass($1) AND a.attnum > 0 AND NOT a.attisdropped
ORDER BY a.attnum`

// Columns implements storage.Repository.
func (r *Repository) Columns(ctx context.Context, table string) ([]storage.Column, error) {
	var cols []storage.Column
	err := r.Query(ctx, columnsSQL, []any{storage.QuoteIdent(table)}, func(v []any) error {
		cols = append(cols, storage.Column{Name: fmt.Sprint(v[0]), Type: fmt.Sprint(v[1])})
		return nil
	})
	return cols, err
}

// TotalRows implements storage.Repository.
func (r *Repository) TotalRows(ctx context.Context, table string) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+storage.QuoteIdent(table)).Scan(&n)
	return n, pgErr(err)
}

// TableExists implements storage.Repository.
func (r *Repository) TableExists(ctx context.Context, table string) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", storage.QuoteIdent(table)).Scan(&ok)
	return ok, pgErr(err)
}

// DropTable implements storage.Repository.
func (r *Repository) DropTable(ctx context.Context, table string) error {
	_, err := r.Exec(ctx, "DROP TABLE IF EXISTS "+storage.QuoteIdent(table))
	return err
}

// Dialect implements storage.Repository.
func (r *Repository) Dialect() storage.Dialect { return Dialect{} }

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func query(ctx context.Context, q queryer, sql string, args []any, fn func([]any) error) error {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return pgErr(err)
	}
	defer rows.Close()
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return pgErr(err)
		}
		if err := fn(vals); err != nil {
			return err
		}
	}
	return pgErr(rows.Err())
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, pgErr(err)
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) Query(ctx context.Context, sql string, args []any, fn func([]any) error) error {
	return query(ctx, t.tx, sql, args, fn)
}

func (t *pgTx) Commit(ctx context.Context) error   { return pgErr(t.tx.Commit(ctx)) }
func (t *pgTx) Rollback(ctx context.Context) error { return pgErr(t.tx.Rollback(ctx)) }

// pgErr surfaces the server's detail and SQLSTATE when present.
func pgErr(err error) error {
	if err == nil {
		return nil
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		msg := pe.Message
		if pe.Detail != "" {
			msg += ": " + pe.Detail
		}
		return fmt.Errorf("%s (%s): %w", msg, pe.SQLState(), err)
	}
	return err
}

// Dialect is the postgres SQL flavour.
type Dialect struct{}

var _ storage.Dialect = Dialect{}

func (Dialect) Name() string { return "postgres" }

func (Dialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (Dialect) RowID(alias string) string { return alias + ".ctid" }

func (Dialect) SelectRowID(alias string) string { return alias + ".ctid::text" }

func (Dialect) FirstRowID() any { return "(0,0)" }

func (Dialect) RowIDAfter(alias string, n int) string {
	return fmt.Sprintf("%s.ctid > $%d::text::tid", alias, n)
}

func (Dialect) RowIDIn(alias string, ids []any) (string, []any) {
	return alias + ".ctid = ANY($1::text[]::tid[])", []any{tidStrings(ids)}
}

func (Dialect) DeleteByRowIDs(table string, ids []any) (string, []any) {
	return "DELETE FROM " + storage.QuoteIdent(table) + " WHERE ctid = ANY($1::text[]::tid[])", []any{tidStrings(ids)}
}

func tidStrings(ids []any) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = fmt.Sprint(id)
	}
	return out
}

func (Dialect) WithinSeconds(a, b string, tol float64) string {
	return fmt.Sprintf("ABS(EXTRACT(EPOCH FROM (%s - %s))) <= %s", a, b, storage.FormatFloat(tol))
}

func (Dialect) Truncate(table string) string {
	return "TRUNCATE TABLE " + storage.QuoteIdent(table)
}
