package warehouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"warehouse/internal/audit"
	"warehouse/internal/errs"
	"warehouse/internal/schema"
	"warehouse/internal/storage"
)

// DuplicateKey defines when two rows are the same event: every field equal
// and the time column at most Tolerance apart.
type DuplicateKey struct {
	Fields     []string
	TimeColumn string
	Tolerance  time.Duration
}

// DefaultDuplicateKey is the key of the e-commerce event tables.
func DefaultDuplicateKey() DuplicateKey {
	return DuplicateKey{
		Fields:     append([]string(nil), schema.DefaultKeyFields...),
		TimeColumn: schema.DefaultTimeColumn,
		Tolerance:  time.Second,
	}
}

// State is a Deduper phase.
type State uint8

const (
	Scanning State = iota
	Identifying
	Deleting
	Done
)

func (s State) String() string {
	switch s {
	case Scanning:
		return "scanning"
	case Identifying:
		return "identifying"
	case Deleting:
		return "deleting"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Progress is reported on every state change.
type Progress struct {
	Table   string
	State   State
	Chunk   int   // 1-based chunk being processed; 0 while scanning
	Deleted int64 // rows deleted so far
}

// DedupeResult summarizes one Dedupe run.
type DedupeResult struct {
	Total   int64 // rows before the run
	Deleted int64
	Chunks  int
}

// Deduper removes near-duplicate rows from a table, keeping the row with the
// lowest physical identity of every cluster.
type Deduper struct {
	repo  storage.Repository
	key   DuplicateKey
	batch int
	audit audit.Recorder
	log   *zap.Logger

	// OnProgress, when set, is called synchronously on every state change.
	OnProgress func(Progress)
}

// NewDeduper returns a Deduper deleting at most batch rows per transaction.
// A nil rec discards the deleted rows.
func NewDeduper(repo storage.Repository, key DuplicateKey, batch int, rec audit.Recorder, log *zap.Logger) *Deduper {
	if batch <= 0 {
		batch = 1000
	}
	if rec == nil {
		rec = audit.Discard
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Deduper{repo: repo, key: key, batch: batch, audit: rec, log: log}
}

func (d *Deduper) report(p Progress) {
	d.log.Debug("dedupe", zap.String("table", p.Table), zap.Stringer("state", p.State),
		zap.Int("chunk", p.Chunk), zap.Int64("deleted", p.Deleted))
	if d.OnProgress != nil {
		d.OnProgress(p)
	}
}

// Dedupe deletes every duplicate row of table.
//
// The duplicates are identified first, in read-only chunks, against the
// table as it is when Dedupe starts: a row is a duplicate when a row with a
// lower identity matches it, whether or not that row is itself a duplicate.
// The result therefore does not depend on the batch size. The identified
// rows are then written to the audit recorder and deleted, batch rows per
// transaction. A canceled ctx stops the run between chunks with the
// committed chunks kept.
func (d *Deduper) Dedupe(ctx context.Context, table string) (DedupeResult, error) {
	const op = "dedupe"
	var res DedupeResult

	if err := checkIdent(op, "table", table); err != nil {
		return res, err
	}
	d.report(Progress{Table: table, State: Scanning})

	cols, err := requireTable(ctx, op, d.repo, table)
	if err != nil {
		return res, err
	}
	if err := d.checkKey(op, table, cols); err != nil {
		return res, err
	}
	if res.Total, err = d.repo.TotalRows(ctx, table); err != nil {
		return res, storeErr(op, err)
	}

	start := time.Now()
	d.report(Progress{Table: table, State: Identifying})
	ids, err := d.identify(ctx, op, table)
	if err != nil {
		return res, err
	}

	dialect := d.repo.Dialect()
	names := storage.ColumnNames(cols)
	for len(ids) > 0 {
		if err := ctx.Err(); err != nil {
			return res, errs.E(op, errs.Other, fmt.Errorf("%s: stopped after %d chunks: %w", table, res.Chunks, err))
		}
		chunk := ids[:min(d.batch, len(ids))]
		ids = ids[len(chunk):]
		d.report(Progress{Table: table, State: Deleting, Chunk: res.Chunks + 1, Deleted: res.Deleted})

		var deleted int64
		err := storage.WithTx(ctx, d.repo, func(tx storage.Tx) error {
			q, args := d.auditQuery(dialect, table, names, chunk)
			var rows [][]any
			err := tx.Query(ctx, q, args, func(v []any) error {
				rows = append(rows, append([]any(nil), v...))
				return nil
			})
			if err != nil {
				return fmt.Errorf("select duplicates: %w", err)
			}
			for _, r := range rows {
				if err := d.audit.Record(table, r); err != nil {
					return err
				}
			}
			if err := d.audit.Flush(); err != nil {
				return err
			}

			stmt, args := dialect.DeleteByRowIDs(table, chunk)
			n, err := tx.Exec(ctx, stmt, args...)
			if err != nil {
				return fmt.Errorf("delete duplicates: %w", err)
			}
			deleted = n
			return nil
		})
		if err != nil {
			return res, storeErr(op, fmt.Errorf("%s chunk %d: %w", table, res.Chunks+1, err))
		}

		res.Chunks++
		res.Deleted += deleted
		d.log.Debug("dedupe chunk committed",
			zap.String("table", table), zap.Int("chunk", res.Chunks), zap.Int64("deleted", deleted))
	}

	d.report(Progress{Table: table, State: Done, Chunk: res.Chunks, Deleted: res.Deleted})
	d.log.Info("deduplicated table",
		zap.String("table", table),
		zap.Int64("rows", res.Total),
		zap.Int64("deleted", res.Deleted),
		zap.Int("chunks", res.Chunks),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

// identify returns the identities of every duplicate row of table in
// identity order. Nothing is deleted until it returns, so every chunk sees
// the same rows.
func (d *Deduper) identify(ctx context.Context, op, table string) ([]any, error) {
	dialect := d.repo.Dialect()
	q := d.identifyQuery(dialect, table)
	last := dialect.FirstRowID()

	var ids []any
	for {
		if err := ctx.Err(); err != nil {
			return nil, errs.E(op, errs.Other, fmt.Errorf("%s: stopped while identifying: %w", table, err))
		}
		n := 0
		err := d.repo.Query(ctx, q, []any{last}, func(v []any) error {
			ids = append(ids, v[0])
			n++
			return nil
		})
		if err != nil {
			return nil, storeErr(op, fmt.Errorf("%s: select duplicates: %w", table, err))
		}
		if n == 0 {
			break
		}
		last = ids[len(ids)-1]
		if n < d.batch {
			break
		}
	}
	return ids, nil
}

func (d *Deduper) checkKey(op, table string, cols []storage.Column) error {
	if len(d.key.Fields) == 0 && d.key.TimeColumn == "" {
		return errs.Errorf(op, errs.SchemaMismatch, "empty duplicate key")
	}
	if d.key.Tolerance < 0 {
		return errs.Errorf(op, errs.SchemaMismatch, "negative tolerance %s", d.key.Tolerance)
	}
	have := columnSet(cols)
	names := append(append([]string(nil), d.key.Fields...), d.key.TimeColumn)
	for _, f := range names {
		if f == "" {
			continue
		}
		if err := checkIdent(op, "key column", f); err != nil {
			return err
		}
		if _, ok := have[f]; !ok {
			return errs.E(op, errs.SchemaMismatch, fmt.Errorf("%s: %w %q", table, errs.ErrUnknownColumn, f))
		}
	}
	return nil
}

// identifyQuery selects the identities of the next batch of rows of table
// that have an earlier match, ordered by row identity.
func (d *Deduper) identifyQuery(dialect storage.Dialect, table string) string {
	match := []string{dialect.RowID("a") + " < " + dialect.RowID("b")}
	for _, f := range d.key.Fields {
		match = append(match, qualified("a", f)+" = "+qualified("b", f))
	}
	if d.key.TimeColumn != "" {
		match = append(match, dialect.WithinSeconds(
			qualified("a", d.key.TimeColumn), qualified("b", d.key.TimeColumn), d.key.Tolerance.Seconds()))
	}

	t := storage.QuoteIdent(table)
	return fmt.Sprintf("SELECT %s\nFROM %s AS b\nWHERE %s\n  AND EXISTS (SELECT 1 FROM %s AS a WHERE %s)\nORDER BY %s\nLIMIT %d",
		dialect.SelectRowID("b"), t, dialect.RowIDAfter("b", 1),
		t, strings.Join(match, " AND "),
		dialect.RowID("b"), d.batch)
}

// auditQuery selects cols of the rows with the given identities, in
// identity order.
func (d *Deduper) auditQuery(dialect storage.Dialect, table string, cols []string, ids []any) (string, []any) {
	sel := make([]string, len(cols))
	for i, c := range cols {
		sel[i] = qualified("b", c)
	}
	pred, args := dialect.RowIDIn("b", ids)
	return fmt.Sprintf("SELECT %s\nFROM %s AS b\nWHERE %s\nORDER BY %s",
		strings.Join(sel, ", "), storage.QuoteIdent(table), pred, dialect.RowID("b")), args
}
