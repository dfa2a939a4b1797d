package warehouse

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"warehouse/internal/datasource/file"
	"warehouse/internal/ddl"
	"warehouse/internal/errs"
	"warehouse/internal/probe"
	"warehouse/internal/schema"
	"warehouse/internal/storage"
)

// Loader creates tables for described files and bulk-loads them. Loads into
// the same table are serialized; loads into different tables may run
// concurrently.
type Loader struct {
	repo  storage.Repository
	fs    afero.Fs
	types schema.TypeMap
	log   *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLoader returns a Loader reading files from fs.
func NewLoader(repo storage.Repository, fs afero.Fs, types schema.TypeMap, log *zap.Logger) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{repo: repo, fs: fs, types: types, log: log, locks: make(map[string]*sync.Mutex)}
}

func (l *Loader) lock(table string) func() {
	l.mu.Lock()
	m, ok := l.locks[table]
	if !ok {
		m = &sync.Mutex{}
		l.locks[table] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Prepare creates d's table if it does not exist yet.
func (l *Loader) Prepare(ctx context.Context, d probe.Descriptor) error {
	const op = "create table"
	if err := checkIdent(op, "table", d.TableName); err != nil {
		return err
	}
	stmt, err := ddl.BuildCreateTable(d, l.types)
	if err != nil {
		return err
	}
	if _, err := l.repo.Exec(ctx, stmt); err != nil {
		return storeErr(op, fmt.Errorf("%s: %w", d.TableName, err))
	}
	return nil
}

// Load appends every data row of d's file to table and returns the number
// of rows loaded. The table must exist and its leading columns must equal
// the file header, in order.
func (l *Loader) Load(ctx context.Context, table string, d probe.Descriptor) (int64, error) {
	const op = "load"
	if err := checkIdent(op, "table", table); err != nil {
		return 0, err
	}

	unlock := l.lock(table)
	defer unlock()

	cols, err := requireTable(ctx, op, l.repo, table)
	if err != nil {
		return 0, err
	}
	header := d.ColumnNames()
	if err := headerMatches(header, storage.ColumnNames(cols)); err != nil {
		return 0, errs.E(op, errs.SchemaMismatch, fmt.Errorf("%s into %s: %w", d.SourcePath, table, err))
	}

	rc, err := file.NewLocal(l.fs, d.SourcePath).Open(ctx)
	if err != nil {
		return 0, errs.E(op, errs.NotFound, fmt.Errorf("%w: %v", errs.ErrFileUnreadable, err))
	}
	defer rc.Close()

	start := time.Now()
	n, err := l.repo.CopyCSV(ctx, table, header, rc)
	if err != nil {
		return 0, storeErr(op, fmt.Errorf("%s into %s: %w", d.SourcePath, table, err))
	}
	l.log.Info("loaded file",
		zap.String("path", d.SourcePath),
		zap.String("table", table),
		zap.Int64("rows", n),
		zap.Duration("elapsed", time.Since(start)),
	)
	if n != d.RowCount {
		l.log.Warn("row count differs from describe",
			zap.String("path", d.SourcePath), zap.Int64("described", d.RowCount), zap.Int64("loaded", n))
	}
	return n, nil
}

// headerMatches requires header to be a prefix of cols. Tables only ever
// gain trailing columns (enrichment), so a file that loaded once still
// matches after a join.
func headerMatches(header, cols []string) error {
	if len(header) > len(cols) {
		return fmt.Errorf("header has %d columns, table has %d", len(header), len(cols))
	}
	for i, h := range header {
		if h != cols[i] {
			return fmt.Errorf("column %d is %q in the file but %q in the table (table columns: %s)",
				i+1, h, cols[i], strings.Join(cols, ","))
		}
	}
	return nil
}
