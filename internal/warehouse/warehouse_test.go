package warehouse

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warehouse/internal/errs"
	"warehouse/internal/probe"
	"warehouse/internal/schema"
	"warehouse/internal/storage"
	_ "warehouse/internal/storage/sqlite"
)

const eventHeader = "event_time,event_type,product_id,price,user_id,user_session\n"

/*
Package-level test helpers (TB-aware)
*/

type env struct {
	ctx    context.Context
	repo   storage.Repository
	fs     afero.Fs
	loader *Loader
}

func newEnv(tb testing.TB) *env {
	tb.Helper()
	ctx := context.Background()
	repo, err := storage.New(ctx, storage.Config{
		Kind:      "sqlite",
		DSN:       filepath.Join(tb.TempDir(), "wh.db"),
		BatchSize: 2,
	})
	require.NoError(tb, err)
	tb.Cleanup(repo.Close)

	fs := afero.NewMemMapFs()
	return &env{
		ctx:    ctx,
		repo:   repo,
		fs:     fs,
		loader: NewLoader(repo, fs, schema.DefaultTypeMap(), nil),
	}
}

func (e *env) write(tb testing.TB, path, body string) {
	tb.Helper()
	require.NoError(tb, afero.WriteFile(e.fs, path, []byte(body), 0o644))
}

// ingest describes path, creates its table and loads it.
func (e *env) ingest(tb testing.TB, path string) probe.Descriptor {
	tb.Helper()
	d, err := probe.Describe(e.fs, path)
	require.NoError(tb, err)
	require.NoError(tb, e.loader.Prepare(e.ctx, d))
	_, err = e.loader.Load(e.ctx, d.TableName, d)
	require.NoError(tb, err)
	return d
}

func (e *env) rows(tb testing.TB, table string) int64 {
	tb.Helper()
	n, err := e.repo.TotalRows(e.ctx, table)
	require.NoError(tb, err)
	return n
}

// column returns one column of table ordered by rowid, NULL as "<nil>".
func (e *env) column(tb testing.TB, table, col string) []string {
	tb.Helper()
	var out []string
	q := "SELECT " + storage.QuoteIdent(col) + " FROM " + storage.QuoteIdent(table) + " ORDER BY rowid"
	err := e.repo.Query(e.ctx, q, nil, func(v []any) error {
		switch t := v[0].(type) {
		case nil:
			out = append(out, "<nil>")
		case []byte:
			out = append(out, string(t))
		default:
			out = append(out, fmt.Sprint(t))
		}
		return nil
	})
	require.NoError(tb, err)
	return out
}

type memRecorder struct {
	mu      sync.Mutex
	rows    [][]any
	flushes int
}

func (m *memRecorder) Record(_ string, v []any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, v)
	return nil
}

func (m *memRecorder) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
	return nil
}

func assertKind(t *testing.T, err error, kind errs.Kind) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errors.Is(err, kind), "want %s, got %v", kind, err)
}
