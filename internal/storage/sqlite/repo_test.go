package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warehouse/internal/storage"
)

/*
Package-level test helpers (TB-aware)
*/

func newRepo(tb testing.TB, batch int) *Repository {
	tb.Helper()
	r, closeFn, err := NewRepository(context.Background(), Config{
		DSN:       filepath.Join(tb.TempDir(), "wh.db"),
		BatchSize: batch,
	})
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	tb.Cleanup(closeFn)
	return r
}

func mustExec(tb testing.TB, r *Repository, stmt string, args ...any) {
	tb.Helper()
	if _, err := r.Exec(context.Background(), stmt, args...); err != nil {
		tb.Fatalf("exec %q: %v", stmt, err)
	}
}

func TestNewRepository_EmptyDSN(t *testing.T) {
	t.Parallel()

	_, _, err := NewRepository(context.Background(), Config{DSN: "  "})
	require.Error(t, err)
}

func TestCopyCSV_LoadsRowsAcrossBatches(t *testing.T) {
	t.Parallel()

	r := newRepo(t, 2)
	ctx := context.Background()
	mustExec(t, r, `CREATE TABLE "items" ("product_id" INTEGER, "brand" VARCHAR(255))`)

	in := "product_id,brand\n1,acme\n2,\n3,\"zeta, inc\"\n4,omega\n5,x\n"
	n, err := r.CopyCSV(ctx, "items", []string{"product_id", "brand"}, strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	total, err := r.TotalRows(ctx, "items")
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)

	var brands []any
	err = r.Query(ctx, `SELECT brand FROM "items" ORDER BY product_id`, nil, func(v []any) error {
		brands = append(brands, v[0])
		return nil
	})
	require.NoError(t, err)
	require.Len(t, brands, 5)
	assert.Nil(t, brands[1], "empty field loads as NULL")
	assert.Equal(t, "zeta, inc", brands[2])
}

func TestCopyCSV_HeaderOnly(t *testing.T) {
	t.Parallel()

	r := newRepo(t, 10)
	mustExec(t, r, `CREATE TABLE "t" ("a" INTEGER)`)

	n, err := r.CopyCSV(context.Background(), "t", []string{"a"}, strings.NewReader("a\n"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCopyCSV_RaggedRowRollsBack(t *testing.T) {
	t.Parallel()

	r := newRepo(t, 1)
	ctx := context.Background()
	mustExec(t, r, `CREATE TABLE "t" ("a" INTEGER, "b" INTEGER)`)

	_, err := r.CopyCSV(ctx, "t", []string{"a", "b"}, strings.NewReader("a,b\n1,2\n3\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")

	total, err := r.TotalRows(ctx, "t")
	require.NoError(t, err)
	assert.Zero(t, total, "a failed copy must not leave partial rows")
}

func TestColumnsAndExistence(t *testing.T) {
	t.Parallel()

	r := newRepo(t, 10)
	ctx := context.Background()
	mustExec(t, r, `CREATE TABLE "customer" ("event_time" TIMESTAMP, "price" FLOAT, "brand" VARCHAR(255))`)

	cols, err := r.Columns(ctx, "customer")
	require.NoError(t, err)
	assert.Equal(t, []storage.Column{
		{Name: "event_time", Type: "TIMESTAMP"},
		{Name: "price", Type: "FLOAT"},
		{Name: "brand", Type: "VARCHAR(255)"},
	}, cols)

	ok, err := r.TableExists(ctx, "customer")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, r.DropTable(ctx, "customer"))
	ok, err = r.TableExists(ctx, "customer")
	require.NoError(t, err)
	assert.False(t, ok)

	cols, err = r.Columns(ctx, "customer")
	require.NoError(t, err)
	assert.Empty(t, cols)
}

func TestTxRollback(t *testing.T) {
	t.Parallel()

	r := newRepo(t, 10)
	ctx := context.Background()
	mustExec(t, r, `CREATE TABLE "t" ("a" INTEGER)`)

	tx, err := r.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Exec(ctx, `INSERT INTO "t" VALUES (?)`, 1)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	total, err := r.TotalRows(ctx, "t")
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestDialect(t *testing.T) {
	t.Parallel()

	d := Dialect{}
	assert.Equal(t, "?", d.Placeholder(4))
	assert.Equal(t, "b.rowid > ?", d.RowIDAfter("b", 1))
	assert.Equal(t, `DELETE FROM "customer"`, d.Truncate("customer"))
	assert.Equal(t,
		"ABS(ROUND((COALESCE(julianday(x), julianday(substr(x, 1, 19))) - COALESCE(julianday(y), julianday(substr(y, 1, 19)))) * 86400000.0)) <= 1000",
		d.WithinSeconds("x", "y", 1))

	sql, args := d.DeleteByRowIDs("customer", []any{int64(3), int64(9)})
	assert.Equal(t, `DELETE FROM "customer" WHERE rowid IN (?, ?)`, sql)
	assert.Equal(t, []any{int64(3), int64(9)}, args)

	pred, args := d.RowIDIn("b", []any{int64(4)})
	assert.Equal(t, "b.rowid IN (?)", pred)
	assert.Equal(t, []any{int64(4)}, args)
}

// TestWithinSeconds_Boundaries runs the tolerance predicate on the engine.
func TestWithinSeconds_Boundaries(t *testing.T) {
	t.Parallel()

	r := newRepo(t, 10)
	ctx := context.Background()

	cases := []struct {
		a, b string
		want int64
	}{
		{"2022-10-01 00:00:00", "2022-10-01 00:00:00.5", 1},
		{"2022-10-01 00:00:00", "2022-10-01 00:00:01", 1},
		{"2022-10-01 00:00:00", "2022-10-01 00:00:01.001", 0},
		{"2022-10-01 00:00:02", "2022-10-01 00:00:00", 0},
		{"2019-10-01 00:00:00 UTC", "2019-10-01 00:00:01 UTC", 1},
		{"2019-10-01 00:00:00 UTC", "2019-10-01 00:00:03 UTC", 0},
	}
	for _, tc := range cases {
		q := "SELECT " + Dialect{}.WithinSeconds("?1", "?2", 1)
		err := r.Query(ctx, q, []any{tc.a, tc.b}, func(v []any) error {
			assert.Equal(t, tc.want, v[0], "%s vs %s", tc.a, tc.b)
			return nil
		})
		require.NoError(t, err)
	}
}
