package warehouse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warehouse/internal/errs"
)

func seedPeriods(t *testing.T, e *env) {
	t.Helper()
	e.write(t, "/in/data_2022_oct.csv", eventHeader+
		"2022-10-01 00:00:00,view,1,9.99,1,s1\n"+
		"2022-10-02 00:00:00,cart,2,5,2,s2\n")
	e.write(t, "/in/data_2022_nov.csv", eventHeader+
		"2022-11-01 00:00:00,view,1,9.99,1,s9\n")
	e.ingest(t, "/in/data_2022_oct.csv")
	e.ingest(t, "/in/data_2022_nov.csv")
}

func TestMerge_RowCountIsSumOfSources(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	seedPeriods(t, e)

	m := NewMerger(e.repo, nil)
	res, err := m.Merge(e.ctx, MergeSpec{Sources: []string{"data_2022_oct", "data_2022_nov"}, Target: "customer"})
	require.NoError(t, err)
	assert.Equal(t, MergeResult{Rows: 3}, res)
	assert.Equal(t, int64(3), e.rows(t, "customer"))

	cols, err := e.repo.Columns(e.ctx, "customer")
	require.NoError(t, err)
	src, err := e.repo.Columns(e.ctx, "data_2022_oct")
	require.NoError(t, err)
	assert.Equal(t, src, cols)
}

func TestMerge_IsFullReplace(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	seedPeriods(t, e)

	m := NewMerger(e.repo, nil)
	spec := MergeSpec{Sources: []string{"data_2022_oct", "data_2022_nov"}, Target: "customer"}
	for i := 0; i < 3; i++ {
		res, err := m.Merge(e.ctx, spec)
		require.NoError(t, err)
		assert.Equal(t, int64(3), res.Rows, "run %d", i)
		assert.Empty(t, res.Cleared, "run %d", i)
	}
}

func TestMerge_KeepsEnrichedColumns(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	seedPeriods(t, e)

	m := NewMerger(e.repo, nil)
	spec := MergeSpec{Sources: []string{"data_2022_oct", "data_2022_nov"}, Target: "customer"}
	_, err := m.Merge(e.ctx, spec)
	require.NoError(t, err)
	_, err = e.repo.Exec(e.ctx, `ALTER TABLE "customer" ADD COLUMN "brand" VARCHAR(255)`)
	require.NoError(t, err)

	res, err := m.Merge(e.ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Rows)
	assert.Equal(t, []string{"brand"}, res.Cleared)
	assert.Equal(t, []string{"<nil>", "<nil>", "<nil>"}, e.column(t, "customer", "brand"))
}

func TestMerge_Validation(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	seedPeriods(t, e)
	e.write(t, "/in/item.csv", "product_id,brand\n1,acme\n")
	e.ingest(t, "/in/item.csv")
	_, err := e.repo.Exec(e.ctx, `CREATE TABLE "narrow" ("event_time" TIMESTAMP)`)
	require.NoError(t, err)

	tests := []struct {
		name     string
		spec     MergeSpec
		wantKind errs.Kind
		wantErr  error
	}{
		{"missing target", MergeSpec{Sources: []string{"data_2022_oct"}}, errs.SchemaMismatch, errs.ErrMissingTargetName},
		{"no sources", MergeSpec{Target: "customer"}, errs.EmptyInput, errs.ErrNoSourceTables},
		{"missing source", MergeSpec{Sources: []string{"data_2022_oct", "data_2022_dec"}, Target: "customer"}, errs.NotFound, errs.ErrTableNotFound},
		{"incompatible sources", MergeSpec{Sources: []string{"data_2022_oct", "item"}, Target: "customer"}, errs.SchemaMismatch, nil},
		{"target among sources", MergeSpec{Sources: []string{"data_2022_oct"}, Target: "data_2022_oct"}, errs.SchemaMismatch, nil},
		{"target lacks a column", MergeSpec{Sources: []string{"data_2022_oct"}, Target: "narrow"}, errs.SchemaMismatch, nil},
		{"unsafe target name", MergeSpec{Sources: []string{"data_2022_oct"}, Target: `x"; DROP TABLE item; --`}, errs.SchemaMismatch, nil},
	}
	m := NewMerger(e.repo, nil)
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Merge(e.ctx, tc.spec)
			assertKind(t, err, tc.wantKind)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			}
		})
	}

	exists, err := e.repo.TableExists(e.ctx, "customer")
	require.NoError(t, err)
	assert.False(t, exists, "failed merges must not create the target")
	assert.Equal(t, int64(1), e.rows(t, "item"))
}
