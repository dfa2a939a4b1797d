package warehouse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warehouse/internal/errs"
	"warehouse/internal/probe"
)

func TestLoader_PrepareAndLoad(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	e.write(t, "/in/data_2022_oct.csv", eventHeader+
		"2022-10-01 00:00:00,view,1,9.99,1,s1\n"+
		"2022-10-01 00:00:05,cart,2,10,,s2\n"+
		"2022-10-01 00:00:09,view,3,1.5,2,\"s,3\"\n")
	d := e.ingest(t, "/in/data_2022_oct.csv")

	assert.Equal(t, int64(3), e.rows(t, d.TableName))
	assert.Equal(t, []string{"1", "<nil>", "2"}, e.column(t, d.TableName, "user_id"))
	assert.Equal(t, []string{"s1", "s2", "s,3"}, e.column(t, d.TableName, "user_session"))

	// Prepare is idempotent.
	require.NoError(t, e.loader.Prepare(e.ctx, d))
}

func TestLoader_LoadAppends(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	e.write(t, "/in/data_2022_oct.csv", eventHeader+"2022-10-01 00:00:00,view,1,9.99,1,s1\n")
	d := e.ingest(t, "/in/data_2022_oct.csv")

	n, err := e.loader.Load(e.ctx, d.TableName, d)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int64(2), e.rows(t, d.TableName))
}

func TestLoader_MissingTable(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	e.write(t, "/in/item.csv", "product_id,brand\n1,acme\n")
	d, err := probe.Describe(e.fs, "/in/item.csv")
	require.NoError(t, err)

	_, err = e.loader.Load(e.ctx, "item", d)
	assertKind(t, err, errs.NotFound)
	assert.ErrorIs(t, err, errs.ErrTableNotFound)
}

func TestLoader_HeaderMismatch(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	e.write(t, "/in/data_2022_oct.csv", eventHeader+"2022-10-01 00:00:00,view,1,9.99,1,s1\n")
	e.write(t, "/in/swapped.csv", "event_type,event_time,product_id,price,user_id,user_session\n"+
		"view,2022-10-01 00:00:00,1,9.99,1,s1\n")
	oct := e.ingest(t, "/in/data_2022_oct.csv")

	d, err := probe.Describe(e.fs, "/in/swapped.csv")
	require.NoError(t, err)
	_, err = e.loader.Load(e.ctx, oct.TableName, d)
	assertKind(t, err, errs.SchemaMismatch)
	assert.Contains(t, err.Error(), "event_type")
	assert.Equal(t, int64(1), e.rows(t, oct.TableName), "nothing loaded on mismatch")
}

func TestLoader_UnknownColumn(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	e.write(t, "/in/odd.csv", "colour\nred\n")
	d, err := probe.Describe(e.fs, "/in/odd.csv")
	require.NoError(t, err)

	err = e.loader.Prepare(e.ctx, d)
	assertKind(t, err, errs.SchemaMismatch)
	assert.ErrorIs(t, err, errs.ErrUnknownColumn)
}

func TestLoader_UnreadableFile(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	e.write(t, "/in/item.csv", "product_id,brand\n1,acme\n")
	d := e.ingest(t, "/in/item.csv")
	require.NoError(t, e.fs.Remove("/in/item.csv"))

	_, err := e.loader.Load(e.ctx, d.TableName, d)
	assertKind(t, err, errs.NotFound)
	assert.ErrorIs(t, err, errs.ErrFileUnreadable)
}

func TestHeaderMatches(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		header  []string
		cols    []string
		wantErr bool
	}{
		{"equal", []string{"a", "b"}, []string{"a", "b"}, false},
		{"prefix of enriched table", []string{"a", "b"}, []string{"a", "b", "brand"}, false},
		{"reordered", []string{"b", "a"}, []string{"a", "b"}, true},
		{"longer than table", []string{"a", "b", "c"}, []string{"a", "b"}, true},
		{"renamed", []string{"a", "x"}, []string{"a", "b"}, true},
	}
	for _, tc := range tests {
		err := headerMatches(tc.header, tc.cols)
		if tc.wantErr {
			assert.Error(t, err, tc.name)
		} else {
			assert.NoError(t, err, tc.name)
		}
	}
}
