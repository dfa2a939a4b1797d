package storage

import (
	"context"
	"errors"
	"io"
	"reflect"
	"testing"
)

// fakeRepo is a minimal Repository implementation for tests.
type fakeRepo struct {
	closed bool
	tx     *fakeTx
}

func (f *fakeRepo) Exec(ctx context.Context, sql string, args ...any) (int64, error) { return 0, nil }
func (f *fakeRepo) Query(ctx context.Context, sql string, args []any, fn func([]any) error) error {
	return nil
}
func (f *fakeRepo) Begin(ctx context.Context) (Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}
func (f *fakeRepo) CopyCSV(ctx context.Context, table string, columns []string, r io.Reader) (int64, error) {
	return 0, nil
}
func (f *fakeRepo) Columns(ctx context.Context, table string) ([]Column, error) { return nil, nil }
func (f *fakeRepo) TotalRows(ctx context.Context, table string) (int64, error)  { return 0, nil }
func (f *fakeRepo) TableExists(ctx context.Context, table string) (bool, error) { return false, nil }
func (f *fakeRepo) DropTable(ctx context.Context, table string) error           { return nil }
func (f *fakeRepo) Dialect() Dialect                                            { return nil }
func (f *fakeRepo) Close()                                                      { f.closed = true }

type fakeTx struct {
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (int64, error) { return 0, nil }
func (t *fakeTx) Query(ctx context.Context, sql string, args []any, fn func([]any) error) error {
	return nil
}
func (t *fakeTx) Commit(ctx context.Context) error   { t.committed = true; return nil }
func (t *fakeTx) Rollback(ctx context.Context) error { t.rolledBack = true; return nil }

// TestRegisterAndNew_Success verifies that registering a backend enables New()
// to return the corresponding repository.
func TestRegisterAndNew_Success(t *testing.T) {
	t.Parallel()

	kind := "fake"
	Register(kind, func(ctx context.Context, cfg Config) (Repository, error) {
		return &fakeRepo{}, nil
	})

	repo, err := New(context.Background(), Config{Kind: kind})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if repo == nil {
		t.Fatalf("New returned nil repo")
	}

	// Ensure ListKinds contains the registered kind.
	kinds := ListKinds()
	found := false
	for _, k := range kinds {
		if k == kind {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("registered kind %q not present in ListKinds: %v", kind, kinds)
	}
}

// TestNew_Unsupported verifies that unsupported kinds return a helpful error.
func TestNew_Unsupported(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{Kind: "does-not-exist"})
	if err == nil {
		t.Fatalf("expected error for unsupported kind")
	}
	if got, want := err.Error(), "unsupported storage.kind=does-not-exist"; got != want {
		t.Fatalf("error = %q, want %q", got, want)
	}
}

// TestRegister_Override verifies that re-registering a kind overrides the
// previous factory (useful for tests and dynamic wiring).
func TestRegister_Override(t *testing.T) {
	t.Parallel()

	kind := "override"
	calls := 0

	Register(kind, func(ctx context.Context, cfg Config) (Repository, error) {
		calls++
		return &fakeRepo{}, nil
	})
	Register(kind, func(ctx context.Context, cfg Config) (Repository, error) {
		calls += 10
		return &fakeRepo{}, nil
	})

	_, err := New(context.Background(), Config{Kind: kind})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if calls != 10 { // only the second factory should have been used
		t.Fatalf("factory call count = %d, want 10", calls)
	}
}

// TestListKinds_Snapshot performs a shallow sanity check that ListKinds returns
// a copy (mutations by caller do not affect internal registry).
func TestListKinds_Snapshot(t *testing.T) {
	t.Parallel()

	k := "snap"
	Register(k, func(ctx context.Context, cfg Config) (Repository, error) { return &fakeRepo{}, nil })

	a := ListKinds()
	if len(a) == 0 {
		t.Fatalf("ListKinds empty after registration")
	}
	// Mutate the returned slice; registry should be unaffected.
	a[0] = "mutated"

	b := ListKinds()
	if reflect.DeepEqual(a, b) {
		t.Fatalf("ListKinds returned same slice; want snapshot copy")
	}
}

// TestRegister_AllowsErrors shows factories can return errors that bubble up.
func TestRegister_AllowsErrors(t *testing.T) {
	t.Parallel()

	kind := "errkind"
	want := errors.New("boom")

	Register(kind, func(ctx context.Context, cfg Config) (Repository, error) {
		return nil, want
	})

	_, err := New(context.Background(), Config{Kind: kind})
	if !errors.Is(err, want) {
		t.Fatalf("want %v, got %v", want, err)
	}
}

// TestWithTx_CommitAndRollback checks that WithTx commits on success and
// rolls back when fn fails.
func TestWithTx_CommitAndRollback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	repo := &fakeRepo{}
	if err := WithTx(ctx, repo, func(Tx) error { return nil }); err != nil {
		t.Fatalf("WithTx error: %v", err)
	}
	if !repo.tx.committed || repo.tx.rolledBack {
		t.Fatalf("tx state committed=%v rolledBack=%v, want commit only", repo.tx.committed, repo.tx.rolledBack)
	}

	want := errors.New("fail")
	err := WithTx(ctx, repo, func(Tx) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("want %v, got %v", want, err)
	}
	if repo.tx.committed || !repo.tx.rolledBack {
		t.Fatalf("tx state committed=%v rolledBack=%v, want rollback only", repo.tx.committed, repo.tx.rolledBack)
	}
}

func TestQuoteIdent(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"data":   `"data"`,
		`we"ird`: `"we""ird"`,
	}
	for in, want := range cases {
		if got := QuoteIdent(in); got != want {
			t.Fatalf("QuoteIdent(%q) = %s, want %s", in, got, want)
		}
	}
	if got, want := QuoteColumns([]string{"a", "b"}), `"a", "b"`; got != want {
		t.Fatalf("QuoteColumns = %s, want %s", got, want)
	}
}
