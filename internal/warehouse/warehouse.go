// Package warehouse implements the store-side stages of the pipeline: bulk
// loading described CSV files, merging period tables, removing near-duplicate
// rows and enriching a table with columns from another one.
//
// Every stage talks to the store only through storage.Repository and emits
// SQL built from validated identifiers, so it runs unchanged on postgres and
// sqlite. Failures are *errs.Error values carrying the stage name and kind.
package warehouse

import (
	"context"
	"fmt"
	"strings"

	"warehouse/internal/errs"
	"warehouse/internal/schema"
	"warehouse/internal/storage"
)

// checkIdent rejects names that must not be interpolated into SQL.
func checkIdent(op, what, name string) error {
	if !schema.ValidIdent(name) {
		return errs.Errorf(op, errs.SchemaMismatch, "invalid %s name %q", what, name)
	}
	return nil
}

// storeErr classifies a repository error. Errors that already carry a kind
// keep it; everything else is a StoreFailure.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errs.KindOf(err) != errs.Other {
		return errs.E(op, errs.Other, err)
	}
	return errs.E(op, errs.StoreFailure, err)
}

// requireTable returns the table's columns or a NotFound error.
func requireTable(ctx context.Context, op string, repo storage.Repository, table string) ([]storage.Column, error) {
	ok, err := repo.TableExists(ctx, table)
	if err != nil {
		return nil, storeErr(op, err)
	}
	if !ok {
		return nil, errs.E(op, errs.NotFound, fmt.Errorf("%w: %s", errs.ErrTableNotFound, table))
	}
	cols, err := repo.Columns(ctx, table)
	if err != nil {
		return nil, storeErr(op, err)
	}
	return cols, nil
}

// columnSet indexes column names.
func columnSet(cols []storage.Column) map[string]storage.Column {
	m := make(map[string]storage.Column, len(cols))
	for _, c := range cols {
		m[c.Name] = c
	}
	return m
}

// qualified renders alias."col".
func qualified(alias, col string) string {
	return alias + "." + storage.QuoteIdent(col)
}

// sameType compares catalog types loosely; backends differ in case and
// spacing for the same declared type.
func sameType(a, b string) bool {
	norm := func(s string) string { return strings.Join(strings.Fields(strings.ToLower(s)), " ") }
	return norm(a) == norm(b)
}
