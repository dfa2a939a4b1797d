// Package ddl renders the DDL the warehouse issues: CREATE TABLE for loaded
// files and merge targets, and ALTER TABLE ADD COLUMN for enrichment.
//
// Column types come from the schema type map or from an existing table's
// catalog, never from file content. Identifiers are double-quoted, which both
// supported backends accept.
package ddl

import (
	"fmt"
	"strings"

	"warehouse/internal/errs"
	"warehouse/internal/probe"
	"warehouse/internal/schema"
	"warehouse/internal/storage"
)

// FromDescriptor maps every header column of d through types. Columns are
// nullable: empty CSV fields load as NULL.
func FromDescriptor(d probe.Descriptor, types schema.TypeMap) (TableDef, error) {
	t := TableDef{Name: d.TableName, Columns: make([]ColumnDef, 0, len(d.Columns))}
	for _, c := range d.Columns {
		typ, err := types.TypeOf(c.Name)
		if err != nil {
			return TableDef{}, errs.E("create table", errs.Other, fmt.Errorf("%s: %w", d.TableName, err))
		}
		t.Columns = append(t.Columns, ColumnDef{Name: c.Name, SQLType: typ.SQL(), Nullable: true})
	}
	return t, nil
}

// FromColumns builds a definition from a live table signature, used to create
// a merge target with the same columns as its sources.
func FromColumns(name string, cols []storage.Column) TableDef {
	t := TableDef{Name: name, Columns: make([]ColumnDef, len(cols))}
	for i, c := range cols {
		t.Columns[i] = ColumnDef{Name: c.Name, SQLType: c.Type, Nullable: true}
	}
	return t
}

// BuildCreateTable renders CREATE TABLE IF NOT EXISTS for a described file.
// Output depends only on the descriptor's column order and the type map.
func BuildCreateTable(d probe.Descriptor, types schema.TypeMap) (string, error) {
	t, err := FromDescriptor(d, types)
	if err != nil {
		return "", err
	}
	return BuildCreateTableSQL(t)
}

// BuildCreateTableSQL renders a deterministic CREATE TABLE statement.
//
// Rules:
//   - t.Name must be non-empty.
//   - Each column must have a non-empty Name and SQLType.
//   - A column is rendered as "<name>" <SQLType> [NOT NULL].
//   - The statement uses CREATE TABLE IF NOT EXISTS.
func BuildCreateTableSQL(t TableDef) (string, error) {
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return "", fmt.Errorf("ddl: table name must not be empty")
	}
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("ddl: at least one column is required")
	}

	cols := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		def, err := columnSQL(name, c)
		if err != nil {
			return "", err
		}
		cols = append(cols, def)
	}

	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (\n  %s\n);",
		storage.QuoteIdent(name),
		strings.Join(cols, ",\n  "),
	), nil
}

// BuildAddColumn renders ALTER TABLE ... ADD COLUMN for one column.
func BuildAddColumn(table string, c ColumnDef) (string, error) {
	if strings.TrimSpace(table) == "" {
		return "", fmt.Errorf("ddl: table name must not be empty")
	}
	def, err := columnSQL(table, c)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", storage.QuoteIdent(table), def), nil
}

func columnSQL(table string, c ColumnDef) (string, error) {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return "", fmt.Errorf("ddl: column with empty name in table %s", table)
	}
	typ := strings.TrimSpace(c.SQLType)
	if typ == "" {
		return "", fmt.Errorf("ddl: column %s missing SQLType", name)
	}
	s := storage.QuoteIdent(name) + " " + typ
	if !c.Nullable {
		s += " NOT NULL"
	}
	return s, nil
}
