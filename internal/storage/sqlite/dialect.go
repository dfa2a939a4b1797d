package sqlite

import (
	"fmt"
	"math"
	"strings"

	"warehouse/internal/storage"
)

// Dialect is the SQLite SQL flavour. Row identity is the implicit rowid.
type Dialect struct{}

var _ storage.Dialect = Dialect{}

func (Dialect) Name() string { return "sqlite" }

func (Dialect) Placeholder(int) string { return "?" }

func (Dialect) RowID(alias string) string { return alias + ".rowid" }

func (Dialect) SelectRowID(alias string) string { return alias + ".rowid" }

func (Dialect) FirstRowID() any { return int64(0) }

func (Dialect) RowIDAfter(alias string, _ int) string { return alias + ".rowid > ?" }

func (Dialect) RowIDIn(alias string, ids []any) (string, []any) {
	return fmt.Sprintf("%s.rowid IN (%s)", alias, placeholders(len(ids))), ids
}

func (Dialect) DeleteByRowIDs(table string, ids []any) (string, []any) {
	return fmt.Sprintf("DELETE FROM %s WHERE rowid IN (%s)", storage.QuoteIdent(table), placeholders(len(ids))), ids
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// WithinSeconds compares in whole milliseconds; julianday arithmetic is not
// exact at second boundaries. Values julianday cannot parse, such as
// "2019-10-01 00:00:00 UTC", are compared on their first 19 characters.
func (Dialect) WithinSeconds(a, b string, tol float64) string {
	ms := int64(math.Round(tol * 1000))
	return fmt.Sprintf("ABS(ROUND((%s - %s) * 86400000.0)) <= %d", julian(a), julian(b), ms)
}

func julian(x string) string {
	return fmt.Sprintf("COALESCE(julianday(%s), julianday(substr(%s, 1, 19)))", x, x)
}

func (Dialect) Truncate(table string) string {
	return "DELETE FROM " + storage.QuoteIdent(table)
}
