package storage

import (
	"strconv"
	"strings"
)

// Dialect captures the few places where the supported backends disagree on
// SQL. Everything else the warehouse emits is portable.
type Dialect interface {
	// Name is the storage kind, e.g. "postgres".
	Name() string

	// Placeholder returns the bind marker for the n-th argument (1-based).
	Placeholder(n int) string

	// RowID is an expression yielding the stable, ordered physical row
	// identity of alias (e.g. "a.rowid"), for comparisons and ordering.
	RowID(alias string) string
	// SelectRowID is RowID in a form that scans into a Go value.
	SelectRowID(alias string) string
	// FirstRowID is a value lower than every real row identity.
	FirstRowID() any
	// RowIDAfter is a predicate "row identity of alias > the n-th argument".
	RowIDAfter(alias string, n int) string
	// RowIDIn is a predicate "row identity of alias is one of ids", with
	// its bind arguments. ids are values scanned via SelectRowID.
	RowIDIn(alias string, ids []any) (string, []any)
	// DeleteByRowIDs returns a DELETE for the given identities of table,
	// with its bind arguments. ids are values scanned via SelectRowID.
	DeleteByRowIDs(table string, ids []any) (string, []any)

	// WithinSeconds is a predicate that is true when the timestamps a and b
	// are at most tol seconds apart.
	WithinSeconds(a, b string, tol float64) string

	// Truncate removes every row of table.
	Truncate(table string) string
}

// QuoteIdent wraps an identifier in double quotes, doubling embedded quotes.
// Both postgres and sqlite accept this form.
func QuoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// QuoteColumns quotes each name and joins them with ", ".
func QuoteColumns(cols []string) string {
	q := make([]string, len(cols))
	for i, c := range cols {
		q[i] = QuoteIdent(c)
	}
	return strings.Join(q, ", ")
}

// FormatFloat renders f for inlining into SQL.
func FormatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
