package ddl

// ColumnDef describes a single column in a table definition.
//
// Fields:
//   - Name: column name (unquoted; quoting happens at render time)
//   - SQLType: target SQL type (e.g., VARCHAR(255), BIGINT, TIMESTAMP)
//   - Nullable: whether NULL is allowed
type ColumnDef struct {
	Name     string
	SQLType  string
	Nullable bool
}

// TableDef holds the table name and an ordered list of columns.
type TableDef struct {
	Name    string
	Columns []ColumnDef
}
