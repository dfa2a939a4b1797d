// Package schema owns the column → SQL type policy of the warehouse.
//
// The type map is a closed, validated dictionary: every key is a safe SQL
// identifier and every value one of the DBType constants. Column names that
// are not registered are rejected instead of guessed, which also keeps
// uncontrolled text out of generated statements.
package schema

import (
	"fmt"
	"regexp"
	"strings"

	"warehouse/internal/errs"
)

// DBType is the storage type of a column.
type DBType uint8

const (
	Varchar DBType = iota
	Timestamp
	Integer
	BigInt
	Float
)

// SQL renders the type for DDL. Both supported backends accept these names.
func (t DBType) SQL() string {
	switch t {
	case Timestamp:
		return "TIMESTAMP"
	case Integer:
		return "INTEGER"
	case BigInt:
		return "BIGINT"
	case Float:
		return "FLOAT"
	default:
		return "VARCHAR(255)"
	}
}

func (t DBType) String() string {
	switch t {
	case Timestamp:
		return "timestamp"
	case Integer:
		return "integer"
	case BigInt:
		return "bigint"
	case Float:
		return "float"
	default:
		return "varchar"
	}
}

// ParseDBType maps a config type name to a DBType.
func ParseDBType(s string) (DBType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "timestamp", "datetime":
		return Timestamp, nil
	case "integer", "int":
		return Integer, nil
	case "bigint":
		return BigInt, nil
	case "float", "double", "real":
		return Float, nil
	case "varchar", "text", "string":
		return Varchar, nil
	default:
		return 0, fmt.Errorf("unknown column type %q", s)
	}
}

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// ValidIdent reports whether s may be interpolated into SQL as an identifier.
func ValidIdent(s string) bool { return identRe.MatchString(s) }

// TypeMap translates a source column name into its storage type.
type TypeMap struct {
	types map[string]DBType
}

// DefaultTypeMap returns the mapping for the e-commerce event and item files.
func DefaultTypeMap() TypeMap {
	return TypeMap{types: map[string]DBType{
		"event_time":    Timestamp,
		"event_type":    Varchar,
		"product_id":    Integer,
		"price":         Float,
		"user_id":       Integer,
		"user_session":  Varchar,
		"category_id":   BigInt,
		"category_code": Varchar,
		"brand":         Varchar,
	}}
}

// NewTypeMap builds a TypeMap from config entries layered over base.
// Keys must be valid identifiers and values known type names.
func NewTypeMap(base TypeMap, overrides map[string]string) (TypeMap, error) {
	out := TypeMap{types: make(map[string]DBType, len(base.types)+len(overrides))}
	for k, v := range base.types {
		out.types[k] = v
	}
	for name, typ := range overrides {
		if !ValidIdent(name) {
			return TypeMap{}, errs.Errorf("type map", errs.SchemaMismatch, "invalid column name %q", name)
		}
		t, err := ParseDBType(typ)
		if err != nil {
			return TypeMap{}, errs.E("type map", errs.SchemaMismatch, fmt.Errorf("column %s: %w", name, err))
		}
		out.types[name] = t
	}
	return out, nil
}

// TypeOf returns the storage type for column.
func (m TypeMap) TypeOf(column string) (DBType, error) {
	t, ok := m.types[column]
	if !ok {
		return 0, errs.E("type of", errs.SchemaMismatch, fmt.Errorf("%w %q", errs.ErrUnknownColumn, column))
	}
	return t, nil
}
