// Package errs defines the error kinds shared by every warehouse stage.
//
// Each failure is an *Error carrying the operation name, a Kind and the
// underlying cause. Callers branch on the kind with errors.Is:
//
//	if errors.Is(err, errs.NotFound) { ... }
//
// and on specific conditions with the exported sentinels:
//
//	if errors.Is(err, errs.ErrUnknownColumn) { ... }
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind uint8

const (
	Other Kind = iota
	// NotFound: missing directory, file, table or column.
	NotFound
	// EmptyInput: zero files or zero data rows.
	EmptyInput
	// SchemaMismatch: unmapped column, incompatible union, missing join column.
	SchemaMismatch
	// StoreFailure: the store rejected a statement.
	StoreFailure
	// NameCollision: two sources map to one table name.
	NameCollision
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case EmptyInput:
		return "empty input"
	case SchemaMismatch:
		return "schema mismatch"
	case StoreFailure:
		return "store failure"
	case NameCollision:
		return "name collision"
	default:
		return "error"
	}
}

// Error lets a Kind be used directly as an errors.Is target.
func (k Kind) Error() string { return k.String() }

// Specific conditions. They are wrapped inside an *Error that also carries
// the matching Kind.
var (
	ErrUnknownColumn     = errors.New("unknown column")
	ErrFileUnreadable    = errors.New("file unreadable")
	ErrEmptyFile         = errors.New("empty file")
	ErrDirectoryNotFound = errors.New("directory not found")
	ErrNoMatchingFiles   = errors.New("no matching files")
	ErrNameCollision     = errors.New("table name collision")
	ErrTableNotFound     = errors.New("table not found")
	ErrMissingTargetName = errors.New("missing target table name")
	ErrNoSourceTables    = errors.New("no source tables")
	ErrMissingJoinColumn = errors.New("missing join column")
)

// Error is the failure type returned by warehouse operations.
type Error struct {
	Op   string // operation, e.g. "merge" or "describe"
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a bare Kind target against the error's kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k != Other && k == e.Kind
}

// E builds an *Error. When err already carries a kind and kind is Other,
// the inner kind is kept.
func E(op string, kind Kind, err error) error {
	if kind == Other {
		kind = KindOf(err)
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// Errorf builds an *Error whose cause is a formatted message.
func Errorf(op string, kind Kind, format string, args ...any) error {
	return &Error{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain, or Other.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Other
}
