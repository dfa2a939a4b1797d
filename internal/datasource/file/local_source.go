// Package file implements the local filesystem side of the warehouse: CSV
// discovery, table naming and sequential file access.
package file

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/afero"

	"warehouse/internal/datasource"
)

var _ datasource.Source = (*Local)(nil)

// Local is a filesystem data source that opens one file from fs.
type Local struct {
	fs   afero.Fs
	path string
}

// NewLocal returns a new Local data source bound to the provided filesystem
// path. The returned value is safe for concurrent use by multiple goroutines
// as long as the underlying path location is valid for concurrent reads.
func NewLocal(fs afero.Fs, path string) *Local { return &Local{fs: fs, path: path} }

// Path returns the bound path.
func (l *Local) Path() string { return l.path }

// Open opens the configured path for reading and returns an io.ReadCloser.
//
// Behavior:
//   - If the context is already canceled or its deadline exceeded at the time
//     of the call, Open returns the context error immediately without touching
//     the filesystem.
//   - Otherwise, Open attempts to open the underlying file, hints sequential
//     access to the kernel where supported, and returns it.
//   - Any filesystem error is wrapped with the path for context, while still
//     permitting errors.Is/As checks by callers (e.g., errors.Is(err, os.ErrNotExist)).
func (l *Local) Open(ctx context.Context) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	f, err := l.fs.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", l.path, err)
	}
	AdviseSequential(f)
	return f, nil
}
