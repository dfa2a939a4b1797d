// Package datasource defines how pipeline stages obtain input bytes.
package datasource

import (
	"context"
	"io"
)

// Source opens one input for reading. Callers close the returned reader.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}
