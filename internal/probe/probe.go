// Package probe describes CSV files: header, per-column type hints, row count,
// size and content checksum, computed in one streaming pass.
package probe

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"warehouse/internal/datasource/file"
	"warehouse/internal/errs"
)

// Column is one header field with the type observed in the data.
type Column struct {
	Name     string
	Inferred Inferred
}

// Descriptor is the metadata of one CSV file. It is never modified after
// Describe returns.
type Descriptor struct {
	SourcePath string
	TableName  string
	Columns    []Column
	RowCount   int64  // data rows, header excluded
	ByteSize   int64  // bytes read, header included
	Checksum   uint64 // xxh3-64 of the file content
}

// ColumnNames returns the header in file order.
func (d Descriptor) ColumnNames() []string {
	out := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		out[i] = c.Name
	}
	return out
}

// MarshalLogObject renders the descriptor as a structured log field.
func (d Descriptor) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("path", d.SourcePath)
	enc.AddString("table", d.TableName)
	enc.AddInt64("rows", d.RowCount)
	enc.AddInt64("bytes", d.ByteSize)
	enc.AddString("checksum", fmt.Sprintf("%016x", d.Checksum))
	cols := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		cols[i] = c.Name + ":" + c.Inferred.String()
	}
	enc.AddString("columns", strings.Join(cols, ","))
	return nil
}

// Field returns d as a zap field.
func (d Descriptor) Field() zap.Field { return zap.Object("descriptor", d) }

// Describe reads path from fs once and returns its Descriptor.
//
// It fails with errs.ErrFileUnreadable (NotFound) when the file cannot be
// opened or parsed, errs.ErrEmptyFile (EmptyInput) when there is no data row,
// and SchemaMismatch when the header repeats a column name.
func Describe(fs afero.Fs, path string) (Descriptor, error) {
	const op = "describe"

	f, err := fs.Open(path)
	if err != nil {
		return Descriptor{}, errs.E(op, errs.NotFound, fmt.Errorf("%w: %s: %v", errs.ErrFileUnreadable, path, err))
	}
	defer f.Close()
	file.AdviseSequential(f)

	h := xxh3.New()
	cnt := &countingReader{r: io.TeeReader(f, h)}
	cr := csv.NewReader(cnt)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return Descriptor{}, errs.E(op, errs.EmptyInput, fmt.Errorf("%w: %s", errs.ErrEmptyFile, path))
	}
	if err != nil {
		return Descriptor{}, errs.E(op, errs.NotFound, fmt.Errorf("%w: %s: %v", errs.ErrFileUnreadable, path, err))
	}

	names, err := cleanHeader(header)
	if err != nil {
		return Descriptor{}, errs.E(op, errs.SchemaMismatch, fmt.Errorf("%s: %w", path, err))
	}

	states := make([]columnState, len(names))
	var rows int64
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Descriptor{}, errs.E(op, errs.NotFound, fmt.Errorf("%w: %s: %v", errs.ErrFileUnreadable, path, err))
		}
		for i, v := range rec {
			states[i].observe(v)
		}
		rows++
	}
	if rows == 0 {
		return Descriptor{}, errs.E(op, errs.EmptyInput, fmt.Errorf("%w: %s", errs.ErrEmptyFile, path))
	}

	cols := make([]Column, len(names))
	for i, n := range names {
		cols[i] = Column{Name: n, Inferred: states[i].result()}
	}
	return Descriptor{
		SourcePath: path,
		TableName:  file.TableNameFor(path),
		Columns:    cols,
		RowCount:   rows,
		ByteSize:   cnt.n,
		Checksum:   h.Sum64(),
	}, nil
}

func cleanHeader(header []string) ([]string, error) {
	out := make([]string, len(header))
	seen := make(map[string]struct{}, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		h = strings.TrimSpace(h)
		if h == "" {
			return nil, fmt.Errorf("empty column name at position %d", i+1)
		}
		if _, dup := seen[h]; dup {
			return nil, fmt.Errorf("duplicate column %q", h)
		}
		seen[h] = struct{}{}
		out[i] = h
	}
	return out, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
