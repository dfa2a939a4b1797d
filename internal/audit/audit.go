// Package audit writes the deletion log: one line per removed row, the table
// name followed by the row's values, CSV-encoded.
package audit

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"warehouse/internal/schema"
)

// Mode selects what happens to an existing log file.
type Mode string

const (
	Append    Mode = "append"
	Overwrite Mode = "overwrite"
)

// ParseMode maps a config value to a Mode; empty means Append.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", Append:
		return Append, nil
	case Overwrite:
		return Overwrite, nil
	default:
		return "", fmt.Errorf("audit: unknown mode %q (want append|overwrite)", s)
	}
}

// Recorder receives rows before they are deleted. Flush must make every
// recorded row durable.
type Recorder interface {
	Record(table string, values []any) error
	Flush() error
}

// Discard is a Recorder that drops everything.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(string, []any) error { return nil }
func (discard) Flush() error               { return nil }

// Log is a file-backed Recorder. It is safe for concurrent use.
type Log struct {
	mu     sync.Mutex
	path   string
	f      afero.File
	cw     *countingWriter
	w      *csv.Writer
	counts map[string]int64
	log    *zap.Logger
}

// Open creates (or, in Append mode, extends) the log at path, creating
// missing parent directories.
func Open(fs afero.Fs, path string, mode Mode, log *zap.Logger) (*Log, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit: create dir %s: %w", filepath.Dir(path), err)
	}
	flags := os.O_CREATE | os.O_WRONLY
	if mode == Overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_APPEND
	}
	f, err := fs.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	cw := &countingWriter{w: f}
	return &Log{
		path:   path,
		f:      f,
		cw:     cw,
		w:      csv.NewWriter(cw),
		counts: make(map[string]int64),
		log:    log,
	}, nil
}

// Record appends one row.
func (l *Log) Record(table string, values []any) error {
	rec := make([]string, 0, len(values)+1)
	rec = append(rec, table)
	for _, v := range values {
		rec = append(rec, FormatValue(v))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Write(rec); err != nil {
		return fmt.Errorf("audit: write: %w", err)
	}
	l.counts[table]++
	return nil
}

// Flush pushes buffered lines to the file and syncs it.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		return fmt.Errorf("audit: flush: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}
	return nil
}

// Counts returns the number of rows recorded per table.
func (l *Log) Counts() map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int64, len(l.counts))
	for k, v := range l.counts {
		out[k] = v
	}
	return out
}

// Close flushes, closes the file and logs how much was written.
func (l *Log) Close() error {
	ferr := l.Flush()
	l.mu.Lock()
	defer l.mu.Unlock()
	cerr := l.f.Close()
	l.log.Info("audit log written", zap.String("path", l.path), zap.Int64("bytes", l.cw.n))
	if ferr != nil {
		return ferr
	}
	if cerr != nil {
		return fmt.Errorf("audit: close: %w", cerr)
	}
	return nil
}

// FormatValue renders a scanned column value the way it appeared in the
// source file. NULL becomes the empty string.
func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(schema.Layout + ".999999")
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprint(t)
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
