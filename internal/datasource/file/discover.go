package file

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/spf13/afero"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"warehouse/internal/errs"
)

// maxIdentLen is the postgres identifier limit (NAMEDATALEN - 1).
const maxIdentLen = 63

// Source is one discovered CSV file.
type Source struct {
	Path      string
	TableName string
	Size      int64
}

// Skip is a file that matched but cannot be ingested.
type Skip struct {
	Path string
	Err  error
}

// Discover walks root and returns every regular file whose extension equals
// ext (case-insensitive, with or without the leading dot), in lexical walk
// order. Zero-byte files are returned as skips. With recursive false only the
// top level of root is listed.
func Discover(fs afero.Fs, root, ext string, recursive bool) ([]Source, []Skip, error) {
	const op = "discover"

	info, err := fs.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, nil, errs.E(op, errs.NotFound, fmt.Errorf("%w: %s", errs.ErrDirectoryNotFound, root))
	}
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	var (
		sources []Source
		skips   []Skip
		owners  = map[string]string{}
	)
	walkErr := afero.Walk(fs, root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			skips = append(skips, Skip{Path: path, Err: err})
			return nil
		}
		if fi.IsDir() {
			if path != root && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if !fi.Mode().IsRegular() || strings.ToLower(filepath.Ext(path)) != ext {
			return nil
		}
		if fi.Size() == 0 {
			skips = append(skips, Skip{Path: path, Err: errs.E(op, errs.EmptyInput, fmt.Errorf("%w: %s", errs.ErrEmptyFile, path))})
			return nil
		}

		name := TableNameFor(path)
		if prev, ok := owners[name]; ok {
			return errs.E(op, errs.NameCollision,
				fmt.Errorf("%w: %s and %s both map to %q", errs.ErrNameCollision, prev, path, name))
		}
		owners[name] = path
		sources = append(sources, Source{Path: path, TableName: name, Size: fi.Size()})
		return nil
	})
	if walkErr != nil {
		var e *errs.Error
		if errors.As(walkErr, &e) {
			return nil, nil, walkErr
		}
		return nil, nil, errs.E(op, errs.NotFound, fmt.Errorf("walk %s: %w", root, walkErr))
	}
	if len(sources) == 0 {
		return nil, skips, errs.E(op, errs.EmptyInput, fmt.Errorf("%w: %s in %s", errs.ErrNoMatchingFiles, ext, root))
	}
	return sources, skips, nil
}

// TableNameFor derives a table name from a file path: the base name up to
// its first '.', folded to a lowercase ASCII identifier. Accents are
// stripped. Runs of spaces, '-' and '_' become a single '_' and any other
// character is dropped. A leading digit gets a "t_" prefix and the result
// is cut to 63 bytes.
//
//	/data/2022/Data_2022_Oct.csv -> data_2022_oct
//	/data/Čísla.tar.csv          -> cisla
//	/data/oct (copy).csv         -> oct_copy
//	/data/2022.csv               -> t_2022
func TableNameFor(path string) string {
	base := filepath.Base(path)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	return normalizeIdent(base)
}

func normalizeIdent(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	// Decompose → remove nonspacing marks (accents) → recompose.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	ascii, _, _ := transform.String(t, s)

	var b strings.Builder
	prevUnderscore := false
	for _, r := range ascii {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prevUnderscore = false
		case r == '_' || r == ' ' || r == '-':
			if !prevUnderscore {
				b.WriteByte('_')
				prevUnderscore = true
			}
		}
	}
	name := strings.Trim(b.String(), "_")
	if name == "" {
		name = "t"
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "t_" + name
	}
	if len(name) > maxIdentLen {
		name = strings.TrimRight(name[:maxIdentLen], "_")
	}
	return name
}
