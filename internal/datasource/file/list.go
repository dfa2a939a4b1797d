package file

import (
	"bufio"
	"strings"

	"github.com/spf13/afero"
)

// ReadList reads a text file line by line and returns a slice of strings
// containing non-empty, non-comment lines.
//
// Lines that are empty or start with '#' (after trimming leading/trailing
// whitespace) are skipped. This makes it convenient to maintain list files
// with comments and blank separators, e.g. the merge source list.
//
// The order of lines is preserved. On I/O error, a non-nil error is returned.
func ReadList(fs afero.Fs, path string) ([]string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
