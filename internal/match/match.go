// Package match decides which local paths are mirrored.
//
// Patterns are regular expressions matched against the start of the full
// path string: a pattern matches when it matches a prefix of the path, and
// the remainder of the path is unconstrained. So "/data/logs" matches
// "/data/logs/a.txt", and ".*\.csv$" matches any path ending in ".csv".
// Exclude patterns are evaluated first and win over include patterns.
package match

import (
	"fmt"
	"regexp"

	"github.com/spf13/afero"

	"github.com/s3mirror/s3mirror/internal/config"
)

// Matcher holds compiled include and exclude patterns. It is safe for
// concurrent use.
type Matcher struct {
	fs      afero.Fs
	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

// New compiles the include and exclude patterns. A pattern that does not
// compile is reported as a *config.Error.
func New(fs afero.Fs, include, exclude []string) (*Matcher, error) {
	inc, err := compile("folder.include", include)
	if err != nil {
		return nil, err
	}
	exc, err := compile("folder.exclude", exclude)
	if err != nil {
		return nil, err
	}
	return &Matcher{fs: fs, include: inc, exclude: exc}, nil
}

func compile(field string, patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(`^(?:` + p + `)`)
		if err != nil {
			return nil, &config.Error{Field: field, Reason: fmt.Sprintf("bad pattern %q", p), Err: err}
		}
		out = append(out, re)
	}
	return out, nil
}

// InScope reports whether path names an existing regular file that passes
// the pattern policy. Directories are never in scope.
func (m *Matcher) InScope(path string) bool {
	info, err := m.fs.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return m.Matches(path)
}

// Matches applies only the pattern policy, without touching the
// filesystem. Used to filter notifications for paths that may no longer
// exist.
func (m *Matcher) Matches(path string) bool {
	for _, re := range m.exclude {
		if re.MatchString(path) {
			return false
		}
	}
	for _, re := range m.include {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}
