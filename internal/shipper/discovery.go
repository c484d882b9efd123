package shipper

import (
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// absPattern anchors a relative glob pattern at the working directory so all
// matching happens on absolute paths.
func absPattern(pattern string) string {
	if filepath.IsAbs(pattern) {
		return pattern
	}
	wd, err := os.Getwd()
	if err != nil {
		return pattern
	}
	return filepath.Join(wd, pattern)
}

// discoverFiles returns deduplicated absolute paths of regular files matching
// any of the given glob patterns.
func discoverFiles(patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var result []string

	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(absPattern(pattern))
		if err != nil {
			return nil, err
		}

		for _, m := range matches {
			abs, err := filepath.Abs(m)
			if err != nil {
				continue
			}
			info, err := os.Stat(abs)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			if !seen[abs] {
				seen[abs] = true
				result = append(result, abs)
			}
		}
	}

	return result, nil
}

// watchDirsForPatterns extracts the static directory prefixes from glob
// patterns for use with fsnotify directory watching.
func watchDirsForPatterns(patterns []string) []string {
	seen := make(map[string]bool)
	var dirs []string

	for _, pattern := range patterns {
		dir := staticPrefix(absPattern(pattern))
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}

	return dirs
}

// staticPrefix returns the longest directory path before the first glob
// character.
func staticPrefix(pattern string) string {
	for i, c := range pattern {
		if c == '*' || c == '?' || c == '[' || c == '{' {
			return filepath.Dir(pattern[:i])
		}
	}
	// No glob characters, pattern is a literal file path.
	return filepath.Dir(pattern)
}

// matchesAnyPattern reports whether path matches any of the given glob
// patterns. PathMatch handles ** spans across separators.
func matchesAnyPattern(path string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.PathMatch(absPattern(pattern), path); ok {
			return true
		}
	}
	return false
}
