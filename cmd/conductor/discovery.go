package main

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"conductor/pkg/config"
)

// discover expands patterns relative to root into the sorted, unique list
// of items. A pattern naming a directory stands for every default match
// below it. For the gotest backend items are package directories ("./dir");
// directories the go tool ignores are skipped.
func discover(root, backendName string, patterns []string) ([]string, error) {
	fsys := os.DirFS(root)
	fileGlob := path.Base(config.DefaultPatterns(backendName)[0])

	var items []string
	for _, p := range patterns {
		p = filepath.ToSlash(filepath.Clean(p))
		if filepath.IsAbs(p) {
			rel, err := filepath.Rel(root, p)
			if err != nil || strings.HasPrefix(rel, "..") {
				return nil, fmt.Errorf("pattern %q is outside %s", p, root)
			}
			p = filepath.ToSlash(rel)
		}
		if info, err := fs.Stat(fsys, p); err == nil && info.IsDir() {
			p = path.Join(p, "**", fileGlob)
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid pattern %q", p)
		}

		matches, err := doublestar.Glob(fsys, p, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", p, err)
		}
		for _, m := range matches {
			if backendName == config.BackendGoTest {
				if ignoredByGo(m) {
					continue
				}
				m = packageDir(m)
			}
			items = append(items, m)
		}
	}

	slices.Sort(items)
	return slices.Compact(items), nil
}

// packageDir turns a file path into the go test package argument for its
// directory.
func packageDir(file string) string {
	dir := path.Dir(file)
	if dir == "." {
		return "."
	}
	return "./" + dir
}

// ignoredByGo reports whether any directory on the path is one the go tool
// skips when matching packages.
func ignoredByGo(file string) bool {
	dir := path.Dir(file)
	if dir == "." {
		return false
	}
	for _, seg := range strings.Split(dir, "/") {
		if seg == "testdata" || seg == "vendor" || strings.HasPrefix(seg, ".") || strings.HasPrefix(seg, "_") {
			return true
		}
	}
	return false
}
