// Package artifact selects the host file a VM config pattern refers to.
//
// Config entries such as kernel_image_path may be glob patterns. When a
// pattern matches more than one file, an Ordering picks exactly one: by
// default the most recently modified, optionally the one with the highest
// version embedded in its name.
package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

var ErrNoMatch = errors.New("no such file or directory")

// Reference is a resolved artifact pattern.
type Reference struct {
	Pattern  string
	Path     string
	Ordering string
}

// Resolve matches pattern against the filesystem and returns the path of the
// regular file that ranks highest under ordering. Absolute patterns are
// matched from the filesystem root, relative ones from baseDir. Ties keep the
// first match in enumeration order.
func Resolve(pattern, baseDir string, ordering Ordering) (string, error) {
	if strings.TrimSpace(pattern) == "" {
		return "", errors.New("empty artifact pattern")
	}
	if ordering == nil {
		var err error
		if ordering, err = LookupOrdering(""); err != nil {
			return "", err
		}
	}

	root, rel, err := globRoot(pattern, baseDir)
	if err != nil {
		return "", err
	}
	fsys := os.DirFS(root)
	matches, err := doublestar.Glob(fsys, rel)
	if err != nil {
		return "", fmt.Errorf("%s: %w", pattern, err)
	}

	var best *Candidate
	for _, match := range matches {
		info, err := fs.Stat(fsys, match)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		c := Candidate{Path: filepath.Join(root, filepath.FromSlash(match)), Info: info}
		if best == nil || ordering(*best, c) {
			best = &c
		}
	}
	if best == nil {
		return "", fmt.Errorf("%s: %w", pattern, ErrNoMatch)
	}
	return best.Path, nil
}

// ResolveReference resolves ref.Pattern with the ordering named by
// ref.Ordering and fills in ref.Path.
func ResolveReference(ref *Reference, baseDir string) error {
	ordering, err := LookupOrdering(ref.Ordering)
	if err != nil {
		return err
	}
	resolved, err := Resolve(ref.Pattern, baseDir, ordering)
	if err != nil {
		return err
	}
	ref.Path = resolved
	return nil
}

// globRoot splits pattern into a directory to open and a slash-separated
// pattern relative to it, as io/fs requires.
func globRoot(pattern, baseDir string) (string, string, error) {
	if filepath.IsAbs(pattern) {
		return "/", strings.TrimPrefix(filepath.ToSlash(filepath.Clean(pattern)), "/"), nil
	}
	base, err := filepath.Abs(baseDir)
	if err != nil {
		return "", "", fmt.Errorf("resolve base directory %q: %w", baseDir, err)
	}
	rel := path.Clean(filepath.ToSlash(pattern))
	if rel == ".." || strings.HasPrefix(rel, "../") {
		// io/fs forbids ".." so climb out of base lexically.
		joined := filepath.Join(base, filepath.FromSlash(rel))
		return "/", strings.TrimPrefix(filepath.ToSlash(joined), "/"), nil
	}
	return base, rel, nil
}
