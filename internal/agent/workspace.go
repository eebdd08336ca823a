package agent

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sumire/agenthub/internal/domain"
)

// maxLineBytes bounds the line length the scanners accept; files with
// longer lines are skipped.
const maxLineBytes = 1 << 20

var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
}

// Workspace confines code analysis to one directory tree.
type Workspace struct {
	root string
}

// NewWorkspace opens the tree at root.
func NewWorkspace(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("open workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", abs)
	}
	return &Workspace{root: abs}, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string { return w.root }

// Resolve maps a caller-supplied path onto the workspace. Paths never
// resolve outside the root.
func (w *Workspace) Resolve(rel string) (string, error) {
	path := filepath.Join(w.root, filepath.Clean("/"+rel))
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: path %q: %w", domain.ErrInvalidArguments, rel, err)
	}
	return path, nil
}

// rel renders path relative to base with forward slashes.
func rel(base, path string) string {
	r, err := filepath.Rel(base, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(r)
}

// walkFiles calls fn for every regular file under dir whose base name
// matches pattern. An empty pattern matches everything.
func walkFiles(ctx context.Context, dir, pattern string, fn func(path string) error) error {
	if pattern != "" {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("%w: file pattern %q: %w", domain.ErrInvalidArguments, pattern, err)
		}
	}
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped, not fatal.
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != dir && skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if pattern != "" {
			if ok, _ := filepath.Match(pattern, d.Name()); !ok {
				return nil
			}
		}
		return fn(path)
	})
}

// scanLines calls fn with every line of a text file, 1-based. Binary files
// are skipped.
func scanLines(path string, fn func(n int, line string) bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	head, _ := r.Peek(512)
	if bytes.IndexByte(head, 0) >= 0 {
		return nil
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	n := 0
	for sc.Scan() {
		n++
		if !fn(n, strings.TrimRight(sc.Text(), "\r")) {
			return nil
		}
	}
	return sc.Err()
}
