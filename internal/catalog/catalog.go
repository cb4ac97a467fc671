// Package catalog maps transfer ids and logical file names to on-disk paths
// under a managed upload root. Path derivation is pure; callers interpret
// file absence themselves.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const tempSuffix = ".part"

// Catalog derives temp and final paths for uploaded files below a single
// root directory.
type Catalog struct {
	root string
}

// New creates a Catalog rooted at the given directory. The directory is not
// touched until EnsureReady is called.
func New(root string) *Catalog {
	return &Catalog{root: root}
}

// Root returns the managed root directory.
func (c *Catalog) Root() string {
	return c.root
}

// EnsureReady recursively creates the root directory if it is absent. It is
// idempotent and fails only on a non-directory collision or a permission
// error.
func (c *Catalog) EnsureReady() error {
	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return fmt.Errorf("catalog: create root %s: %w", c.root, err)
	}
	return nil
}

// TempPath returns the temporary file path for a transfer id:
// root/<id>.part.
func (c *Catalog) TempPath(id string) string {
	return filepath.Join(c.root, id+tempSuffix)
}

// FinalPath returns the committed file path for a logical name:
// root/<name>.
func (c *Catalog) FinalPath(name string) string {
	return filepath.Join(c.root, name)
}

// ValidName reports whether name is a plain file name that stays inside the
// root. Separators and dot entries are rejected so a client-supplied name
// can never address a path outside the catalog.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\")
}

// ReapStaleTemps removes temporary files whose last modification is older
// than maxAge and returns how many were deleted. A maxAge of zero disables
// reaping. Live uploads are safe: every chunk write refreshes its temp
// file's mtime.
func (c *Catalog) ReapStaleTemps(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	entries, err := os.ReadDir(c.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("catalog: read root %s: %w", c.root, err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), tempSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(c.root, entry.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
