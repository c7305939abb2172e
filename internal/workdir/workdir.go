// Package workdir provides per-job scratch directories.
package workdir

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Dir is a scratch directory owned by a single job. Release removes it and
// everything inside.
type Dir struct {
	path string
	once sync.Once
	err  error
}

// Acquire creates a fresh directory under root for jobID. An empty root uses
// the system temp dir.
func Acquire(root, jobID string) (*Dir, error) {
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp root: %w", err)
	}
	path, err := os.MkdirTemp(root, "render-"+jobID+"-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	return &Dir{path: path}, nil
}

// Root returns the directory path.
func (d *Dir) Root() string { return d.path }

// Path returns a unique file path inside the directory with the given suffix,
// e.g. Path(".wav").
func (d *Dir) Path(suffix string) string {
	return filepath.Join(d.path, uuid.New().String()+suffix)
}

// Release removes the directory. Safe to call more than once.
func (d *Dir) Release() error {
	d.once.Do(func() {
		d.err = os.RemoveAll(d.path)
	})
	return d.err
}
