// Package workspace manages the per-request scratch directory that holds an
// upload and the artifact produced from it.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/BaSui01/convertflow/internal/pool"
	"github.com/BaSui01/convertflow/types"
	"github.com/google/uuid"
)

// ErrTooLarge is returned by WriteInput when the upload exceeds the limit.
var ErrTooLarge = errors.New("upload exceeds size limit")

const outputDir = "output"

// Workspace is a directory exclusive to one request.
type Workspace struct {
	dir  string
	once sync.Once
	err  error
}

// New creates a fresh workspace under root (the system temp dir when empty).
func New(root string) (*Workspace, error) {
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	dir, err := os.MkdirTemp(root, "convert_"+uuid.NewString()[:8]+"_")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	// 输出目录随工作区一起创建；之后没有任何代码再创建目录，
	// 工作区删除后迟到的写入只会失败，不会把它重新建出来
	if err := os.Mkdir(filepath.Join(dir, outputDir), 0o755); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &Workspace{dir: dir}, nil
}

// Dir returns the workspace directory.
func (w *Workspace) Dir() string { return w.dir }

// InputPath is where the upload for format f is stored.
func (w *Workspace) InputPath(f types.Format) string {
	return filepath.Join(w.dir, "input."+string(f))
}

// OutputPath is where the engine writes the artifact for format f.
func (w *Workspace) OutputPath(f types.Format) string {
	return filepath.Join(w.dir, outputDir, f.Filename())
}

// Upload describes a persisted upload.
type Upload struct {
	Path string
	Size int64
}

// WriteInput streams r into the input file. At most limit bytes are
// accepted; one byte more yields ErrTooLarge and the partial file is removed.
func (w *Workspace) WriteInput(f types.Format, r io.Reader, limit int64) (*Upload, error) {
	path := w.InputPath(f)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create input file: %w", err)
	}

	n, copyErr := pool.Chunks.Copy(file, io.LimitReader(r, limit+1))
	closeErr := file.Close()

	switch {
	case copyErr != nil:
		_ = os.Remove(path)
		return nil, fmt.Errorf("write input file: %w", copyErr)
	case closeErr != nil:
		_ = os.Remove(path)
		return nil, fmt.Errorf("close input file: %w", closeErr)
	case n > limit:
		_ = os.Remove(path)
		return nil, ErrTooLarge
	}

	return &Upload{Path: path, Size: n}, nil
}

// Remove deletes the workspace and everything in it. It is safe to call
// more than once; later calls return the first result.
func (w *Workspace) Remove() error {
	w.once.Do(func() {
		w.err = os.RemoveAll(w.dir)
	})
	return w.err
}

// Exists reports whether the workspace directory is still present.
func (w *Workspace) Exists() bool {
	_, err := os.Stat(w.dir)
	return err == nil
}
