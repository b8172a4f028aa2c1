package engine

import (
	"context"
	"errors"

	"github.com/BaSui01/convertflow/types"
)

var (
	// ErrEngineClosed is returned by every call after Close.
	ErrEngineClosed = errors.New("scene engine closed")
	// ErrEngineExited is returned when the engine process died mid-call.
	ErrEngineExited = errors.New("scene engine exited")
)

// SceneEngine is the single, stateful, non-reentrant scene engine. Callers
// must serialize access; implementations are not required to.
type SceneEngine interface {
	// Reset returns the scene to an empty default state.
	Reset(ctx context.Context) error
	// Import loads the file at path, interpreted as format f, into the scene.
	Import(ctx context.Context, path string, f types.Format) error
	// Export writes the current scene to path in format f.
	Export(ctx context.Context, path string, f types.Format) error
	// Stats reports what the scene currently holds.
	Stats(ctx context.Context) (Stats, error)
	// Close releases the engine.
	Close() error
}

// Checker is implemented by engines that can report liveness without
// touching the scene.
type Checker interface {
	Check(ctx context.Context) error
}

// Stats counts the data blocks in the scene.
type Stats struct {
	Objects   int `json:"objects"`
	Meshes    int `json:"meshes"`
	Materials int `json:"materials"`
	Textures  int `json:"textures"`
	Images    int `json:"images"`
	Actions   int `json:"actions"`
	Armatures int `json:"armatures"`
}

// HasAnimationData reports whether at least one animation action exists.
func (s Stats) HasAnimationData() bool { return s.Actions > 0 }

// ObjectCount returns the number of scene objects.
func (s Stats) ObjectCount() int { return s.Objects }

// Op names an engine operation.
type Op string

const (
	OpReset  Op = "reset"
	OpImport Op = "import"
	OpExport Op = "export"
	OpStats  Op = "stats"
	OpPing   Op = "ping"
)

// Error is a failure reported by the engine itself, as opposed to a
// transport failure such as a crashed process or a cancelled call.
type Error struct {
	Op      Op
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Op) + " failed"
	}
	return e.Message
}

// IsEngineError reports whether err carries an *Error.
func IsEngineError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}
