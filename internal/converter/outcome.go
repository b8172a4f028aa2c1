package converter

import (
	"github.com/BaSui01/convertflow/internal/engine"
	"github.com/BaSui01/convertflow/types"
)

// Stage is a state of the conversion state machine.
type Stage int

const (
	StageIdle Stage = iota
	StageReset
	StageImport
	StageExport
	StageVerify
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageReset:
		return "scene_reset"
	case StageImport:
		return "importing"
	case StageExport:
		return "exporting"
	case StageVerify:
		return "verified"
	case StageDone:
		return "done"
	default:
		return "unknown"
	}
}

// 用户可见消息
const (
	MsgSuccess       = "Conversion successful"
	MsgTimeout       = "Conversion timed out"
	MsgNoObjects     = "Import resulted in no objects"
	MsgNoAnimation   = "No animation data found to export to BVH."
	MsgNotCreated    = "Export file was not created"
	MsgEmptyExport   = "Export file is empty"
	MsgQueueFull     = "Conversion queue is full"
	MsgShuttingDown  = "Conversion service is shutting down"
	msgResetPrefix   = "Error clearing scene: "
	msgImportPrefix  = "Error importing file: "
	msgExportPrefix  = "Error exporting file: "
	msgUnknownPrefix = "Error during conversion: "
)

// Outcome is the result of one conversion attempt: either a success with
// an artifact or a failure with a message and error class.
type Outcome struct {
	Success      bool
	ArtifactPath string
	ArtifactSize int64
	Message      string
	Code         types.ErrorCode
	Stage        Stage
	Stats        engine.Stats
}

// Succeeded builds a success outcome.
func Succeeded(path string, size int64) Outcome {
	return Outcome{
		Success:      true,
		ArtifactPath: path,
		ArtifactSize: size,
		Message:      MsgSuccess,
		Stage:        StageDone,
	}
}

// Failed builds a failure outcome.
func Failed(stage Stage, code types.ErrorCode, message string) Outcome {
	return Outcome{Message: message, Code: code, Stage: stage}
}

// TimedOut is the outcome handed to a caller whose budget ran out.
func TimedOut(stage Stage) Outcome {
	return Failed(stage, types.ErrTimeout, MsgTimeout)
}

// Err converts a failure into a *types.Error; nil on success.
func (o Outcome) Err() *types.Error {
	if o.Success {
		return nil
	}
	code := o.Code
	if code == "" {
		code = types.ErrInternalError
	}
	err := types.NewError(code, o.Message)
	if code == types.ErrServiceUnavailable {
		err = err.WithRetryable(true)
	}
	return err
}

// Status is the label used in metrics and history.
func (o Outcome) Status() string {
	if o.Success {
		return "success"
	}
	switch o.Code {
	case types.ErrTimeout:
		return "timeout"
	case types.ErrServiceUnavailable:
		return "rejected"
	default:
		return "failed"
	}
}
