package converter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BaSui01/convertflow/internal/engine"
	"github.com/BaSui01/convertflow/internal/telemetry"
	"github.com/BaSui01/convertflow/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// recoveryResetTimeout bounds the best-effort reset after an engine fault.
const recoveryResetTimeout = 30 * time.Second

// Attempt describes one conversion inside a workspace.
type Attempt struct {
	WorkDir      string
	InputPath    string
	OutputPath   string
	InputFormat  types.Format
	OutputFormat types.Format
	InputSize    int64
}

// Orchestrator runs the conversion state machine against the scene engine:
// reset, import, export, verify. It is the only code that mutates the scene
// and must be driven by one goroutine at a time.
type Orchestrator struct {
	engine engine.SceneEngine
	logger *zap.Logger
	tracer trace.Tracer
	calls  metric.Float64Histogram
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(eng engine.SceneEngine, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	calls, err := telemetry.Meter(telemetry.ScopeEngine).Float64Histogram("convertflow.engine.call.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of scene engine calls by operation"),
	)
	if err != nil {
		calls = noop.Float64Histogram{}
	}
	return &Orchestrator{
		engine: eng,
		logger: logger.With(zap.String("component", "orchestrator")),
		tracer: telemetry.Tracer(telemetry.ScopeConverter),
		calls:  calls,
	}
}

// Reset clears the scene outside of a conversion, used at startup.
func (o *Orchestrator) Reset(ctx context.Context) error {
	if err := o.engine.Reset(ctx); err != nil {
		return fmt.Errorf("reset scene engine: %w", err)
	}
	return nil
}

// Run executes one attempt. It never panics and never returns a raw engine
// error: every failure is folded into the returned Outcome.
func (o *Orchestrator) Run(ctx context.Context, a Attempt) (out Outcome) {
	start := time.Now()
	stage := StageIdle
	var stats engine.Stats

	ctx, span := o.tracer.Start(ctx, "conversion.attempt", trace.WithAttributes(
		attribute.String("convert.input_format", string(a.InputFormat)),
		attribute.String("convert.output_format", string(a.OutputFormat)),
		attribute.Int64("convert.input_size", a.InputSize),
	))
	defer span.End()

	// 错误边界：引擎 panic 时记录现场，尽力重置场景，再折叠为失败结果
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("scene engine panicked",
				append(o.forensics(a, stage, stats, start),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)...,
			)
			o.recoverScene(ctx)
			out = Failed(stage, types.ErrEngineFailure, fmt.Sprintf("%s%v", msgUnknownPrefix, r))
		}

		out.Stats = stats
		span.SetAttributes(attribute.String("convert.stage", out.Stage.String()))
		if out.Success {
			span.SetStatus(codes.Ok, "")
			o.logger.Info("conversion attempt finished",
				zap.String("input_format", string(a.InputFormat)),
				zap.String("output_format", string(a.OutputFormat)),
				zap.Int64("output_size", out.ArtifactSize),
				zap.Duration("elapsed", time.Since(start)),
			)
			return
		}
		span.SetStatus(codes.Error, out.Message)
		o.logger.Error("conversion attempt failed",
			append(o.forensics(a, out.Stage, stats, start),
				zap.String("code", string(out.Code)),
				zap.String("message", out.Message),
			)...,
		)
	}()

	// SceneReset
	stage = StageReset
	if err := o.step(ctx, engine.OpReset, func(ctx context.Context) error {
		return o.engine.Reset(ctx)
	}); err != nil {
		return o.fail(ctx, stage, msgResetPrefix, err)
	}

	// Importing
	stage = StageImport
	if err := o.step(ctx, engine.OpImport, func(ctx context.Context) error {
		return o.engine.Import(ctx, a.InputPath, a.InputFormat)
	}); err != nil {
		return o.fail(ctx, stage, msgImportPrefix, err)
	}
	if err := o.step(ctx, engine.OpStats, func(ctx context.Context) (err error) {
		stats, err = o.engine.Stats(ctx)
		return err
	}); err != nil {
		return o.fail(ctx, stage, msgImportPrefix, err)
	}
	if stats.ObjectCount() == 0 {
		return Failed(stage, types.ErrEngineFailure, MsgNoObjects)
	}
	o.logger.Debug("file imported",
		zap.Int("objects", stats.Objects),
		zap.Int("meshes", stats.Meshes),
		zap.Int("materials", stats.Materials),
		zap.Int("actions", stats.Actions),
	)

	// Exporting
	stage = StageExport
	if a.OutputFormat.AnimationOnly() && !stats.HasAnimationData() {
		return Failed(stage, types.ErrEngineFailure, MsgNoAnimation)
	}
	if err := o.step(ctx, engine.OpExport, func(ctx context.Context) error {
		return o.engine.Export(ctx, a.OutputPath, a.OutputFormat)
	}); err != nil {
		return o.fail(ctx, stage, msgExportPrefix, err)
	}

	// Verified
	stage = StageVerify
	if ctx.Err() != nil {
		// 调用方已离开，工作区可能已被删除
		return TimedOut(stage)
	}
	info, err := os.Stat(a.OutputPath)
	if err != nil || !info.Mode().IsRegular() {
		return Failed(stage, types.ErrEngineFailure, MsgNotCreated)
	}
	if info.Size() == 0 {
		return Failed(stage, types.ErrEngineFailure, MsgEmptyExport)
	}

	return Succeeded(a.OutputPath, info.Size())
}

// step runs one engine call inside its own span. A dead context skips the
// call: once the budget is gone the caller may already have removed the
// workspace, and nothing may write into it again.
func (o *Orchestrator) step(ctx context.Context, op engine.Op, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, span := o.tracer.Start(ctx, "engine."+string(op))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	o.calls.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("op", string(op)),
		attribute.Bool("error", err != nil),
	))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// fail classifies an engine error. A dead context means the budget ran out;
// anything that is not an engine-reported failure also gets a best-effort
// scene reset so the next attempt starts from a known baseline.
func (o *Orchestrator) fail(ctx context.Context, stage Stage, prefix string, err error) Outcome {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return TimedOut(stage)
	}
	if errors.Is(err, engine.ErrEngineClosed) {
		return Failed(stage, types.ErrServiceUnavailable, MsgShuttingDown)
	}
	if !engine.IsEngineError(err) {
		o.recoverScene(ctx)
	}
	return Failed(stage, types.ErrEngineFailure, prefix+err.Error())
}

func (o *Orchestrator) recoverScene(ctx context.Context) {
	if ctx.Err() != nil {
		// 超时取消后引擎进程已被终止，下次尝试会重新启动并重置
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recoveryResetTimeout)
	defer cancel()
	if err := o.safeReset(rctx); err != nil {
		o.logger.Warn("best-effort scene reset failed", zap.Error(err))
	}
}

func (o *Orchestrator) safeReset(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reset panicked: %v", r)
		}
	}()
	return o.engine.Reset(ctx)
}

func (o *Orchestrator) forensics(a Attempt, stage Stage, stats engine.Stats, start time.Time) []zap.Field {
	return []zap.Field{
		zap.String("stage", stage.String()),
		zap.String("work_dir", a.WorkDir),
		zap.String("input_path", a.InputPath),
		zap.String("input_format", string(a.InputFormat)),
		zap.String("output_format", string(a.OutputFormat)),
		zap.Int64("input_size", a.InputSize),
		zap.Int("objects", stats.Objects),
		zap.Int("meshes", stats.Meshes),
		zap.Int("materials", stats.Materials),
		zap.Int("textures", stats.Textures),
		zap.Int("images", stats.Images),
		zap.Int("actions", stats.Actions),
		zap.Duration("elapsed", time.Since(start)),
	}
}
