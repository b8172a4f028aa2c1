package converter

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/convertflow/internal/pool"
	"github.com/BaSui01/convertflow/types"
	"go.uber.org/zap"
)

// DefaultTimeout is the conversion budget when none is configured.
const DefaultTimeout = 300 * time.Second

// Runner executes one attempt. *Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, a Attempt) Outcome
}

// Supervisor runs attempts on a single dedicated worker under a wall-clock
// budget. The caller is unblocked at the budget boundary; the attempt sees
// its context cancelled, which makes the engine kill its process.
type Supervisor struct {
	runner Runner
	pool   *pool.GoroutinePool
	budget time.Duration
	logger *zap.Logger
}

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	Timeout   time.Duration
	QueueSize int
}

// NewSupervisor creates a supervisor with its own single-worker pool.
func NewSupervisor(runner Runner, config SupervisorConfig, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	poolConfig := pool.DefaultGoroutinePoolConfig()
	poolConfig.MaxWorkers = 1
	if config.QueueSize > 0 {
		poolConfig.QueueSize = config.QueueSize
	}
	l := logger.With(zap.String("component", "supervisor"))
	poolConfig.PanicHandler = func(r any) {
		l.Error("conversion worker panicked", zap.Any("panic", r), zap.Stack("stack"))
	}
	return &Supervisor{
		runner: runner,
		pool:   pool.NewGoroutinePool(poolConfig),
		budget: config.Timeout,
		logger: l,
	}
}

// Budget returns the per-attempt timeout.
func (s *Supervisor) Budget() time.Duration { return s.budget }

// Run executes attempt a bounded by the budget.
func (s *Supervisor) Run(ctx context.Context, a Attempt) Outcome {
	ctx, cancel := context.WithTimeout(ctx, s.budget)
	defer cancel()

	result := make(chan Outcome, 1)
	err := s.pool.SubmitWait(ctx, func(taskCtx context.Context) error {
		result <- s.runner.Run(taskCtx, a)
		return nil
	})

	switch {
	case err == nil:
		return <-result
	case errors.Is(err, pool.ErrPoolFull):
		s.logger.Warn("conversion queue full", zap.Int("queued", s.pool.Stats().Queued))
		return Failed(StageIdle, types.ErrServiceUnavailable, MsgQueueFull)
	case errors.Is(err, pool.ErrPoolClosed):
		return Failed(StageIdle, types.ErrServiceUnavailable, MsgShuttingDown)
	case errors.Is(err, context.DeadlineExceeded):
		stats := s.pool.Stats()
		s.logger.Warn("conversion exceeded budget",
			zap.Duration("budget", s.budget),
			zap.String("work_dir", a.WorkDir),
			zap.Int("queued", stats.Queued),
			zap.Duration("avg_queue_wait", stats.AvgWait()),
		)
		return TimedOut(StageIdle)
	case errors.Is(err, context.Canceled):
		// 客户端断开，结果已无人接收
		return TimedOut(StageIdle)
	default:
		var pe *pool.PanicError
		if errors.As(err, &pe) {
			return Failed(StageIdle, types.ErrEngineFailure, msgUnknownPrefix+errorValue(pe.Value))
		}
		return Failed(StageIdle, types.ErrInternalError, err.Error())
	}
}

// Reset clears the scene on the worker, so it cannot overlap an attempt.
func (s *Supervisor) Reset(ctx context.Context, reset func(context.Context) error) error {
	return s.pool.SubmitWait(ctx, func(taskCtx context.Context) error {
		return reset(taskCtx)
	})
}

// QueueDepth returns the number of attempts waiting for the worker.
func (s *Supervisor) QueueDepth() int { return s.pool.Stats().Queued }

// Stats exposes the worker pool statistics.
func (s *Supervisor) Stats() pool.GoroutinePoolStats { return s.pool.Stats() }

// Close is Shutdown without a deadline.
func (s *Supervisor) Close() { s.pool.Close() }

// Shutdown stops accepting attempts. Queued attempts are answered with the
// shutting-down outcome without touching the engine; the running one is
// awaited until ctx is done and then cancelled.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if err := s.pool.Shutdown(ctx); err != nil {
		s.logger.Warn("conversion still running at shutdown deadline, cancelled", zap.Error(err))
		return err
	}
	return nil
}

func errorValue(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return "unexpected panic"
}
