// Package blender drives a long-lived headless Blender process as the scene
// engine. Commands travel as JSON lines on stdin; replies come back on stdout
// behind a marker prefix so Blender's own chatter can be ignored.
//
// A call whose context ends kills the process. The next call starts a fresh
// one, so an abandoned conversion can never keep mutating the scene.
package blender

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/convertflow/internal/engine"
	"github.com/BaSui01/convertflow/internal/telemetry"
	"github.com/BaSui01/convertflow/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"
)

//go:embed bridge.py
var bridgeScript []byte

const (
	// Marker prefixes every reply line written by the bridge.
	Marker = "@@CF@@ "
	// ScriptPlaceholder in Config.Args is replaced by the bridge script path.
	ScriptPlaceholder = "{script}"

	killWait = 5 * time.Second
)

// Config configures the Blender process.
type Config struct {
	Binary         string
	Args           []string
	Env            []string
	StartupTimeout time.Duration
	// FactoryReset reloads factory settings on every scene reset.
	FactoryReset bool
}

// DefaultConfig returns the headless invocation used in production.
func DefaultConfig() Config {
	return Config{
		Binary:         "blender",
		Args:           []string{"--background", "--factory-startup", "--python", ScriptPlaceholder},
		StartupTimeout: 60 * time.Second,
	}
}

type request struct {
	ID           uint64       `json:"id"`
	Op           engine.Op    `json:"op"`
	Path         string       `json:"path,omitempty"`
	Format       types.Format `json:"format,omitempty"`
	FactoryReset bool         `json:"factory_reset,omitempty"`
}

type response struct {
	ID      uint64        `json:"id"`
	OK      bool          `json:"ok"`
	Error   string        `json:"error,omitempty"`
	Ready   bool          `json:"ready,omitempty"`
	Version string        `json:"version,omitempty"`
	Stats   *engine.Stats `json:"stats,omitempty"`
}

// Engine implements engine.SceneEngine on top of a Blender process.
type Engine struct {
	config Config
	logger *zap.Logger

	mu      sync.Mutex
	proc    *process
	script  string
	seq     uint64
	version string

	closed    chan struct{}
	closeOnce sync.Once

	restarts  atomic.Int64
	onRestart func(reason string)
}

var (
	_ engine.SceneEngine = (*Engine)(nil)
	_ engine.Checker     = (*Engine)(nil)
)

// New creates an engine. The process is started lazily by the first call.
func New(config Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.Binary == "" {
		config.Binary = def.Binary
	}
	if len(config.Args) == 0 {
		config.Args = def.Args
	}
	if config.StartupTimeout <= 0 {
		config.StartupTimeout = def.StartupTimeout
	}
	return &Engine{
		config: config,
		logger: logger.With(zap.String("component", "blender_engine")),
		closed: make(chan struct{}),
	}
}

// OnRestart registers a hook called whenever a process is torn down
// abnormally (killed on cancellation or found dead).
func (e *Engine) OnRestart(fn func(reason string)) {
	e.mu.Lock()
	e.onRestart = fn
	e.mu.Unlock()
}

// Restarts returns how many processes were torn down abnormally.
func (e *Engine) Restarts() int64 { return e.restarts.Load() }

// Version returns the Blender version reported at startup.
func (e *Engine) Version() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

// Reset clears the scene.
func (e *Engine) Reset(ctx context.Context) error {
	_, err := e.call(ctx, request{Op: engine.OpReset, FactoryReset: e.config.FactoryReset})
	return err
}

// Import loads path into the scene.
func (e *Engine) Import(ctx context.Context, path string, f types.Format) error {
	_, err := e.call(ctx, request{Op: engine.OpImport, Path: path, Format: f})
	return err
}

// Export writes the scene to path.
func (e *Engine) Export(ctx context.Context, path string, f types.Format) error {
	_, err := e.call(ctx, request{Op: engine.OpExport, Path: path, Format: f})
	return err
}

// Stats reports the scene contents.
func (e *Engine) Stats(ctx context.Context) (engine.Stats, error) {
	resp, err := e.call(ctx, request{Op: engine.OpStats})
	if err != nil {
		return engine.Stats{}, err
	}
	if resp.Stats == nil {
		return engine.Stats{}, nil
	}
	return *resp.Stats, nil
}

// Check starts the process if needed and round-trips a ping. While a
// conversion holds the engine the process is known to be alive, so Check
// returns nil without queueing behind it.
func (e *Engine) Check(ctx context.Context) error {
	select {
	case <-e.closed:
		return engine.ErrEngineClosed
	default:
	}
	if !e.mu.TryLock() {
		return nil
	}
	e.mu.Unlock()
	_, err := e.call(ctx, request{Op: engine.OpPing})
	return err
}

// Close kills the process and removes the bridge script. Calls in flight
// return engine.ErrEngineClosed.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proc != nil {
		e.proc.kill()
		e.proc = nil
	}
	if e.script != "" {
		_ = os.Remove(e.script)
		e.script = ""
	}
	return nil
}

func (e *Engine) call(ctx context.Context, req request) (*response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	select {
	case <-e.closed:
		return nil, engine.ErrEngineClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if e.proc == nil {
		sctx, span := telemetry.Tracer(telemetry.ScopeEngine).Start(ctx, "engine.process.start")
		p, err := e.start(sctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "engine start failed")
			span.End()
			return nil, err
		}
		span.SetAttributes(attribute.Int("process.pid", p.pid()))
		span.End()
		e.proc = p
	}
	p := e.proc

	e.seq++
	req.ID = e.seq
	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", req.Op, err)
	}
	if _, err := p.stdin.Write(append(line, '\n')); err != nil {
		e.teardown(p, "write failed")
		return nil, fmt.Errorf("%w: write %s request: %v", engine.ErrEngineExited, req.Op, err)
	}

	for {
		select {
		case resp := <-p.replies:
			if resp.ID != req.ID {
				e.logger.Warn("discarding stale engine reply",
					zap.Uint64("want", req.ID),
					zap.Uint64("got", resp.ID),
				)
				continue
			}
			if !resp.OK {
				return &resp, &engine.Error{Op: req.Op, Message: resp.Error}
			}
			return &resp, nil

		case <-p.exited:
			e.teardown(p, "process exited")
			return nil, fmt.Errorf("%w during %s: %v", engine.ErrEngineExited, req.Op, p.waitErr)

		case <-ctx.Done():
			e.teardown(p, "call cancelled")
			return nil, ctx.Err()

		case <-e.closed:
			p.kill()
			e.proc = nil
			return nil, engine.ErrEngineClosed
		}
	}
}

// teardown kills p and forgets it. Must be called with e.mu held.
func (e *Engine) teardown(p *process, reason string) {
	p.kill()
	if e.proc == p {
		e.proc = nil
	}
	e.restarts.Add(1)
	e.logger.Warn("scene engine process torn down",
		zap.String("reason", reason),
		zap.Int("pid", p.pid()),
	)
	if e.onRestart != nil {
		e.onRestart(reason)
	}
}

func (e *Engine) start(ctx context.Context) (*process, error) {
	if e.script == "" {
		path, err := writeScript()
		if err != nil {
			return nil, err
		}
		e.script = path
	}

	args := make([]string, len(e.config.Args))
	for i, a := range e.config.Args {
		args[i] = strings.ReplaceAll(a, ScriptPlaceholder, e.script)
	}

	cmd := exec.Command(e.config.Binary, args...)
	cmd.Env = append(os.Environ(), e.config.Env...)
	cmd.Stderr = &zapio.Writer{Log: e.logger, Level: zapcore.DebugLevel}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start scene engine %q: %w", e.config.Binary, err)
	}

	p := &process{
		cmd:     cmd,
		stdin:   stdin,
		replies: make(chan response, 4),
		exited:  make(chan struct{}),
	}
	go p.readLoop(stdout, e.logger)

	timer := time.NewTimer(e.config.StartupTimeout)
	defer timer.Stop()

	for {
		select {
		case resp := <-p.replies:
			if !resp.Ready {
				continue
			}
			e.version = resp.Version
			e.logger.Info("scene engine started",
				zap.Int("pid", p.pid()),
				zap.String("version", resp.Version),
			)
			return p, nil
		case <-p.exited:
			return nil, fmt.Errorf("%w before ready: %v", engine.ErrEngineExited, p.waitErr)
		case <-timer.C:
			p.kill()
			return nil, fmt.Errorf("scene engine not ready after %s", e.config.StartupTimeout)
		case <-ctx.Done():
			p.kill()
			return nil, ctx.Err()
		case <-e.closed:
			p.kill()
			return nil, engine.ErrEngineClosed
		}
	}
}

func writeScript() (string, error) {
	f, err := os.CreateTemp("", "convertflow_bridge_*.py")
	if err != nil {
		return "", fmt.Errorf("create bridge script: %w", err)
	}
	if _, err := f.Write(bridgeScript); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write bridge script: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close bridge script: %w", err)
	}
	return f.Name(), nil
}

// process is one running engine instance.
type process struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	replies chan response
	exited  chan struct{}
	waitErr error
}

func (p *process) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// readLoop forwards marker lines as replies and logs everything else. It
// reaps the process once stdout is closed.
func (p *process) readLoop(stdout io.Reader, logger *zap.Logger) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		payload, ok := strings.CutPrefix(line, Marker)
		if !ok {
			logger.Debug("engine output", zap.String("line", line))
			continue
		}
		var resp response
		if err := json.Unmarshal([]byte(payload), &resp); err != nil {
			logger.Warn("malformed engine reply", zap.String("line", line), zap.Error(err))
			continue
		}
		select {
		case p.replies <- resp:
		default:
			logger.Warn("engine reply dropped", zap.Uint64("id", resp.ID))
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		logger.Debug("engine stdout closed", zap.Error(err))
	}
	p.waitErr = p.cmd.Wait()
	close(p.exited)
}

// kill terminates the process and waits briefly for it to be reaped.
func (p *process) kill() {
	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	select {
	case <-p.exited:
	case <-time.After(killWait):
	}
}
