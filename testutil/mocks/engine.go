// FakeEngine 是场景引擎的可编程测试替身。
//
// 支持配置导入后的对象/动作数量、按操作注入错误与 panic、
// 阻塞调用（遵守或忽略 context），并记录调用次数与最大并发度。
package mocks

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/convertflow/internal/engine"
	"github.com/BaSui01/convertflow/types"
)

// FakeEngine 模拟单实例、有状态的场景引擎
type FakeEngine struct {
	mu sync.Mutex

	// 每次导入新增的对象与动作
	objects int
	actions int

	errs   map[engine.Op]error
	panics map[engine.Op]any

	delayOp   engine.Op
	delay     time.Duration
	honourCtx bool

	noExportFile bool
	emptyExport  bool

	// 场景状态
	scene engine.Stats
	input []byte

	calls  map[engine.Op]int
	closed bool

	active    atomic.Int32
	maxActive atomic.Int32
}

var _ engine.SceneEngine = (*FakeEngine)(nil)

// --- 构造函数和 Builder 方法 ---

// NewFakeEngine 创建默认每次导入产生一个对象的引擎
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		objects: 1,
		errs:    make(map[engine.Op]error),
		panics:  make(map[engine.Op]any),
		calls:   make(map[engine.Op]int),
	}
}

// WithObjects 设置每次导入产生的对象数
func (f *FakeEngine) WithObjects(n int) *FakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects = n
	return f
}

// WithActions 设置每次导入产生的动画动作数
func (f *FakeEngine) WithActions(n int) *FakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = n
	return f
}

// WithError 让指定操作返回错误
func (f *FakeEngine) WithError(op engine.Op, err error) *FakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = err
	return f
}

// WithPanic 让指定操作 panic
func (f *FakeEngine) WithPanic(op engine.Op, value any) *FakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.panics[op] = value
	return f
}

// WithDelay 让指定操作阻塞 d；honourCtx 为 false 时忽略取消
func (f *FakeEngine) WithDelay(op engine.Op, d time.Duration, honourCtx bool) *FakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delayOp = op
	f.delay = d
	f.honourCtx = honourCtx
	return f
}

// WithoutExportFile 导出成功但不生成文件
func (f *FakeEngine) WithoutExportFile() *FakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noExportFile = true
	return f
}

// WithEmptyExport 导出空文件
func (f *FakeEngine) WithEmptyExport() *FakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emptyExport = true
	return f
}

// --- SceneEngine 实现 ---

// Reset 清空场景
func (f *FakeEngine) Reset(ctx context.Context) error {
	if err := f.enter(ctx, engine.OpReset); err != nil {
		return err
	}
	defer f.leave()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.scene = engine.Stats{}
	f.input = nil
	return nil
}

// Import 读取输入文件并按配置填充场景
func (f *FakeEngine) Import(ctx context.Context, path string, _ types.Format) error {
	if err := f.enter(ctx, engine.OpImport); err != nil {
		return err
	}
	defer f.leave()

	data, err := os.ReadFile(path)
	if err != nil {
		return &engine.Error{Op: engine.OpImport, Message: err.Error()}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.input = data
	f.scene.Objects += f.objects
	f.scene.Meshes += f.objects
	f.scene.Actions += f.actions
	return nil
}

// Export 写出 "<format>:<输入内容>"，便于检测串扰
func (f *FakeEngine) Export(ctx context.Context, path string, format types.Format) error {
	if err := f.enter(ctx, engine.OpExport); err != nil {
		return err
	}
	defer f.leave()

	f.mu.Lock()
	content := append([]byte(string(format)+":"), f.input...)
	skip, empty := f.noExportFile, f.emptyExport
	f.mu.Unlock()

	if skip {
		return nil
	}
	if empty {
		content = nil
	}
	return os.WriteFile(path, content, 0o644)
}

// Stats 返回当前场景统计
func (f *FakeEngine) Stats(ctx context.Context) (engine.Stats, error) {
	if err := f.enter(ctx, engine.OpStats); err != nil {
		return engine.Stats{}, err
	}
	defer f.leave()

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scene, nil
}

// Close 标记关闭
func (f *FakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// --- 调用记录 ---

// Calls 返回指定操作的调用次数
func (f *FakeEngine) Calls(op engine.Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// TotalCalls 返回所有操作的调用次数
func (f *FakeEngine) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

// MaxConcurrent 返回观察到的最大并发调用数
func (f *FakeEngine) MaxConcurrent() int {
	return int(f.maxActive.Load())
}

// Closed 是否已关闭
func (f *FakeEngine) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeEngine) enter(ctx context.Context, op engine.Op) error {
	n := f.active.Add(1)
	for {
		cur := f.maxActive.Load()
		if n <= cur || f.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[op]++
	closed := f.closed
	err := f.errs[op]
	panicValue, shouldPanic := f.panics[op]
	var delay time.Duration
	if f.delayOp == op {
		delay = f.delay
	}
	honour := f.honourCtx
	f.mu.Unlock()

	if closed {
		f.leave()
		return engine.ErrEngineClosed
	}
	if delay > 0 {
		if honour {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				f.leave()
				return ctx.Err()
			}
		} else {
			time.Sleep(delay)
		}
	}
	if shouldPanic {
		f.leave()
		panic(panicValue)
	}
	if err != nil {
		f.leave()
		return err
	}
	return nil
}

func (f *FakeEngine) leave() {
	f.active.Add(-1)
}
