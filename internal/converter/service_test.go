package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/convertflow/internal/cache"
	"github.com/BaSui01/convertflow/internal/engine"
	"github.com/BaSui01/convertflow/internal/history"
	"github.com/BaSui01/convertflow/internal/ratelimit"
	"github.com/BaSui01/convertflow/internal/resultcache"
	"github.com/BaSui01/convertflow/testutil/mocks"
	"github.com/BaSui01/convertflow/types"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// =============================================================================
// 🧪 Fixtures
// =============================================================================

type fakeRecorder struct {
	mu         sync.Mutex
	statuses   []string
	rateLimits []string
	cleanups   int
}

func (r *fakeRecorder) RecordConversion(_, _, status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *fakeRecorder) RecordRateLimit(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rateLimits = append(r.rateLimits, result)
}

func (r *fakeRecorder) RecordWorkspaceCleanupFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanups++
}

type fakeHistory struct {
	mu      sync.Mutex
	records []history.Record
	err     error
}

func (h *fakeHistory) Append(_ context.Context, rec *history.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, *rec)
	return h.err
}

type fixture struct {
	svc      *Service
	eng      *mocks.FakeEngine
	root     string
	mr       *miniredis.Miniredis
	recorder *fakeRecorder
	history  *fakeHistory
}

type fixtureOptions struct {
	maxUpload int64
	timeout   time.Duration
	limit     int
	noCache   bool
	logger    *zap.Logger
}

func setupService(t *testing.T, eng *mocks.FakeEngine, opts fixtureOptions) *fixture {
	t.Helper()
	if opts.maxUpload == 0 {
		opts.maxUpload = 1 << 20
	}
	if opts.timeout == 0 {
		opts.timeout = 5 * time.Second
	}
	if opts.limit == 0 {
		opts.limit = 100
	}
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}

	root := t.TempDir()
	cacheDir := t.TempDir()

	mr := miniredis.RunT(t)
	mgr, err := cache.NewManager(cache.Config{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	sup := NewSupervisor(NewOrchestrator(eng, zap.NewNop()), SupervisorConfig{Timeout: opts.timeout}, zap.NewNop())
	t.Cleanup(sup.Close)

	f := &fixture{
		eng:      eng,
		root:     root,
		mr:       mr,
		recorder: &fakeRecorder{},
		history:  &fakeHistory{},
	}
	f.svc = NewService(ServiceConfig{
		MaxUploadBytes: opts.maxUpload,
		WorkspaceRoot:  root,
		CacheTTL:       time.Hour,
	}, sup, opts.logger).
		WithLimiter(ratelimit.NewMemoryLimiter(ratelimit.Config{Requests: opts.limit, Window: time.Minute}, zap.NewNop())).
		WithRecorder(f.recorder).
		WithHistory(f.history)

	if !opts.noCache {
		rc, err := resultcache.New(mgr, resultcache.Config{Dir: cacheDir, TTL: time.Hour}, zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(rc.Close)
		f.svc.WithCache(rc)
	}
	return f
}

func request(content string, in, out types.Format) Request {
	return Request{
		RequestID:    "req-1",
		ClientID:     "client-1",
		Filename:     "model." + string(in),
		Body:         strings.NewReader(content),
		InputFormat:  in,
		OutputFormat: out,
	}
}

func readResult(t *testing.T, res *Result) string {
	t.Helper()
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(data)
}

// assertNoWorkspaces checks the cleanup invariant.
func (f *fixture) assertNoWorkspaces(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.root)
	require.NoError(t, err)
	assert.Empty(t, entries, "workspace leaked")
}

// =============================================================================
// 🎯 Tests
// =============================================================================

func TestService_ConvertThenCacheHit(t *testing.T) {
	eng := mocks.NewFakeEngine()
	f := setupService(t, eng, fixtureOptions{})
	ctx := context.Background()

	res, err := f.svc.Convert(ctx, request("mesh-data", types.FormatFBX, types.FormatGLB))
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, types.FormatGLB, res.Format)
	assert.Equal(t, "glb:mesh-data", readResult(t, res))
	f.assertNoWorkspaces(t)

	res, err = f.svc.Convert(ctx, request("mesh-data", types.FormatFBX, types.FormatGLB))
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, "glb:mesh-data", readResult(t, res))
	f.assertNoWorkspaces(t)

	// 命中缓存不触发任何引擎调用
	assert.Equal(t, 1, eng.Calls(engine.OpReset))
	assert.Equal(t, 1, eng.Calls(engine.OpImport))
	assert.Equal(t, []string{"success", "cache_hit"}, f.recorder.statuses)

	require.Len(t, f.history.records, 2)
	assert.False(t, f.history.records[0].Cached)
	assert.True(t, f.history.records[1].Cached)
	assert.Equal(t, "client-1", f.history.records[1].ClientID)
	assert.Len(t, f.history.records[1].Digest, 64)
}

func TestService_DifferentOutputFormatMisses(t *testing.T) {
	eng := mocks.NewFakeEngine()
	f := setupService(t, eng, fixtureOptions{})
	ctx := context.Background()

	_, err := f.svc.Convert(ctx, request("mesh", types.FormatFBX, types.FormatGLB))
	require.NoError(t, err)
	res, err := f.svc.Convert(ctx, request("mesh", types.FormatFBX, types.FormatOBJ))
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, "obj:mesh", readResult(t, res))
	assert.Equal(t, 2, eng.Calls(engine.OpImport))
}

func TestService_Oversize(t *testing.T) {
	eng := mocks.NewFakeEngine()
	f := setupService(t, eng, fixtureOptions{maxUpload: 1 << 20})

	body := bytes.Repeat([]byte("x"), 1<<20+1)
	req := request("", types.FormatFBX, types.FormatGLB)
	req.Body = bytes.NewReader(body)

	_, err := f.svc.Convert(context.Background(), req)
	require.Error(t, err)
	te, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrFileTooLarge, te.Code)
	assert.Equal(t, "File size exceeds maximum limit of 1MB", te.Message)
	assert.Equal(t, 413, te.Status())

	assert.Zero(t, eng.TotalCalls())
	f.assertNoWorkspaces(t)
}

func TestService_ExactlyAtLimit(t *testing.T) {
	eng := mocks.NewFakeEngine()
	f := setupService(t, eng, fixtureOptions{maxUpload: 16})

	_, err := f.svc.Convert(context.Background(), request(strings.Repeat("y", 16), types.FormatFBX, types.FormatGLB))
	require.NoError(t, err)
}

func TestService_EmptyFile(t *testing.T) {
	eng := mocks.NewFakeEngine()
	f := setupService(t, eng, fixtureOptions{limit: 1})

	_, err := f.svc.Convert(context.Background(), request("", types.FormatFBX, types.FormatGLB))
	require.Error(t, err)
	te, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrInvalidRequest, te.Code)
	assert.Equal(t, MsgEmptyFile, te.Message)
	assert.Zero(t, eng.TotalCalls())
	f.assertNoWorkspaces(t)

	// 校验失败不消耗限流配额
	_, err = f.svc.Convert(context.Background(), request("mesh", types.FormatFBX, types.FormatGLB))
	require.NoError(t, err)
}

func TestService_RateLimited(t *testing.T) {
	eng := mocks.NewFakeEngine()
	f := setupService(t, eng, fixtureOptions{limit: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.svc.Convert(ctx, request(fmt.Sprintf("mesh-%d", i), types.FormatFBX, types.FormatGLB))
		require.NoError(t, err)
	}

	_, err := f.svc.Convert(ctx, request("mesh-3", types.FormatFBX, types.FormatGLB))
	require.Error(t, err)

	var rl *RateLimitedError
	require.True(t, errors.As(err, &rl))
	assert.False(t, rl.Decision.Allowed)
	assert.Positive(t, rl.Decision.RetryAfter)
	assert.Equal(t, types.ErrRateLimited, types.GetErrorCode(err))
	assert.Equal(t, 2, eng.Calls(engine.OpImport))
	assert.Equal(t, []string{"allowed", "allowed", "rejected"}, f.recorder.rateLimits)
	f.assertNoWorkspaces(t)

	// 其他客户端不受影响
	other := request("mesh-3", types.FormatFBX, types.FormatGLB)
	other.ClientID = "client-2"
	_, err = f.svc.Convert(ctx, other)
	require.NoError(t, err)
}

func TestService_RejectedRequestIsNotHashed(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	f := setupService(t, mocks.NewFakeEngine(), fixtureOptions{limit: 1, logger: zap.New(core)})
	ctx := context.Background()

	_, err := f.svc.Convert(ctx, request("mesh-1", types.FormatFBX, types.FormatGLB))
	require.NoError(t, err)
	_, err = f.svc.Convert(ctx, request("mesh-2", types.FormatFBX, types.FormatGLB))
	require.Error(t, err)

	// 摘要字段只在限流放行后才附加到日志上下文
	rejected := logs.FilterMessage("rate limit exceeded").All()
	require.Len(t, rejected, 1)
	assert.NotContains(t, rejected[0].ContextMap(), "digest")

	accepted := logs.FilterMessage("conversion request accepted").All()
	require.Len(t, accepted, 1)
	assert.Contains(t, accepted[0].ContextMap(), "digest")
}

func TestService_EngineFailureNotCached(t *testing.T) {
	eng := mocks.NewFakeEngine().WithObjects(0)
	f := setupService(t, eng, fixtureOptions{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.svc.Convert(ctx, request("nothing", types.FormatOBJ, types.FormatGLB))
		require.Error(t, err)
		te, ok := types.AsError(err)
		require.True(t, ok)
		assert.Equal(t, types.ErrEngineFailure, te.Code)
		assert.Equal(t, MsgNoObjects, te.Message)
		assert.Equal(t, 500, te.Status())
	}
	assert.Equal(t, 2, eng.Calls(engine.OpImport))
	f.assertNoWorkspaces(t)

	require.Len(t, f.history.records, 2)
	assert.Equal(t, "failed", f.history.records[0].Status)
	assert.Equal(t, string(types.ErrEngineFailure), f.history.records[0].Code)
}

func TestService_BVHPrecondition(t *testing.T) {
	eng := mocks.NewFakeEngine()
	f := setupService(t, eng, fixtureOptions{})

	_, err := f.svc.Convert(context.Background(), request("static mesh", types.FormatFBX, types.FormatBVH))
	require.Error(t, err)
	te, _ := types.AsError(err)
	assert.Equal(t, "No animation data found to export to BVH.", te.Message)
	assert.Zero(t, eng.Calls(engine.OpExport))
}

func TestService_Timeout(t *testing.T) {
	eng := mocks.NewFakeEngine().WithDelay(engine.OpExport, 2*time.Second, false)
	f := setupService(t, eng, fixtureOptions{timeout: 100 * time.Millisecond})

	start := time.Now()
	_, err := f.svc.Convert(context.Background(), request("slow", types.FormatFBX, types.FormatGLB))
	elapsed := time.Since(start)

	require.Error(t, err)
	te, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrTimeout, te.Code)
	assert.Equal(t, "Conversion timed out", te.Message)
	assert.Equal(t, 500, te.Status())
	assert.Less(t, elapsed, time.Second)
	f.assertNoWorkspaces(t)
	assert.Equal(t, []string{"timeout"}, f.recorder.statuses)
}

func TestService_TimedOutAttemptLeavesNoFiles(t *testing.T) {
	// 引擎在 Stats 阶段忽略取消并拖过预算，后续阶段不能再写入已删除的工作区
	eng := mocks.NewFakeEngine().WithDelay(engine.OpStats, 300*time.Millisecond, false)
	f := setupService(t, eng, fixtureOptions{timeout: 50 * time.Millisecond})

	_, err := f.svc.Convert(context.Background(), request("late", types.FormatFBX, types.FormatGLB))
	require.Error(t, err)
	te, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrTimeout, te.Code)
	f.assertNoWorkspaces(t)

	// 等引擎调用自然结束后再检查一次
	time.Sleep(600 * time.Millisecond)
	f.assertNoWorkspaces(t)
	assert.Zero(t, eng.Calls(engine.OpExport))
}

func TestService_CacheBackendDown(t *testing.T) {
	eng := mocks.NewFakeEngine()
	f := setupService(t, eng, fixtureOptions{})
	f.mr.SetError("ERR backend unavailable")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := f.svc.Convert(ctx, request("mesh", types.FormatFBX, types.FormatGLB))
		require.NoError(t, err)
		assert.False(t, res.Cached)
		assert.Equal(t, "glb:mesh", readResult(t, res))
	}
	assert.Equal(t, 2, eng.Calls(engine.OpImport))
}

func TestService_WithoutCache(t *testing.T) {
	eng := mocks.NewFakeEngine()
	f := setupService(t, eng, fixtureOptions{noCache: true})

	for i := 0; i < 2; i++ {
		res, err := f.svc.Convert(context.Background(), request("mesh", types.FormatFBX, types.FormatGLB))
		require.NoError(t, err)
		assert.False(t, res.Cached)
		res.Body.Close()
	}
	assert.Equal(t, 2, eng.Calls(engine.OpImport))
}

func TestService_HistoryFailureIgnored(t *testing.T) {
	eng := mocks.NewFakeEngine()
	f := setupService(t, eng, fixtureOptions{})
	f.history.err = errors.New("db down")

	res, err := f.svc.Convert(context.Background(), request("mesh", types.FormatFBX, types.FormatGLB))
	require.NoError(t, err)
	res.Body.Close()
}

func TestService_ConcurrentNoCrossTalk(t *testing.T) {
	eng := mocks.NewFakeEngine().WithDelay(engine.OpImport, 5*time.Millisecond, true)
	f := setupService(t, eng, fixtureOptions{})

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	bodies := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := request(fmt.Sprintf("content-%d", i), types.FormatFBX, types.FormatGLTF)
			req.ClientID = fmt.Sprintf("client-%d", i)
			res, err := f.svc.Convert(context.Background(), req)
			errs[i] = err
			if err == nil {
				data, _ := io.ReadAll(res.Body)
				res.Body.Close()
				bodies[i] = string(data)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, fmt.Sprintf("gltf:content-%d", i), bodies[i])
	}
	assert.Equal(t, 1, eng.MaxConcurrent())
	f.assertNoWorkspaces(t)
}

func TestService_IdenticalRequestsShareOneRun(t *testing.T) {
	eng := mocks.NewFakeEngine().WithDelay(engine.OpImport, 200*time.Millisecond, true)
	f := setupService(t, eng, fixtureOptions{})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Convert(context.Background(), request("same", types.FormatFBX, types.FormatGLB))
			if assert.NoError(t, err) {
				data, _ := io.ReadAll(res.Body)
				res.Body.Close()
				assert.Equal(t, "glb:same", string(data))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, eng.Calls(engine.OpImport))
	f.assertNoWorkspaces(t)
}

func TestService_WorkspaceRootUnusable(t *testing.T) {
	eng := mocks.NewFakeEngine()
	f := setupService(t, eng, fixtureOptions{})
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	f.svc.config.WorkspaceRoot = blocker

	_, err := f.svc.Convert(context.Background(), request("mesh", types.FormatFBX, types.FormatGLB))
	require.Error(t, err)
	assert.Equal(t, types.ErrInternalError, types.GetErrorCode(err))
	assert.Zero(t, eng.TotalCalls())
}

func TestService_OversizeMessageDefault(t *testing.T) {
	svc := NewService(ServiceConfig{}, nil, nil)
	assert.Equal(t, int64(50<<20), svc.MaxUploadBytes())
	assert.Equal(t, "File size exceeds maximum limit of 50MB", svc.OversizeError().Message)
}
