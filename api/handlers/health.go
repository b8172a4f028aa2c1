package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// 🏥 健康检查 Handler
// =============================================================================

// /health 报告的 Redis 状态
const (
	RedisConnected    = "connected"
	RedisDisconnected = "disconnected"
	RedisDisabled     = "disabled"
)

// 就绪检查结果
const (
	CheckPass = "pass"
	CheckWarn = "warn" // 可选依赖失败，不影响就绪
	CheckFail = "fail"
)

const (
	readyTimeout   = 5 * time.Second
	redisTimeout   = 2 * time.Second
	maxReadyChecks = 4
)

// HealthCheck 就绪检查项
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// ServiceHealthResponse /health 响应。Redis 状态只做报告，不影响状态码。
type ServiceHealthResponse struct {
	Status    string    `json:"status"`
	Redis     string    `json:"redis"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthStatus /ready 响应
type HealthStatus struct {
	Status    string                 `json:"status"` // healthy, unhealthy
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单项结果
type CheckResult struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// HealthHandler 提供 /health、/healthz、/ready 与 /version
type HealthHandler struct {
	logger    *zap.Logger
	redisPing func(ctx context.Context) error
	now       func() time.Time

	mu     sync.RWMutex
	checks []HealthCheck
}

func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		logger: logger.With(zap.String("handler", "health")),
		now:    time.Now,
	}
}

// WithRedis 设置 /health 报告的 Redis 探测函数
func (h *HealthHandler) WithRedis(ping func(ctx context.Context) error) *HealthHandler {
	h.redisPing = ping
	return h
}

// RegisterCheck 注册就绪检查
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// HandleHealth 进程能响应就返回 200，Redis 状态仅供参考
// @Summary 健康检查
// @Tags 健康
// @Produce json
// @Success 200 {object} ServiceHealthResponse "服务正常"
// @Router /health [get]
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, ServiceHealthResponse{
		Status:    "healthy",
		Redis:     h.redisStatus(r.Context()),
		Timestamp: h.now().UTC(),
	})
}

func (h *HealthHandler) redisStatus(ctx context.Context) string {
	if h.redisPing == nil {
		return RedisDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	if err := h.redisPing(ctx); err != nil {
		h.logger.Warn("redis ping failed", zap.Error(err))
		return RedisDisconnected
	}
	return RedisConnected
}

// HandleHealthz 活跃度探针，不触碰任何依赖
// @Summary Kubernetes 活跃度探针
// @Tags 健康
// @Produce json
// @Success 200 {object} ServiceHealthResponse "服务处于活动状态"
// @Router /healthz [get]
func (h *HealthHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, ServiceHealthResponse{
		Status:    "healthy",
		Redis:     RedisDisabled,
		Timestamp: h.now().UTC(),
	})
}

// HandleReady 并发执行所有检查；任一必需检查失败返回 503
// @Summary 准备情况检查
// @Tags 健康
// @Produce json
// @Success 200 {object} HealthStatus "服务已准备就绪"
// @Failure 503 {object} HealthStatus "服务尚未准备好"
// @Router /ready [get]
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	results := make([]CheckResult, len(checks))
	var g errgroup.Group
	g.SetLimit(maxReadyChecks)
	for i, check := range checks {
		g.Go(func() error {
			results[i] = h.run(ctx, check)
			return nil
		})
	}
	_ = g.Wait()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: h.now().UTC(),
		Checks:    make(map[string]CheckResult, len(checks)),
	}
	for i, check := range checks {
		status.Checks[check.Name()] = results[i]
		if results[i].Status == CheckFail {
			status.Status = "unhealthy"
		}
	}

	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	WriteJSON(w, code, status)
}

func (h *HealthHandler) run(ctx context.Context, check HealthCheck) CheckResult {
	start := time.Now()
	err := check.Check(ctx)
	res := CheckResult{Status: CheckPass, LatencyMS: time.Since(start).Milliseconds()}
	if err == nil {
		return res
	}

	res.Status = CheckFail
	if opt, ok := check.(interface{ Optional() bool }); ok && opt.Optional() {
		res.Status = CheckWarn
	}
	res.Message = err.Error()
	h.logger.Warn("readiness check failed",
		zap.String("check", check.Name()),
		zap.String("result", res.Status),
		zap.Error(err),
	)
	return res
}

// VersionInfo /version 响应
type VersionInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
	Engine    string `json:"engine,omitempty"`
}

// HandleVersion engine 可为 nil
// @Summary 版本信息
// @Tags 健康
// @Produce json
// @Success 200 {object} VersionInfo "版本信息"
// @Router /version [get]
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string, engine func() string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info := VersionInfo{Version: version, BuildTime: buildTime, GitCommit: gitCommit}
		if engine != nil {
			info.Engine = engine()
		}
		WriteJSON(w, http.StatusOK, info)
	}
}

// =============================================================================
// 🔧 FuncCheck
// =============================================================================

// FuncCheck 把探测函数适配为 HealthCheck（数据库、Redis、场景引擎）
type FuncCheck struct {
	name     string
	check    func(ctx context.Context) error
	optional bool
}

func NewFuncCheck(name string, check func(ctx context.Context) error) *FuncCheck {
	return &FuncCheck{name: name, check: check}
}

// AsOptional 失败时只报告 warn
func (c *FuncCheck) AsOptional() *FuncCheck {
	c.optional = true
	return c
}

func (c *FuncCheck) Name() string                    { return c.name }
func (c *FuncCheck) Check(ctx context.Context) error { return c.check(ctx) }
func (c *FuncCheck) Optional() bool                  { return c.optional }
