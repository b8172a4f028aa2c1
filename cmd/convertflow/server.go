package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/BaSui01/convertflow/api/handlers"
	"github.com/BaSui01/convertflow/config"
	"github.com/BaSui01/convertflow/internal/cache"
	"github.com/BaSui01/convertflow/internal/converter"
	"github.com/BaSui01/convertflow/internal/database"
	"github.com/BaSui01/convertflow/internal/engine"
	"github.com/BaSui01/convertflow/internal/engine/blender"
	"github.com/BaSui01/convertflow/internal/history"
	"github.com/BaSui01/convertflow/internal/metrics"
	"github.com/BaSui01/convertflow/internal/migration"
	"github.com/BaSui01/convertflow/internal/ratelimit"
	"github.com/BaSui01/convertflow/internal/resultcache"
	"github.com/BaSui01/convertflow/internal/server"
	"github.com/BaSui01/convertflow/internal/telemetry"
	"github.com/BaSui01/convertflow/internal/tlsutil"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	metricsNamespace    = "convertflow"
	redisCheckInterval  = 30 * time.Second
	dbStatsInterval     = 15 * time.Second
	historyPruneEvery   = time.Hour
	startupResetTimeout = 2 * time.Minute
)

// skipAuthPaths 不需要认证的路径
var skipAuthPaths = []string{"/health", "/healthz", "/ready", "/version", "/api/v1/formats"}

// engineFactory 按配置创建场景引擎，测试中可替换
type engineFactory func(cfg config.EngineConfig, logger *zap.Logger) (engine.SceneEngine, error)

// newBlenderEngine 创建常驻的 Blender 子进程引擎，未设置的字段由 blender.New 补默认值
func newBlenderEngine(cfg config.EngineConfig, logger *zap.Logger) (engine.SceneEngine, error) {
	switch cfg.Kind {
	case "", "blender":
	default:
		return nil, fmt.Errorf("unsupported engine kind %q", cfg.Kind)
	}

	bc := blender.Config{
		Binary:         cfg.Binary,
		Args:           cfg.Args,
		StartupTimeout: cfg.StartupTimeout,
		FactoryReset:   cfg.FactoryReset,
	}
	return blender.New(bc, logger), nil
}

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 ConvertFlow 的主服务器
type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	namespace string
	newEngine engineFactory

	telemetry *telemetry.Providers
	collector *metrics.Collector

	// 转换流水线组件
	cacheManager *cache.Manager
	results      *resultcache.Cache
	limiter      ratelimit.Limiter
	engine       engine.SceneEngine
	supervisor   *converter.Supervisor
	service      *converter.Service

	// 可选的转换历史
	db      *database.PoolManager
	history *history.Store

	healthHandler  *handlers.HealthHandler
	convertHandler *handlers.ConvertHandler
	historyHandler *handlers.HistoryHandler

	httpManager    *server.Manager
	metricsManager *server.Manager

	// 后台任务（限流清理、缓存 janitor、历史清理、连接池指标）
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       *errgroup.Group
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, providers *telemetry.Providers) *Server {
	return &Server{
		cfg:       cfg,
		logger:    logger,
		namespace: metricsNamespace,
		newEngine: newBlenderEngine,
		telemetry: providers,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Run 启动服务并阻塞，直到 ctx 结束或监听出错，然后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		_ = s.Shutdown(context.Background())
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case runErr = <-s.httpManager.Errors():
		s.logger.Error("HTTP server failed", zap.Error(runErr))
	case runErr = <-s.metricsErrors():
		s.logger.Error("metrics server failed", zap.Error(runErr))
	}

	return errors.Join(runErr, s.Shutdown(context.Background()))
}

// Start 初始化全部组件并启动监听
func (s *Server) Start(ctx context.Context) error {
	if err := s.setup(ctx); err != nil {
		return err
	}
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("all servers started",
		zap.String("http_addr", s.httpManager.Addr()),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("tls", s.cfg.Server.TLSCertFile != ""),
	)
	return nil
}

// setup 按依赖顺序构建组件：指标 → Redis → 限流/缓存 → 引擎 → 历史 → 服务 → handlers
func (s *Server) setup(ctx context.Context) error {
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())
	s.bg, s.bgCtx = errgroup.WithContext(s.bgCtx)

	s.collector = metrics.NewCollector(s.namespace, s.logger)

	if err := s.initRedis(); err != nil {
		return err
	}
	if err := s.initResultCache(); err != nil {
		return err
	}
	s.initLimiter()

	if err := s.initEngine(ctx); err != nil {
		return err
	}
	s.initHistory(ctx)

	s.service = converter.NewService(converter.ServiceConfig{
		MaxUploadBytes: s.cfg.Conversion.MaxUploadBytes,
		WorkspaceRoot:  s.cfg.Conversion.WorkspaceRoot,
		CacheTTL:       s.cfg.Cache.TTL,
	}, s.supervisor, s.logger).
		WithLimiter(s.limiter).
		WithRecorder(s.collector)
	if s.results != nil {
		s.service.WithCache(s.results)
	}
	if s.history != nil {
		s.service.WithHistory(s.history)
	}

	s.initHandlers()
	return nil
}

func (s *Server) initRedis() error {
	rc := s.cfg.Redis
	mgr, err := cache.NewManager(cache.Config{
		Addr:                rc.Addr,
		Password:            rc.Password,
		DB:                  rc.DB,
		MaxRetries:          1,
		PoolSize:            rc.PoolSize,
		MinIdleConns:        rc.MinIdleConns,
		HealthCheckInterval: redisCheckInterval,
		TLSEnabled:          rc.TLSEnabled,
		KeyPrefix:           rc.KeyPrefix,
		AllowDegraded:       !rc.Required,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("failed to init redis: %w", err)
	}
	s.cacheManager = mgr
	return nil
}

func (s *Server) initResultCache() error {
	cc := s.cfg.Cache
	if !cc.Enabled {
		s.logger.Info("result cache disabled")
		return nil
	}
	rc, err := resultcache.New(s.cacheManager, resultcache.Config{
		Dir:           cc.Dir,
		KeyPrefix:     cc.KeyPrefix,
		TTL:           cc.TTL,
		LocalCapacity: cc.LocalCapacity,
		LocalTTL:      cc.LocalTTL,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("failed to init result cache: %w", err)
	}
	s.results = rc.WithObserver(s.collector)

	s.bg.Go(func() error {
		s.results.RunJanitor(s.bgCtx, cc.JanitorInterval)
		return nil
	})
	return nil
}

func (s *Server) initLimiter() {
	rl := s.cfg.RateLimit
	if !rl.Enabled {
		s.logger.Info("rate limiting disabled")
		s.limiter = ratelimit.Noop{}
		return
	}
	lc := ratelimit.Config{Requests: rl.Requests, Window: rl.Window, KeyPrefix: rl.KeyPrefix}

	if rl.Backend == "memory" {
		ml := ratelimit.NewMemoryLimiter(lc, s.logger)
		s.bg.Go(func() error {
			ml.Run(s.bgCtx, rl.Window)
			return nil
		})
		s.limiter = ml
		return
	}
	s.limiter = ratelimit.NewRedisLimiter(s.cacheManager, lc, s.logger)
}

// initEngine 创建引擎与单 worker 监督者，并在启动时重置场景；重置失败直接退出
func (s *Server) initEngine(ctx context.Context) error {
	eng, err := s.newEngine(s.cfg.Conversion.Engine, s.logger)
	if err != nil {
		return fmt.Errorf("failed to create scene engine: %w", err)
	}
	s.engine = eng
	if r, ok := eng.(interface{ OnRestart(func(reason string)) }); ok {
		r.OnRestart(s.collector.RecordEngineRestart)
	}

	orch := converter.NewOrchestrator(eng, s.logger)
	s.supervisor = converter.NewSupervisor(orch, converter.SupervisorConfig{
		Timeout:   s.cfg.Conversion.Timeout,
		QueueSize: s.cfg.Conversion.QueueSize,
	}, s.logger)
	s.collector.RegisterQueueDepth(s.supervisor.QueueDepth)

	resetCtx, cancel := context.WithTimeout(ctx, startupResetTimeout)
	defer cancel()
	if err := s.supervisor.Reset(resetCtx, orch.Reset); err != nil {
		return fmt.Errorf("failed to initialize scene engine: %w", err)
	}
	s.logger.Info("scene engine initialized", zap.String("kind", s.cfg.Conversion.Engine.Kind))
	return nil
}

// initHistory 打开可选的审计库。失败只降级，不阻止启动。
func (s *Server) initHistory(ctx context.Context) {
	dbCfg := s.cfg.Database
	if dbCfg.Driver == "" {
		s.logger.Info("database not configured, conversion history disabled")
		return
	}

	if dbCfg.AutoMigrate {
		if err := runMigrations(ctx, dbCfg, s.logger); err != nil {
			s.logger.Warn("database migration failed, conversion history disabled", zap.Error(err))
			return
		}
	}

	pm, err := database.Open(dbCfg, s.logger)
	if err != nil {
		s.logger.Warn("database not available, conversion history disabled", zap.Error(err))
		return
	}
	store := history.NewStore(pm, s.logger)
	if !dbCfg.AutoMigrate && dbCfg.Driver == "sqlite" {
		if err := store.AutoMigrate(ctx); err != nil {
			s.logger.Warn("history auto-migrate failed", zap.Error(err))
		}
	}
	s.db = pm
	s.history = store

	s.bg.Go(func() error {
		s.reportDBStats(s.bgCtx, dbCfg.Driver)
		return nil
	})
	if dbCfg.Retention > 0 {
		s.bg.Go(func() error {
			s.pruneHistory(s.bgCtx, dbCfg.Retention)
			return nil
		})
	}
}

func runMigrations(ctx context.Context, dbCfg config.DatabaseConfig, logger *zap.Logger) error {
	m, err := migration.NewMigratorFromDatabaseConfig(dbCfg, logger)
	if err != nil {
		return err
	}
	defer m.Close()
	return m.Up(ctx)
}

func (s *Server) reportDBStats(ctx context.Context, driver string) {
	ticker := time.NewTicker(dbStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.db.Stats()
			s.collector.RecordDBConnections(driver, st.OpenConnections, st.Idle)
		}
	}
}

func (s *Server) pruneHistory(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(historyPruneEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.history.Prune(ctx, time.Now().Add(-retention)); err != nil {
				s.logger.Warn("failed to prune conversion history", zap.Error(err))
			}
		}
	}
}

// =============================================================================
// 🔧 Handlers 与路由
// =============================================================================

func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger).WithRedis(s.cacheManager.Ping)
	if checker, ok := s.engine.(engine.Checker); ok {
		s.healthHandler.RegisterCheck(handlers.NewFuncCheck("engine", checker.Check))
	}
	redisCheck := handlers.NewFuncCheck("redis", s.cacheManager.Ping)
	if !s.cfg.Redis.Required {
		redisCheck.AsOptional()
	}
	s.healthHandler.RegisterCheck(redisCheck)
	if s.db != nil {
		s.healthHandler.RegisterCheck(handlers.NewFuncCheck("database", s.db.Ping))
	}

	s.convertHandler = handlers.NewConvertHandler(s.service, s.logger)
	if s.history != nil {
		s.historyHandler = handlers.NewHistoryHandler(s.history, s.logger)
	}
}

func (s *Server) engineVersion() string {
	if v, ok := s.engine.(interface{ Version() string }); ok {
		return v.Version()
	}
	return ""
}

// Handler 返回带完整中间件链的 API 路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// 健康检查
	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit, s.engineVersion))

	// 转换
	mux.HandleFunc("POST /convert", s.convertHandler.HandleConvert)
	mux.HandleFunc("POST /convert/{pair}", s.convertHandler.HandleConvertPair)
	mux.HandleFunc("GET /api/v1/formats", handlers.HandleFormats)

	if s.historyHandler != nil {
		mux.HandleFunc("GET /api/v1/conversions", s.historyHandler.HandleList)
		mux.HandleFunc("GET /api/v1/conversions/summary", s.historyHandler.HandleSummary)
	}

	sc := s.cfg.Server
	chain := []Middleware{
		Recovery(s.logger),
		RequestID(),
		OTelTracing(),
		MetricsMiddleware(s.collector),
		SecurityHeaders(),
		RequestLogger(s.logger),
		CORS(sc.CORSAllowedOrigins),
	}
	if sc.FloodGuardRPS > 0 {
		chain = append(chain, FloodGuard(s.bgCtx, sc.FloodGuardRPS, sc.FloodGuardBurst, s.logger))
	}
	if len(sc.APIKeys) > 0 {
		chain = append(chain, APIKeyAuth(sc.APIKeys, skipAuthPaths, sc.JWTSecret != "", s.logger))
	}
	if sc.JWTSecret != "" {
		chain = append(chain, JWTAuth(JWTConfig{
			Secret:   sc.JWTSecret,
			Issuer:   sc.JWTIssuer,
			Required: len(sc.APIKeys) == 0,
		}, skipAuthPaths, s.logger))
	}
	return Chain(mux, chain...)
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

func (s *Server) startHTTPServer() error {
	sc := s.cfg.Server
	serverConfig := server.Config{
		Name:            "api",
		Addr:            fmt.Sprintf(":%d", sc.HTTPPort),
		ReadTimeout:     sc.ReadTimeout,
		WriteTimeout:    sc.WriteTimeout,
		IdleTimeout:     2 * sc.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: sc.ShutdownTimeout,
	}
	if sc.TLSCertFile != "" {
		tlsConfig, err := tlsutil.ServerTLSConfig(sc.TLSCertFile, sc.TLSKeyFile)
		if err != nil {
			return err
		}
		serverConfig.TLS = tlsConfig
	}

	s.httpManager = server.NewManager(s.Handler(), serverConfig, s.logger)
	if s.supervisor != nil {
		s.httpManager.OnShutdown(func() {
			s.logger.Info("draining in-flight conversions", zap.Int("queued", s.supervisor.QueueDepth()))
		})
	}
	return s.httpManager.Start()
}

// startMetricsServer 在独立端口暴露 /metrics；端口为 0 时不启动
func (s *Server) startMetricsServer() error {
	if s.cfg.Server.MetricsPort == 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	s.metricsManager = server.NewManager(mux, server.Config{
		Name:            "metrics",
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.ReadTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
	return s.metricsManager.Start()
}

func (s *Server) metricsErrors() <-chan error {
	if s.metricsManager == nil {
		return nil
	}
	return s.metricsManager.Errors()
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// Shutdown 优雅关闭：先并行停掉两个监听，等进行中的请求结束，再释放引擎和存储
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("starting graceful shutdown")

	var g errgroup.Group
	for _, m := range []*server.Manager{s.httpManager, s.metricsManager} {
		if m == nil {
			continue
		}
		g.Go(func() error { return m.Shutdown(ctx) })
	}
	// 排队的转换立即以 503 返回，HTTP 关闭才能等到它们的响应写完
	if s.supervisor != nil {
		g.Go(func() error { return s.supervisor.Shutdown(ctx) })
	}
	errs := []error{g.Wait()}

	if s.bgCancel != nil {
		s.bgCancel()
		errs = append(errs, s.bg.Wait())
	}
	if s.engine != nil {
		errs = append(errs, s.engine.Close())
	}
	if s.results != nil {
		s.results.Close()
	}
	if s.cacheManager != nil {
		errs = append(errs, s.cacheManager.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	if s.telemetry != nil {
		errs = append(errs, s.telemetry.Shutdown(ctx))
	}

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Error("shutdown finished with errors", zap.Error(err))
		return err
	}
	s.logger.Info("graceful shutdown completed")
	return nil
}
