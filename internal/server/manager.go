package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 🌐 HTTP 监听管理
// =============================================================================

// 生命周期状态
const (
	stateIdle int32 = iota
	stateServing
	stateClosed
)

// ErrServerClosed Start 在 Shutdown 之后调用
var ErrServerClosed = errors.New("server: closed")

// Config 单个监听的参数；转换接口的 WriteTimeout 必须大于转换预算
type Config struct {
	Name            string // 仅用于日志：api、metrics
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	MaxHeaderBytes  int
	ShutdownTimeout time.Duration
	TLS             *tls.Config // 非空时以 HTTPS 监听
}

// DefaultConfig 转换接口的默认监听参数
func DefaultConfig() Config {
	return Config{
		Name:            "api",
		Addr:            ":8080",
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    360 * time.Second,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Manager 负责一个 http.Server 的绑定、后台服务和有界的优雅关闭。
// 上传与转换可能持续数分钟，关闭超时后剩余连接被强制断开。
type Manager struct {
	srv    *http.Server
	config Config
	logger *zap.Logger
	errCh  chan error

	state atomic.Int32

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]http.ConnState
	active int64 // 处于 StateActive 的连接
}

// NewManager 创建管理器，不绑定端口
func NewManager(handler http.Handler, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Name == "" {
		config.Name = "api"
	}
	m := &Manager{
		config: config,
		errCh:  make(chan error, 1),
		conns:  make(map[net.Conn]http.ConnState),
		logger: logger.With(zap.String("component", "http_server"), zap.String("server", config.Name)),
	}
	m.srv = &http.Server{
		Addr:              config.Addr,
		Handler:           handler,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		MaxHeaderBytes:    config.MaxHeaderBytes,
		TLSConfig:         config.TLS,
		ErrorLog:          zap.NewStdLog(m.logger.Named("net_http")),
		ConnState:         m.trackConn,
	}
	return m
}

// trackConn 统计正在处理请求的连接数。连接可能从 Active 直接进入 Closed。
func (m *Manager) trackConn(c net.Conn, cs http.ConnState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conns[c] == http.StateActive {
		m.active--
	}
	switch cs {
	case http.StateClosed, http.StateHijacked:
		delete(m.conns, c)
		return
	case http.StateActive:
		m.active++
	}
	m.conns[c] = cs
}

// Start 同步绑定端口（端口占用立即返回错误），然后在后台服务
func (m *Manager) Start() error {
	if !m.state.CompareAndSwap(stateIdle, stateServing) {
		if m.state.Load() == stateClosed {
			return ErrServerClosed
		}
		return fmt.Errorf("server %s already started", m.config.Name)
	}

	ln, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		m.state.Store(stateIdle)
		return fmt.Errorf("failed to listen on %s: %w", m.config.Addr, err)
	}
	if m.config.TLS != nil {
		ln = tls.NewListener(ln, m.config.TLS)
	}
	m.mu.Lock()
	m.ln = ln
	m.mu.Unlock()

	m.logger.Info("listening",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("tls", m.config.TLS != nil),
	)
	go m.serve(ln)
	return nil
}

func (m *Manager) serve(ln net.Listener) {
	err := m.srv.Serve(ln)
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return
	}
	m.logger.Error("serve failed", zap.Error(err))
	select {
	case m.errCh <- err:
	default:
	}
}

// OnShutdown 注册在 Shutdown 开始时异步执行的回调
func (m *Manager) OnShutdown(fn func()) {
	m.srv.RegisterOnShutdown(fn)
}

// Shutdown 停止接收新连接并等待进行中的请求，最长 ShutdownTimeout。
// 超时后强制关闭剩余连接并返回 context 错误。重复调用为空操作。
func (m *Manager) Shutdown(ctx context.Context) error {
	if prev := m.state.Swap(stateClosed); prev != stateServing {
		return nil
	}

	m.logger.Info("shutting down", zap.Int64("active_connections", m.ActiveConnections()))
	if m.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.ShutdownTimeout)
		defer cancel()
	}

	err := m.srv.Shutdown(ctx)
	if err == nil {
		m.logger.Info("stopped")
		return nil
	}

	dropped := m.ActiveConnections()
	closeErr := m.srv.Close()
	m.logger.Warn("graceful shutdown timed out, connections dropped",
		zap.Int64("dropped", dropped),
		zap.Error(err),
	)
	return errors.Join(err, closeErr)
}

// Errors 后台 Serve 的异步错误，最多缓冲一个
func (m *Manager) Errors() <-chan error {
	return m.errCh
}

// Addr 实际监听地址；未启动时返回配置地址
func (m *Manager) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ln != nil {
		return m.ln.Addr().String()
	}
	return m.config.Addr
}

// ActiveConnections 正在处理请求的连接数
func (m *Manager) ActiveConnections() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// IsRunning 已启动且未关闭
func (m *Manager) IsRunning() bool {
	return m.state.Load() == stateServing
}
