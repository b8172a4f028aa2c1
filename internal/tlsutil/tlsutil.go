package tlsutil

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"
)

// aeadSuites TLS 1.2 下允许的密码套件；TLS 1.3 套件由标准库固定
var aeadSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
}

// DefaultTLSConfig TLS 1.2+，仅 AEAD 套件
func DefaultTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		CipherSuites: append([]uint16(nil), aeadSuites...),
	}
}

// ClientConfig 用于出站连接（Redis）。addr 形如 host:port，主机名用于 SNI 与证书校验。
func ClientConfig(addr string) *tls.Config {
	cfg := DefaultTLSConfig()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		cfg.ServerName = host
	} else {
		cfg.ServerName = addr
	}
	return cfg
}

// =============================================================================
// 🔐 证书热加载
// =============================================================================

// DefaultReloadInterval 证书文件 mtime 的检查间隔
const DefaultReloadInterval = time.Minute

// CertReloader 在握手时按间隔检查证书文件，变化后重新加载。
// 证书轮换不需要重启正在执行长时间转换的进程。
type CertReloader struct {
	certFile, keyFile string
	interval          time.Duration
	now               func() time.Time

	mu      sync.Mutex
	cert    *tls.Certificate
	modTime time.Time
	checked time.Time
}

// NewCertReloader 立即加载一次；加载失败直接返回错误
func NewCertReloader(certFile, keyFile string, interval time.Duration) (*CertReloader, error) {
	if interval <= 0 {
		interval = DefaultReloadInterval
	}
	r := &CertReloader{certFile: certFile, keyFile: keyFile, interval: interval, now: time.Now}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *CertReloader) load() error {
	info, err := os.Stat(r.certFile)
	if err != nil {
		return fmt.Errorf("stat tls certificate: %w", err)
	}
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("load tls key pair: %w", err)
	}
	r.cert = &cert
	r.modTime = info.ModTime()
	r.checked = r.now()
	return nil
}

// GetCertificate 实现 tls.Config.GetCertificate。重新加载失败时继续使用旧证书。
func (r *CertReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.now().Sub(r.checked) < r.interval {
		return r.cert, nil
	}
	r.checked = r.now()
	if info, err := os.Stat(r.certFile); err == nil && info.ModTime().After(r.modTime) {
		_ = r.load()
	}
	return r.cert, nil
}

// ServerTLSConfig HTTPS 监听配置，证书按 DefaultReloadInterval 热加载
func ServerTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	r, err := NewCertReloader(certFile, keyFile, DefaultReloadInterval)
	if err != nil {
		return nil, err
	}
	cfg := DefaultTLSConfig()
	cfg.GetCertificate = r.GetCertificate
	return cfg, nil
}

// =============================================================================
// 🌐 HTTP 客户端
// =============================================================================

// SecureHTTPClient convertflow health 使用的探测客户端
func SecureHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: DefaultTLSConfig(),
			DialContext: (&net.Dialer{
				Timeout:   timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        2,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}
