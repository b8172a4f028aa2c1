package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/convertflow/api/handlers"
	"github.com/BaSui01/convertflow/internal/ctxkeys"
	"github.com/BaSui01/convertflow/internal/digest"
	"github.com/BaSui01/convertflow/internal/metrics"
	"github.com/BaSui01/convertflow/internal/telemetry"
	"github.com/BaSui01/convertflow/types"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	headerRequestID = "X-Request-ID"
	headerAPIKey    = "X-API-Key"
	maxRequestIDLen = 128
)

// Middleware 类型定义
type Middleware func(http.Handler) http.Handler

// Chain 将多个中间件串联，第一个中间件位于最外层
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// Recovery panic 恢复中间件
func Recovery(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					logger.Error("panic recovered",
						zap.Any("error", err),
						zap.String("path", r.URL.Path),
						zap.Stack("stack"),
					)
					handlers.WriteErrorMessage(w, r, types.ErrInternalError, "internal server error", nil)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID 为每个请求分配 ID（保留客户端提供的合法 ID），写入响应头与 context
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(headerRequestID)
			if id == "" || len(id) > maxRequestIDLen || strings.ContainsAny(id, "\r\n") {
				id = uuid.NewString()
			}
			w.Header().Set(headerRequestID, id)
			next.ServeHTTP(w, r.WithContext(ctxkeys.WithRequestID(r.Context(), id)))
		})
	}
}

// SecurityHeaders 添加常用安全响应头
func SecurityHeaders() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Content-Security-Policy", "default-src 'none'")
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger 请求日志中间件
func RequestLogger(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r)

			requestID, _ := ctxkeys.RequestID(r.Context())
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.StatusCode),
				zap.Int64("bytes", rw.BytesWritten),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("request_id", requestID),
			)
		})
	}
}

// =============================================================================
// 📊 Metrics
// =============================================================================

// MetricsMiddleware 通过 metrics.Collector 记录请求耗时、状态与大小
func MetricsMiddleware(collector *metrics.Collector) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r)

			requestSize := r.ContentLength
			if requestSize < 0 {
				requestSize = 0
			}
			collector.RecordHTTPRequest(r.Method, routeLabel(r.URL.Path), rw.StatusCode,
				time.Since(start), requestSize, rw.BytesWritten)
		})
	}
}

// staticRoutes 是可以原样作为指标标签的路径
var staticRoutes = map[string]struct{}{
	"/convert":                    {},
	"/health":                     {},
	"/healthz":                    {},
	"/ready":                      {},
	"/version":                    {},
	"/api/v1/formats":             {},
	"/api/v1/conversions":         {},
	"/api/v1/conversions/summary": {},
}

// routeLabel 把路径归一为有限集合，避免客户端构造的路径撑爆标签基数
func routeLabel(path string) string {
	if _, ok := staticRoutes[path]; ok {
		return path
	}
	if strings.HasPrefix(path, "/convert/") {
		return "/convert/{pair}"
	}
	return "other"
}

// =============================================================================
// 🔭 OpenTelemetry
// =============================================================================

// OTelTracing 为每个请求创建服务端 span，并提取上游 trace 上下文。
// 请求耗时同时记录到 OTel 直方图 http.server.request.duration。
func OTelTracing() Middleware {
	duration, err := telemetry.Meter(telemetry.ScopeHTTP).Float64Histogram("http.server.request.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of HTTP server requests"),
	)
	if err != nil {
		duration = noop.Float64Histogram{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			route := routeLabel(r.URL.Path)
			ctx, span := telemetry.Tracer(telemetry.ScopeHTTP).Start(ctx, r.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.HTTPRoute(route),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			if sc := span.SpanContext(); sc.HasTraceID() {
				ctx = ctxkeys.WithTraceID(ctx, sc.TraceID().String())
			}
			if id, ok := ctxkeys.RequestID(ctx); ok {
				span.SetAttributes(attribute.String("request.id", id))
			}

			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r.WithContext(ctx))

			span.SetAttributes(semconv.HTTPResponseStatusCode(rw.StatusCode))
			if rw.StatusCode >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rw.StatusCode))
			}
			duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.HTTPRoute(route),
				semconv.HTTPResponseStatusCode(rw.StatusCode),
			))
		})
	}
}

// =============================================================================
// 🌐 CORS
// =============================================================================

// CORS 跨域中间件。allowedOrigins 为空时不设置任何 CORS 头，预检请求被拒绝。
func CORS(allowedOrigins []string) Middleware {
	originSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			_, allowed := originSet[origin]
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, Authorization, X-Request-ID")
				w.Header().Set("Access-Control-Expose-Headers", "Content-Disposition, X-Cache, X-Content-Digest, X-Request-ID, Retry-After")
				w.Header().Set("Access-Control-Max-Age", "86400")
				w.Header().Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				if !allowed {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// 🚧 FloodGuard
// =============================================================================

// FloodGuard 按 IP 的令牌桶，挡在所有路由之前。它只防洪，
// 转换配额由转换服务内的滑动窗口限流负责。
func FloodGuard(ctx context.Context, rps float64, burst int, logger *zap.Logger) Middleware {
	var (
		mu   sync.Mutex
		seen = make(map[string]*floodVisitor)
	)
	// 令牌桶回满后的访客可以安全丢弃
	idle := time.Duration(float64(burst)/rps*float64(time.Second)) + time.Minute
	retryAfter := strconv.Itoa(max(1, int(math.Ceil(1/rps))))

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				mu.Lock()
				for ip, v := range seen {
					if now.Sub(v.lastSeen) > idle {
						delete(seen, ip)
					}
				}
				mu.Unlock()
			}
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)
			now := time.Now()

			mu.Lock()
			v := seen[ip]
			if v == nil {
				v = &floodVisitor{bucket: rate.NewLimiter(rate.Limit(rps), burst)}
				seen[ip] = v
			}
			v.lastSeen = now
			ok := v.bucket.AllowN(now, 1)
			mu.Unlock()

			if !ok {
				logger.Debug("flood guard rejected request", zap.String("ip", ip))
				w.Header().Set("Retry-After", retryAfter)
				handlers.WriteErrorMessage(w, r, types.ErrRateLimited, "Too many requests", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type floodVisitor struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// =============================================================================
// 🔐 认证
// =============================================================================

func pathSet(paths []string) map[string]struct{} {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return set
}

func bearerToken(r *http.Request) (string, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return token, ok && token != ""
}

// APIKeyAuth 校验 X-API-Key。通过后客户端标识为 key 指纹，不暴露原始 key。
// bearerFallback 为 true 时，没有 X-API-Key 但带 Bearer token 的请求交给 JWTAuth。
func APIKeyAuth(validKeys []string, skipPaths []string, bearerFallback bool, logger *zap.Logger) Middleware {
	keys := make(map[string]string, len(validKeys))
	for _, k := range validKeys {
		keys[k] = "key:" + digest.Bytes([]byte(k)).Short()
	}
	skip := pathSet(skipPaths)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get(headerAPIKey)
			if key == "" {
				if _, ok := bearerToken(r); ok && bearerFallback {
					next.ServeHTTP(w, r)
					return
				}
			}
			clientID, ok := keys[key]
			if !ok {
				logger.Debug("api key rejected", zap.String("path", r.URL.Path))
				handlers.WriteErrorMessage(w, r, types.ErrUnauthorized, "invalid or missing API key", nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(ctxkeys.WithClientID(r.Context(), clientID)))
		})
	}
}

// JWTConfig JWT 校验参数
type JWTConfig struct {
	Secret string
	Issuer string
	// Required 为 false 时没有 token 的请求直接放行（由 APIKeyAuth 认证）
	Required bool
}

// JWTAuth 校验 HS256 Bearer token，subject 作为客户端标识写入 context，
// 进而成为限流键。
func JWTAuth(cfg JWTConfig, skipPaths []string, logger *zap.Logger) Middleware {
	skip := pathSet(skipPaths)
	secret := []byte(cfg.Secret)

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
	}
	keyFunc := func(*jwt.Token) (any, error) {
		if len(secret) == 0 {
			return nil, errors.New("HMAC secret not configured")
		}
		return secret, nil
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			tokenStr, ok := bearerToken(r)
			if !ok {
				if _, authed := ctxkeys.ClientID(r.Context()); authed || !cfg.Required {
					next.ServeHTTP(w, r)
					return
				}
				handlers.WriteErrorMessage(w, r, types.ErrUnauthorized, "missing or malformed Authorization header", nil)
				return
			}

			claims := &jwt.RegisteredClaims{}
			if _, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc, parserOpts...); err != nil {
				logger.Debug("JWT validation failed", zap.Error(err))
				handlers.WriteErrorMessage(w, r, types.ErrUnauthorized, "invalid or expired token", nil)
				return
			}
			if claims.Subject == "" {
				handlers.WriteErrorMessage(w, r, types.ErrUnauthorized, "token has no subject", nil)
				return
			}

			ctx := ctxkeys.WithClientID(r.Context(), fmt.Sprintf("sub:%s", claims.Subject))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
