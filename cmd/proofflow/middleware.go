package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/proofflow/api/handlers"
	"github.com/BaSui01/proofflow/internal/ctxkeys"
	"github.com/BaSui01/proofflow/internal/metrics"
	"github.com/BaSui01/proofflow/types"
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
						zap.Stack("stack"))
					handlers.WriteErrorMessage(w, r, http.StatusInternalServerError,
						types.ErrInternalError, "internal server error", nil)
				}
			}()
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

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.StatusCode),
				zap.Int("bytes", rw.Bytes),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
			}
			if id, ok := ctxkeys.RequestID(r.Context()); ok {
				fields = append(fields, zap.String("request_id", id))
			}
			if tenant, ok := types.TenantID(r.Context()); ok {
				fields = append(fields, zap.String("tenant", tenant))
			}
			if rw.StatusCode >= http.StatusInternalServerError {
				logger.Warn("request", fields...)
				return
			}
			logger.Info("request", fields...)
		})
	}
}

// =============================================================================
// 📊 指标
// =============================================================================

// MetricsMiddleware 记录请求耗时、状态码与大小，路径标签经过归一化
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
			collector.RecordHTTPRequest(r.Method, normalizePath(r.URL.Path), rw.StatusCode,
				time.Since(start), requestSize, int64(rw.Bytes))
		})
	}
}

// pathSegmentPattern 匹配 UUID、长十六进制串（镜像 ID）与纯数字
var pathSegmentPattern = regexp.MustCompile(
	`^[0-9a-fA-F]{8,}(-[0-9a-fA-F]{4,}){0,4}$|^[0-9]+$`,
)

// normalizePath 把动态路径段替换为 ":id"，限制 Prometheus 标签基数
//
//	/v1/jobs/6f1c2a4e-...  -> /v1/jobs/:id
//	/v1/images/9f86d08...  -> /v1/images/:id
func normalizePath(path string) string {
	switch path {
	case "/health", "/healthz", "/ready", "/version", "/metrics",
		"/v1/inputs", "/v1/jobs", "/v1/assignments":
		return path
	}

	segments := strings.Split(path, "/")
	normalized := false
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		if pathSegmentPattern.MatchString(seg) {
			segments[i] = ":id"
			normalized = true
		}
	}
	if !normalized {
		return path
	}
	return strings.Join(segments, "/")
}

// =============================================================================
// 🔭 链路追踪
// =============================================================================

// OTelTracing 为每个请求创建服务端 span，并继承上游传入的 trace 上下文
func OTelTracing() Middleware {
	tracer := otel.Tracer("github.com/BaSui01/proofflow/http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, r.Method+" "+normalizePath(r.URL.Path),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			if sc := span.SpanContext(); sc.HasTraceID() {
				ctx = types.WithTraceID(ctx, sc.TraceID().String())
			}

			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.response.status_code", rw.StatusCode))
			if rw.StatusCode >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rw.StatusCode))
			}
		})
	}
}

// =============================================================================
// 🆔 请求 ID 与安全头
// =============================================================================

// RequestID 为每个请求注入 X-Request-ID，客户端提供的值会被保留
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" || len(id) > 128 {
				id = generateRequestID()
			}
			w.Header().Set("X-Request-ID", id)
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

func generateRequestID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return "req-" + hex.EncodeToString(b)
}

// =============================================================================
// 🚦 限流
// =============================================================================

// RateLimiter 按客户端 IP 限流，限额可在运行时调整
type RateLimiter struct {
	mu       sync.Mutex
	rps      float64
	burst    int
	visitors map[string]*visitor
	idleTTL  time.Duration
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter 创建限流器；ctx 取消时停止清理协程
func NewRateLimiter(ctx context.Context, rps float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		rps:      rps,
		burst:    burst,
		visitors: make(map[string]*visitor),
		idleTTL:  3 * time.Minute,
	}
	go rl.cleanupLoop(ctx)
	return rl
}

func (rl *RateLimiter) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.mu.Lock()
			for ip, v := range rl.visitors {
				if time.Since(v.lastSeen) > rl.idleTTL {
					delete(rl.visitors, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// SetLimits 更新限额，已有客户端立即生效
func (rl *RateLimiter) SetLimits(rps float64, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.rps, rl.burst = rps, burst
	for _, v := range rl.visitors {
		v.limiter.SetLimit(rate.Limit(rps))
		v.limiter.SetBurst(burst)
	}
}

// Allow 客户端 key 是否还有配额；rps <= 0 时不限流
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	if rl.rps <= 0 {
		rl.mu.Unlock()
		return true
	}
	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(rl.rps), rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = time.Now()
	rl.mu.Unlock()
	return v.limiter.Allow()
}

// Middleware 返回限流中间件
func (rl *RateLimiter) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(clientIP(r)) {
				w.Header().Set("Retry-After", "1")
				handlers.WriteErrorMessage(w, r, http.StatusTooManyRequests,
					types.ErrRateLimited, "too many requests", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// =============================================================================
// 🔐 认证
// =============================================================================

// errNoCredentials 请求未携带该认证方式的凭证
var errNoCredentials = errors.New("no credentials")

// Authenticator 从请求中解析调用方身份，返回主体与租户。
// 未携带凭证时返回 errNoCredentials。
type Authenticator struct {
	Method       string
	Authenticate func(r *http.Request) (subject, tenant string, err error)
}

// APIKeyAuthenticator 校验 X-API-Key，租户为密钥摘要前缀，不暴露密钥本身
func APIKeyAuthenticator(validKeys []string) Authenticator {
	keys := make([][]byte, 0, len(validKeys))
	for _, k := range validKeys {
		if k != "" {
			keys = append(keys, []byte(k))
		}
	}
	return Authenticator{
		Method: ctxkeys.AuthMethodAPIKey,
		Authenticate: func(r *http.Request) (string, string, error) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				return "", "", errNoCredentials
			}
			for _, k := range keys {
				if subtle.ConstantTimeCompare(k, []byte(key)) == 1 {
					label := apiKeyLabel(key)
					return label, label, nil
				}
			}
			return "", "", errors.New("invalid API key")
		},
	}
}

// apiKeyLabel 返回 API Key 的稳定标识
func apiKeyLabel(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "key-" + hex.EncodeToString(sum[:6])
}

// JWTAuthenticator 校验 HS256 Bearer Token。
// 租户取 tenant_id 声明，缺省时取 sub。
func JWTAuthenticator(secret, issuer string) Authenticator {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(issuer))
	}
	key := []byte(secret)
	keyFunc := func(*jwt.Token) (any, error) { return key, nil }

	return Authenticator{
		Method: ctxkeys.AuthMethodJWT,
		Authenticate: func(r *http.Request) (string, string, error) {
			header := r.Header.Get("Authorization")
			if header == "" {
				return "", "", errNoCredentials
			}
			tokenStr, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || tokenStr == "" {
				return "", "", errors.New("malformed Authorization header")
			}

			claims := jwt.MapClaims{}
			if _, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc, parserOpts...); err != nil {
				return "", "", fmt.Errorf("invalid token: %w", err)
			}
			subject, err := claims.GetSubject()
			if err != nil || subject == "" {
				return "", "", errors.New("token has no subject")
			}
			tenant := subject
			if t, ok := claims["tenant_id"].(string); ok && t != "" {
				tenant = t
			}
			return subject, tenant, nil
		},
	}
}

// Authenticate 依次尝试各认证方式，第一个携带了凭证的方式决定结果。
// 成功后把身份和租户写入 context；skipPaths 中的路径无需认证。
func Authenticate(skipPaths []string, logger *zap.Logger, authenticators ...Authenticator) Middleware {
	skipSet := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skipSet[p] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, skip := skipSet[r.URL.Path]; skip {
				next.ServeHTTP(w, r)
				return
			}
			for _, a := range authenticators {
				subject, tenant, err := a.Authenticate(r)
				if errors.Is(err, errNoCredentials) {
					continue
				}
				if err != nil {
					logger.Debug("authentication failed", zap.String("method", a.Method), zap.Error(err))
					handlers.WriteErrorMessage(w, r, http.StatusUnauthorized,
						types.ErrUnauthorized, "invalid credentials", nil)
					return
				}
				ctx := ctxkeys.WithAuth(r.Context(), subject, a.Method)
				ctx = types.WithTenantID(ctx, tenant)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			handlers.WriteErrorMessage(w, r, http.StatusUnauthorized,
				types.ErrUnauthorized, "missing credentials", nil)
		})
	}
}

// APIKeyAuth 仅接受 API Key 的认证中间件
func APIKeyAuth(validKeys, skipPaths []string, logger *zap.Logger) Middleware {
	return Authenticate(skipPaths, logger, APIKeyAuthenticator(validKeys))
}

// JWTAuth 仅接受 JWT 的认证中间件
func JWTAuth(secret, issuer string, skipPaths []string, logger *zap.Logger) Middleware {
	return Authenticate(skipPaths, logger, JWTAuthenticator(secret, issuer))
}

// BearerToken 用固定 Token 保护协调端
func BearerToken(token string) Middleware {
	want := []byte("Bearer " + token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				handlers.WriteErrorMessage(w, r, http.StatusUnauthorized,
					types.ErrUnauthorized, "invalid bearer token", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
