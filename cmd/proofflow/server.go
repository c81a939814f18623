package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/proofflow/agent"
	"github.com/BaSui01/proofflow/api/handlers"
	"github.com/BaSui01/proofflow/artifact"
	"github.com/BaSui01/proofflow/config"
	"github.com/BaSui01/proofflow/internal/metrics"
	"github.com/BaSui01/proofflow/internal/server"
	"github.com/BaSui01/proofflow/taskdb"
)

// skipAuthPaths 无需认证的探活与版本端点
var skipAuthPaths = []string{"/health", "/healthz", "/ready", "/version"}

// =============================================================================
// 🖥️ REST API 服务
// =============================================================================

// restDeps REST 路由依赖的领域组件
type restDeps struct {
	queue     taskdb.Queue
	store     artifact.Store
	submitter handlers.JobSubmitter
	checks    []handlers.HealthCheck
}

// newRESTHandler 注册路由并套上中间件链
func newRESTHandler(cfg config.ServerConfig, deps restDeps, collector *metrics.Collector, limiter *RateLimiter, logger *zap.Logger) http.Handler {
	health := handlers.NewHealthHandler(logger)
	for _, c := range deps.checks {
		health.RegisterCheck(c)
	}
	jobs := handlers.NewJobHandler(deps.submitter, deps.queue, deps.store, logger)
	artifacts := handlers.NewArtifactHandler(deps.store, cfg.MaxBodyBytes, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /healthz", health.HandleHealth)
	mux.HandleFunc("GET /ready", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion(handlers.VersionInfo{
		Version:   Version,
		BuildTime: BuildTime,
		GitCommit: GitCommit,
	}))

	mux.HandleFunc("POST /v1/images/{id}", artifacts.HandleUploadImage)
	mux.HandleFunc("POST /v1/inputs", artifacts.HandleUploadInput)
	mux.HandleFunc("GET /v1/receipts/{id}", artifacts.HandleGetReceipt)
	mux.HandleFunc("POST /v1/jobs", jobs.HandleSubmit)
	mux.HandleFunc("GET /v1/jobs/{id}", jobs.HandleGet)

	middlewares := []Middleware{
		Recovery(logger),
		RequestID(),
		OTelTracing(),
		SecurityHeaders(),
		RequestLogger(logger),
	}
	if collector != nil {
		middlewares = append(middlewares, MetricsMiddleware(collector))
	}
	if limiter != nil {
		middlewares = append(middlewares, limiter.Middleware())
	}
	var authenticators []Authenticator
	if len(cfg.APIKeys) > 0 {
		authenticators = append(authenticators, APIKeyAuthenticator(cfg.APIKeys))
	}
	if cfg.JWTSecret != "" {
		authenticators = append(authenticators, JWTAuthenticator(cfg.JWTSecret, cfg.JWTIssuer))
	}
	if len(authenticators) > 0 {
		middlewares = append(middlewares, Authenticate(skipAuthPaths, logger, authenticators...))
	} else {
		logger.Warn("no API keys or JWT secret configured, REST API is unauthenticated")
	}

	return Chain(mux, middlewares...)
}

// httpServerConfig 把服务配置转换为 server.Manager 配置
func httpServerConfig(cfg config.ServerConfig, port int) server.Config {
	sc := server.DefaultConfig()
	sc.Addr = fmt.Sprintf(":%d", port)
	if cfg.ReadTimeout > 0 {
		sc.ReadTimeout = cfg.ReadTimeout
		sc.IdleTimeout = 2 * cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		sc.WriteTimeout = cfg.WriteTimeout
	}
	if cfg.ShutdownTimeout > 0 {
		sc.ShutdownTimeout = cfg.ShutdownTimeout
	}
	return sc
}

// newMetricsManager 独立端口暴露 /metrics
func newMetricsManager(cfg config.ServerConfig, logger *zap.Logger) *server.Manager {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	return server.NewManager("metrics", mux, httpServerConfig(cfg, cfg.MetricsPort), logger)
}

// =============================================================================
// 🚀 serve 命令
// =============================================================================

func runServe(args []string) error {
	p, err := startProcess("serve", args)
	if err != nil {
		return err
	}
	defer p.close()
	logger := p.logger

	ctx, stop := signalContext()
	defer stop()

	collector := metrics.NewCollector("proofflow", logger)
	rt, err := openRuntime(ctx, p.cfg, collector, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	checks := []handlers.HealthCheck{
		handlers.NewPingCheck("queue", rt.queue.Ping),
		handlers.NewPingCheck("artifacts", rt.store.Ping),
	}
	if rt.cache != nil {
		checks = append(checks, handlers.NewPingCheck("redis", rt.cache.Ping))
	}

	g, gctx := errgroup.WithContext(ctx)

	limiter := NewRateLimiter(gctx, p.cfg.Server.RateLimitRPS, p.cfg.Server.RateLimitBurst)
	submitter := agent.NewSubmitter(rt.queue, rt.router, p.cfg.Agent.Stages, logger)
	handler := newRESTHandler(p.cfg.Server, restDeps{
		queue:     rt.queue,
		store:     rt.store,
		submitter: submitter,
		checks:    checks,
	}, collector, limiter, logger)

	httpManager := server.NewManager("http", handler, httpServerConfig(p.cfg.Server, p.cfg.Server.HTTPPort), logger)
	metricsManager := newMetricsManager(p.cfg.Server, logger)

	g.Go(func() error { return httpManager.Run(gctx) })
	g.Go(func() error { return metricsManager.Run(gctx) })
	g.Go(func() error {
		rt.recordPoolStats(gctx, 15*time.Second)
		return nil
	})
	if reload := p.hotReload(); reload != nil {
		reload.OnReload(func(_, newCfg *config.Config, _ []config.ConfigChange) {
			limiter.SetLimits(newCfg.Server.RateLimitRPS, newCfg.Server.RateLimitBurst)
		})
		g.Go(func() error { return reload.Run(gctx) })
	}

	logger.Info("REST API started",
		zap.Int("http_port", p.cfg.Server.HTTPPort),
		zap.Int("metrics_port", p.cfg.Server.MetricsPort),
	)

	err = g.Wait()
	logger.Info("ProofFlow stopped", zap.Error(err))
	return err
}
