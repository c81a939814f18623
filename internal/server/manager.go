package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/proofflow/internal/tlsutil"
)

// =============================================================================
// 🌐 HTTP 服务器管理器
// =============================================================================

// Manager 管理一个 http.Server 的监听、服务与优雅关闭。
// REST API、协调端 websocket 与 metrics 端点各用一个 Manager。
type Manager struct {
	name     string
	server   *http.Server
	config   Config
	logger   *zap.Logger
	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// Config 服务器配置
type Config struct {
	// 监听地址
	Addr string `yaml:"addr" json:"addr"`

	// 读取超时；websocket 长连接场景应为 0
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// 写入超时；websocket 长连接场景应为 0
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// 空闲超时
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// 最大请求头大小
	MaxHeaderBytes int `yaml:"max_header_bytes" json:"max_header_bytes"`

	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// 证书与私钥，均非空时启用 TLS
	TLSCertFile string `yaml:"tls_cert_file" json:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file" json:"tls_key_file"`
}

// DefaultConfig 返回默认服务器配置
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 15 * time.Second,
	}
}

// TLSEnabled 是否配置了证书
func (c Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// NewManager 创建服务器管理器，name 仅用于日志
func NewManager(name string, handler http.Handler, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &http.Server{
		Addr:           config.Addr,
		Handler:        handler,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
		ErrorLog:       zap.NewStdLog(logger.Named(name)),
	}
	if config.TLSEnabled() {
		srv.TLSConfig = tlsutil.DefaultTLSConfig()
	}

	return &Manager{
		name:   name,
		server: srv,
		config: config,
		logger: logger.With(zap.String("component", "http_server"), zap.String("server", name)),
	}
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// Listen 绑定监听地址。Run 会在未绑定时自动调用。
func (m *Manager) Listen() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("server is closed")
	}
	if m.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.config.Addr, err)
	}
	m.listener = ln
	return nil
}

// Run 提供服务直到 ctx 取消，然后在 ShutdownTimeout 内优雅关闭。
// 服务异常退出时返回错误。
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Listen(); err != nil {
		return err
	}
	ln := m.listener

	m.logger.Info("starting server",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("tls", m.config.TLSEnabled()))

	errCh := make(chan error, 1)
	go func() {
		var err error
		if m.config.TLSEnabled() {
			err = m.server.ServeTLS(ln, m.config.TLSCertFile, m.config.TLSKeyFile)
		} else {
			err = m.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if err != nil {
			m.logger.Error("server failed", zap.Error(err))
		}
		return err
	case <-ctx.Done():
	}

	// 父 ctx 已取消，关闭超时基于独立的 ctx
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.ShutdownTimeout)
	defer cancel()
	if err := m.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// Shutdown 优雅关闭服务器，可重复调用
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	m.logger.Info("shutting down server")
	if err := m.server.Shutdown(ctx); err != nil {
		m.logger.Error("server shutdown failed", zap.Error(err))
		return err
	}
	m.logger.Info("server stopped")
	return nil
}

// =============================================================================
// 🔧 辅助方法
// =============================================================================

// Addr 返回实际监听地址；未监听时返回配置地址
func (m *Manager) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return m.config.Addr
}

// IsRunning 是否尚未关闭
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}
