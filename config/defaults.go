// =============================================================================
// 📦 ProofFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值，本地开发开箱即用（sqlite + 文件工件存储）
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/proofflow/agent"
	"github.com/BaSui01/proofflow/artifact"
	"github.com/BaSui01/proofflow/internal/cache"
	"github.com/BaSui01/proofflow/remote"
	"github.com/BaSui01/proofflow/stage"
	"github.com/BaSui01/proofflow/taskdb"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Agent:     agent.DefaultConfig(),
		Dev:       stage.DefaultDevConfig(),
		Remote:    remote.DefaultConfig(),
		Hub:       DefaultHubConfig(),
		Queue:     taskdb.DefaultConfig(),
		Database:  DefaultDatabaseConfig(),
		Redis:     DefaultRedisConfig(),
		Artifacts: artifact.DefaultConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    50,
		RateLimitBurst:  100,
		MaxBodyBytes:    256 << 20,
	}
}

// DefaultHubConfig 返回默认协调端配置
func DefaultHubConfig() HubConfig {
	return HubConfig{
		Port:     9090,
		Capacity: remote.DefaultHubCapacity,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Name:            "./data/proofflow.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		MigrateOnStart:  true,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置，Addr 为空表示不启用
func DefaultRedisConfig() cache.Config {
	cfg := cache.DefaultConfig()
	cfg.Addr = ""
	cfg.KeyPrefix = "proofflow:"
	return cfg
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "proofflow",
		SampleRate:   0.1,
	}
}
