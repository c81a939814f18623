package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BaSui01/proofflow/artifact"
	"github.com/BaSui01/proofflow/taskdb"
)

// Validate 校验配置，汇总所有错误后一次返回
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !validPort(c.Server.HTTPPort) {
		add("server.http_port: invalid port %d", c.Server.HTTPPort)
	}
	if c.Server.MetricsPort != 0 && !validPort(c.Server.MetricsPort) {
		add("server.metrics_port: invalid port %d", c.Server.MetricsPort)
	}
	if c.Server.RateLimitRPS < 0 || c.Server.RateLimitBurst < 0 {
		add("server: rate limit must not be negative")
	}
	if c.Server.MaxBodyBytes <= 0 {
		add("server.max_body_bytes must be positive")
	}
	if !validPort(c.Hub.Port) {
		add("hub.port: invalid port %d", c.Hub.Port)
	}
	if c.Hub.Capacity <= 0 {
		add("hub.capacity must be positive")
	}

	if err := c.Agent.Validate(); err != nil {
		add("agent: %w", err)
	}
	if err := c.Remote.Validate(); err != nil {
		add("%w", err)
	}

	switch c.Queue.Backend {
	case taskdb.BackendMemory:
	case taskdb.BackendSQL, "":
		if c.Database.DSN() == "" {
			add("database.driver: unsupported driver %q", c.Database.Driver)
		}
	default:
		add("queue.backend: unsupported backend %q", c.Queue.Backend)
	}

	switch c.Artifacts.Type {
	case artifact.StoreTypeMemory, artifact.StoreTypeFile, artifact.StoreTypeRedis, artifact.StoreTypeGridFS:
	default:
		add("artifacts.type: unsupported store %q", c.Artifacts.Type)
	}
	if c.Artifacts.Type == artifact.StoreTypeRedis && c.Artifacts.Redis.Addr == "" {
		add("artifacts.redis.addr is required for the redis store")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("log.level: unsupported level %q", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		add("log.format: must be json or console")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		add("telemetry.sample_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %w", errors.Join(errs...))
	}
	return nil
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}
