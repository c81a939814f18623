package remote

import (
	"time"

	"github.com/BaSui01/proofflow/internal/retry"
	"github.com/BaSui01/proofflow/types"
)

// Config configures the worker side of the remote channel.
type Config struct {
	// Enabled starts the assignment consumer alongside the agent
	Enabled bool `json:"enabled" yaml:"enabled" env:"ENABLED"`

	// URL of the coordinator, http(s) or ws(s)
	URL string `json:"url" yaml:"url" env:"URL"`

	// Token is sent as a Bearer token
	Token string `json:"token" yaml:"token" env:"TOKEN"`

	// WorkerID identifies this worker to the coordinator
	WorkerID string `json:"worker_id" yaml:"worker_id" env:"WORKER_ID"`

	// Capacity is the number of assignments per stream (0: unlimited)
	Capacity int `json:"capacity" yaml:"capacity" env:"CAPACITY"`

	// PollInterval is the pause after a stream ends or fails
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval" env:"POLL_INTERVAL"`

	// ReconnectInitial / ReconnectMax bound the reconnect backoff
	ReconnectInitial time.Duration `json:"reconnect_initial" yaml:"reconnect_initial" env:"RECONNECT_INITIAL"`
	ReconnectMax     time.Duration `json:"reconnect_max" yaml:"reconnect_max" env:"RECONNECT_MAX"`

	// ReconnectRate caps stream openings per second
	ReconnectRate float64 `json:"reconnect_rate" yaml:"reconnect_rate" env:"RECONNECT_RATE"`

	// CallTimeout bounds every unary call and upload
	CallTimeout time.Duration `json:"call_timeout" yaml:"call_timeout" env:"CALL_TIMEOUT"`

	// DedupeTTL is how long a delivered task id is remembered
	DedupeTTL time.Duration `json:"dedupe_ttl" yaml:"dedupe_ttl" env:"DEDUPE_TTL"`

	// ConvertRetries is how often a transient conversion failure is retried
	ConvertRetries int `json:"convert_retries" yaml:"convert_retries" env:"CONVERT_RETRIES"`
}

// DefaultConfig 返回默认远程通道配置
func DefaultConfig() Config {
	return Config{
		Enabled:          false,
		URL:              "ws://localhost:9090",
		Capacity:         0,
		PollInterval:     time.Second,
		ReconnectInitial: time.Second,
		ReconnectMax:     30 * time.Second,
		ReconnectRate:    1,
		CallTimeout:      5 * time.Minute,
		DedupeTTL:        24 * time.Hour,
		ConvertRetries:   2,
	}
}

// Validate 校验配置
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.URL == "" {
		return types.NewValidationError("remote: url is required")
	}
	if c.Capacity < 0 {
		return types.NewValidationError("remote: capacity must be >= 0")
	}
	if c.PollInterval <= 0 || c.ReconnectInitial <= 0 || c.CallTimeout <= 0 {
		return types.NewValidationError("remote: poll_interval, reconnect_initial and call_timeout must be positive")
	}
	if c.ReconnectMax < c.ReconnectInitial {
		return types.NewValidationError("remote: reconnect_max must be >= reconnect_initial")
	}
	if c.ConvertRetries < 0 {
		return types.NewValidationError("remote: convert_retries must be >= 0")
	}
	if c.ReconnectRate <= 0 {
		return types.NewValidationError("remote: reconnect_rate must be positive")
	}
	return nil
}

// backoffPolicy 把重连参数转换为退避策略
func (c Config) backoffPolicy() retry.Policy {
	return retry.Policy{
		InitialDelay: c.ReconnectInitial,
		MaxDelay:     c.ReconnectMax,
		Multiplier:   2,
		Jitter:       true,
	}
}

// convertPolicy 转换失败的重试策略，沿用重连的退避参数
func (c Config) convertPolicy() retry.Policy {
	p := c.backoffPolicy()
	p.MaxRetries = c.ConvertRetries
	return p
}
