package agent

import (
	"fmt"
	"time"

	"github.com/BaSui01/proofflow/router"
	"github.com/BaSui01/proofflow/taskdef"
)

// StageConfig 单个阶段的重试次数与超时
type StageConfig struct {
	MaxRetries int           `yaml:"max_retries" json:"max_retries" env:"MAX_RETRIES"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"`
}

// StagesConfig 各阶段的调度参数
type StagesConfig struct {
	Executor StageConfig `yaml:"executor" json:"executor" env:"EXECUTOR"`
	Prove    StageConfig `yaml:"prove" json:"prove" env:"PROVE"`
	Join     StageConfig `yaml:"join" json:"join" env:"JOIN"`
	Resolve  StageConfig `yaml:"resolve" json:"resolve" env:"RESOLVE"`
	Finalize StageConfig `yaml:"finalize" json:"finalize" env:"FINALIZE"`
	Snark    StageConfig `yaml:"snark" json:"snark" env:"SNARK"`
	Keccak   StageConfig `yaml:"keccak" json:"keccak" env:"KECCAK"`
	Union    StageConfig `yaml:"union" json:"union" env:"UNION"`
}

// DefaultStagesConfig 返回默认阶段参数
func DefaultStagesConfig() StagesConfig {
	return StagesConfig{
		Executor: StageConfig{MaxRetries: 0, Timeout: 4 * time.Hour},
		Prove:    StageConfig{MaxRetries: 3, Timeout: 30 * time.Second},
		Join:     StageConfig{MaxRetries: 3, Timeout: 10 * time.Second},
		Resolve:  StageConfig{MaxRetries: 3, Timeout: 10 * time.Second},
		Finalize: StageConfig{MaxRetries: 0, Timeout: 10 * time.Second},
		Snark:    StageConfig{MaxRetries: 0, Timeout: 240 * time.Second},
		Keccak:   StageConfig{MaxRetries: 3, Timeout: 30 * time.Second},
		Union:    StageConfig{MaxRetries: 3, Timeout: 10 * time.Second},
	}
}

// For 返回任务类型对应的阶段参数
func (s StagesConfig) For(t taskdef.TaskType) StageConfig {
	switch t {
	case taskdef.TypeExecutor:
		return s.Executor
	case taskdef.TypeProve:
		return s.Prove
	case taskdef.TypeJoin:
		return s.Join
	case taskdef.TypeResolve:
		return s.Resolve
	case taskdef.TypeFinalize:
		return s.Finalize
	case taskdef.TypeSnark:
		return s.Snark
	case taskdef.TypeKeccak:
		return s.Keccak
	case taskdef.TypeUnion:
		return s.Union
	default:
		return StageConfig{}
	}
}

// Config Agent 配置
type Config struct {
	// 工作类型，决定从哪些流领取任务
	WorkType string `yaml:"work_type" json:"work_type" env:"WORK_TYPE"`

	// 工作者标识，为空时自动生成
	WorkerID string `yaml:"worker_id" json:"worker_id" env:"WORKER_ID"`

	// 空闲时的轮询间隔
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval" env:"POLL_INTERVAL"`

	// 是否运行超时回收扫描
	MonitorRequeue bool `yaml:"monitor_requeue" json:"monitor_requeue" env:"MONITOR_REQUEUE"`

	// 超时回收扫描间隔与每次上限
	RequeueInterval time.Duration `yaml:"requeue_interval" json:"requeue_interval" env:"REQUEUE_INTERVAL"`
	RequeueLimit    int           `yaml:"requeue_limit" json:"requeue_limit" env:"REQUEUE_LIMIT"`

	// 执行周期上限（单位：百万周期），远程任务取它与请求值的较大者
	ExecCycleLimit uint64 `yaml:"exec_cycle_limit" json:"exec_cycle_limit" env:"EXEC_CYCLE_LIMIT"`

	// 各阶段参数
	Stages StagesConfig `yaml:"stages" json:"stages" env:"STAGES"`
}

// DefaultConfig 返回默认 Agent 配置
func DefaultConfig() Config {
	return Config{
		WorkType:        string(router.WorkProve),
		PollInterval:    time.Second,
		MonitorRequeue:  true,
		RequeueInterval: 5 * time.Second,
		RequeueLimit:    100,
		ExecCycleLimit:  100_000,
		Stages:          DefaultStagesConfig(),
	}
}

// Validate 校验配置
func (c Config) Validate() error {
	if _, err := router.ParseWorkType(c.WorkType); err != nil {
		return err
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.MonitorRequeue {
		if c.RequeueInterval <= 0 {
			return fmt.Errorf("requeue_interval must be positive, got %s", c.RequeueInterval)
		}
		if c.RequeueLimit <= 0 {
			return fmt.Errorf("requeue_limit must be positive, got %d", c.RequeueLimit)
		}
	}
	for _, t := range taskdef.AllTypes {
		sc := c.Stages.For(t)
		if sc.MaxRetries < 0 {
			return fmt.Errorf("stages.%s.max_retries must not be negative", t)
		}
		if sc.Timeout < time.Second {
			return fmt.Errorf("stages.%s.timeout must be at least 1s, got %s", t, sc.Timeout)
		}
	}
	return nil
}
