// 配置热重载管理器实现。
//
// 轮询配置文件修改时间，变更后重新加载、校验并通知回调。
// 只有登记为可热重载的字段会立即生效，其余字段记录警告，需重启。
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"
)

// --- 热重载类型定义 ---

// ConfigChange 单个字段的变更
type ConfigChange struct {
	// Path 字段路径，例如 "Log.Level"
	Path string `json:"path"`
	// RequiresRestart 变更是否需要重启才能生效
	RequiresRestart bool `json:"requires_restart"`
}

// ReloadCallback 新配置生效后调用
type ReloadCallback func(oldConfig, newConfig *Config, changes []ConfigChange)

// hotReloadableFields 可在运行时生效的字段，其余字段变更需重启
var hotReloadableFields = map[string]bool{
	"Log.Level":             true,
	"Agent.PollInterval":    true,
	"Agent.RequeueLimit":    true,
	"Server.RateLimitRPS":   true,
	"Server.RateLimitBurst": true,
}

// IsHotReloadable 字段是否可热重载
func IsHotReloadable(path string) bool {
	return hotReloadableFields[path]
}

// HotReloadManager 管理配置热重载
type HotReloadManager struct {
	mu sync.RWMutex

	config     *Config
	configPath string
	loader     *Loader

	pollInterval time.Duration
	lastModTime  time.Time

	callbacks []ReloadCallback
	logger    *zap.Logger
}

// HotReloadOption 热重载选项
type HotReloadOption func(*HotReloadManager)

// WithPollInterval 设置文件轮询间隔
func WithPollInterval(d time.Duration) HotReloadOption {
	return func(m *HotReloadManager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithLoader 指定重新加载时使用的加载器
func WithLoader(l *Loader) HotReloadOption {
	return func(m *HotReloadManager) {
		m.loader = l
	}
}

// NewHotReloadManager 创建热重载管理器
func NewHotReloadManager(cfg *Config, configPath string, logger *zap.Logger, opts ...HotReloadOption) *HotReloadManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &HotReloadManager{
		config:       cfg,
		configPath:   configPath,
		pollInterval: 2 * time.Second,
		logger:       logger.With(zap.String("component", "config_reload")),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.loader == nil {
		m.loader = NewLoader().WithConfigPath(configPath)
	}
	if info, err := os.Stat(configPath); err == nil {
		m.lastModTime = info.ModTime()
	}
	return m
}

// OnReload 注册重载回调
func (m *HotReloadManager) OnReload(cb ReloadCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Config 返回当前配置，调用方不得修改
func (m *HotReloadManager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Run 轮询配置文件直到 ctx 取消
func (m *HotReloadManager) Run(ctx context.Context) error {
	if m.configPath == "" {
		return errors.New("hot reload requires a config file path")
	}
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	m.logger.Info("watching config file",
		zap.String("path", m.configPath),
		zap.Duration("poll_interval", m.pollInterval))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !m.modified() {
				continue
			}
			if _, err := m.ReloadFromFile(); err != nil {
				m.logger.Error("config reload failed, keeping current config", zap.Error(err))
			}
		}
	}
}

// modified 文件修改时间是否晚于上次加载
func (m *HotReloadManager) modified() bool {
	info, err := os.Stat(m.configPath)
	if err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !info.ModTime().After(m.lastModTime) {
		return false
	}
	m.lastModTime = info.ModTime()
	return true
}

// ReloadFromFile 重新加载并应用配置，返回检测到的变更。
// 新配置校验失败时保留旧配置。
func (m *HotReloadManager) ReloadFromFile() ([]ConfigChange, error) {
	newCfg, err := m.loader.Load()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	oldCfg := m.config
	changes := DiffConfig(oldCfg, newCfg)
	if len(changes) == 0 {
		m.mu.Unlock()
		return nil, nil
	}
	m.config = newCfg
	callbacks := append([]ReloadCallback(nil), m.callbacks...)
	m.mu.Unlock()

	for _, c := range changes {
		if c.RequiresRestart {
			m.logger.Warn("config field changed, restart required", zap.String("path", c.Path))
		} else {
			m.logger.Info("config field reloaded", zap.String("path", c.Path))
		}
	}

	for _, cb := range callbacks {
		m.notifySafe(cb, oldCfg, newCfg, changes)
	}
	return changes, nil
}

func (m *HotReloadManager) notifySafe(cb ReloadCallback, oldCfg, newCfg *Config, changes []ConfigChange) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("config reload callback panicked", zap.Any("panic", r))
		}
	}()
	cb(oldCfg, newCfg, changes)
}

// DiffConfig 比较两份配置，返回变化的叶子字段
func DiffConfig(oldCfg, newCfg *Config) []ConfigChange {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var changes []ConfigChange
	compareStructs("", reflect.ValueOf(*oldCfg), reflect.ValueOf(*newCfg), &changes)
	return changes
}

func compareStructs(prefix string, oldVal, newVal reflect.Value, changes *[]ConfigChange) {
	t := oldVal.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		path := sf.Name
		if prefix != "" {
			path = fmt.Sprintf("%s.%s", prefix, sf.Name)
		}
		o, n := oldVal.Field(i), newVal.Field(i)
		if o.Kind() == reflect.Struct {
			compareStructs(path, o, n, changes)
			continue
		}
		if !reflect.DeepEqual(o.Interface(), n.Interface()) {
			*changes = append(*changes, ConfigChange{Path: path, RequiresRestart: !IsHotReloadable(path)})
		}
	}
}
