package config

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDiffConfig(t *testing.T) {
	oldCfg := DefaultConfig()
	newCfg := DefaultConfig()
	assert.Empty(t, DiffConfig(oldCfg, newCfg))

	newCfg.Log.Level = "debug"
	newCfg.Agent.Stages.Prove.Timeout = time.Minute
	newCfg.Server.APIKeys = []string{"k"}

	changes := DiffConfig(oldCfg, newCfg)
	assert.ElementsMatch(t, []ConfigChange{
		{Path: "Log.Level", RequiresRestart: false},
		{Path: "Agent.Stages.Prove.Timeout", RequiresRestart: true},
		{Path: "Server.APIKeys", RequiresRestart: true},
	}, changes)

	assert.Nil(t, DiffConfig(nil, newCfg))
}

func TestHotReloadManager_ReloadFromFile(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\n")
	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	m := NewHotReloadManager(cfg, path, zaptest.NewLogger(t))
	var got []ConfigChange
	m.OnReload(func(oldCfg, newCfg *Config, changes []ConfigChange) {
		assert.Equal(t, "info", oldCfg.Log.Level)
		assert.Equal(t, "debug", newCfg.Log.Level)
		got = changes
	})
	m.OnReload(func(*Config, *Config, []ConfigChange) { panic("broken subscriber") })

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))
	changes, err := m.ReloadFromFile()
	require.NoError(t, err)

	assert.Equal(t, []ConfigChange{{Path: "Log.Level"}}, changes)
	assert.Equal(t, changes, got)
	assert.Equal(t, "debug", m.Config().Log.Level)

	changes, err = m.ReloadFromFile()
	require.NoError(t, err)
	assert.Empty(t, changes, "内容未变化时不通知")
}

func TestHotReloadManager_InvalidFileKeepsConfig(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\n")
	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	m := NewHotReloadManager(cfg, path, nil)

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o600))
	_, err = m.ReloadFromFile()
	assert.Error(t, err)
	assert.Same(t, cfg, m.Config())
}

func TestHotReloadManager_RunPicksUpChanges(t *testing.T) {
	path := writeConfig(t, "agent:\n  poll_interval: 1s\n")
	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	m := NewHotReloadManager(cfg, path, zaptest.NewLogger(t), WithPollInterval(10*time.Millisecond))

	var mu sync.Mutex
	var interval time.Duration
	m.OnReload(func(_, newCfg *Config, _ []ConfigChange) {
		mu.Lock()
		defer mu.Unlock()
		interval = newCfg.Agent.PollInterval
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.NoError(t, os.WriteFile(path, []byte("agent:\n  poll_interval: 250ms\n"), 0o600))
	future := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return interval == 250*time.Millisecond
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestHotReloadManager_RunRequiresPath(t *testing.T) {
	m := NewHotReloadManager(DefaultConfig(), "", nil)
	assert.Error(t, m.Run(context.Background()))
}

func TestIsHotReloadable(t *testing.T) {
	assert.True(t, IsHotReloadable("Log.Level"))
	assert.False(t, IsHotReloadable("Database.Driver"))
}
