package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/proofflow/internal/migration"
)

func TestRunMigrate_UpAndDown(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "queue.db")
	target := []string{"--db-type", "sqlite", "--db-url", dsn}

	require.NoError(t, runMigrate(append([]string{"up"}, target...)))
	require.NoError(t, runMigrate(append([]string{"status"}, target...)))

	version := func() uint {
		m, err := migration.NewMigratorFromURL("sqlite", dsn, zaptest.NewLogger(t))
		require.NoError(t, err)
		defer m.Close()
		v, dirty, err := m.Version(context.Background())
		require.NoError(t, err)
		assert.False(t, dirty)
		return v
	}
	latest := version()
	require.Greater(t, latest, uint(0))

	require.NoError(t, runMigrate(append([]string{"steps", "-1"}, target...)), "negative steps are positional")
	assert.Equal(t, latest-1, version())

	require.NoError(t, runMigrate(append([]string{"goto", "1"}, target...)))
	assert.Equal(t, uint(1), version())
}

func TestRunMigrate_Usage(t *testing.T) {
	assert.NoError(t, runMigrate(nil))
	assert.NoError(t, runMigrate([]string{"help"}))
	assert.Error(t, runMigrate([]string{"bogus", "--db-type", "sqlite", "--db-url", "file:" + filepath.Join(t.TempDir(), "q.db")}))
	assert.Error(t, runMigrate([]string{"up", "--no-such-flag"}))
}

func TestMigrationTarget(t *testing.T) {
	t.Run("flags win", func(t *testing.T) {
		driver, dsn, err := migrationTarget("", "postgres", "postgres://u:p@db/proofflow")
		require.NoError(t, err)
		assert.Equal(t, "postgres", driver)
		assert.Equal(t, "postgres://u:p@db/proofflow", dsn)
	})

	t.Run("from config file", func(t *testing.T) {
		dir := t.TempDir()
		dbPath := filepath.Join(dir, "data", "queue.db")
		cfgPath := filepath.Join(dir, "config.yaml")
		require.NoError(t, os.WriteFile(cfgPath, []byte("database:\n  driver: sqlite\n  name: "+dbPath+"\n"), 0o600))

		driver, dsn, err := migrationTarget(cfgPath, "", "")
		require.NoError(t, err)
		assert.Equal(t, "sqlite", driver)
		assert.Contains(t, dsn, dbPath)
		assert.DirExists(t, filepath.Dir(dbPath), "sqlite directory is created")
	})
}
