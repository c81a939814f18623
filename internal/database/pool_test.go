package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// =============================================================================
// 🧪 PoolManager 测试
// =============================================================================

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *gorm.DB) {
	// 监控 Ping 以便 ExpectPing 生效；gorm 打开时的自动 Ping 需关闭
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	dialector := postgres.New(postgres.Config{
		Conn: mockDB,
	})

	gormDB, err := gorm.Open(dialector, &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)

	return mockDB, mock, gormDB
}

func testPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns: 10,
		MaxIdleConns: 5,
	}
}

func TestNewPoolManager(t *testing.T) {
	mockDB, _, gormDB := setupTestDB(t)
	defer mockDB.Close()

	config := testPoolConfig()
	manager, err := NewPoolManager(gormDB, config, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, gormDB, manager.DB())
	assert.Equal(t, config, manager.config)
}

func TestNewPoolManager_NilDB(t *testing.T) {
	_, err := NewPoolManager(nil, testPoolConfig(), zap.NewNop())
	assert.Error(t, err)
}

func TestPoolManager_Ping(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	manager, err := NewPoolManager(gormDB, testPoolConfig(), zap.NewNop())
	require.NoError(t, err)

	mock.ExpectPing()
	assert.NoError(t, manager.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	assert.Error(t, manager.Ping(context.Background()))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_WithTransactionRetry_SingleAttempt(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	manager, err := NewPoolManager(gormDB, testPoolConfig(), zap.NewNop())
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectCommit()
	err = manager.WithTransactionRetry(context.Background(), 1, func(tx *gorm.DB) error {
		return nil
	})
	assert.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()
	err = manager.WithTransactionRetry(context.Background(), 1, func(tx *gorm.DB) error {
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_WithTransactionRetry_RetriesDeadlock(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	manager, err := NewPoolManager(gormDB, testPoolConfig(), zap.NewNop())
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	attempts := 0
	err = manager.WithTransactionRetry(context.Background(), 3, func(tx *gorm.DB) error {
		attempts++
		if attempts == 1 {
			return errors.New("ERROR: deadlock detected (SQLSTATE 40P01)")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_WithTransactionRetry_StopsOnPermanentError(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	manager, err := NewPoolManager(gormDB, testPoolConfig(), zap.NewNop())
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()

	attempts := 0
	err = manager.WithTransactionRetry(context.Background(), 5, func(tx *gorm.DB) error {
		attempts++
		return errors.New("duplicate key value violates unique constraint")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestPoolManager_Close(t *testing.T) {
	_, mock, gormDB := setupTestDB(t)

	manager, err := NewPoolManager(gormDB, PoolConfig{
		MaxOpenConns:        10,
		MaxIdleConns:        5,
		HealthCheckInterval: time.Hour,
	}, zap.NewNop())
	require.NoError(t, err)

	mock.ExpectClose()
	assert.NoError(t, manager.Close())
	assert.NoError(t, manager.Close())
	assert.Error(t, manager.Ping(context.Background()))

	err = manager.WithTransactionRetry(context.Background(), 1, func(tx *gorm.DB) error { return nil })
	assert.Error(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("pq: could not serialize access due to concurrent update (SQLSTATE 40001)"), true},
		{errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{errors.New("Error 1205: Lock wait timeout exceeded"), true},
		{errors.New("driver: bad connection"), true},
		{errors.New("record not found"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRetryableError(tt.err), "%v", tt.err)
	}
}

func TestDialector(t *testing.T) {
	for _, driver := range []string{"postgres", "mysql", "sqlite", "sqlite3"} {
		d, err := Dialector(driver, "dsn")
		require.NoError(t, err, driver)
		assert.NotNil(t, d)
	}
	_, err := Dialector("oracle", "dsn")
	assert.Error(t, err)
}

func TestPoolConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  PoolConfig
		wantErr bool
	}{
		{"valid config", PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5}, false},
		{"default config", DefaultPoolConfig(), false},
		{"invalid max open conns", PoolConfig{MaxOpenConns: 0, MaxIdleConns: 5}, true},
		{"invalid max idle conns", PoolConfig{MaxOpenConns: 10, MaxIdleConns: 0}, true},
		{"idle > open", PoolConfig{MaxOpenConns: 5, MaxIdleConns: 10}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
