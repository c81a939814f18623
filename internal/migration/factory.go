package migration

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// NewMigratorFromURL 按驱动名与连接串创建迁移器
func NewMigratorFromURL(driver, dsn string, logger *zap.Logger) (*DefaultMigrator, error) {
	return NewMigrator(&Config{
		Driver:    driver,
		DSN:       dsn,
		TableName: DefaultTableName,
	}, logger)
}

// MigrateUp 使用独立连接执行全部待应用迁移，完成后释放连接。
// 服务启动时调用，不占用业务连接池。
func MigrateUp(ctx context.Context, driver, dsn string, logger *zap.Logger) error {
	m, err := NewMigratorFromURL(driver, dsn, logger)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()
	return m.Up(ctx)
}
