package migration

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

// =============================================================================
// 📦 内嵌迁移文件
// =============================================================================

//go:embed migrations
var migrationsFS embed.FS

// =============================================================================
// 🎯 类型定义
// =============================================================================

// DatabaseType 迁移方言
type DatabaseType string

const (
	DatabaseTypePostgres DatabaseType = "postgres"
	DatabaseTypeMySQL    DatabaseType = "mysql"
	DatabaseTypeSQLite   DatabaseType = "sqlite"
)

// DefaultTableName 版本表名
const DefaultTableName = "schema_migrations"

// MigrationStatus 单个迁移的状态
type MigrationStatus struct {
	Version uint
	Name    string
	Applied bool
	Dirty   bool
}

// MigrationInfo 迁移状态摘要
type MigrationInfo struct {
	CurrentVersion    uint
	Dirty             bool
	TotalMigrations   int
	AppliedMigrations int
	PendingMigrations int
}

// Config 迁移器配置
type Config struct {
	// Driver 数据库驱动名：postgres | mysql | sqlite | sqlite3
	Driver string

	// DSN 连接串，仅在迁移器自行打开连接时使用
	DSN string

	// TableName 版本表名，默认 schema_migrations
	TableName string

	// LockTimeout 获取迁移锁的超时时间
	LockTimeout time.Duration
}

// Migrator 数据库迁移接口
type Migrator interface {
	Up(ctx context.Context) error
	Down(ctx context.Context) error
	DownAll(ctx context.Context) error
	// Steps 正数前进 n 步，负数回滚 n 步
	Steps(ctx context.Context, n int) error
	Goto(ctx context.Context, version uint) error
	// Force 只改写版本号，不执行 SQL，用于修复 dirty 状态
	Force(ctx context.Context, version int) error
	Version(ctx context.Context) (uint, bool, error)
	Status(ctx context.Context) ([]MigrationStatus, error)
	Info(ctx context.Context) (*MigrationInfo, error)
	Close() error
}

// =============================================================================
// 🗄️ 默认实现
// =============================================================================

// DefaultMigrator 基于 golang-migrate 的迁移器。
// 迁移器拥有传入的连接，Close 时一并关闭。
type DefaultMigrator struct {
	dbType  DatabaseType
	table   string
	migrate *migrate.Migrate
	logger  *zap.Logger
}

// NewMigrator 按配置打开连接并创建迁移器。
// sqlite 驱动需由调用方注册（cmd 使用 glebarez，测试使用 modernc）。
func NewMigrator(cfg *Config, logger *zap.Logger) (*DefaultMigrator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.DSN == "" {
		return nil, errors.New("database DSN is required")
	}
	if _, err := ParseDatabaseType(cfg.Driver); err != nil {
		return nil, err
	}

	db, err := sql.Open(sqlDriverName(cfg.Driver), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	m, err := NewMigratorWithDB(db, cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

// NewMigratorWithDB 复用已打开的连接创建迁移器
func NewMigratorWithDB(db *sql.DB, cfg *Config, logger *zap.Logger) (*DefaultMigrator, error) {
	if db == nil {
		return nil, errors.New("database handle is required")
	}
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	dbType, err := ParseDatabaseType(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	table := cfg.TableName
	if table == "" {
		table = DefaultTableName
	}

	driver, err := databaseDriver(db, dbType, table)
	if err != nil {
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, GetMigrationsPath(dbType))
	if err != nil {
		return nil, fmt.Errorf("failed to create source driver: %w", err)
	}

	mg, err := migrate.NewWithInstance("iofs", src, string(dbType), driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if cfg.LockTimeout > 0 {
		mg.LockTimeout = cfg.LockTimeout
	}
	mg.Log = &migrateLogger{logger: logger}

	return &DefaultMigrator{
		dbType:  dbType,
		table:   table,
		migrate: mg,
		logger:  logger.With(zap.String("component", "migration"), zap.String("dialect", string(dbType))),
	}, nil
}

func databaseDriver(db *sql.DB, dbType DatabaseType, table string) (database.Driver, error) {
	switch dbType {
	case DatabaseTypePostgres:
		return postgres.WithInstance(db, &postgres.Config{MigrationsTable: table})
	case DatabaseTypeMySQL:
		return mysql.WithInstance(db, &mysql.Config{MigrationsTable: table})
	case DatabaseTypeSQLite:
		// sqlite3 驱动只依赖 *sql.DB，与底层 SQLite 实现无关
		return sqlite3.WithInstance(db, &sqlite3.Config{MigrationsTable: table})
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

// sqlDriverName 将配置驱动名映射为 database/sql 注册名
func sqlDriverName(driver string) string {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pg":
		return "postgres"
	case "mysql", "mariadb":
		return "mysql"
	default:
		return strings.ToLower(driver)
	}
}

// run 执行迁移动作，ctx 取消时在当前迁移完成后优雅停止
func (m *DefaultMigrator) run(ctx context.Context, op string, fn func() error) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			select {
			case m.migrate.GracefulStop <- true:
			default:
			}
		case <-done:
		}
	}()

	start := time.Now()
	err := fn()
	if errors.Is(err, migrate.ErrNoChange) {
		m.logger.Debug("no migration to apply", zap.String("op", op))
		return nil
	}
	if err != nil {
		return fmt.Errorf("migration %s failed: %w", op, err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("migration %s interrupted: %w", op, err)
	}

	version, dirty, _ := m.Version(ctx)
	m.logger.Info("migration applied",
		zap.String("op", op),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

func (m *DefaultMigrator) Up(ctx context.Context) error {
	return m.run(ctx, "up", m.migrate.Up)
}

func (m *DefaultMigrator) Down(ctx context.Context) error {
	return m.run(ctx, "down", func() error { return m.migrate.Steps(-1) })
}

func (m *DefaultMigrator) DownAll(ctx context.Context) error {
	return m.run(ctx, "down all", m.migrate.Down)
}

func (m *DefaultMigrator) Steps(ctx context.Context, n int) error {
	if n == 0 {
		return nil
	}
	return m.run(ctx, "steps", func() error { return m.migrate.Steps(n) })
}

func (m *DefaultMigrator) Goto(ctx context.Context, version uint) error {
	return m.run(ctx, "goto", func() error { return m.migrate.Migrate(version) })
}

func (m *DefaultMigrator) Force(ctx context.Context, version int) error {
	if err := m.migrate.Force(version); err != nil {
		return fmt.Errorf("migration force failed: %w", err)
	}
	m.logger.Warn("migration version forced", zap.Int("version", version))
	return nil
}

// Version 返回当前版本；未执行过迁移时返回 0
func (m *DefaultMigrator) Version(ctx context.Context) (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get version: %w", err)
	}
	return version, dirty, nil
}

func (m *DefaultMigrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	current, dirty, err := m.Version(ctx)
	if err != nil {
		return nil, err
	}
	files, err := availableMigrations(m.dbType)
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(files))
	for _, f := range files {
		statuses = append(statuses, MigrationStatus{
			Version: f.version,
			Name:    f.name,
			Applied: f.version <= current,
			Dirty:   dirty && f.version == current,
		})
	}
	return statuses, nil
}

func (m *DefaultMigrator) Info(ctx context.Context) (*MigrationInfo, error) {
	statuses, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	current, dirty, err := m.Version(ctx)
	if err != nil {
		return nil, err
	}

	info := &MigrationInfo{CurrentVersion: current, Dirty: dirty, TotalMigrations: len(statuses)}
	for _, s := range statuses {
		if s.Applied {
			info.AppliedMigrations++
		}
	}
	info.PendingMigrations = info.TotalMigrations - info.AppliedMigrations
	return info, nil
}

// Close 关闭迁移源与数据库连接
func (m *DefaultMigrator) Close() error {
	srcErr, dbErr := m.migrate.Close()
	return errors.Join(srcErr, dbErr)
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

type migrationFile struct {
	version uint
	name    string
}

// availableMigrations 列出内嵌的迁移，按版本升序
func availableMigrations(dbType DatabaseType) ([]migrationFile, error) {
	entries, err := fs.ReadDir(migrationsFS, GetMigrationsPath(dbType))
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []migrationFile
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), ".up.sql")
		if entry.IsDir() || !ok {
			continue
		}
		num, label, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.ParseUint(num, 10, 32)
		if err != nil {
			continue
		}
		files = append(files, migrationFile{version: uint(version), name: label})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

// ParseDatabaseType 解析驱动名，sqlite 与 sqlite3 共用一套迁移
func ParseDatabaseType(s string) (DatabaseType, error) {
	switch strings.ToLower(s) {
	case "postgres", "postgresql", "pg":
		return DatabaseTypePostgres, nil
	case "mysql", "mariadb":
		return DatabaseTypeMySQL, nil
	case "sqlite", "sqlite3":
		return DatabaseTypeSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database type: %s", s)
	}
}

// GetMigrationsPath 返回内嵌文件系统中的方言目录
func GetMigrationsPath(dbType DatabaseType) string {
	return path.Join("migrations", string(dbType))
}

// migrateLogger 将 golang-migrate 日志接入 zap
type migrateLogger struct {
	logger *zap.Logger
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *migrateLogger) Verbose() bool {
	return l.logger.Core().Enabled(zap.DebugLevel)
}
