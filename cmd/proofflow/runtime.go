package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/proofflow/artifact"
	"github.com/BaSui01/proofflow/config"
	"github.com/BaSui01/proofflow/internal/cache"
	"github.com/BaSui01/proofflow/internal/database"
	"github.com/BaSui01/proofflow/internal/metrics"
	"github.com/BaSui01/proofflow/internal/migration"
	"github.com/BaSui01/proofflow/internal/retry"
	"github.com/BaSui01/proofflow/router"
	"github.com/BaSui01/proofflow/taskdb"
)

// streamCacheTTL 流 ID 在 Redis 中的缓存时间
const streamCacheTTL = 10 * time.Minute

// runtime 持有 serve 与 agent 共享的基础设施
type runtime struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Collector

	pool   *database.PoolManager
	cache  *cache.Manager
	queue  taskdb.Queue
	store  artifact.Store
	router *router.Router

	closers []func() error
}

// openRuntime 按配置组装队列、工件存储、Redis 与路由器。
// 任一步骤失败时关闭已打开的资源。
func openRuntime(ctx context.Context, cfg *config.Config, collector *metrics.Collector, logger *zap.Logger) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg, logger: logger, metrics: collector}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	var db *gorm.DB
	if cfg.Queue.Backend != taskdb.BackendMemory {
		db, err = rt.openDatabase(ctx)
		if err != nil {
			return nil, err
		}
	}

	rt.queue, err = taskdb.NewQueue(cfg.Queue, db, logger, taskdb.WithPool(rt.pool))
	if err != nil {
		return nil, fmt.Errorf("create queue: %w", err)
	}
	rt.closers = append(rt.closers, rt.queue.Close)

	rt.store, err = artifact.NewStore(cfg.Artifacts, logger)
	if err != nil {
		return nil, fmt.Errorf("create artifact store: %w", err)
	}
	rt.closers = append(rt.closers, rt.store.Close)

	routerOpts := []router.Option{router.WithMetrics(collector)}
	if cfg.Redis.Addr != "" {
		rt.cache, err = cache.NewManager(cfg.Redis, logger)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		rt.closers = append(rt.closers, rt.cache.Close)
		routerOpts = append(routerOpts, router.WithCache(rt.cache, streamCacheTTL))
	}
	rt.router = router.New(rt.queue, logger, routerOpts...)

	logger.Info("runtime ready",
		zap.String("queue", string(cfg.Queue.Backend)),
		zap.String("artifacts", string(cfg.Artifacts.Type)),
		zap.Bool("redis", rt.cache != nil),
	)
	return rt, nil
}

// openDatabase 带重试地连接数据库，按需执行迁移，并启用连接池管理
func (rt *runtime) openDatabase(ctx context.Context) (*gorm.DB, error) {
	dbCfg := rt.cfg.Database
	dsn := dbCfg.DSN()
	if dsn == "" {
		return nil, fmt.Errorf("unsupported database driver: %s", dbCfg.Driver)
	}
	if err := ensureSQLiteDir(dbCfg); err != nil {
		return nil, err
	}

	if dbCfg.MigrateOnStart && !rt.cfg.Queue.AutoMigrate {
		if err := migration.MigrateUp(ctx, dbCfg.Driver, dsn, rt.logger); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	db, err := connect(ctx, retry.New(retry.DefaultPolicy(), rt.logger), dbCfg.Driver, dsn)
	if err != nil {
		return nil, err
	}

	poolCfg := database.DefaultPoolConfig()
	if dbCfg.MaxOpenConns > 0 {
		poolCfg.MaxOpenConns = dbCfg.MaxOpenConns
	}
	if dbCfg.MaxIdleConns > 0 {
		poolCfg.MaxIdleConns = dbCfg.MaxIdleConns
	}
	if dbCfg.ConnMaxLifetime > 0 {
		poolCfg.ConnMaxLifetime = dbCfg.ConnMaxLifetime
	}
	rt.pool, err = database.NewPoolManager(db, poolCfg, rt.logger)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, rt.pool.Close)

	rt.logger.Info("database connected", zap.String("driver", dbCfg.Driver))
	return rt.pool.DB(), nil
}

// connect 重试瞬时连接错误，驱动不受支持时立即返回
func connect(ctx context.Context, retryer *retry.Retryer, driver, dsn string) (*gorm.DB, error) {
	return retry.DoWithResult(ctx, retryer, func(context.Context) (*gorm.DB, error) {
		db, err := database.Open(driver, dsn)
		if errors.Is(err, database.ErrUnsupportedDriver) {
			return nil, retry.Permanent(err)
		}
		return db, err
	})
}

// ensureSQLiteDir 为 sqlite 文件创建父目录
func ensureSQLiteDir(dbCfg config.DatabaseConfig) error {
	if !strings.HasPrefix(dbCfg.Driver, "sqlite") || dbCfg.Name == ":memory:" {
		return nil
	}
	dir := filepath.Dir(dbCfg.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sqlite directory %s: %w", dir, err)
	}
	return nil
}

// recordPoolStats 周期性上报连接池指标，直到 ctx 取消
func (rt *runtime) recordPoolStats(ctx context.Context, interval time.Duration) {
	if rt.pool == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := rt.pool.Stats()
			rt.metrics.RecordDBConnections(rt.cfg.Database.Driver, stats.OpenConnections, stats.Idle)
		}
	}
}

// Close 按打开的逆序释放资源
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	if err := errors.Join(errs...); err != nil {
		rt.logger.Warn("runtime close failed", zap.Error(err))
		return err
	}
	return nil
}
