package agent

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// 🚀 生命周期
// =============================================================================

// Run 运行轮询循环、超时回收扫描和附加的后台组件，直到 ctx 被取消
// ctx 是共享的关闭信号：各循环在每次迭代开始时检查它，
// 已领取的任务会处理完毕后再退出
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("agent starting",
		zap.Duration("poll_interval", a.cfg.PollInterval),
		zap.Bool("monitor_requeue", a.cfg.MonitorRequeue),
		zap.Int("runners", len(a.runners)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.pollLoop(gctx)
		return nil
	})
	if a.cfg.MonitorRequeue {
		g.Go(func() error {
			a.requeueLoop(gctx)
			return nil
		})
	}
	for _, r := range a.runners {
		g.Go(func() error {
			return r.Run(gctx)
		})
	}

	err := g.Wait()
	a.logger.Info("agent stopped", zap.Error(err))
	return err
}

// pollLoop 持续领取任务，空闲或出错时等待一个轮询间隔
func (a *Agent) pollLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		worked, err := a.PollOnce(ctx)
		if err != nil {
			a.logger.Error("poll iteration failed", zap.Error(err))
		}
		if worked && err == nil {
			continue
		}

		if !sleep(ctx, time.Duration(a.pollInterval.Load())) {
			return
		}
	}
}

// requeueLoop 周期性回收超时任务
func (a *Agent) requeueLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.RequeueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := a.RequeueOnce(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("requeue scan failed", zap.Error(err))
		}
	}
}

// RequeueOnce 执行一次超时回收扫描
func (a *Agent) RequeueOnce(ctx context.Context) (int, error) {
	res, err := a.queue.RequeueTimedOut(ctx, int(a.requeueLimit.Load()))
	if err != nil {
		return 0, err
	}
	if a.metrics != nil {
		a.metrics.RecordRequeue(res.Requeued, res.Failed)
	}
	if res.Requeued > 0 || res.Failed > 0 {
		a.logger.Warn("timed out tasks reclaimed",
			zap.Int("requeued", res.Requeued),
			zap.Int("failed", res.Failed),
		)
	}
	return res.Requeued + res.Failed, nil
}

// sleep 等待 d，ctx 被取消时返回 false
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
