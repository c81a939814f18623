package main

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/proofflow/agent"
	"github.com/BaSui01/proofflow/config"
	"github.com/BaSui01/proofflow/internal/dedupe"
	"github.com/BaSui01/proofflow/internal/metrics"
	"github.com/BaSui01/proofflow/remote"
	"github.com/BaSui01/proofflow/stage"
)

// =============================================================================
// 🤖 agent 命令
// =============================================================================

func runAgent(args []string) error {
	p, err := startProcess("agent", args)
	if err != nil {
		return err
	}
	defer p.close()
	logger := p.logger

	ctx, stop := signalContext()
	defer stop()

	collector := metrics.NewCollector("proofflow", logger)
	rt, err := openRuntime(ctx, p.cfg, collector, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	a, err := newWorker(p.cfg, rt, collector, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(gctx) })
	g.Go(func() error { return newMetricsManager(p.cfg.Server, logger).Run(gctx) })
	g.Go(func() error {
		rt.recordPoolStats(gctx, 15*time.Second)
		return nil
	})
	if reload := p.hotReload(); reload != nil {
		reload.OnReload(func(_, newCfg *config.Config, _ []config.ConfigChange) {
			a.SetTuning(newCfg.Agent.PollInterval, newCfg.Agent.RequeueLimit)
		})
		g.Go(func() error { return reload.Run(gctx) })
	}

	err = g.Wait()
	logger.Info("agent stopped", zap.Error(err))
	return err
}

// newWorker 组装 Agent：开发用阶段处理器，以及启用时的远程任务消费者和进度上报
func newWorker(cfg *config.Config, rt *runtime, collector *metrics.Collector, logger *zap.Logger) (*agent.Agent, error) {
	registry := stage.NewDevRegistry(rt.store, stage.HashProver{}, cfg.Dev, logger)
	opts := []agent.Option{agent.WithMetrics(collector)}

	if cfg.Remote.Enabled {
		remoteOpts, err := remoteOptions(cfg, rt, collector, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, remoteOpts...)
	}

	a, err := agent.New(cfg.Agent, rt.queue, rt.router, registry, logger, opts...)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// remoteOptions 创建远程通道客户端、消费者与上报器。
// 消费者把任务提交给独立的 Submitter，避免与 Agent 循环依赖。
func remoteOptions(cfg *config.Config, rt *runtime, collector *metrics.Collector, logger *zap.Logger) ([]agent.Option, error) {
	rc := cfg.Remote
	if rc.WorkerID == "" {
		rc.WorkerID = cfg.Agent.WorkerID
	}

	clientOpts := []remote.ClientOption{}
	if rc.Token != "" {
		clientOpts = append(clientOpts, remote.WithToken(rc.Token))
	}
	client, err := remote.NewClient(rc.URL, logger, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create remote client: %w", err)
	}

	var seen dedupe.Store = dedupe.NewMemoryStore()
	if rt.cache != nil {
		seen = dedupe.NewRedisStore(rt.cache, "remote:assignment:", logger)
	}

	submitter := agent.NewSubmitter(rt.queue, rt.router, cfg.Agent.Stages, logger)
	converter := remote.NewConverter(rt.store, submitter, cfg.Agent.ExecCycleLimit, logger)
	consumer, err := remote.NewConsumer(rc, client, converter, logger,
		remote.WithDedupe(seen),
		remote.WithConsumerMetrics(collector),
	)
	if err != nil {
		return nil, fmt.Errorf("create remote consumer: %w", err)
	}
	reporter := remote.NewReporter(client, rt.store, logger,
		remote.WithReporterMetrics(collector),
		remote.WithCallTimeout(rc.CallTimeout),
	)

	logger.Info("remote task channel enabled", zap.String("url", rc.URL))
	return []agent.Option{agent.WithRunner(consumer), agent.WithReporter(reporter)}, nil
}
