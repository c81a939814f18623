package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/proofflow/internal/metrics"
	"github.com/BaSui01/proofflow/planner"
	"github.com/BaSui01/proofflow/router"
	"github.com/BaSui01/proofflow/stage"
	"github.com/BaSui01/proofflow/taskdb"
	"github.com/BaSui01/proofflow/taskdef"
	"github.com/BaSui01/proofflow/types"
)

// 任务处理结果，用于日志与指标
const (
	OutcomeDone   = "done"
	OutcomeRetry  = "retry"
	OutcomeFailed = "failed"
	OutcomeStale  = "stale"
	OutcomeError  = "error"
)

// infraError 表示队列或路由不可用，而非任务本身失败
type infraError struct {
	err error
}

func (e *infraError) Error() string { return e.err.Error() }
func (e *infraError) Unwrap() error { return e.err }

// Reporter 接收远程作业的任务完成通知
// 实现必须尽力而为：错误自行记录，不影响调度
type Reporter interface {
	TaskFinished(ctx context.Context, job *taskdb.Job, task *taskdb.Task, output []byte)
}

// Runner 是与 Agent 同生命周期运行的后台组件，例如远程任务消费者
type Runner interface {
	Run(ctx context.Context) error
}

// =============================================================================
// 🤖 Agent
// =============================================================================

// Agent 是单个工作进程：领取任务、分发给阶段处理器、
// 创建下游任务，并按重试策略处理失败
type Agent struct {
	*Submitter

	cfg      Config
	queue    taskdb.Queue
	router   *router.Router
	registry *stage.Registry
	reporter Reporter
	runners  []Runner
	metrics  *metrics.Collector
	tracer   trace.Tracer
	logger   *zap.Logger

	// 可热更新的轮询间隔（纳秒）与单次回收上限
	pollInterval atomic.Int64
	requeueLimit atomic.Int64
}

// Option 配置 Agent
type Option func(*Agent)

// WithReporter 设置远程作业进度上报
func WithReporter(r Reporter) Option {
	return func(a *Agent) {
		a.reporter = r
	}
}

// WithRunner 添加随 Run 一起启动的后台组件
func WithRunner(r Runner) Option {
	return func(a *Agent) {
		a.runners = append(a.runners, r)
	}
}

// WithMetrics 设置指标收集器
func WithMetrics(c *metrics.Collector) Option {
	return func(a *Agent) {
		a.metrics = c
	}
}

// WithTracer 设置链路追踪器，默认使用全局 TracerProvider
func WithTracer(t trace.Tracer) Option {
	return func(a *Agent) {
		a.tracer = t
	}
}

// New 创建 Agent
func New(cfg Config, queue taskdb.Queue, r *router.Router, registry *stage.Registry, logger *zap.Logger, opts ...Option) (*Agent, error) {
	if queue == nil || r == nil || registry == nil {
		return nil, fmt.Errorf("agent requires a queue, a router and a stage registry")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid agent config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = fmt.Sprintf("%s-%s", cfg.WorkType, uuid.NewString()[:8])
	}

	a := &Agent{
		Submitter: NewSubmitter(queue, r, cfg.Stages, logger),
		cfg:       cfg,
		queue:     queue,
		router:    r,
		registry:  registry,
		tracer:    otel.Tracer("github.com/BaSui01/proofflow/agent"),
		logger: logger.With(
			zap.String("component", "agent"),
			zap.String("work_type", cfg.WorkType),
			zap.String("worker_id", cfg.WorkerID),
		),
	}
	a.pollInterval.Store(int64(cfg.PollInterval))
	a.requeueLimit.Store(int64(cfg.RequeueLimit))
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Config 返回生效的配置，包含热更新后的轮询与回收参数
func (a *Agent) Config() Config {
	cfg := a.cfg
	cfg.PollInterval = time.Duration(a.pollInterval.Load())
	cfg.RequeueLimit = int(a.requeueLimit.Load())
	return cfg
}

// SetTuning 在运行中调整轮询间隔与单次回收上限，非正值保持原设置
func (a *Agent) SetTuning(pollInterval time.Duration, requeueLimit int) {
	if pollInterval > 0 {
		a.pollInterval.Store(int64(pollInterval))
	}
	if requeueLimit > 0 {
		a.requeueLimit.Store(int64(requeueLimit))
	}
	a.logger.Info("agent tuning updated",
		zap.Duration("poll_interval", time.Duration(a.pollInterval.Load())),
		zap.Int64("requeue_limit", a.requeueLimit.Load()),
	)
}

// =============================================================================
// 🔁 单次轮询
// =============================================================================

// PollOnce 领取并处理至多一个任务，返回是否领到任务
// 领取之后的处理与队列状态转换不受 ctx 取消影响
func (a *Agent) PollOnce(ctx context.Context) (bool, error) {
	task, err := a.queue.ClaimNext(ctx, a.cfg.WorkType, a.cfg.WorkerID)
	if a.metrics != nil {
		a.metrics.RecordClaim(a.cfg.WorkType, task != nil, err)
	}
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	if task == nil {
		return false, nil
	}
	return true, a.process(context.WithoutCancel(ctx), task)
}

// process 执行一个已领取的任务并提交其状态转换
func (a *Agent) process(ctx context.Context, task *taskdb.Task) error {
	ctx, span := a.tracer.Start(ctx, "agent.process_task", trace.WithAttributes(
		attribute.String("job.id", task.JobID.String()),
		attribute.String("task.id", task.TaskID),
		attribute.String("task.type", string(task.Type)),
		attribute.Int64("task.generation", task.Generation),
	))
	defer span.End()

	logger := a.logger.With(
		zap.String("job_id", task.JobID.String()),
		zap.String("task_id", task.TaskID),
		zap.String("task_type", string(task.Type)),
	)
	logger.Debug("task claimed", zap.Int64("generation", task.Generation), zap.Int("retries", task.Retries))

	start := time.Now()
	output, update, err := a.execute(ctx, task)
	elapsed := time.Since(start)
	var infra *infraError
	if errors.As(err, &infra) {
		// 不消耗重试预算；退回失败时任务保持 running，超时后由回收扫描处理
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if rerr := a.queue.Release(ctx, task.Claim()); rerr != nil {
			logger.Warn("release task failed, left for requeue", zap.Error(rerr))
		}
		a.record(task, OutcomeError, elapsed)
		return fmt.Errorf("task %s: %w", task.TaskID, infra.err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		outcome, markErr := a.handleFailure(ctx, task, err, logger)
		a.record(task, outcome, elapsed)
		return markErr
	}

	if err := a.queue.MarkDone(ctx, task.Claim(), update); err != nil {
		if errors.Is(err, taskdb.ErrStaleClaim) {
			logger.Info("task was reclaimed while running, dropping result", zap.Int64("generation", task.Generation))
			a.record(task, OutcomeStale, elapsed)
			return nil
		}
		span.RecordError(err)
		return fmt.Errorf("mark task done: %w", err)
	}
	a.record(task, OutcomeDone, elapsed)
	logger.Info("task completed",
		zap.Duration("duration", elapsed),
		zap.Int("followups", len(update.Followups)),
		zap.Bool("job_completed", update.CompleteJob),
	)

	a.report(ctx, task, output, logger)
	return nil
}

// execute 解码任务、调用处理器并计算下游任务
func (a *Agent) execute(ctx context.Context, task *taskdb.Task) ([]byte, taskdb.DoneUpdate, error) {
	def, err := taskdef.Decode(task.Definition)
	if err != nil {
		return nil, taskdb.DoneUpdate{}, err
	}

	result, err := a.registry.Dispatch(ctx, stage.Request{JobID: task.JobID, TaskID: task.TaskID, Definition: def})
	if err != nil {
		return nil, taskdb.DoneUpdate{}, err
	}
	output, err := json.Marshal(result)
	if err != nil {
		return nil, taskdb.DoneUpdate{}, fmt.Errorf("encode %s output: %w", task.Type, err)
	}

	update, err := a.followups(ctx, task, def, output)
	if err != nil {
		return nil, taskdb.DoneUpdate{}, err
	}
	update.Output = output
	return output, update, nil
}

// followups 根据作业计划生成下游任务
func (a *Agent) followups(ctx context.Context, task *taskdb.Task, def taskdef.Definition, output []byte) (taskdb.DoneUpdate, error) {
	job, err := a.queue.GetJob(ctx, task.JobID)
	if err != nil {
		return taskdb.DoneUpdate{}, &infraError{err: fmt.Errorf("load job: %w", err)}
	}

	var update taskdb.DoneUpdate
	var plan *planner.Plan
	if req, ok := def.(taskdef.ExecutorReq); ok {
		resp, err := taskdef.DecodeExecutorResp(output)
		if err != nil {
			return taskdb.DoneUpdate{}, err
		}
		plan, err = planner.Build(task.JobID.String(), req, resp)
		if err != nil {
			return taskdb.DoneUpdate{}, err
		}
		update.Graph, err = plan.Encode()
		if err != nil {
			return taskdb.DoneUpdate{}, err
		}
	} else {
		plan, err = planner.Decode(job.Graph)
		if err != nil {
			return taskdb.DoneUpdate{}, err
		}
		if plan == nil {
			// 没有计划的作业只有这一个任务
			update.CompleteJob = true
			return update, nil
		}
	}

	update.CompleteJob = plan.Terminal == task.TaskID
	update.Followups, err = a.newTasks(ctx, job.UserID, plan, plan.Dependents(task.TaskID))
	if err != nil {
		return taskdb.DoneUpdate{}, err
	}
	return update, nil
}

// newTasks 把计划节点转换为队列任务
func (a *Agent) newTasks(ctx context.Context, tenant string, plan *planner.Plan, nodes []planner.Node) ([]taskdb.NewTask, error) {
	out := make([]taskdb.NewTask, 0, len(nodes))
	for _, n := range nodes {
		stream, err := a.router.StreamForTask(ctx, tenant, n.Type)
		if err != nil {
			return nil, &infraError{err: fmt.Errorf("resolve stream for %s: %w", n.ID, err)}
		}
		sc := a.cfg.Stages.For(n.Type)
		timeout := sc.Timeout
		if n.Type == taskdef.TypeFinalize {
			timeout *= time.Duration(max(1, assumptionCount(plan)))
		}
		out = append(out, taskdb.NewTask{
			TaskID:        n.ID,
			Type:          n.Type,
			Definition:    n.Definition,
			Prerequisites: n.Prerequisites,
			StreamID:      stream,
			MaxRetries:    sc.MaxRetries,
			TimeoutSecs:   int(timeout.Seconds()),
		})
	}
	return out, nil
}

// assumptionCount 返回计划中 Resolve 阶段要合并的假设数量
func assumptionCount(plan *planner.Plan) int {
	node, ok := plan.Node(planner.ResolveTaskID)
	if !ok {
		return 0
	}
	def, err := taskdef.Decode(node.Definition)
	if err != nil {
		return 0
	}
	if req, ok := def.(taskdef.ResolveReq); ok {
		return len(req.Assumptions)
	}
	return 0
}

// =============================================================================
// ⚠️ 失败处理
// =============================================================================

// permanent 判断错误是否被显式标记为不可重试；未分类的错误按瞬时错误处理
func permanent(err error) bool {
	e, ok := types.AsError(err)
	return ok && !e.Retryable
}

// handleFailure 在重试预算内退回任务，否则使任务与作业失败；
// 不可重试的错误直接失败，不消耗重试预算
func (a *Agent) handleFailure(ctx context.Context, task *taskdb.Task, cause error, logger *zap.Logger) (string, error) {
	logger = logger.With(zap.Error(cause), zap.String("error_code", string(types.GetErrorCode(cause))))

	if task.MaxRetries > 0 && !permanent(cause) {
		status, err := a.queue.MarkRetry(ctx, task.Claim())
		switch {
		case errors.Is(err, taskdb.ErrStaleClaim):
			logger.Info("task was reclaimed while running, dropping failure")
			return OutcomeStale, nil
		case err != nil:
			return OutcomeFailed, fmt.Errorf("mark task retry: %w", err)
		case status == taskdb.StatusFailed:
			logger.Error("task failed, retries exhausted", zap.Int("max_retries", task.MaxRetries))
			return OutcomeFailed, nil
		default:
			logger.Warn("task failed, will retry",
				zap.Int("retries", task.Retries+1),
				zap.Int("max_retries", task.MaxRetries),
			)
			return OutcomeRetry, nil
		}
	}

	err := a.queue.MarkFailed(ctx, task.Claim(), types.Truncate(cause.Error(), taskdb.ErrorLimit))
	switch {
	case errors.Is(err, taskdb.ErrStaleClaim):
		logger.Info("task was reclaimed while running, dropping failure")
		return OutcomeStale, nil
	case err != nil:
		return OutcomeFailed, fmt.Errorf("mark task failed: %w", err)
	}
	logger.Error("task failed")
	return OutcomeFailed, nil
}

func (a *Agent) record(task *taskdb.Task, outcome string, elapsed time.Duration) {
	if a.metrics != nil {
		a.metrics.RecordTask(string(task.Type), outcome, elapsed)
	}
}

// report 通知远程通道，仅针对远程来源的作业
func (a *Agent) report(ctx context.Context, task *taskdb.Task, output []byte, logger *zap.Logger) {
	if a.reporter == nil {
		return
	}
	job, err := a.queue.GetJob(ctx, task.JobID)
	if err != nil {
		logger.Warn("load job for progress report failed", zap.Error(err))
		return
	}
	if job.Origin != taskdb.OriginRemote {
		return
	}
	a.reporter.TaskFinished(ctx, job, task, output)
}
