package remote

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/proofflow/internal/dedupe"
	"github.com/BaSui01/proofflow/internal/metrics"
	"github.com/BaSui01/proofflow/internal/retry"
	"github.com/BaSui01/proofflow/types"
)

// Assignment outcomes recorded in metrics.
const (
	outcomeAccepted  = "accepted"
	outcomeRejected  = "rejected"
	outcomeDuplicate = "duplicate"
)

// Consumer pulls assignments from the coordinator and converts them into
// jobs until its context is canceled. A dropped stream is reopened with
// exponential backoff.
type Consumer struct {
	cfg       Config
	client    *Client
	converter *Converter
	dedupe    dedupe.Store
	limiter   *rate.Limiter
	backoff   *retry.Backoff
	retryer   *retry.Retryer
	metrics   *metrics.Collector
	tracer    trace.Tracer
	logger    *zap.Logger
}

// ConsumerOption 消费者选项
type ConsumerOption func(*Consumer)

// WithDedupe 设置重复投递过滤
func WithDedupe(s dedupe.Store) ConsumerOption {
	return func(c *Consumer) {
		c.dedupe = s
	}
}

// WithConsumerMetrics 设置指标收集器
func WithConsumerMetrics(m *metrics.Collector) ConsumerOption {
	return func(c *Consumer) {
		c.metrics = m
	}
}

// NewConsumer 创建任务分配消费者
func NewConsumer(cfg Config, client *Client, converter *Converter, logger *zap.Logger, opts ...ConsumerOption) (*Consumer, error) {
	if client == nil || converter == nil {
		return nil, types.NewValidationError("remote consumer: client and converter are required")
	}
	cfg.Enabled = true
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Consumer{
		cfg:       cfg,
		client:    client,
		converter: converter,
		limiter:   rate.NewLimiter(rate.Limit(cfg.ReconnectRate), 1),
		backoff:   retry.NewBackoff(cfg.backoffPolicy()),
		retryer:   retry.New(cfg.convertPolicy(), logger),
		tracer:    otel.Tracer("github.com/BaSui01/proofflow/remote"),
		logger:    logger.With(zap.String("component", "remote_consumer"), zap.String("worker_id", cfg.WorkerID)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run implements agent.Runner. It returns nil once ctx is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("remote consumer started", zap.String("url", c.client.baseURL))
	defer c.logger.Info("remote consumer stopped")

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil
		}
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}

		delay := c.cfg.PollInterval
		if err != nil {
			delay = c.backoff.Next()
			if c.metrics != nil {
				c.metrics.RecordRemoteReconnect()
			}
			c.logger.Warn("assignment stream failed, reconnecting",
				zap.Int("attempt", c.backoff.Attempt()),
				zap.Duration("delay", delay),
				zap.Error(err))
		}
		if retry.Sleep(ctx, delay) != nil {
			return nil
		}
	}
}

// session consumes one assignment stream. It returns nil when the
// coordinator ends the stream.
func (c *Consumer) session(ctx context.Context) error {
	stream, err := c.client.RequestTask(ctx, c.cfg.WorkerID, c.cfg.Capacity)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		a, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		c.backoff.Reset()
		if err := c.Handle(ctx, a); err != nil {
			c.logger.Error("assignment failed", zap.String("task_id", a.TaskID), zap.Error(err))
		}
	}
}

// Handle processes one assignment: acknowledge receipt, then convert.
func (c *Consumer) Handle(ctx context.Context, a *TaskAssignment) error {
	ctx, span := c.tracer.Start(ctx, "remote.convert_assignment",
		trace.WithAttributes(
			attribute.String("task_id", a.TaskID),
			attribute.String("kind", a.Kind()),
		))
	defer span.End()

	log := c.logger.With(zap.String("task_id", a.TaskID), zap.String("kind", a.Kind()))

	key, err := dedupe.Key(a.TaskID, a.Kind())
	if err != nil {
		return fmt.Errorf("assignment key: %w", err)
	}
	if c.dedupe != nil {
		ok, err := c.dedupe.Claim(ctx, key, c.cfg.DedupeTTL)
		switch {
		case err != nil:
			log.Warn("dedupe unavailable, converting anyway", zap.Error(err))
		case !ok:
			log.Info("duplicate assignment dropped")
			c.record(a, outcomeDuplicate)
			return nil
		}
	}

	c.progress(ctx, ProgressUpdate{TaskID: a.TaskID, Status: StatusPending, Message: "Task received"})

	jobID, err := retry.DoWithResult(ctx, c.retryer, func(ctx context.Context) (uuid.UUID, error) {
		id, err := c.converter.Convert(ctx, a)
		if types.IsErrorCode(err, types.ErrValidation) {
			return id, retry.Permanent(err)
		}
		return id, err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.record(a, outcomeRejected)
		c.progress(ctx, ProgressUpdate{
			TaskID:  a.TaskID,
			Status:  StatusFailed,
			Message: types.Truncate(err.Error(), 1024),
		})
		// 非校验错误允许协调端重新投递
		if c.dedupe != nil && !types.IsErrorCode(err, types.ErrValidation) {
			if rerr := c.dedupe.Release(ctx, key); rerr != nil {
				log.Warn("release dedupe key failed", zap.Error(rerr))
			}
		}
		return fmt.Errorf("convert assignment: %w", err)
	}

	c.record(a, outcomeAccepted)
	log.Info("assignment accepted", zap.String("job_id", jobID.String()))
	return nil
}

func (c *Consumer) progress(ctx context.Context, update ProgressUpdate) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	if err := c.client.UpdateTaskProgress(ctx, update); err != nil {
		c.logger.Warn("progress update failed",
			zap.String("task_id", update.TaskID),
			zap.String("status", string(update.Status)),
			zap.Error(err))
	}
}

func (c *Consumer) record(a *TaskAssignment, outcome string) {
	if c.metrics != nil {
		c.metrics.RecordRemoteAssignment(a.Kind(), outcome)
	}
}
