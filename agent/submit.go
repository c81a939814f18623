package agent

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/proofflow/planner"
	"github.com/BaSui01/proofflow/router"
	"github.com/BaSui01/proofflow/taskdb"
	"github.com/BaSui01/proofflow/taskdef"
	"github.com/BaSui01/proofflow/types"
)

// Submission 描述一个待创建的作业
type Submission struct {
	// JobID 为空时由队列生成
	JobID  uuid.UUID
	Tenant string
	Origin taskdb.Origin
	// Definition 为 ExecutorReq（完整流水线）或 SnarkReq（单任务包装作业）
	Definition taskdef.Definition
}

// Submitter 创建作业及其首个任务
// REST 接口、命令行和远程通道共用它
type Submitter struct {
	queue  taskdb.Queue
	router *router.Router
	stages StagesConfig
	logger *zap.Logger
}

// NewSubmitter 创建作业提交器
func NewSubmitter(queue taskdb.Queue, r *router.Router, stages StagesConfig, logger *zap.Logger) *Submitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Submitter{
		queue:  queue,
		router: r,
		stages: stages,
		logger: logger.With(zap.String("component", "submitter")),
	}
}

// Submit 创建作业，返回作业 ID
func (s *Submitter) Submit(ctx context.Context, sub Submission) (uuid.UUID, error) {
	if sub.Tenant == "" {
		return uuid.Nil, types.NewValidationError("tenant is required")
	}
	if sub.Origin == "" {
		sub.Origin = taskdb.OriginLocal
	}

	var (
		taskID string
		graph  []byte
	)
	switch def := sub.Definition.(type) {
	case taskdef.ExecutorReq:
		if err := def.Validate(); err != nil {
			return uuid.Nil, err
		}
		taskID = planner.ExecutorTaskID
	case taskdef.SnarkReq:
		if def.Receipt == "" {
			return uuid.Nil, types.NewValidationError("snark request: receipt is required")
		}
		if def.CompressType != taskdef.CompressGroth16 {
			return uuid.Nil, types.NewValidationError("snark request: unsupported compress type %q", def.CompressType)
		}
		taskID = planner.SnarkTaskID
		encoded, err := planner.Single(taskID).Encode()
		if err != nil {
			return uuid.Nil, err
		}
		graph = encoded
	case nil:
		return uuid.Nil, types.NewValidationError("submission has no definition")
	default:
		return uuid.Nil, types.NewValidationError("cannot start a job with a %s task", def.Type())
	}

	t := sub.Definition.Type()
	stream, err := s.router.StreamForTask(ctx, sub.Tenant, t)
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolve stream: %w", err)
	}
	raw, err := taskdef.Encode(sub.Definition)
	if err != nil {
		return uuid.Nil, err
	}
	sc := s.stages.For(t)

	jobID, err := s.queue.CreateJob(ctx, taskdb.NewJob{
		ID:     sub.JobID,
		UserID: sub.Tenant,
		Origin: sub.Origin,
		Graph:  graph,
	}, taskdb.NewTask{
		TaskID:      taskID,
		Type:        t,
		Definition:  raw,
		StreamID:    stream,
		MaxRetries:  sc.MaxRetries,
		TimeoutSecs: int(sc.Timeout.Seconds()),
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("create job: %w", err)
	}

	s.logger.Info("job submitted",
		zap.String("job_id", jobID.String()),
		zap.String("tenant", sub.Tenant),
		zap.String("origin", string(sub.Origin)),
		zap.String("first_task", taskID),
	)
	return jobID, nil
}

// SubmitJob 为租户提交一个完整证明作业
func (s *Submitter) SubmitJob(ctx context.Context, tenant string, req taskdef.ExecutorReq) (uuid.UUID, error) {
	if req.UserID == "" {
		req.UserID = tenant
	}
	return s.Submit(ctx, Submission{Tenant: tenant, Origin: taskdb.OriginLocal, Definition: req})
}
