package remote

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/proofflow/agent"
	"github.com/BaSui01/proofflow/artifact"
	"github.com/BaSui01/proofflow/router"
	"github.com/BaSui01/proofflow/taskdb"
	"github.com/BaSui01/proofflow/taskdef"
	"github.com/BaSui01/proofflow/types"
)

// Submitter creates jobs. *agent.Submitter implements it.
type Submitter interface {
	Submit(ctx context.Context, sub agent.Submission) (uuid.UUID, error)
}

// Converter turns assignments into queued jobs. The job id is the task id
// of the assignment.
type Converter struct {
	store          artifact.Store
	submitter      Submitter
	execCycleLimit uint64
	logger         *zap.Logger
}

// NewConverter 创建任务分配转换器
// execCycleLimit 是本地配置的执行周期下限
func NewConverter(store artifact.Store, submitter Submitter, execCycleLimit uint64, logger *zap.Logger) *Converter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Converter{
		store:          store,
		submitter:      submitter,
		execCycleLimit: execCycleLimit,
		logger:         logger.With(zap.String("component", "remote_converter")),
	}
}

// Convert stores the assignment's artifacts and enqueues its job. Nothing
// is enqueued when it returns an error.
func (c *Converter) Convert(ctx context.Context, a *TaskAssignment) (uuid.UUID, error) {
	if err := a.Validate(); err != nil {
		return uuid.Nil, err
	}
	jobID, err := uuid.Parse(a.TaskID)
	if err != nil {
		return uuid.Nil, types.NewValidationError("task id %q is not a uuid", a.TaskID).WithCause(err)
	}

	var def taskdef.Definition
	switch a.Kind() {
	case KindStark:
		def, err = c.starkRequest(ctx, a.TaskID, a.Stark)
	case KindGroth16:
		def, err = c.groth16Request(ctx, a.TaskID, a.Groth16)
	}
	if err != nil {
		return uuid.Nil, err
	}

	id, err := c.submitter.Submit(ctx, agent.Submission{
		JobID:      jobID,
		Tenant:     router.RemoteTenant,
		Origin:     taskdb.OriginRemote,
		Definition: def,
	})
	if err != nil {
		return uuid.Nil, err
	}
	c.logger.Info("assignment enqueued", zap.String("job_id", id.String()), zap.String("kind", a.Kind()))
	return id, nil
}

func (c *Converter) starkRequest(ctx context.Context, taskID string, d *StarkTaskDetails) (taskdef.Definition, error) {
	if d.ImageID == "" {
		return nil, types.NewValidationError("stark task %s: image id is required", taskID)
	}
	if len(d.ElfData) == 0 {
		return nil, types.NewValidationError("stark task %s: elf data is required", taskID)
	}
	if err := artifact.VerifyImageID(d.ImageID, d.ElfData); err != nil {
		return nil, err
	}
	if err := c.putIfAbsent(ctx, artifact.ImageKey(d.ImageID), d.ElfData); err != nil {
		return nil, err
	}

	inputID, err := c.resolveInput(ctx, taskID, d.Input)
	if err != nil {
		return nil, err
	}

	assumptions := make([]string, 0, len(d.AssumptionInputs))
	for i, in := range d.AssumptionInputs {
		if in.ID == "" {
			return nil, types.NewValidationError("stark task %s: assumption %d has no id", taskID, i)
		}
		if len(in.Inline) > 0 {
			if err := c.putIfAbsent(ctx, artifact.ReceiptKey(artifact.BucketStark, in.ID), in.Inline); err != nil {
				return nil, err
			}
		}
		assumptions = append(assumptions, in.ID)
	}

	limit := max(d.ExecCycleLimit, c.execCycleLimit)
	return taskdef.ExecutorReq{
		Image:          d.ImageID,
		Input:          inputID,
		UserID:         router.RemoteTenant,
		Assumptions:    assumptions,
		ExecuteOnly:    d.ExecuteOnly,
		Compress:       taskdef.CompressNone,
		ExecCycleLimit: &limit,
	}, nil
}

// resolveInput returns the input id. An id without a stored object needs
// inline bytes; inline bytes without an id are stored under a new uuid.
func (c *Converter) resolveInput(ctx context.Context, taskID string, in *InputData) (string, error) {
	if in == nil || (in.ID == "" && len(in.Inline) == 0) {
		return "", types.NewValidationError("stark task %s: input id and data are both empty", taskID)
	}
	if in.ID == "" {
		id := uuid.NewString()
		if err := c.putIfAbsent(ctx, artifact.InputKey(id), in.Inline); err != nil {
			return "", err
		}
		return id, nil
	}

	key := artifact.InputKey(in.ID)
	exists, err := c.store.Exists(ctx, key)
	if err != nil {
		return "", fmt.Errorf("check input %s: %w", in.ID, err)
	}
	if exists {
		return in.ID, nil
	}
	if len(in.Inline) == 0 {
		return "", types.NewValidationError("stark task %s: input %s not found and no data provided", taskID, in.ID)
	}
	if err := c.putIfAbsent(ctx, key, in.Inline); err != nil {
		return "", err
	}
	return in.ID, nil
}

func (c *Converter) groth16Request(ctx context.Context, taskID string, d *Groth16TaskDetails) (taskdef.Definition, error) {
	key := artifact.ReceiptKey(artifact.BucketStark, taskID)
	if len(d.StarkReceiptData) > 0 {
		if err := c.putIfAbsent(ctx, key, d.StarkReceiptData); err != nil {
			return nil, err
		}
	} else {
		exists, err := c.store.Exists(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("check receipt %s: %w", taskID, err)
		}
		if !exists {
			return nil, types.NewValidationError("groth16 task %s: no stark receipt provided or stored", taskID)
		}
	}
	return taskdef.SnarkReq{Receipt: taskID, CompressType: taskdef.CompressGroth16}, nil
}

func (c *Converter) putIfAbsent(ctx context.Context, key string, data []byte) error {
	written, err := c.store.Put(ctx, key, data)
	if err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	if !written {
		c.logger.Debug("artifact already present", zap.String("key", key))
	}
	return nil
}
