package remote

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/proofflow/artifact"
	"github.com/BaSui01/proofflow/internal/metrics"
	"github.com/BaSui01/proofflow/stage"
	"github.com/BaSui01/proofflow/taskdb"
	"github.com/BaSui01/proofflow/taskdef"
)

// Result descriptions sent with uploads.
const (
	DescriptionGroth16 = "Groth16 proof from SNARK task"
	DescriptionStark   = "STARK receipt from Executor task"
)

// Channel is the part of the client the reporter needs.
type Channel interface {
	UpdateTaskProgress(ctx context.Context, update ProgressUpdate) error
	UploadStarkResult(ctx context.Context, taskID string, receipt, journal []byte, description string) error
	UploadGroth16Result(ctx context.Context, taskID string, proof []byte, description string) error
}

// Reporter forwards task completions of remote jobs to the coordinator.
// Every call is best effort: failures are logged and never retried.
type Reporter struct {
	channel Channel
	store   artifact.Store
	timeout time.Duration
	metrics *metrics.Collector
	logger  *zap.Logger
}

// ReporterOption 上报器选项
type ReporterOption func(*Reporter)

// WithReporterMetrics 设置指标收集器
func WithReporterMetrics(m *metrics.Collector) ReporterOption {
	return func(r *Reporter) {
		r.metrics = m
	}
}

// WithCallTimeout 设置单次上报超时
func WithCallTimeout(d time.Duration) ReporterOption {
	return func(r *Reporter) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewReporter 创建进度上报器
func NewReporter(channel Channel, store artifact.Store, logger *zap.Logger, opts ...ReporterOption) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reporter{
		channel: channel,
		store:   store,
		timeout: DefaultConfig().CallTimeout,
		logger:  logger.With(zap.String("component", "remote_reporter")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TaskFinished implements agent.Reporter.
func (r *Reporter) TaskFinished(ctx context.Context, job *taskdb.Job, task *taskdb.Task, output []byte) {
	if job == nil || task == nil || job.Origin != taskdb.OriginRemote {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	taskID := job.ID.String()
	switch task.Type {
	case taskdef.TypeExecutor:
		r.executorFinished(ctx, taskID, task, output)
	case taskdef.TypeFinalize, taskdef.TypeSnark:
		r.progress(ctx, ProgressUpdate{TaskID: taskID, Status: StatusCompleted, Message: "Task is Completed"})
		r.upload(ctx, taskID, task.Type)
	default:
		r.progress(ctx, ProgressUpdate{TaskID: taskID, Status: StatusGeneratingProof, Message: "Task is generating proof"})
	}
}

func (r *Reporter) executorFinished(ctx context.Context, taskID string, task *taskdb.Task, output []byte) {
	update := ProgressUpdate{TaskID: taskID, Status: StatusGeneratingProof, Message: "Task is executing"}
	if resp, err := taskdef.DecodeExecutorResp(output); err != nil {
		r.logger.Warn("executor output unreadable", zap.String("task_id", taskID), zap.Error(err))
	} else {
		segments, cycles := resp.Segments, resp.TotalCycles
		update.TotalSegments = &segments
		update.TotalCycles = &cycles
	}

	// 仅执行的作业在执行器结束时即完成
	if def, err := taskdef.Decode(task.Definition); err == nil {
		if req, ok := def.(taskdef.ExecutorReq); ok && req.ExecuteOnly {
			update.Status = StatusCompleted
			update.Message = "Task is Completed"
		}
	}
	r.progress(ctx, update)
}

func (r *Reporter) upload(ctx context.Context, taskID string, t taskdef.TaskType) {
	bucket := artifact.BucketStark
	if t == taskdef.TypeSnark {
		bucket = artifact.BucketGroth16
	}
	key := artifact.ReceiptKey(bucket, taskID)
	log := r.logger.With(zap.String("task_id", taskID), zap.String("key", key))

	data, err := r.store.Get(ctx, key)
	if err != nil {
		log.Error("receipt missing, nothing uploaded", zap.Error(err))
		r.recordUpload(bucket, false)
		return
	}

	if bucket == artifact.BucketGroth16 {
		err = r.channel.UploadGroth16Result(ctx, taskID, data, DescriptionGroth16)
	} else {
		journal, jerr := stage.Journal(data)
		if jerr != nil {
			log.Error("journal extraction failed", zap.Error(jerr))
			r.recordUpload(bucket, false)
			return
		}
		err = r.channel.UploadStarkResult(ctx, taskID, data, journal, DescriptionStark)
	}
	if err != nil {
		log.Error("result upload failed", zap.Error(err))
		r.recordUpload(bucket, false)
		return
	}
	r.recordUpload(bucket, true)
	log.Info("result uploaded", zap.Int("bytes", len(data)))

	if err := r.store.Delete(ctx, key); err != nil {
		log.Warn("delete uploaded receipt failed", zap.Error(err))
	}
}

func (r *Reporter) progress(ctx context.Context, update ProgressUpdate) {
	if err := r.channel.UpdateTaskProgress(ctx, update); err != nil {
		r.logger.Warn("progress update failed",
			zap.String("task_id", update.TaskID),
			zap.String("status", string(update.Status)),
			zap.Error(err))
	}
}

func (r *Reporter) recordUpload(bucket string, ok bool) {
	if r.metrics != nil {
		r.metrics.RecordRemoteUpload(bucket, ok)
	}
}
