package handlers

import (
	"context"
	"net/http"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/proofflow/api"
	"github.com/BaSui01/proofflow/artifact"
	"github.com/BaSui01/proofflow/taskdb"
	"github.com/BaSui01/proofflow/taskdef"
	"github.com/BaSui01/proofflow/types"
)

// DefaultTenant 未认证请求使用的租户
const DefaultTenant = "default"

// JobSubmitter 创建证明作业，由 agent.Submitter 实现
type JobSubmitter interface {
	SubmitJob(ctx context.Context, tenant string, req taskdef.ExecutorReq) (uuid.UUID, error)
}

// JobReader 读取作业与任务状态，由 taskdb.Queue 实现
type JobReader interface {
	GetJob(ctx context.Context, jobID uuid.UUID) (*taskdb.Job, error)
	ListTasks(ctx context.Context, jobID uuid.UUID) ([]*taskdb.Task, error)
}

// =============================================================================
// 🧾 作业 Handler
// =============================================================================

// JobHandler 作业提交与查询处理器
type JobHandler struct {
	submitter JobSubmitter
	jobs      JobReader
	store     artifact.Store
	logger    *zap.Logger
}

// NewJobHandler 创建作业处理器
func NewJobHandler(submitter JobSubmitter, jobs JobReader, store artifact.Store, logger *zap.Logger) *JobHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobHandler{
		submitter: submitter,
		jobs:      jobs,
		store:     store,
		logger:    logger.With(zap.String("handler", "job")),
	}
}

// HandleSubmit 提交证明作业
// @Summary 提交作业
// @Tags job
// @Accept json
// @Produce json
// @Param request body api.SubmitJobRequest true "作业请求"
// @Success 201 {object} Response{data=api.SubmitJobResponse} "作业已创建"
// @Failure 400 {object} Response "请求无效"
// @Failure 404 {object} Response "镜像或输入不存在"
// @Security ApiKeyAuth
// @Router /v1/jobs [post]
func (h *JobHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.SubmitJobRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	def := taskdef.ExecutorReq{
		Image:          req.Image,
		Input:          req.Input,
		Assumptions:    req.Assumptions,
		ExecuteOnly:    req.ExecuteOnly,
		Compress:       taskdef.CompressType(req.Compress),
		ExecCycleLimit: req.ExecCycleLimit,
	}
	if err := def.Validate(); err != nil {
		WriteDomainError(w, r, err, h.logger)
		return
	}

	// 引用的制品必须已上传，否则执行阶段只会反复重试
	ctx := r.Context()
	refs := map[string]string{
		artifact.ImageKey(req.Image): "image " + req.Image,
		artifact.InputKey(req.Input): "input " + req.Input,
	}
	for _, a := range req.Assumptions {
		refs[artifact.ReceiptKey(artifact.BucketStark, a)] = "assumption receipt " + a
	}
	for key, what := range refs {
		ok, err := h.store.Exists(ctx, key)
		if err != nil {
			WriteDomainError(w, r, err, h.logger)
			return
		}
		if !ok {
			WriteError(w, r, types.NewNotFoundError("%s not found", what), h.logger)
			return
		}
	}

	tenant := tenantFrom(ctx)
	jobID, err := h.submitter.SubmitJob(ctx, tenant, def)
	if err != nil {
		WriteDomainError(w, r, err, h.logger)
		return
	}

	h.logger.Info("job accepted",
		zap.String("job_id", jobID.String()),
		zap.String("tenant", tenant),
		zap.String("image", req.Image),
	)
	WriteSuccessStatus(w, r, http.StatusCreated, api.SubmitJobResponse{JobID: jobID.String()})
}

// HandleGet 查询作业状态与任务摘要
// @Summary 查询作业
// @Tags job
// @Produce json
// @Param id path string true "作业 ID"
// @Success 200 {object} Response{data=api.JobStatusResponse} "作业状态"
// @Failure 404 {object} Response "作业不存在"
// @Security ApiKeyAuth
// @Router /v1/jobs/{id} [get]
func (h *JobHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r, h.logger)
	if !ok {
		return
	}
	ctx := r.Context()

	job, err := h.jobs.GetJob(ctx, jobID)
	if err != nil {
		WriteDomainError(w, r, err, h.logger)
		return
	}
	// 租户只能看到自己的作业；不区分不存在与无权访问
	if tenant, ok := types.TenantID(ctx); ok && tenant != job.UserID {
		WriteError(w, r, types.NewNotFoundError("job %s not found", jobID), h.logger)
		return
	}

	tasks, err := h.jobs.ListTasks(ctx, jobID)
	if err != nil {
		WriteDomainError(w, r, err, h.logger)
		return
	}

	WriteSuccess(w, r, toJobStatus(job, tasks))
}

func toJobStatus(job *taskdb.Job, tasks []*taskdb.Task) api.JobStatusResponse {
	resp := api.JobStatusResponse{
		JobID:      job.ID.String(),
		Status:     string(job.Status),
		Origin:     string(job.Origin),
		Error:      job.Error,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
		TaskCounts: make(map[string]int),
		Tasks:      make([]api.TaskSummary, 0, len(tasks)),
	}
	for _, t := range tasks {
		resp.TaskCounts[string(t.Status)]++
		resp.Tasks = append(resp.Tasks, api.TaskSummary{
			TaskID:     t.TaskID,
			Type:       string(t.Type),
			Status:     string(t.Status),
			Retries:    t.Retries,
			MaxRetries: t.MaxRetries,
			WorkerID:   t.WorkerID,
			Error:      t.Error,
			StartedAt:  t.StartedAt,
			UpdatedAt:  t.UpdatedAt,
		})
	}
	sort.SliceStable(resp.Tasks, func(i, j int) bool {
		return resp.Tasks[i].UpdatedAt.Before(resp.Tasks[j].UpdatedAt)
	})
	if job.Status == taskdb.JobDone {
		resp.ReceiptID = job.ID.String()
	}
	return resp
}

func parseJobID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	raw := r.PathValue("id")
	if raw == "" {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest, "job id is required", logger)
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		WriteError(w, r, types.NewValidationError("invalid job id %q", raw), logger)
		return uuid.Nil, false
	}
	return id, true
}

// tenantFrom 返回认证中间件写入的租户，未认证时使用默认租户
func tenantFrom(ctx context.Context) string {
	if tenant, ok := types.TenantID(ctx); ok {
		return tenant
	}
	return DefaultTenant
}
