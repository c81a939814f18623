package api

import (
	"time"
)

// =============================================================================
// 作业类型
// =============================================================================

// SubmitJobRequest 提交证明作业的请求
// @Description 作业提交请求结构
type SubmitJobRequest struct {
	// 已上传镜像的 ID（ELF 的 SHA-256）
	Image string `json:"image" example:"9f86d08..." binding:"required"`
	// 已上传输入的 ID
	Input string `json:"input" example:"5b0e6c1c-..." binding:"required"`
	// 需要解析的假设收据 ID
	Assumptions []string `json:"assumptions,omitempty"`
	// 只执行不证明
	ExecuteOnly bool `json:"execute_only,omitempty"`
	// 压缩类型：none | groth16
	Compress string `json:"compress,omitempty" example:"none"`
	// 执行周期上限，单位百万周期
	ExecCycleLimit *uint64 `json:"exec_cycle_limit,omitempty"`
}

// SubmitJobResponse 作业提交结果
type SubmitJobResponse struct {
	JobID string `json:"job_id" example:"6f1c2a4e-..."`
}

// JobStatusResponse 作业状态与任务摘要
// @Description 作业状态响应结构
type JobStatusResponse struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status" example:"running"`
	Origin    string    `json:"origin" example:"local"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// 按状态统计的任务数
	TaskCounts map[string]int `json:"task_counts"`
	Tasks      []TaskSummary  `json:"tasks"`
	// 作业完成后可下载的收据 ID
	ReceiptID string `json:"receipt_id,omitempty"`
}

// TaskSummary 单个任务的摘要
type TaskSummary struct {
	TaskID     string     `json:"task_id" example:"prove-0"`
	Type       string     `json:"type" example:"prove"`
	Status     string     `json:"status" example:"done"`
	Retries    int        `json:"retries"`
	MaxRetries int        `json:"max_retries"`
	WorkerID   string     `json:"worker_id,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// =============================================================================
// 制品类型
// =============================================================================

// UploadResponse 镜像或输入上传结果
type UploadResponse struct {
	// 制品 ID
	ID string `json:"id"`
	// 本次请求是否写入了数据；重复上传为 false
	Created bool `json:"created"`
	// 字节数
	Size int `json:"size"`
}
