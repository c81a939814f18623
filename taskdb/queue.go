// Package taskdb is the persistent task queue of the proving pipeline.
//
// The queue is the single source of truth for job, task and stream state.
// Every state change is one atomic transition performed by the queue:
// workers never write task fields directly.
//
// Supported backends:
// - Memory: for development and testing
// - SQL: postgres, mysql or sqlite through gorm, for multi-process fleets
package taskdb

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/proofflow/internal/database"
	"github.com/BaSui01/proofflow/taskdef"
)

// Common errors
var (
	ErrNotFound             = errors.New("not found")
	ErrAlreadyExists        = errors.New("already exists")
	ErrStaleClaim           = errors.New("stale claim")
	ErrPrerequisitesPending = errors.New("prerequisites not done")
	ErrQueueClosed          = errors.New("queue is closed")
	ErrInvalidInput         = errors.New("invalid input")
)

// ErrorLimit bounds the length of error messages persisted on tasks and jobs.
const ErrorLimit = 1024

// Queue is the task queue contract consumed by the scheduler.
type Queue interface {
	// CreateJob creates a job together with its first task. A zero job id
	// is replaced by a random one.
	CreateJob(ctx context.Context, job NewJob, first NewTask) (uuid.UUID, error)

	// CreateTask adds a task to an existing job. It fails with
	// ErrPrerequisitesPending unless every prerequisite is done.
	CreateTask(ctx context.Context, jobID uuid.UUID, task NewTask) error

	// ClaimNext atomically claims the next ready task of the given work
	// type. It returns nil when nothing is claimable.
	ClaimNext(ctx context.Context, workType, workerID string) (*Task, error)

	// MarkDone completes a claimed task and inserts the follow-ups whose
	// prerequisites are now all done, in one transition.
	MarkDone(ctx context.Context, claim Claim, update DoneUpdate) error

	// MarkRetry returns a claimed task to pending while its retry budget
	// lasts and fails it (and its job) otherwise. It returns the resulting
	// task status.
	MarkRetry(ctx context.Context, claim Claim) (Status, error)

	// MarkFailed fails a claimed task and its job.
	MarkFailed(ctx context.Context, claim Claim, message string) error

	// Release returns a claimed task to pending without charging its
	// retry budget. It is used when the worker, not the task, failed.
	Release(ctx context.Context, claim Claim) error

	// RequeueTimedOut reclaims at most limit running tasks that are
	// strictly past their timeout.
	RequeueTimedOut(ctx context.Context, limit int) (RequeueResult, error)

	// GetOrCreateStream returns the stream of (userID, workType), creating
	// it on first use. Concurrent creators observe the same id.
	GetOrCreateStream(ctx context.Context, userID, workType string, concurrency int, priority float64) (uuid.UUID, error)

	GetJob(ctx context.Context, jobID uuid.UUID) (*Job, error)
	GetTask(ctx context.Context, jobID uuid.UUID, taskID string) (*Task, error)
	ListTasks(ctx context.Context, jobID uuid.UUID) ([]*Task, error)
	Stats(ctx context.Context) (*Stats, error)

	Ping(ctx context.Context) error
	Close() error
}

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// IsTerminal returns true if the status is a terminal state.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Origin records which path submitted a job.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Job is one proving request.
type Job struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"user_id"`
	Status    JobStatus `json:"status"`
	Origin    Origin    `json:"origin"`
	Graph     []byte    `json:"graph,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Task is one schedulable unit of a job.
type Task struct {
	JobID         uuid.UUID        `json:"job_id"`
	TaskID        string           `json:"task_id"`
	StreamID      uuid.UUID        `json:"stream_id"`
	Type          taskdef.TaskType `json:"type"`
	Definition    []byte           `json:"definition"`
	Prerequisites []string         `json:"prerequisites,omitempty"`
	Status        Status           `json:"status"`
	Retries       int              `json:"retries"`
	MaxRetries    int              `json:"max_retries"`
	TimeoutSecs   int              `json:"timeout_secs"`
	Output        []byte           `json:"output,omitempty"`
	Error         string           `json:"error,omitempty"`
	Generation    int64            `json:"generation"`
	WorkerID      string           `json:"worker_id,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Claim identifies the claim under which a worker holds a task.
func (t *Task) Claim() Claim {
	return Claim{JobID: t.JobID, TaskID: t.TaskID, Generation: t.Generation}
}

// TimedOut reports whether a running task has been held strictly longer
// than its timeout. A non-positive timeout never expires.
func (t *Task) TimedOut(now time.Time) bool {
	if t.Status != StatusRunning || t.StartedAt == nil || t.TimeoutSecs <= 0 {
		return false
	}
	return now.Sub(*t.StartedAt) > time.Duration(t.TimeoutSecs)*time.Second
}

func (t *Task) clone() *Task {
	c := *t
	c.Definition = append([]byte(nil), t.Definition...)
	c.Output = append([]byte(nil), t.Output...)
	c.Prerequisites = append([]string(nil), t.Prerequisites...)
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	return &c
}

// Stream is a named partition of the queue.
type Stream struct {
	ID          uuid.UUID `json:"id"`
	UserID      string    `json:"user_id"`
	WorkType    string    `json:"work_type"`
	Concurrency int       `json:"concurrency"`
	Priority    float64   `json:"priority"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewJob describes a job to create.
type NewJob struct {
	ID     uuid.UUID
	UserID string
	Origin Origin
	Graph  []byte
}

// NewTask describes a task to create.
type NewTask struct {
	TaskID        string
	Type          taskdef.TaskType
	Definition    []byte
	Prerequisites []string
	StreamID      uuid.UUID
	MaxRetries    int
	TimeoutSecs   int
}

func (n NewTask) validate() error {
	if n.TaskID == "" || !n.Type.Valid() || n.StreamID == uuid.Nil {
		return ErrInvalidInput
	}
	if n.MaxRetries < 0 {
		return ErrInvalidInput
	}
	return nil
}

// Claim is the generation under which a task was handed to a worker.
// Each claim bumps the generation, so a completion reported under an
// older claim is rejected.
type Claim struct {
	JobID      uuid.UUID `json:"job_id"`
	TaskID     string    `json:"task_id"`
	Generation int64     `json:"generation"`
}

// DoneUpdate carries everything applied when a task completes.
type DoneUpdate struct {
	Output []byte
	// Followups are candidate downstream tasks. Those with a prerequisite
	// that is not done yet are skipped; existing ones are ignored.
	Followups []NewTask
	// Graph replaces the job's stored plan when non-nil.
	Graph []byte
	// CompleteJob marks the job done.
	CompleteJob bool
}

// RequeueResult summarizes one requeue scan.
type RequeueResult struct {
	Requeued int `json:"requeued"`
	Failed   int `json:"failed"`
}

// Stats holds queue statistics.
type Stats struct {
	Jobs    map[JobStatus]int `json:"jobs"`
	Tasks   map[Status]int    `json:"tasks"`
	Streams int               `json:"streams"`
}

func newStats() *Stats {
	return &Stats{Jobs: make(map[JobStatus]int), Tasks: make(map[Status]int)}
}

// Option configures a queue backend.
type Option func(*options)

type options struct {
	now  func() time.Time
	pool *database.PoolManager
}

func defaultOptions() options {
	return options{now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the time source, used by requeue timeout checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithPool routes SQL transactions through a managed connection pool so
// that closing the pool stops the queue. The memory backend ignores it.
func WithPool(pm *database.PoolManager) Option {
	return func(o *options) {
		o.pool = pm
	}
}
