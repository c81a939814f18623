package taskdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/proofflow/internal/database"
	"github.com/BaSui01/proofflow/taskdef"
	"github.com/BaSui01/proofflow/types"
)

// =============================================================================
// Table models
// =============================================================================

type jobRow struct {
	ID        string    `gorm:"column:id;primaryKey;size:36"`
	UserID    string    `gorm:"column:user_id;size:255;not null"`
	Status    string    `gorm:"column:status;size:16;not null;index:idx_jobs_status"`
	Origin    string    `gorm:"column:origin;size:16;not null"`
	Graph     []byte    `gorm:"column:graph"`
	Error     string    `gorm:"column:error;type:text"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (jobRow) TableName() string { return "jobs" }

type taskRow struct {
	JobID         string     `gorm:"column:job_id;primaryKey;size:36"`
	TaskID        string     `gorm:"column:task_id;primaryKey;size:64"`
	StreamID      string     `gorm:"column:stream_id;size:36;not null;index:idx_tasks_stream_status,priority:1"`
	TaskType      string     `gorm:"column:task_type;size:16;not null"`
	Definition    []byte     `gorm:"column:definition"`
	Prerequisites string     `gorm:"column:prerequisites;type:text"`
	Status        string     `gorm:"column:status;size:16;not null;index:idx_tasks_stream_status,priority:2"`
	Retries       int        `gorm:"column:retries;not null;default:0"`
	MaxRetries    int        `gorm:"column:max_retries;not null;default:0"`
	TimeoutSecs   int        `gorm:"column:timeout_secs;not null;default:0"`
	Output        []byte     `gorm:"column:output"`
	Error         string     `gorm:"column:error;type:text"`
	Generation    int64      `gorm:"column:generation;not null;default:0"`
	WorkerID      string     `gorm:"column:worker_id;size:255"`
	Position      int        `gorm:"column:position;not null;default:0"`
	CreatedAt     time.Time  `gorm:"column:created_at"`
	StartedAt     *time.Time `gorm:"column:started_at"`
	UpdatedAt     time.Time  `gorm:"column:updated_at"`
}

func (taskRow) TableName() string { return "tasks" }

type streamRow struct {
	ID          string    `gorm:"column:id;primaryKey;size:36"`
	UserID      string    `gorm:"column:user_id;size:255;not null;uniqueIndex:idx_streams_user_type,priority:1"`
	WorkType    string    `gorm:"column:work_type;size:32;not null;uniqueIndex:idx_streams_user_type,priority:2"`
	Concurrency int       `gorm:"column:concurrency;not null;default:0"`
	Priority    float64   `gorm:"column:priority;not null;default:1"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

func (streamRow) TableName() string { return "streams" }

// =============================================================================
// SQLQueue
// =============================================================================

// SQLQueue is a gorm-backed implementation of Queue shared by every agent
// of a fleet. Claims use a generation compare-and-set on every dialect and
// additionally skip rows locked by other claimers on postgres and mysql.
type SQLQueue struct {
	db         *gorm.DB
	logger     *zap.Logger
	opts       options
	txRetries  int
	rowLocking bool
}

// NewSQLQueue wraps an open gorm connection. The schema is created by the
// migrations in internal/migration or by AutoMigrate.
func NewSQLQueue(db *gorm.DB, logger *zap.Logger, opts ...Option) *SQLQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	name := db.Dialector.Name()
	return &SQLQueue{
		db:         db,
		logger:     logger.With(zap.String("component", "sql_queue")),
		opts:       o,
		txRetries:  5,
		rowLocking: name == "postgres" || name == "mysql",
	}
}

// AutoMigrate creates the queue tables from the gorm models.
func (q *SQLQueue) AutoMigrate() error {
	return q.db.AutoMigrate(&jobRow{}, &taskRow{}, &streamRow{})
}

func (q *SQLQueue) transact(ctx context.Context, fn database.TransactionFunc) error {
	if q.opts.pool != nil {
		return q.opts.pool.WithTransactionRetry(ctx, q.txRetries, fn)
	}
	return database.TransactWithRetry(ctx, q.db, q.txRetries, q.logger, fn)
}

func (q *SQLQueue) locking(tx *gorm.DB, skipLocked bool) *gorm.DB {
	if !q.rowLocking {
		return tx
	}
	lock := clause.Locking{Strength: "UPDATE"}
	if skipLocked {
		lock.Options = "SKIP LOCKED"
	}
	return tx.Clauses(lock)
}

// lockJob serializes state changes of one job so that two sibling
// completions cannot both miss each other's done status.
func (q *SQLQueue) lockJob(tx *gorm.DB, jobID uuid.UUID) (*jobRow, error) {
	var row jobRow
	err := q.locking(tx, false).Where("id = ?", jobID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// CreateJob creates a job together with its first task.
func (q *SQLQueue) CreateJob(ctx context.Context, job NewJob, first NewTask) (uuid.UUID, error) {
	if err := first.validate(); err != nil {
		return uuid.Nil, err
	}
	if len(first.Prerequisites) > 0 {
		return uuid.Nil, ErrPrerequisitesPending
	}
	id := job.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	origin := job.Origin
	if origin == "" {
		origin = OriginLocal
	}

	err := q.transact(ctx, func(tx *gorm.DB) error {
		var streams int64
		if err := tx.Model(&streamRow{}).Where("id = ?", first.StreamID.String()).Count(&streams).Error; err != nil {
			return err
		}
		if streams == 0 {
			return ErrInvalidInput
		}

		now := q.opts.now()
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&jobRow{
			ID:        id.String(),
			UserID:    job.UserID,
			Status:    string(JobRunning),
			Origin:    string(origin),
			Graph:     job.Graph,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyExists
		}
		return q.insertTask(tx, id, first, 0, now)
	})
	if err != nil {
		return uuid.Nil, wrapQueueErr("create job", err)
	}
	return id, nil
}

// CreateTask adds a task whose prerequisites are all done.
func (q *SQLQueue) CreateTask(ctx context.Context, jobID uuid.UUID, task NewTask) error {
	if err := task.validate(); err != nil {
		return err
	}
	err := q.transact(ctx, func(tx *gorm.DB) error {
		if _, err := q.lockJob(tx, jobID); err != nil {
			return err
		}
		exists, err := q.taskExists(tx, jobID, task.TaskID)
		if err != nil {
			return err
		}
		if exists {
			return ErrAlreadyExists
		}
		ready, err := q.prerequisitesDone(tx, jobID, task.Prerequisites)
		if err != nil {
			return err
		}
		if !ready {
			return ErrPrerequisitesPending
		}
		return q.insertTask(tx, jobID, task, 0, q.opts.now())
	})
	return wrapQueueErr("create task", err)
}

func (q *SQLQueue) insertTask(tx *gorm.DB, jobID uuid.UUID, n NewTask, position int, now time.Time) error {
	prereqs, err := json.Marshal(n.Prerequisites)
	if err != nil {
		return err
	}
	if n.Prerequisites == nil {
		prereqs = []byte("[]")
	}
	row := taskRow{
		JobID:         jobID.String(),
		TaskID:        n.TaskID,
		StreamID:      n.StreamID.String(),
		TaskType:      string(n.Type),
		Definition:    n.Definition,
		Prerequisites: string(prereqs),
		Status:        string(StatusPending),
		MaxRetries:    n.MaxRetries,
		TimeoutSecs:   n.TimeoutSecs,
		Position:      position,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

func (q *SQLQueue) taskExists(tx *gorm.DB, jobID uuid.UUID, taskID string) (bool, error) {
	var n int64
	err := tx.Model(&taskRow{}).
		Where("job_id = ? AND task_id = ?", jobID.String(), taskID).
		Count(&n).Error
	return n > 0, err
}

func (q *SQLQueue) prerequisitesDone(tx *gorm.DB, jobID uuid.UUID, prereqs []string) (bool, error) {
	if len(prereqs) == 0 {
		return true, nil
	}
	var n int64
	err := tx.Model(&taskRow{}).
		Where("job_id = ? AND task_id IN ? AND status = ?", jobID.String(), prereqs, string(StatusDone)).
		Count(&n).Error
	if err != nil {
		return false, err
	}
	return int(n) == len(uniq(prereqs)), nil
}

// ClaimNext claims the oldest ready task on the best ranked stream of the
// work type.
func (q *SQLQueue) ClaimNext(ctx context.Context, workType, workerID string) (*Task, error) {
	var claimed *Task
	err := q.transact(ctx, func(tx *gorm.DB) error {
		claimed = nil

		var streams []streamRow
		if err := tx.Where("work_type = ?", workType).Find(&streams).Error; err != nil {
			return err
		}
		if len(streams) == 0 {
			return nil
		}

		ids := make([]string, len(streams))
		for i, s := range streams {
			ids[i] = s.ID
		}
		var counts []struct {
			StreamID string
			N        int
		}
		err := tx.Model(&taskRow{}).
			Select("stream_id, COUNT(*) AS n").
			Where("status = ? AND stream_id IN ?", string(StatusRunning), ids).
			Group("stream_id").
			Scan(&counts).Error
		if err != nil {
			return err
		}
		running := make(map[string]int, len(counts))
		for _, c := range counts {
			running[c.StreamID] = c.N
		}

		loads := make([]streamLoad, 0, len(streams))
		for _, s := range streams {
			loads = append(loads, streamLoad{stream: s.toStream(), running: running[s.ID]})
		}

		for _, load := range rankStreams(loads) {
			var rows []taskRow
			err := q.locking(tx, true).
				Where("stream_id = ? AND status = ?", load.stream.ID.String(), string(StatusPending)).
				Where("EXISTS (SELECT 1 FROM jobs WHERE jobs.id = tasks.job_id AND jobs.status = ?)", string(JobRunning)).
				Order("created_at, position, task_id").
				Limit(1).
				Find(&rows).Error
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				continue
			}

			row := rows[0]
			now := q.opts.now()
			res := tx.Model(&taskRow{}).
				Where("job_id = ? AND task_id = ? AND status = ? AND generation = ?",
					row.JobID, row.TaskID, string(StatusPending), row.Generation).
				Updates(map[string]any{
					"status":     string(StatusRunning),
					"generation": row.Generation + 1,
					"started_at": now,
					"worker_id":  workerID,
					"updated_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				// Lost the race to another claimer; try the next stream.
				continue
			}

			row.Status = string(StatusRunning)
			row.Generation++
			row.StartedAt = &now
			row.WorkerID = workerID
			row.UpdatedAt = now
			t, err := row.toTask()
			if err != nil {
				return err
			}
			claimed = t
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, wrapQueueErr("claim next", err)
	}
	return claimed, nil
}

// claimedRow loads the task held under claim or reports why it cannot be
// used.
func (q *SQLQueue) claimedRow(tx *gorm.DB, claim Claim) (*taskRow, error) {
	var row taskRow
	err := tx.Where("job_id = ? AND task_id = ?", claim.JobID.String(), claim.TaskID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if row.Status != string(StatusRunning) || row.Generation != claim.Generation {
		return nil, ErrStaleClaim
	}
	return &row, nil
}

// compareAndSet applies values only while the task is still held under claim.
func (q *SQLQueue) compareAndSet(tx *gorm.DB, claim Claim, values map[string]any) error {
	res := tx.Model(&taskRow{}).
		Where("job_id = ? AND task_id = ? AND status = ? AND generation = ?",
			claim.JobID.String(), claim.TaskID, string(StatusRunning), claim.Generation).
		Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return ErrStaleClaim
	}
	return nil
}

// MarkDone completes a claimed task and inserts the ready follow-ups.
func (q *SQLQueue) MarkDone(ctx context.Context, claim Claim, update DoneUpdate) error {
	for _, f := range update.Followups {
		if err := f.validate(); err != nil {
			return err
		}
	}

	err := q.transact(ctx, func(tx *gorm.DB) error {
		job, err := q.lockJob(tx, claim.JobID)
		if err != nil {
			return err
		}
		if _, err := q.claimedRow(tx, claim); err != nil {
			return err
		}

		now := q.opts.now()
		if err := q.compareAndSet(tx, claim, map[string]any{
			"status":     string(StatusDone),
			"output":     update.Output,
			"updated_at": now,
		}); err != nil {
			return err
		}

		jobUpdates := map[string]any{"updated_at": now}
		if update.Graph != nil {
			jobUpdates["graph"] = update.Graph
		}
		if update.CompleteJob && job.Status == string(JobRunning) {
			jobUpdates["status"] = string(JobDone)
		}
		if err := tx.Model(&jobRow{}).Where("id = ?", job.ID).Updates(jobUpdates).Error; err != nil {
			return err
		}

		for i, f := range update.Followups {
			ready, err := q.prerequisitesDone(tx, claim.JobID, f.Prerequisites)
			if err != nil {
				return err
			}
			if !ready {
				continue
			}
			if err := q.insertTask(tx, claim.JobID, f, i, now); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapQueueErr("mark done", err)
}

// MarkRetry returns the task to pending or fails it once retries run out.
func (q *SQLQueue) MarkRetry(ctx context.Context, claim Claim) (Status, error) {
	var status Status
	err := q.transact(ctx, func(tx *gorm.DB) error {
		row, err := q.claimedRow(tx, claim)
		if err != nil {
			return err
		}
		status, err = q.retryOrFail(tx, row, "retries exhausted", false)
		return err
	})
	if err != nil {
		return "", wrapQueueErr("mark retry", err)
	}
	return status, nil
}

func (q *SQLQueue) retryOrFail(tx *gorm.DB, row *taskRow, reason string, bumpGeneration bool) (Status, error) {
	claim := Claim{JobID: uuid.MustParse(row.JobID), TaskID: row.TaskID, Generation: row.Generation}
	now := q.opts.now()
	if row.Retries < row.MaxRetries {
		values := map[string]any{
			"status":     string(StatusPending),
			"retries":    row.Retries + 1,
			"started_at": nil,
			"worker_id":  "",
			"updated_at": now,
		}
		if bumpGeneration {
			values["generation"] = row.Generation + 1
		}
		if err := q.compareAndSet(tx, claim, values); err != nil {
			return "", err
		}
		return StatusPending, nil
	}
	if err := q.fail(tx, claim, reason); err != nil {
		return "", err
	}
	return StatusFailed, nil
}

func (q *SQLQueue) fail(tx *gorm.DB, claim Claim, message string) error {
	now := q.opts.now()
	msg := types.Truncate(message, ErrorLimit)
	if err := q.compareAndSet(tx, claim, map[string]any{
		"status":     string(StatusFailed),
		"error":      msg,
		"updated_at": now,
	}); err != nil {
		return err
	}
	return tx.Model(&jobRow{}).
		Where("id = ? AND status = ?", claim.JobID.String(), string(JobRunning)).
		Updates(map[string]any{
			"status":     string(JobFailed),
			"error":      msg,
			"updated_at": now,
		}).Error
}

// MarkFailed fails a claimed task and its job.
func (q *SQLQueue) MarkFailed(ctx context.Context, claim Claim, message string) error {
	err := q.transact(ctx, func(tx *gorm.DB) error {
		if _, err := q.claimedRow(tx, claim); err != nil {
			return err
		}
		return q.fail(tx, claim, message)
	})
	return wrapQueueErr("mark failed", err)
}

// requeueBatch bounds the rows examined by one requeue query.
const requeueBatch = 256

// RequeueTimedOut reclaims running tasks past their timeout, oldest first.
// Only rows started before now minus the smallest running timeout can be
// expired, so the scan reads those in pages. Timeouts differ per task and
// the exact check runs in Go rather than with dialect specific interval
// arithmetic.
func (q *SQLQueue) RequeueTimedOut(ctx context.Context, limit int) (RequeueResult, error) {
	var res RequeueResult
	if limit <= 0 {
		return res, nil
	}
	err := q.transact(ctx, func(tx *gorm.DB) error {
		res = RequeueResult{}

		var minTimeout sql.NullInt64
		err := tx.Model(&taskRow{}).
			Select("MIN(timeout_secs)").
			Where("status = ? AND started_at IS NOT NULL AND timeout_secs > 0", string(StatusRunning)).
			Row().Scan(&minTimeout)
		if err != nil {
			return err
		}
		if !minTimeout.Valid {
			return nil
		}
		now := q.opts.now()
		cutoff := now.Add(-time.Duration(minTimeout.Int64) * time.Second)

		// 已回收的行离开 running 集合，偏移量只计跳过的行
		skipped := 0
		for res.Requeued+res.Failed < limit {
			var rows []taskRow
			err := q.locking(tx, true).
				Where("status = ? AND timeout_secs > 0 AND started_at IS NOT NULL AND started_at < ?", string(StatusRunning), cutoff).
				Order("started_at, job_id, task_id").
				Offset(skipped).
				Limit(requeueBatch).
				Find(&rows).Error
			if err != nil {
				return err
			}

			for i := range rows {
				if res.Requeued+res.Failed >= limit {
					return nil
				}
				row := &rows[i]
				t, err := row.toTask()
				if err != nil {
					return err
				}
				if !t.TimedOut(now) {
					skipped++
					continue
				}
				status, err := q.retryOrFail(tx, row, "task timed out", true)
				if errors.Is(err, ErrStaleClaim) {
					skipped++
					continue
				}
				if err != nil {
					return err
				}
				if status == StatusPending {
					res.Requeued++
				} else {
					res.Failed++
				}
			}
			if len(rows) < requeueBatch {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return RequeueResult{}, wrapQueueErr("requeue timed out", err)
	}
	return res, nil
}

// Release returns a claimed task to pending without charging its retry
// budget.
func (q *SQLQueue) Release(ctx context.Context, claim Claim) error {
	err := q.transact(ctx, func(tx *gorm.DB) error {
		return q.compareAndSet(tx, claim, map[string]any{
			"status":     string(StatusPending),
			"generation": claim.Generation + 1,
			"started_at": nil,
			"worker_id":  "",
			"updated_at": q.opts.now(),
		})
	})
	return wrapQueueErr("release", err)
}

// GetOrCreateStream returns the stream of (userID, workType). The unique
// index on (user_id, work_type) makes the first writer win; every caller
// re-reads the winning row.
func (q *SQLQueue) GetOrCreateStream(ctx context.Context, userID, workType string, concurrency int, priority float64) (uuid.UUID, error) {
	if userID == "" || workType == "" {
		return uuid.Nil, ErrInvalidInput
	}
	db := q.db.WithContext(ctx)

	var row streamRow
	err := db.Where("user_id = ? AND work_type = ?", userID, workType).Take(&row).Error
	if err == nil {
		return uuid.Parse(row.ID)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return uuid.Nil, wrapQueueErr("get stream", err)
	}

	candidate := streamRow{
		ID:          uuid.NewString(),
		UserID:      userID,
		WorkType:    workType,
		Concurrency: concurrency,
		Priority:    priority,
		CreatedAt:   q.opts.now(),
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate).Error; err != nil {
		return uuid.Nil, wrapQueueErr("create stream", err)
	}

	row = streamRow{}
	if err := db.Where("user_id = ? AND work_type = ?", userID, workType).Take(&row).Error; err != nil {
		return uuid.Nil, wrapQueueErr("get stream", err)
	}
	return uuid.Parse(row.ID)
}

// GetJob retrieves a job by id.
func (q *SQLQueue) GetJob(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	var row jobRow
	err := q.db.WithContext(ctx).Where("id = ?", jobID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapQueueErr("get job", err)
	}
	return row.toJob()
}

// GetTask retrieves a task.
func (q *SQLQueue) GetTask(ctx context.Context, jobID uuid.UUID, taskID string) (*Task, error) {
	var row taskRow
	err := q.db.WithContext(ctx).
		Where("job_id = ? AND task_id = ?", jobID.String(), taskID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapQueueErr("get task", err)
	}
	return row.toTask()
}

// ListTasks returns the tasks of a job in creation order.
func (q *SQLQueue) ListTasks(ctx context.Context, jobID uuid.UUID) ([]*Task, error) {
	if _, err := q.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	var rows []taskRow
	err := q.db.WithContext(ctx).
		Where("job_id = ?", jobID.String()).
		Order("created_at, position, task_id").
		Find(&rows).Error
	if err != nil {
		return nil, wrapQueueErr("list tasks", err)
	}
	out := make([]*Task, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toTask()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Stats returns queue statistics.
func (q *SQLQueue) Stats(ctx context.Context) (*Stats, error) {
	db := q.db.WithContext(ctx)
	stats := newStats()

	var jobCounts []struct {
		Status string
		N      int
	}
	if err := db.Model(&jobRow{}).Select("status, COUNT(*) AS n").Group("status").Scan(&jobCounts).Error; err != nil {
		return nil, wrapQueueErr("stats", err)
	}
	for _, c := range jobCounts {
		stats.Jobs[JobStatus(c.Status)] = c.N
	}

	var taskCounts []struct {
		Status string
		N      int
	}
	if err := db.Model(&taskRow{}).Select("status, COUNT(*) AS n").Group("status").Scan(&taskCounts).Error; err != nil {
		return nil, wrapQueueErr("stats", err)
	}
	for _, c := range taskCounts {
		stats.Tasks[Status(c.Status)] = c.N
	}

	var streams int64
	if err := db.Model(&streamRow{}).Count(&streams).Error; err != nil {
		return nil, wrapQueueErr("stats", err)
	}
	stats.Streams = int(streams)
	return stats, nil
}

// Ping checks the database connection.
func (q *SQLQueue) Ping(ctx context.Context) error {
	if q.opts.pool != nil {
		return wrapQueueErr("ping", q.opts.pool.Ping(ctx))
	}
	sqlDB, err := q.db.DB()
	if err != nil {
		return wrapQueueErr("ping", err)
	}
	return wrapQueueErr("ping", sqlDB.PingContext(ctx))
}

// Close closes the underlying connection pool.
func (q *SQLQueue) Close() error {
	sqlDB, err := q.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ensure SQLQueue implements Queue
var _ Queue = (*SQLQueue)(nil)

// =============================================================================
// Conversions
// =============================================================================

func (r streamRow) toStream() Stream {
	id, _ := uuid.Parse(r.ID)
	return Stream{
		ID:          id,
		UserID:      r.UserID,
		WorkType:    r.WorkType,
		Concurrency: r.Concurrency,
		Priority:    r.Priority,
		CreatedAt:   r.CreatedAt,
	}
}

func (r *jobRow) toJob() (*Job, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("job row id: %w", err)
	}
	return &Job{
		ID:        id,
		UserID:    r.UserID,
		Status:    JobStatus(r.Status),
		Origin:    Origin(r.Origin),
		Graph:     r.Graph,
		Error:     r.Error,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}, nil
}

func (r *taskRow) toTask() (*Task, error) {
	jobID, err := uuid.Parse(r.JobID)
	if err != nil {
		return nil, fmt.Errorf("task row job id: %w", err)
	}
	streamID, err := uuid.Parse(r.StreamID)
	if err != nil {
		return nil, fmt.Errorf("task row stream id: %w", err)
	}
	var prereqs []string
	if r.Prerequisites != "" {
		if err := json.Unmarshal([]byte(r.Prerequisites), &prereqs); err != nil {
			return nil, fmt.Errorf("task row prerequisites: %w", err)
		}
	}
	if len(prereqs) == 0 {
		prereqs = nil
	}
	return &Task{
		JobID:         jobID,
		TaskID:        r.TaskID,
		StreamID:      streamID,
		Type:          taskdef.TaskType(r.TaskType),
		Definition:    r.Definition,
		Prerequisites: prereqs,
		Status:        Status(r.Status),
		Retries:       r.Retries,
		MaxRetries:    r.MaxRetries,
		TimeoutSecs:   r.TimeoutSecs,
		Output:        r.Output,
		Error:         r.Error,
		Generation:    r.Generation,
		WorkerID:      r.WorkerID,
		CreatedAt:     r.CreatedAt,
		StartedAt:     r.StartedAt,
		UpdatedAt:     r.UpdatedAt,
	}, nil
}

func uniq(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// wrapQueueErr keeps the sentinel errors recognizable and marks anything
// else as queue unavailability.
func wrapQueueErr(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{
		ErrNotFound, ErrAlreadyExists, ErrStaleClaim,
		ErrPrerequisitesPending, ErrQueueClosed, ErrInvalidInput,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return types.NewError(types.ErrQueueUnavailable, op+" failed").
		WithCause(err).
		WithRetryable(true)
}
