package taskdb

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/BaSui01/proofflow/types"
)

type taskKey struct {
	job  uuid.UUID
	task string
}

type streamKey struct {
	user     string
	workType string
}

// MemoryQueue is an in-memory implementation of Queue.
// Suitable for development, tests and single-process deployments.
type MemoryQueue struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]*Job
	tasks     map[taskKey]*Task
	order     []taskKey
	streams   map[uuid.UUID]*Stream
	streamIdx map[streamKey]uuid.UUID
	opts      options
	closed    bool
}

// NewMemoryQueue creates a new in-memory queue.
func NewMemoryQueue(opts ...Option) *MemoryQueue {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &MemoryQueue{
		jobs:      make(map[uuid.UUID]*Job),
		tasks:     make(map[taskKey]*Task),
		streams:   make(map[uuid.UUID]*Stream),
		streamIdx: make(map[streamKey]uuid.UUID),
		opts:      o,
	}
}

// CreateJob creates a job together with its first task.
func (q *MemoryQueue) CreateJob(ctx context.Context, job NewJob, first NewTask) (uuid.UUID, error) {
	if err := first.validate(); err != nil {
		return uuid.Nil, err
	}
	if len(first.Prerequisites) > 0 {
		return uuid.Nil, ErrPrerequisitesPending
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return uuid.Nil, ErrQueueClosed
	}
	if _, ok := q.streams[first.StreamID]; !ok {
		return uuid.Nil, ErrInvalidInput
	}

	id := job.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	if _, ok := q.jobs[id]; ok {
		return uuid.Nil, ErrAlreadyExists
	}

	origin := job.Origin
	if origin == "" {
		origin = OriginLocal
	}
	now := q.opts.now()
	q.jobs[id] = &Job{
		ID:        id,
		UserID:    job.UserID,
		Status:    JobRunning,
		Origin:    origin,
		Graph:     append([]byte(nil), job.Graph...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	q.insertTask(id, first)
	return id, nil
}

// CreateTask adds a task whose prerequisites are all done.
func (q *MemoryQueue) CreateTask(ctx context.Context, jobID uuid.UUID, task NewTask) error {
	if err := task.validate(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if _, ok := q.jobs[jobID]; !ok {
		return ErrNotFound
	}
	if _, ok := q.tasks[taskKey{jobID, task.TaskID}]; ok {
		return ErrAlreadyExists
	}
	if !q.prerequisitesDone(jobID, task.Prerequisites) {
		return ErrPrerequisitesPending
	}
	q.insertTask(jobID, task)
	return nil
}

func (q *MemoryQueue) insertTask(jobID uuid.UUID, n NewTask) {
	now := q.opts.now()
	key := taskKey{jobID, n.TaskID}
	q.tasks[key] = &Task{
		JobID:         jobID,
		TaskID:        n.TaskID,
		StreamID:      n.StreamID,
		Type:          n.Type,
		Definition:    append([]byte(nil), n.Definition...),
		Prerequisites: append([]string(nil), n.Prerequisites...),
		Status:        StatusPending,
		MaxRetries:    n.MaxRetries,
		TimeoutSecs:   n.TimeoutSecs,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	q.order = append(q.order, key)
}

func (q *MemoryQueue) prerequisitesDone(jobID uuid.UUID, prereqs []string) bool {
	for _, pre := range prereqs {
		t, ok := q.tasks[taskKey{jobID, pre}]
		if !ok || t.Status != StatusDone {
			return false
		}
	}
	return true
}

// ClaimNext claims the oldest ready task on the best ranked stream of the
// work type.
func (q *MemoryQueue) ClaimNext(ctx context.Context, workType, workerID string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}

	running := make(map[uuid.UUID]int)
	for _, t := range q.tasks {
		if t.Status == StatusRunning {
			running[t.StreamID]++
		}
	}
	var loads []streamLoad
	for _, s := range q.streams {
		if s.WorkType == workType {
			loads = append(loads, streamLoad{stream: *s, running: running[s.ID]})
		}
	}

	for _, load := range rankStreams(loads) {
		for _, key := range q.order {
			t := q.tasks[key]
			if t.StreamID != load.stream.ID || t.Status != StatusPending {
				continue
			}
			if job := q.jobs[t.JobID]; job == nil || job.Status != JobRunning {
				continue
			}
			now := q.opts.now()
			t.Status = StatusRunning
			t.Generation++
			t.StartedAt = &now
			t.WorkerID = workerID
			t.UpdatedAt = now
			return t.clone(), nil
		}
	}
	return nil, nil
}

// claimed returns the task held under claim or ErrStaleClaim.
func (q *MemoryQueue) claimed(claim Claim) (*Task, error) {
	t, ok := q.tasks[taskKey{claim.JobID, claim.TaskID}]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != StatusRunning || t.Generation != claim.Generation {
		return nil, ErrStaleClaim
	}
	return t, nil
}

// MarkDone completes a claimed task and inserts the ready follow-ups.
func (q *MemoryQueue) MarkDone(ctx context.Context, claim Claim, update DoneUpdate) error {
	for _, f := range update.Followups {
		if err := f.validate(); err != nil {
			return err
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	t, err := q.claimed(claim)
	if err != nil {
		return err
	}

	now := q.opts.now()
	t.Status = StatusDone
	t.Output = append([]byte(nil), update.Output...)
	t.UpdatedAt = now

	job := q.jobs[claim.JobID]
	if update.Graph != nil {
		job.Graph = append([]byte(nil), update.Graph...)
	}
	for _, f := range update.Followups {
		if _, exists := q.tasks[taskKey{claim.JobID, f.TaskID}]; exists {
			continue
		}
		if !q.prerequisitesDone(claim.JobID, f.Prerequisites) {
			continue
		}
		q.insertTask(claim.JobID, f)
	}
	if update.CompleteJob && job.Status == JobRunning {
		job.Status = JobDone
	}
	job.UpdatedAt = now
	return nil
}

// MarkRetry returns the task to pending or fails it once retries run out.
func (q *MemoryQueue) MarkRetry(ctx context.Context, claim Claim) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrQueueClosed
	}
	t, err := q.claimed(claim)
	if err != nil {
		return "", err
	}
	q.retryOrFail(t, "retries exhausted")
	return t.Status, nil
}

// Release returns a claimed task to pending without charging its retry
// budget.
func (q *MemoryQueue) Release(ctx context.Context, claim Claim) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	t, err := q.claimed(claim)
	if err != nil {
		return err
	}
	t.Status = StatusPending
	t.Generation++
	t.StartedAt = nil
	t.WorkerID = ""
	t.UpdatedAt = q.opts.now()
	return nil
}

func (q *MemoryQueue) retryOrFail(t *Task, reason string) {
	now := q.opts.now()
	t.UpdatedAt = now
	if t.Retries < t.MaxRetries {
		t.Retries++
		t.Status = StatusPending
		t.StartedAt = nil
		t.WorkerID = ""
		return
	}
	q.fail(t, reason)
}

func (q *MemoryQueue) fail(t *Task, message string) {
	now := q.opts.now()
	msg := types.Truncate(message, ErrorLimit)
	t.Status = StatusFailed
	t.Error = msg
	t.UpdatedAt = now
	if job := q.jobs[t.JobID]; job != nil && job.Status == JobRunning {
		job.Status = JobFailed
		job.Error = msg
		job.UpdatedAt = now
	}
}

// MarkFailed fails a claimed task and its job.
func (q *MemoryQueue) MarkFailed(ctx context.Context, claim Claim, message string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	t, err := q.claimed(claim)
	if err != nil {
		return err
	}
	q.fail(t, message)
	return nil
}

// RequeueTimedOut reclaims running tasks past their timeout, oldest first.
func (q *MemoryQueue) RequeueTimedOut(ctx context.Context, limit int) (RequeueResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return RequeueResult{}, ErrQueueClosed
	}

	var res RequeueResult
	if limit <= 0 {
		return res, nil
	}
	now := q.opts.now()
	var expired []*Task
	for _, key := range q.order {
		if t := q.tasks[key]; t.TimedOut(now) {
			expired = append(expired, t)
		}
	}
	sortByStarted(expired)

	for _, t := range expired {
		if res.Requeued+res.Failed >= limit {
			break
		}
		q.retryOrFail(t, "task timed out")
		if t.Status == StatusPending {
			t.Generation++
			res.Requeued++
		} else {
			res.Failed++
		}
	}
	return res, nil
}

// GetOrCreateStream returns the stream of (userID, workType).
func (q *MemoryQueue) GetOrCreateStream(ctx context.Context, userID, workType string, concurrency int, priority float64) (uuid.UUID, error) {
	if userID == "" || workType == "" {
		return uuid.Nil, ErrInvalidInput
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return uuid.Nil, ErrQueueClosed
	}

	key := streamKey{userID, workType}
	if id, ok := q.streamIdx[key]; ok {
		return id, nil
	}
	s := &Stream{
		ID:          uuid.New(),
		UserID:      userID,
		WorkType:    workType,
		Concurrency: concurrency,
		Priority:    priority,
		CreatedAt:   q.opts.now(),
	}
	q.streams[s.ID] = s
	q.streamIdx[key] = s.ID
	return s.ID, nil
}

// GetJob retrieves a job by id.
func (q *MemoryQueue) GetJob(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *job
	c.Graph = append([]byte(nil), job.Graph...)
	return &c, nil
}

// GetTask retrieves a task.
func (q *MemoryQueue) GetTask(ctx context.Context, jobID uuid.UUID, taskID string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	t, ok := q.tasks[taskKey{jobID, taskID}]
	if !ok {
		return nil, ErrNotFound
	}
	return t.clone(), nil
}

// ListTasks returns the tasks of a job in creation order.
func (q *MemoryQueue) ListTasks(ctx context.Context, jobID uuid.UUID) ([]*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	if _, ok := q.jobs[jobID]; !ok {
		return nil, ErrNotFound
	}
	var out []*Task
	for _, key := range q.order {
		if key.job == jobID {
			out = append(out, q.tasks[key].clone())
		}
	}
	return out, nil
}

// Stats returns queue statistics.
func (q *MemoryQueue) Stats(ctx context.Context) (*Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	stats := newStats()
	for _, j := range q.jobs {
		stats.Jobs[j.Status]++
	}
	for _, t := range q.tasks {
		stats.Tasks[t.Status]++
	}
	stats.Streams = len(q.streams)
	return stats, nil
}

// Ping checks if the queue is available.
func (q *MemoryQueue) Ping(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	return nil
}

// Close closes the queue.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// Ensure MemoryQueue implements Queue
var _ Queue = (*MemoryQueue)(nil)
