package remote

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/proofflow/artifact"
	"github.com/BaSui01/proofflow/types"
)

// DefaultHubCapacity is the default number of queued assignments.
const DefaultHubCapacity = 1024

// Result is an uploaded proof recorded by the hub.
type Result struct {
	Kind        string
	TaskID      string
	Description string
	Body        []byte
	Journal     []byte
}

// MemoryBackend is an in-process coordinator. Each assignment is delivered
// to exactly one stream; uploads land in an artifact store.
type MemoryBackend struct {
	assignments chan *TaskAssignment
	store       artifact.Store

	mu       sync.Mutex
	progress map[string][]ProgressUpdate
	results  map[string]Result

	logger *zap.Logger
}

// NewMemoryBackend 创建内存协调端
func NewMemoryBackend(store artifact.Store, capacity int, logger *zap.Logger) *MemoryBackend {
	if capacity <= 0 {
		capacity = DefaultHubCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryBackend{
		assignments: make(chan *TaskAssignment, capacity),
		store:       store,
		progress:    make(map[string][]ProgressUpdate),
		results:     make(map[string]Result),
		logger:      logger.With(zap.String("component", "remote_hub")),
	}
}

// Enqueue queues an assignment, blocking while the queue is full.
func (b *MemoryBackend) Enqueue(ctx context.Context, a *TaskAssignment) error {
	if err := a.Validate(); err != nil {
		return err
	}
	select {
	case b.assignments <- a:
		b.logger.Info("assignment queued", zap.String("task_id", a.TaskID), zap.String("kind", a.Kind()))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of undelivered assignments.
func (b *MemoryBackend) Pending() int { return len(b.assignments) }

// NextAssignment implements Backend.
func (b *MemoryBackend) NextAssignment(ctx context.Context, _ RequestTaskRequest) (*TaskAssignment, error) {
	select {
	case a := <-b.assignments:
		return a, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReturnAssignment implements Backend.
func (b *MemoryBackend) ReturnAssignment(_ context.Context, a *TaskAssignment) error {
	select {
	case b.assignments <- a:
		return nil
	default:
		return types.NewError(types.ErrServiceUnavailable, "assignment queue full")
	}
}

// UpdateProgress implements Backend.
func (b *MemoryBackend) UpdateProgress(_ context.Context, update ProgressUpdate) error {
	b.mu.Lock()
	b.progress[update.TaskID] = append(b.progress[update.TaskID], update)
	b.mu.Unlock()
	b.logger.Info("task progress",
		zap.String("task_id", update.TaskID),
		zap.String("status", string(update.Status)),
		zap.String("message", update.Message))
	return nil
}

// StoreUpload implements Backend. Proofs are also written to the store
// under their receipt keys so they can be downloaded.
func (b *MemoryBackend) StoreUpload(ctx context.Context, meta Metadata, body, journal []byte) error {
	var key string
	switch meta.Kind {
	case UploadArtifact:
		key = meta.Key
	case UploadStark:
		key = artifact.ReceiptKey(artifact.BucketStark, meta.TaskID)
	case UploadGroth16:
		key = artifact.ReceiptKey(artifact.BucketGroth16, meta.TaskID)
	default:
		return types.NewValidationError("unknown upload kind %q", meta.Kind)
	}
	if _, err := b.store.Put(ctx, key, body); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	if meta.Kind == UploadArtifact {
		return nil
	}

	b.mu.Lock()
	b.results[resultKey(meta.Kind, meta.TaskID)] = Result{
		Kind:        meta.Kind,
		TaskID:      meta.TaskID,
		Description: meta.Description,
		Body:        append([]byte(nil), body...),
		Journal:     append([]byte(nil), journal...),
	}
	b.mu.Unlock()
	b.logger.Info("result received",
		zap.String("task_id", meta.TaskID),
		zap.String("kind", meta.Kind),
		zap.Int64("bytes", meta.Total()))
	return nil
}

// LoadArtifact implements Backend.
func (b *MemoryBackend) LoadArtifact(ctx context.Context, key string) ([]byte, error) {
	return b.store.Get(ctx, key)
}

// Progress returns the updates recorded for a task in arrival order.
func (b *MemoryBackend) Progress(taskID string) []ProgressUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ProgressUpdate(nil), b.progress[taskID]...)
}

// Result returns the uploaded result of kind for a task.
func (b *MemoryBackend) Result(kind, taskID string) (Result, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.results[resultKey(kind, taskID)]
	return r, ok
}

func resultKey(kind, taskID string) string { return kind + "/" + taskID }

var _ Backend = (*MemoryBackend)(nil)
