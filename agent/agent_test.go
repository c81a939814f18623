package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/proofflow/artifact"
	"github.com/BaSui01/proofflow/internal/metrics"
	"github.com/BaSui01/proofflow/planner"
	"github.com/BaSui01/proofflow/router"
	"github.com/BaSui01/proofflow/stage"
	"github.com/BaSui01/proofflow/taskdb"
	"github.com/BaSui01/proofflow/taskdef"
	"github.com/BaSui01/proofflow/types"
)

// =============================================================================
// 🧪 测试辅助
// =============================================================================

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// receiptHandler 对任意阶段返回以任务 ID 命名的收据
var receiptHandler = stage.HandlerFunc(func(ctx context.Context, req stage.Request) (any, error) {
	return taskdef.ReceiptResp{Key: req.TaskID}, nil
})

// stubRegistry 的执行器固定产生 segments 个分段
func stubRegistry(segments int) *stage.Registry {
	r := stage.NewRegistry()
	r.Register(taskdef.TypeExecutor, stage.HandlerFunc(func(ctx context.Context, req stage.Request) (any, error) {
		return taskdef.ExecutorResp{Segments: segments, TotalCycles: uint64(segments) << 20}, nil
	}))
	for _, t := range []taskdef.TaskType{
		taskdef.TypeProve, taskdef.TypeJoin, taskdef.TypeResolve, taskdef.TypeFinalize,
		taskdef.TypeSnark, taskdef.TypeKeccak, taskdef.TypeUnion,
	} {
		r.Register(t, receiptHandler)
	}
	return r
}

type fixture struct {
	queue    *taskdb.MemoryQueue
	router   *router.Router
	registry *stage.Registry
	agents   map[router.WorkType]*Agent
	order    []router.WorkType
}

func testConfig(w router.WorkType) Config {
	cfg := DefaultConfig()
	cfg.WorkType = string(w)
	cfg.PollInterval = 5 * time.Millisecond
	cfg.MonitorRequeue = false
	return cfg
}

func newFixture(t *testing.T, registry *stage.Registry, opts ...Option) *fixture {
	return newFixtureWithQueue(t, taskdb.NewMemoryQueue(), registry, opts...)
}

func newFixtureWithQueue(t *testing.T, q *taskdb.MemoryQueue, registry *stage.Registry, opts ...Option) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f := &fixture{
		queue:    q,
		router:   router.New(q, logger),
		registry: registry,
		agents:   make(map[router.WorkType]*Agent),
		order:    router.AllWorkTypes,
	}
	for _, w := range f.order {
		a, err := New(testConfig(w), q, f.router, registry, logger, opts...)
		require.NoError(t, err)
		f.agents[w] = a
	}
	return f
}

// drain 依次驱动各工作类型的 Agent，直到没有可领取的任务
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for round := 0; round < 1000; round++ {
		worked := false
		for _, w := range f.order {
			ok, err := f.agents[w].PollOnce(ctx)
			require.NoError(t, err)
			worked = worked || ok
		}
		if !worked {
			return
		}
	}
	t.Fatal("queue did not drain")
}

func (f *fixture) submit(t *testing.T, req taskdef.ExecutorReq) uuid.UUID {
	t.Helper()
	id, err := f.agents[router.WorkExec].SubmitJob(context.Background(), "alice", req)
	require.NoError(t, err)
	return id
}

func taskMap(t *testing.T, q taskdb.Queue, jobID uuid.UUID) map[string]*taskdb.Task {
	t.Helper()
	tasks, err := q.ListTasks(context.Background(), jobID)
	require.NoError(t, err)
	out := make(map[string]*taskdb.Task, len(tasks))
	for _, task := range tasks {
		out[task.TaskID] = task
	}
	return out
}

func jobStatus(t *testing.T, q taskdb.Queue, jobID uuid.UUID) *taskdb.Job {
	t.Helper()
	job, err := q.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	return job
}

var basicReq = taskdef.ExecutorReq{Image: "image", Input: "input"}

// =============================================================================
// 🧪 调度流程
// =============================================================================

func TestAgent_ExecutorCreatesOneProvePerSegment(t *testing.T) {
	f := newFixture(t, stubRegistry(3))
	jobID := f.submit(t, basicReq)

	worked, err := f.agents[router.WorkExec].PollOnce(context.Background())
	require.NoError(t, err)
	require.True(t, worked)

	tasks := taskMap(t, f.queue, jobID)
	require.Len(t, tasks, 4)
	assert.Equal(t, taskdb.StatusDone, tasks[planner.ExecutorTaskID].Status)
	for i := 0; i < 3; i++ {
		prove := tasks[planner.ProveTaskID(i)]
		require.NotNil(t, prove)
		assert.Equal(t, taskdb.StatusPending, prove.Status)
		assert.Equal(t, []string{planner.ExecutorTaskID}, prove.Prerequisites)
		assert.Equal(t, 3, prove.MaxRetries)
		assert.Equal(t, 30, prove.TimeoutSecs)
	}

	job := jobStatus(t, f.queue, jobID)
	assert.Equal(t, taskdb.JobRunning, job.Status)
	plan, err := planner.Decode(job.Graph)
	require.NoError(t, err)
	assert.Equal(t, 2, plan.Count(taskdef.TypeJoin))
	assert.Equal(t, planner.FinalizeTaskID, plan.Terminal)
}

func TestAgent_DrainCompletesJob(t *testing.T) {
	f := newFixture(t, stubRegistry(3))
	jobID := f.submit(t, basicReq)

	f.drain(t)

	tasks := taskMap(t, f.queue, jobID)
	expected := []string{"init", "prove-0", "prove-1", "prove-2", "join-0", "join-1", "resolve", "finalize"}
	assert.Len(t, tasks, len(expected))
	for _, id := range expected {
		require.Contains(t, tasks, id)
		assert.Equal(t, taskdb.StatusDone, tasks[id].Status, id)
	}
	assert.Equal(t, []string{"join-0", "prove-2"}, tasks["join-1"].Prerequisites)
	assert.Equal(t, []string{"join-1"}, tasks["resolve"].Prerequisites)
	assert.NotContains(t, tasks, planner.SnarkTaskID)
	assert.Equal(t, taskdb.JobDone, jobStatus(t, f.queue, jobID).Status)
}

func TestAgent_Groth16AddsSnarkStage(t *testing.T) {
	f := newFixture(t, stubRegistry(1))
	req := basicReq
	req.Compress = taskdef.CompressGroth16
	jobID := f.submit(t, req)

	f.drain(t)

	tasks := taskMap(t, f.queue, jobID)
	require.Contains(t, tasks, planner.SnarkTaskID)
	assert.Equal(t, taskdb.StatusDone, tasks[planner.SnarkTaskID].Status)
	assert.Equal(t, 240, tasks[planner.SnarkTaskID].TimeoutSecs)
	assert.NotContains(t, tasks, planner.JoinTaskID(0))
	assert.Equal(t, taskdb.JobDone, jobStatus(t, f.queue, jobID).Status)
}

func TestAgent_ExecuteOnlyCompletesAfterExecutor(t *testing.T) {
	f := newFixture(t, stubRegistry(4))
	req := basicReq
	req.ExecuteOnly = true
	jobID := f.submit(t, req)

	f.drain(t)

	tasks := taskMap(t, f.queue, jobID)
	assert.Len(t, tasks, 1)
	assert.Equal(t, taskdb.JobDone, jobStatus(t, f.queue, jobID).Status)
}

func TestAgent_FinalizeTimeoutScalesWithAssumptions(t *testing.T) {
	f := newFixture(t, stubRegistry(1))
	req := basicReq
	req.Assumptions = []string{"a", "b", "c"}
	jobID := f.submit(t, req)

	f.drain(t)

	tasks := taskMap(t, f.queue, jobID)
	assert.Equal(t, 30, tasks[planner.FinalizeTaskID].TimeoutSecs)
	assert.Equal(t, 10, tasks[planner.ResolveTaskID].TimeoutSecs)
}

func TestAgent_KeccakSubgraph(t *testing.T) {
	r := stubRegistry(2)
	r.Register(taskdef.TypeExecutor, stage.HandlerFunc(func(ctx context.Context, req stage.Request) (any, error) {
		return taskdef.ExecutorResp{Segments: 2, KeccakCount: 3}, nil
	}))
	f := newFixture(t, r)
	jobID := f.submit(t, basicReq)

	f.drain(t)

	tasks := taskMap(t, f.queue, jobID)
	for _, id := range []string{"keccak-0", "keccak-1", "keccak-2", "union-0", "union-1"} {
		require.Contains(t, tasks, id)
		assert.Equal(t, taskdb.StatusDone, tasks[id].Status)
	}
	assert.ElementsMatch(t, []string{"join-0", "union-1"}, tasks["resolve"].Prerequisites)
	assert.Equal(t, taskdb.JobDone, jobStatus(t, f.queue, jobID).Status)
}

// =============================================================================
// 🧪 失败与重试
// =============================================================================

func TestAgent_RetryUntilBudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	r := stubRegistry(1)
	r.Register(taskdef.TypeProve, stage.HandlerFunc(func(ctx context.Context, req stage.Request) (any, error) {
		calls.Add(1)
		return nil, types.NewHandlerError("prove", errors.New("gpu lost"))
	}))
	f := newFixture(t, r)
	jobID := f.submit(t, basicReq)

	f.drain(t)

	assert.Equal(t, int32(4), calls.Load())
	tasks := taskMap(t, f.queue, jobID)
	prove := tasks[planner.ProveTaskID(0)]
	assert.Equal(t, taskdb.StatusFailed, prove.Status)
	assert.Equal(t, 3, prove.Retries)
	job := jobStatus(t, f.queue, jobID)
	assert.Equal(t, taskdb.JobFailed, job.Status)
	assert.NotContains(t, tasks, planner.ResolveTaskID)
}

func TestAgent_NoRetryBudgetFailsWithTruncatedError(t *testing.T) {
	r := stubRegistry(1)
	r.Register(taskdef.TypeExecutor, stage.HandlerFunc(func(ctx context.Context, req stage.Request) (any, error) {
		return nil, errors.New(strings.Repeat("x", 5000))
	}))
	f := newFixture(t, r)
	jobID := f.submit(t, basicReq)

	worked, err := f.agents[router.WorkExec].PollOnce(context.Background())
	require.NoError(t, err)
	require.True(t, worked)

	task := taskMap(t, f.queue, jobID)[planner.ExecutorTaskID]
	assert.Equal(t, taskdb.StatusFailed, task.Status)
	assert.Len(t, task.Error, taskdb.ErrorLimit)
	job := jobStatus(t, f.queue, jobID)
	assert.Equal(t, taskdb.JobFailed, job.Status)
	assert.LessOrEqual(t, len(job.Error), taskdb.ErrorLimit)
}

func TestAgent_NonRetryableErrorSkipsRetryBudget(t *testing.T) {
	var calls atomic.Int32
	r := stubRegistry(1)
	r.Register(taskdef.TypeResolve, stage.HandlerFunc(func(ctx context.Context, req stage.Request) (any, error) {
		calls.Add(1)
		return nil, types.NewValidationError("resolve: assumption %s is not a receipt", "a-1")
	}))
	f := newFixture(t, r)
	jobID := f.submit(t, basicReq)
	require.Positive(t, DefaultStagesConfig().For(taskdef.TypeResolve).MaxRetries)

	f.drain(t)

	assert.Equal(t, int32(1), calls.Load())
	resolve := taskMap(t, f.queue, jobID)[planner.ResolveTaskID]
	assert.Equal(t, taskdb.StatusFailed, resolve.Status)
	assert.Equal(t, 0, resolve.Retries)
	assert.Contains(t, resolve.Error, "not a receipt")
	assert.Equal(t, taskdb.JobFailed, jobStatus(t, f.queue, jobID).Status)
}

// unreachableJobs 模拟 GetJob 期间队列不可用
type unreachableJobs struct {
	taskdb.Queue
	down atomic.Bool
}

func (q *unreachableJobs) GetJob(ctx context.Context, id uuid.UUID) (*taskdb.Job, error) {
	if q.down.Load() {
		return nil, taskdb.ErrQueueClosed
	}
	return q.Queue.GetJob(ctx, id)
}

func TestAgent_QueueOutageDuringFollowupsKeepsBudget(t *testing.T) {
	mem := taskdb.NewMemoryQueue()
	q := &unreachableJobs{Queue: mem}
	logger := zaptest.NewLogger(t)
	rt := router.New(mem, logger)
	exec, err := New(testConfig(router.WorkExec), q, rt, stubRegistry(2), logger)
	require.NoError(t, err)
	jobID, err := exec.SubmitJob(context.Background(), "alice", basicReq)
	require.NoError(t, err)

	q.down.Store(true)
	worked, err := exec.PollOnce(context.Background())
	assert.True(t, worked)
	require.ErrorIs(t, err, taskdb.ErrQueueClosed)

	task := taskMap(t, mem, jobID)[planner.ExecutorTaskID]
	assert.Equal(t, taskdb.StatusPending, task.Status, "released without a retry")
	assert.Equal(t, 0, task.Retries)
	assert.Empty(t, task.Error)
	assert.Equal(t, taskdb.JobRunning, jobStatus(t, mem, jobID).Status)

	q.down.Store(false)
	worked, err = exec.PollOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, taskdb.StatusDone, taskMap(t, mem, jobID)[planner.ExecutorTaskID].Status)
}

func TestAgent_MissingHandlerFailsTask(t *testing.T) {
	r := stage.NewRegistry()
	f := newFixture(t, r)
	jobID := f.submit(t, basicReq)

	_, err := f.agents[router.WorkExec].PollOnce(context.Background())
	require.NoError(t, err)

	task := taskMap(t, f.queue, jobID)[planner.ExecutorTaskID]
	assert.Equal(t, taskdb.StatusFailed, task.Status)
	assert.Contains(t, task.Error, "no handler registered")
}

func TestAgent_StaleCompletionIsNoop(t *testing.T) {
	clock := newTestClock()
	q := taskdb.NewMemoryQueue(taskdb.WithClock(clock.Now))

	started := make(chan struct{})
	release := make(chan struct{})
	r := stubRegistry(1)
	r.Register(taskdef.TypeProve, stage.HandlerFunc(func(ctx context.Context, req stage.Request) (any, error) {
		close(started)
		<-release
		return taskdef.ReceiptResp{Key: req.TaskID}, nil
	}))
	f := newFixtureWithQueue(t, q, r)
	jobID := f.submit(t, basicReq)

	_, err := f.agents[router.WorkExec].PollOnce(context.Background())
	require.NoError(t, err)

	type result struct {
		worked bool
		err    error
	}
	done := make(chan result, 1)
	go func() {
		ok, err := f.agents[router.WorkProve].PollOnce(context.Background())
		done <- result{ok, err}
	}()
	<-started

	// 超时回收后原领取失效
	clock.Advance(31 * time.Second)
	res, err := q.RequeueTimedOut(context.Background(), 100)
	require.NoError(t, err)
	require.Equal(t, 1, res.Requeued)

	close(release)
	out := <-done
	require.NoError(t, out.err)
	assert.True(t, out.worked)

	prove := taskMap(t, q, jobID)[planner.ProveTaskID(0)]
	assert.Equal(t, taskdb.StatusPending, prove.Status)
	assert.Empty(t, prove.Output)
	assert.Equal(t, 1, prove.Retries)
	assert.Equal(t, taskdb.JobRunning, jobStatus(t, q, jobID).Status)
}

func TestAgent_RequeueOnce(t *testing.T) {
	clock := newTestClock()
	q := taskdb.NewMemoryQueue(taskdb.WithClock(clock.Now))
	f := newFixtureWithQueue(t, q, stubRegistry(1))
	jobID := f.submit(t, basicReq)

	claimed, err := q.ClaimNext(context.Background(), string(router.WorkExec), "someone-else")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	n, err := f.agents[router.WorkExec].RequeueOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// 执行器没有重试预算，超时即失败
	clock.Advance(4*time.Hour + time.Second)
	n, err = f.agents[router.WorkExec].RequeueOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, taskdb.JobFailed, jobStatus(t, q, jobID).Status)
}

// =============================================================================
// 🧪 远程上报
// =============================================================================

type recordingReporter struct {
	mu    sync.Mutex
	tasks []string
}

func (r *recordingReporter) TaskFinished(ctx context.Context, job *taskdb.Job, task *taskdb.Task, output []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task.TaskID)
}

func (r *recordingReporter) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tasks...)
}

func TestAgent_ReportsOnlyRemoteJobs(t *testing.T) {
	reporter := &recordingReporter{}
	f := newFixture(t, stubRegistry(1), WithReporter(reporter))
	ctx := context.Background()

	f.submit(t, basicReq)
	f.drain(t)
	assert.Empty(t, reporter.seen())

	remoteID := uuid.New()
	id, err := f.agents[router.WorkExec].Submit(ctx, Submission{
		JobID:      remoteID,
		Tenant:     router.RemoteTenant,
		Origin:     taskdb.OriginRemote,
		Definition: basicReq,
	})
	require.NoError(t, err)
	assert.Equal(t, remoteID, id)
	f.drain(t)

	assert.Equal(t, []string{"init", "prove-0", "resolve", "finalize"}, reporter.seen())
}

// =============================================================================
// 🧪 提交
// =============================================================================

func TestSubmitter_SnarkJob(t *testing.T) {
	f := newFixture(t, stubRegistry(1))
	ctx := context.Background()

	jobID, err := f.agents[router.WorkSnark].Submit(ctx, Submission{
		Tenant:     router.RemoteTenant,
		Origin:     taskdb.OriginRemote,
		Definition: taskdef.SnarkReq{Receipt: "receipt-1", CompressType: taskdef.CompressGroth16},
	})
	require.NoError(t, err)

	tasks := taskMap(t, f.queue, jobID)
	require.Contains(t, tasks, planner.SnarkTaskID)
	streams, err := f.router.Streams(ctx, router.RemoteTenant)
	require.NoError(t, err)
	assert.Equal(t, streams[router.WorkSnark], tasks[planner.SnarkTaskID].StreamID)

	f.drain(t)
	assert.Equal(t, taskdb.JobDone, jobStatus(t, f.queue, jobID).Status)
	assert.Len(t, taskMap(t, f.queue, jobID), 1)
}

func TestSubmitter_Rejects(t *testing.T) {
	q := taskdb.NewMemoryQueue()
	s := NewSubmitter(q, router.New(q, nil), DefaultStagesConfig(), nil)
	ctx := context.Background()

	cases := []struct {
		name string
		sub  Submission
	}{
		{"no tenant", Submission{Definition: basicReq}},
		{"no definition", Submission{Tenant: "alice"}},
		{"executor without image", Submission{Tenant: "alice", Definition: taskdef.ExecutorReq{Input: "in"}}},
		{"snark without receipt", Submission{Tenant: "alice", Definition: taskdef.SnarkReq{CompressType: taskdef.CompressGroth16}}},
		{"snark bad compress", Submission{Tenant: "alice", Definition: taskdef.SnarkReq{Receipt: "r", CompressType: taskdef.CompressNone}}},
		{"prove job", Submission{Tenant: "alice", Definition: taskdef.ProveReq{}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Submit(ctx, tc.sub)
			require.Error(t, err)
			assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
		})
	}

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Jobs[taskdb.JobRunning])
}

func TestSubmitter_DuplicateJobID(t *testing.T) {
	q := taskdb.NewMemoryQueue()
	s := NewSubmitter(q, router.New(q, nil), DefaultStagesConfig(), nil)
	id := uuid.New()
	sub := Submission{JobID: id, Tenant: "alice", Definition: basicReq}

	_, err := s.Submit(context.Background(), sub)
	require.NoError(t, err)
	_, err = s.Submit(context.Background(), sub)
	assert.ErrorIs(t, err, taskdb.ErrAlreadyExists)
}

// =============================================================================
// 🧪 生命周期
// =============================================================================

func TestAgent_RunEndToEndWithDevHandlers(t *testing.T) {
	store := artifact.NewMemoryStore()
	ctx := context.Background()
	elf := []byte("guest program with a few segments")
	imageID := artifact.ImageID(elf)
	_, err := store.Put(ctx, artifact.ImageKey(imageID), elf)
	require.NoError(t, err)
	_, err = store.Put(ctx, artifact.InputKey("input-1"), []byte("keccak input keccak"))
	require.NoError(t, err)

	registry := stage.NewDevRegistry(store, stage.HashProver{}, stage.DevConfig{SegmentSize: 16, CyclesPerSegment: 1 << 10}, zap.NewNop())
	collector := metrics.NewCollector("agent_run_test", zap.NewNop())
	f := newFixture(t, registry, WithMetrics(collector))
	jobID := f.submit(t, taskdef.ExecutorReq{Image: imageID, Input: "input-1", Compress: taskdef.CompressGroth16})

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	errs := make(chan error, len(f.agents))
	for _, a := range f.agents {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- a.Run(runCtx)
		}()
	}

	assert.Eventually(t, func() bool {
		job, err := f.queue.GetJob(ctx, jobID)
		return err == nil && job.Status != taskdb.JobRunning
	}, 10*time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	assert.Equal(t, taskdb.JobDone, jobStatus(t, f.queue, jobID).Status)
	ok, err := store.Exists(ctx, artifact.ReceiptKey(artifact.BucketGroth16, jobID.String()))
	require.NoError(t, err)
	assert.True(t, ok)
	tasks := taskMap(t, f.queue, jobID)
	assert.Contains(t, tasks, planner.KeccakTaskID(1))
	assert.Contains(t, tasks, planner.UnionTaskID(0))
}

type blockingRunner struct{ stopped atomic.Bool }

func (r *blockingRunner) Run(ctx context.Context) error {
	<-ctx.Done()
	r.stopped.Store(true)
	return nil
}

type failingRunner struct{}

func (failingRunner) Run(ctx context.Context) error {
	return errors.New("remote channel misconfigured")
}

func TestAgent_RunStopsRunnersOnCancel(t *testing.T) {
	q := taskdb.NewMemoryQueue()
	runner := &blockingRunner{}
	cfg := testConfig(router.WorkProve)
	cfg.MonitorRequeue = true
	cfg.RequeueInterval = 5 * time.Millisecond
	a, err := New(cfg, q, router.New(q, nil), stubRegistry(1), nil, WithRunner(runner))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, a.Run(ctx))
	assert.True(t, runner.stopped.Load())
}

func TestAgent_RunnerErrorStopsAgent(t *testing.T) {
	q := taskdb.NewMemoryQueue()
	a, err := New(testConfig(router.WorkProve), q, router.New(q, nil), stubRegistry(1), nil, WithRunner(failingRunner{}))
	require.NoError(t, err)

	err = a.Run(context.Background())
	assert.EqualError(t, err, "remote channel misconfigured")
}

func TestAgent_PollOnceReportsClaimErrors(t *testing.T) {
	q := taskdb.NewMemoryQueue()
	a, err := New(testConfig(router.WorkProve), q, router.New(q, nil), stubRegistry(1), nil)
	require.NoError(t, err)
	require.NoError(t, q.Close())

	worked, err := a.PollOnce(context.Background())
	assert.False(t, worked)
	assert.ErrorIs(t, err, taskdb.ErrQueueClosed)
}

// =============================================================================
// 🧪 配置
// =============================================================================

func TestConfig_Defaults(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.RequeueInterval)
	assert.Equal(t, 100, cfg.RequeueLimit)
	assert.Equal(t, uint64(100_000), cfg.ExecCycleLimit)

	stages := cfg.Stages
	assert.Equal(t, StageConfig{0, 4 * time.Hour}, stages.For(taskdef.TypeExecutor))
	assert.Equal(t, StageConfig{3, 30 * time.Second}, stages.For(taskdef.TypeProve))
	assert.Equal(t, StageConfig{3, 10 * time.Second}, stages.For(taskdef.TypeJoin))
	assert.Equal(t, StageConfig{3, 10 * time.Second}, stages.For(taskdef.TypeResolve))
	assert.Equal(t, StageConfig{0, 10 * time.Second}, stages.For(taskdef.TypeFinalize))
	assert.Equal(t, StageConfig{0, 240 * time.Second}, stages.For(taskdef.TypeSnark))
	assert.Equal(t, StageConfig{3, 30 * time.Second}, stages.For(taskdef.TypeKeccak))
	assert.Equal(t, StageConfig{3, 10 * time.Second}, stages.For(taskdef.TypeUnion))
}

func TestConfig_Validate(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown work type": func(c *Config) { c.WorkType = "gpu" },
		"zero poll":         func(c *Config) { c.PollInterval = 0 },
		"zero requeue":      func(c *Config) { c.RequeueInterval = 0 },
		"zero limit":        func(c *Config) { c.RequeueLimit = 0 },
		"negative retries":  func(c *Config) { c.Stages.Join.MaxRetries = -1 },
		"tiny timeout":      func(c *Config) { c.Stages.Prove.Timeout = time.Millisecond },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	q := taskdb.NewMemoryQueue()
	_, err := New(DefaultConfig(), nil, router.New(q, nil), stage.NewRegistry(), nil)
	assert.Error(t, err)

	a, err := New(DefaultConfig(), q, router.New(q, nil), stage.NewRegistry(), nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(a.Config().WorkerID, "prove-"))
}

func TestAgent_SetTuning(t *testing.T) {
	q := taskdb.NewMemoryQueue()
	a, err := New(DefaultConfig(), q, router.New(q, nil), stage.NewRegistry(), nil)
	require.NoError(t, err)

	a.SetTuning(250*time.Millisecond, 7)
	assert.Equal(t, 250*time.Millisecond, a.Config().PollInterval)
	assert.Equal(t, 7, a.Config().RequeueLimit)

	a.SetTuning(0, -1)
	assert.Equal(t, 250*time.Millisecond, a.Config().PollInterval, "non-positive values keep the current setting")
	assert.Equal(t, 7, a.Config().RequeueLimit)
}
