package remote

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/proofflow/agent"
	"github.com/BaSui01/proofflow/artifact"
	"github.com/BaSui01/proofflow/router"
	"github.com/BaSui01/proofflow/taskdb"
	"github.com/BaSui01/proofflow/taskdef"
	"github.com/BaSui01/proofflow/types"
)

type recordingSubmitter struct {
	mu       sync.Mutex
	subs     []agent.Submission
	err      error
	failures int // leading calls that fail with err
	calls    int
}

func (s *recordingSubmitter) Submit(ctx context.Context, sub agent.Submission) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil && (s.failures == 0 || s.calls <= s.failures) {
		return uuid.Nil, s.err
	}
	s.subs = append(s.subs, sub)
	return sub.JobID, nil
}

func (s *recordingSubmitter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *recordingSubmitter) submissions() []agent.Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]agent.Submission(nil), s.subs...)
}

var testELF = []byte("\x7fELF remote guest")

func starkAssignment(input *InputData) *TaskAssignment {
	return &TaskAssignment{
		TaskID: uuid.NewString(),
		Stark: &StarkTaskDetails{
			ImageID: artifact.ImageID(testELF),
			ElfData: testELF,
			Input:   input,
		},
	}
}

func newConverter(limit uint64) (*Converter, *artifact.MemoryStore, *recordingSubmitter) {
	store := artifact.NewMemoryStore()
	sub := &recordingSubmitter{}
	return NewConverter(store, sub, limit, zap.NewNop()), store, sub
}

func TestConverter_StarkInlineInput(t *testing.T) {
	c, store, sub := newConverter(100_000)
	ctx := context.Background()
	a := starkAssignment(&InputData{Inline: []byte("input bytes")})
	a.Stark.ExecCycleLimit = 50
	a.Stark.AssumptionInputs = []InputData{{ID: "assume-1"}, {ID: "assume-2", Inline: []byte("receipt")}}
	a.Stark.ExecuteOnly = true

	jobID, err := c.Convert(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, a.TaskID, jobID.String(), "作业 ID 等于任务 ID")

	subs := sub.submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, router.RemoteTenant, subs[0].Tenant)
	assert.Equal(t, taskdb.OriginRemote, subs[0].Origin)

	req, ok := subs[0].Definition.(taskdef.ExecutorReq)
	require.True(t, ok)
	assert.Equal(t, artifact.ImageID(testELF), req.Image)
	assert.Equal(t, router.RemoteTenant, req.UserID)
	assert.Equal(t, taskdef.CompressNone, req.Compress)
	assert.True(t, req.ExecuteOnly)
	assert.Equal(t, []string{"assume-1", "assume-2"}, req.Assumptions)
	require.NotNil(t, req.ExecCycleLimit)
	assert.Equal(t, uint64(100_000), *req.ExecCycleLimit, "取配置与任务中的较大值")

	_, err = uuid.Parse(req.Input)
	require.NoError(t, err, "内联输入使用新生成的 UUID")
	data, err := store.Get(ctx, artifact.InputKey(req.Input))
	require.NoError(t, err)
	assert.Equal(t, []byte("input bytes"), data)

	elf, err := store.Get(ctx, artifact.ImageKey(req.Image))
	require.NoError(t, err)
	assert.Equal(t, testELF, elf)

	ok, err = store.Exists(ctx, artifact.ReceiptKey(artifact.BucketStark, "assume-2"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConverter_CycleLimitFromTask(t *testing.T) {
	c, _, sub := newConverter(10)
	a := starkAssignment(&InputData{Inline: []byte("x")})
	a.Stark.ExecCycleLimit = 5000

	_, err := c.Convert(context.Background(), a)
	require.NoError(t, err)
	req := sub.submissions()[0].Definition.(taskdef.ExecutorReq)
	assert.Equal(t, uint64(5000), *req.ExecCycleLimit)
}

func TestConverter_ImageIDMismatchEnqueuesNothing(t *testing.T) {
	c, store, sub := newConverter(0)
	a := starkAssignment(&InputData{Inline: []byte("x")})
	a.Stark.ImageID = artifact.ImageID([]byte("another program"))

	_, err := c.Convert(context.Background(), a)

	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))
	assert.Empty(t, sub.submissions())
	assert.Equal(t, 0, store.Len(), "校验失败时不写入任何工件")
}

func TestConverter_InputRules(t *testing.T) {
	ctx := context.Background()

	t.Run("existing id", func(t *testing.T) {
		c, store, sub := newConverter(0)
		_, err := store.Put(ctx, artifact.InputKey("in-1"), []byte("stored"))
		require.NoError(t, err)

		_, err = c.Convert(ctx, starkAssignment(&InputData{ID: "in-1"}))
		require.NoError(t, err)
		assert.Equal(t, "in-1", sub.submissions()[0].Definition.(taskdef.ExecutorReq).Input)
	})

	t.Run("unknown id with data is stored under that id", func(t *testing.T) {
		c, store, _ := newConverter(0)
		_, err := c.Convert(ctx, starkAssignment(&InputData{ID: "in-2", Inline: []byte("fresh")}))
		require.NoError(t, err)
		data, err := store.Get(ctx, artifact.InputKey("in-2"))
		require.NoError(t, err)
		assert.Equal(t, []byte("fresh"), data)
	})

	for name, in := range map[string]*InputData{
		"unknown id without data": {ID: "missing"},
		"empty input":             {},
		"no input":                nil,
	} {
		t.Run(name, func(t *testing.T) {
			c, _, sub := newConverter(0)
			_, err := c.Convert(ctx, starkAssignment(in))
			assert.True(t, types.IsErrorCode(err, types.ErrValidation), "%v", err)
			assert.Empty(t, sub.submissions())
		})
	}
}

func TestConverter_RejectsMalformedAssignments(t *testing.T) {
	c, _, sub := newConverter(0)
	ctx := context.Background()

	bad := starkAssignment(&InputData{Inline: []byte("x")})
	bad.TaskID = "not-a-uuid"
	_, err := c.Convert(ctx, bad)
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))

	noELF := starkAssignment(&InputData{Inline: []byte("x")})
	noELF.Stark.ElfData = nil
	_, err = c.Convert(ctx, noELF)
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))

	anonymous := starkAssignment(&InputData{Inline: []byte("x")})
	anonymous.Stark.AssumptionInputs = []InputData{{Inline: []byte("r")}}
	_, err = c.Convert(ctx, anonymous)
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))

	_, err = c.Convert(ctx, &TaskAssignment{TaskID: uuid.NewString()})
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))

	assert.Empty(t, sub.submissions())
}

func TestConverter_Groth16(t *testing.T) {
	c, store, sub := newConverter(0)
	ctx := context.Background()
	taskID := uuid.NewString()

	_, err := c.Convert(ctx, &TaskAssignment{TaskID: taskID, Groth16: &Groth16TaskDetails{StarkReceiptData: []byte("stark receipt")}})
	require.NoError(t, err)

	data, err := store.Get(ctx, artifact.ReceiptKey(artifact.BucketStark, taskID))
	require.NoError(t, err)
	assert.Equal(t, []byte("stark receipt"), data)

	subs := sub.submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, taskdef.SnarkReq{Receipt: taskID, CompressType: taskdef.CompressGroth16}, subs[0].Definition)
	assert.Equal(t, taskdb.OriginRemote, subs[0].Origin)
}

func TestConverter_Groth16UsesStoredReceipt(t *testing.T) {
	c, store, sub := newConverter(0)
	ctx := context.Background()
	taskID := uuid.NewString()

	_, err := c.Convert(ctx, &TaskAssignment{TaskID: taskID, Groth16: &Groth16TaskDetails{}})
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))

	_, err = store.Put(ctx, artifact.ReceiptKey(artifact.BucketStark, taskID), []byte("earlier"))
	require.NoError(t, err)
	_, err = c.Convert(ctx, &TaskAssignment{TaskID: taskID, Groth16: &Groth16TaskDetails{}})
	require.NoError(t, err)
	assert.Len(t, sub.submissions(), 1)
}
