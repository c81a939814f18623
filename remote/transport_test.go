package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/proofflow/artifact"
	"github.com/BaSui01/proofflow/types"
)

type hub struct {
	backend *MemoryBackend
	store   *artifact.MemoryStore
	server  *httptest.Server
	client  *Client
}

func newHub(t *testing.T, opts ...ServerOption) *hub {
	t.Helper()
	// 服务端 goroutine 可能晚于测试结束，使用 Nop 日志
	store := artifact.NewMemoryStore()
	backend := NewMemoryBackend(store, 16, zap.NewNop())
	srv := httptest.NewServer(NewServer(backend, zap.NewNop(), opts...))
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL, zaptest.NewLogger(t))
	require.NoError(t, err)
	return &hub{backend: backend, store: store, server: srv, client: client}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewClient_URLSchemes(t *testing.T) {
	for _, u := range []string{"http://h:1", "https://h", "ws://h/", "wss://h"} {
		_, err := NewClient(u, nil)
		assert.NoError(t, err, u)
	}
	_, err := NewClient("ftp://h", nil)
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))
}

func TestClient_UploadStarkResultRoundTrip(t *testing.T) {
	h := newHub(t)
	ctx := testContext(t)
	receipt := bytes.Repeat([]byte{0x5a}, ChunkSize+ChunkSize/2)
	journal := []byte("guest journal")

	require.NoError(t, h.client.UploadStarkResult(ctx, "task-1", receipt, journal, DescriptionStark))

	res, ok := h.backend.Result(UploadStark, "task-1")
	require.True(t, ok)
	assert.Equal(t, receipt, res.Body)
	assert.Equal(t, journal, res.Journal)
	assert.Equal(t, DescriptionStark, res.Description)

	stored, err := h.store.Get(ctx, artifact.ReceiptKey(artifact.BucketStark, "task-1"))
	require.NoError(t, err)
	assert.Equal(t, receipt, stored)
}

func TestClient_UploadGroth16Result(t *testing.T) {
	h := newHub(t)
	ctx := testContext(t)

	require.NoError(t, h.client.UploadGroth16Result(ctx, "task-2", []byte("proof"), DescriptionGroth16))

	res, ok := h.backend.Result(UploadGroth16, "task-2")
	require.True(t, ok)
	assert.Equal(t, []byte("proof"), res.Body)
	assert.Empty(t, res.Journal)
}

func TestClient_SmallChunksRoundTrip(t *testing.T) {
	h := newHub(t)
	ctx := testContext(t)
	client, err := NewClient(h.server.URL, nil, WithChunkSize(3))
	require.NoError(t, err)

	require.NoError(t, client.UploadArtifact(ctx, "inputs/small", []byte("0123456789")))

	got, err := client.DownloadArtifact(ctx, "inputs/small")
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789"), got)
}

func TestClient_SequentialUploadsOnOneClient(t *testing.T) {
	h := newHub(t)
	ctx := testContext(t)

	uploads := []struct {
		key  string
		size int
	}{
		{"outputs/first", ChunkSize},
		{"outputs/second", ChunkSize / 2},
		{"outputs/boundary", ChunkSize + 1},
		{"outputs/tiny", 1},
	}
	payloads := make(map[string][]byte, len(uploads))
	for i, u := range uploads {
		data := bytes.Repeat([]byte{byte('a' + i)}, u.size)
		data[len(data)-1] = 0xff
		payloads[u.key] = data
		require.NoError(t, h.client.UploadArtifact(ctx, u.key, data), u.key)
	}

	for _, u := range uploads {
		stored, err := h.store.Get(ctx, u.key)
		require.NoError(t, err, u.key)
		assert.Equal(t, payloads[u.key], stored, u.key)

		got, err := h.client.DownloadArtifact(ctx, u.key)
		require.NoError(t, err, u.key)
		assert.Equal(t, payloads[u.key], got, u.key)
	}
}

func TestClient_ArtifactDownloadLarge(t *testing.T) {
	h := newHub(t)
	ctx := testContext(t)
	data := bytes.Repeat([]byte("elf"), ChunkSize)
	_, err := h.store.Put(ctx, artifact.ImageKey("img"), data)
	require.NoError(t, err)

	got, err := h.client.DownloadArtifact(ctx, artifact.ImageKey("img"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestClient_ArtifactErrors(t *testing.T) {
	h := newHub(t)
	ctx := testContext(t)

	_, err := h.client.DownloadArtifact(ctx, "inputs/missing")
	assert.ErrorIs(t, err, artifact.ErrNotFound)

	err = h.client.UploadArtifact(ctx, "../escape", []byte("x"))
	assert.ErrorIs(t, err, artifact.ErrInvalidInput)
}

func TestClient_ProgressRecorded(t *testing.T) {
	h := newHub(t)
	ctx := testContext(t)
	segments := 3

	require.NoError(t, h.client.UpdateTaskProgress(ctx, ProgressUpdate{TaskID: "t", Status: StatusPending, Message: "Task received"}))
	require.NoError(t, h.client.UpdateTaskProgress(ctx, ProgressUpdate{TaskID: "t", Status: StatusGeneratingProof, TotalSegments: &segments}))

	progress := h.backend.Progress("t")
	require.Len(t, progress, 2)
	assert.Equal(t, StatusPending, progress[0].Status)
	require.NotNil(t, progress[1].TotalSegments)
	assert.Equal(t, 3, *progress[1].TotalSegments)

	err := h.client.UpdateTaskProgress(ctx, ProgressUpdate{Status: StatusPending})
	assert.True(t, types.IsErrorCode(err, types.ErrRemoteChannel), "缺少任务 ID 应被服务端拒绝")
}

func TestAssignmentStream_CapacityEndsStream(t *testing.T) {
	h := newHub(t)
	ctx := testContext(t)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, h.backend.Enqueue(ctx, &TaskAssignment{TaskID: id, Groth16: &Groth16TaskDetails{}}))
	}

	stream, err := h.client.RequestTask(ctx, "w1", 2)
	require.NoError(t, err)
	defer stream.Close()

	first, err := stream.Next(ctx)
	require.NoError(t, err)
	second, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, []string{first.TaskID, second.TaskID})

	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 1, h.backend.Pending())
}

func TestAssignmentStream_EachAssignmentDeliveredOnce(t *testing.T) {
	h := newHub(t)
	ctx := testContext(t)

	s1, err := h.client.RequestTask(ctx, "w1", 1)
	require.NoError(t, err)
	defer s1.Close()
	s2, err := h.client.RequestTask(ctx, "w2", 1)
	require.NoError(t, err)
	defer s2.Close()

	require.NoError(t, h.backend.Enqueue(ctx, &TaskAssignment{TaskID: "x", Groth16: &Groth16TaskDetails{}}))
	require.NoError(t, h.backend.Enqueue(ctx, &TaskAssignment{TaskID: "y", Groth16: &Groth16TaskDetails{}}))

	a1, err := s1.Next(ctx)
	require.NoError(t, err)
	a2, err := s2.Next(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"x", "y"}, []string{a1.TaskID, a2.TaskID})
	assert.Equal(t, 0, h.backend.Pending())
}

func TestAssignmentStream_LargeAssignment(t *testing.T) {
	h := newHub(t)
	ctx := testContext(t)
	elf := bytes.Repeat([]byte("\x7fELF"), 1<<20)
	require.NoError(t, h.backend.Enqueue(ctx, &TaskAssignment{
		TaskID: "big",
		Stark:  &StarkTaskDetails{ImageID: "img", ElfData: elf},
	}))

	stream, err := h.client.RequestTask(ctx, "w1", 1)
	require.NoError(t, err)
	defer stream.Close()

	a, err := stream.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, a.Stark)
	assert.Equal(t, elf, a.Stark.ElfData)
	assert.Equal(t, 0, h.backend.Pending())

	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

// dialAssignments opens a raw assignment stream that never acknowledges
// on its own.
func dialAssignments(t *testing.T, ctx context.Context, h *hub) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(h.server.URL, "http")+PathRequestTask, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	conn.SetReadLimit(readLimit)
	require.NoError(t, wsjson.Write(ctx, conn, RequestTaskRequest{WorkerID: "raw", Capacity: 1}))
	return conn
}

func TestAssignmentStream_UnacknowledgedAssignmentReturned(t *testing.T) {
	h := newHub(t, WithAckTimeout(50*time.Millisecond))
	ctx := testContext(t)
	require.NoError(t, h.backend.Enqueue(ctx, &TaskAssignment{TaskID: "silent", Groth16: &Groth16TaskDetails{StarkReceiptData: []byte("r")}}))

	conn := dialAssignments(t, ctx, h)
	asm := NewAssembler(MaxAssignmentBytes)
	require.NoError(t, readTransfer(ctx, conn, asm))
	assert.Equal(t, TransferAssignment, asm.Metadata().Kind)
	assert.Equal(t, "silent", asm.Metadata().TaskID)

	assert.Eventually(t, func() bool { return h.backend.Pending() == 1 }, 5*time.Second, 5*time.Millisecond)

	stream, err := h.client.RequestTask(ctx, "w2", 1)
	require.NoError(t, err)
	defer stream.Close()
	a, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "silent", a.TaskID, "redelivered to the next worker")
}

func TestAssignmentStream_DisconnectMidTransferReturnsAssignment(t *testing.T) {
	h := newHub(t)
	ctx := testContext(t)
	elf := bytes.Repeat([]byte{0x7f}, 3*ChunkSize)
	require.NoError(t, h.backend.Enqueue(ctx, &TaskAssignment{TaskID: "cut", Stark: &StarkTaskDetails{ElfData: elf}}))

	conn := dialAssignments(t, ctx, h)
	var f Frame
	require.NoError(t, wsjson.Read(ctx, conn, &f))
	require.NotNil(t, f.Metadata)
	conn.CloseNow()

	assert.Eventually(t, func() bool { return h.backend.Pending() == 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestAssignmentStream_RejectedAssignmentMarkedFailed(t *testing.T) {
	h := newHub(t)
	ctx := testContext(t)
	require.NoError(t, h.backend.Enqueue(ctx, &TaskAssignment{TaskID: "poison", Groth16: &Groth16TaskDetails{}}))

	conn := dialAssignments(t, ctx, h)
	require.NoError(t, readTransfer(ctx, conn, NewAssembler(0)))
	require.NoError(t, wsjson.Write(ctx, conn, Ack{ErrorMessage: "cannot decode"}))

	assert.Eventually(t, func() bool {
		p := h.backend.Progress("poison")
		return len(p) == 1 && p[0].Status == StatusFailed
	}, 5*time.Second, 5*time.Millisecond)
	assert.Contains(t, h.backend.Progress("poison")[0].Message, "cannot decode")
	assert.Equal(t, 0, h.backend.Pending(), "a rejected assignment is not redelivered")
}

func TestAssignmentStream_BlocksUntilContextDone(t *testing.T) {
	h := newHub(t)

	stream, err := h.client.RequestTask(testContext(t), "w1", 0)
	require.NoError(t, err)
	defer stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = stream.Next(ctx)
	require.Error(t, err)
	assert.False(t, errors.Is(err, io.EOF))
}

func TestMemoryBackend_RejectsInvalidAssignment(t *testing.T) {
	b := NewMemoryBackend(artifact.NewMemoryStore(), 1, nil)
	ctx := testContext(t)

	assert.Error(t, b.Enqueue(ctx, &TaskAssignment{TaskID: "x"}))
	require.NoError(t, b.Enqueue(ctx, &TaskAssignment{TaskID: "x", Stark: &StarkTaskDetails{}}))

	full, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Enqueue(full, &TaskAssignment{TaskID: "y", Stark: &StarkTaskDetails{}}), context.DeadlineExceeded)
	assert.Error(t, b.ReturnAssignment(ctx, &TaskAssignment{TaskID: "z", Stark: &StarkTaskDetails{}}))
}
