package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/proofflow/artifact"
	"github.com/BaSui01/proofflow/internal/tlsutil"
	"github.com/BaSui01/proofflow/types"
)

// Endpoint paths.
const (
	PathRequestTask      = "/v1/tasks/request"
	PathProgress         = "/v1/tasks/progress"
	PathStarkResult      = "/v1/results/stark"
	PathGroth16Result    = "/v1/results/groth16"
	PathArtifactUpload   = "/v1/artifacts/upload"
	PathArtifactDownload = "/v1/artifacts/download"
)

// readLimit covers a base64 encoded ChunkSize frame. Payloads of any size
// travel as chunked transfers, never as one message.
const readLimit = 4 << 20

// Application close codes.
const (
	closeBadRequest websocket.StatusCode = 4400
	closeNotFound   websocket.StatusCode = 4404
)

func remoteError(op string, err error) *types.Error {
	return types.NewError(types.ErrRemoteChannel, op).WithCause(err).WithRetryable(true)
}

// =============================================================================
// 🔌 Client
// =============================================================================

// Client talks to the remote coordinator. Every call opens its own
// websocket connection.
type Client struct {
	baseURL    string
	header     http.Header
	httpClient *http.Client
	chunkSize  int
	logger     *zap.Logger
}

// ClientOption 客户端选项
type ClientOption func(*Client)

// WithToken 设置 Bearer 认证令牌
func WithToken(token string) ClientOption {
	return func(c *Client) {
		if token != "" {
			c.header.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithChunkSize 设置上传分块大小（最大 ChunkSize）
func WithChunkSize(n int) ClientOption {
	return func(c *Client) {
		c.chunkSize = n
	}
}

// WithHTTPClient 设置握手使用的 HTTP 客户端，Timeout 必须为 0
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient 创建远程通道客户端，baseURL 支持 http(s) 与 ws(s)
func NewClient(baseURL string, logger *zap.Logger, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, types.NewValidationError("remote url %q", baseURL).WithCause(err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, types.NewValidationError("remote url %q: unsupported scheme %q", baseURL, u.Scheme)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		baseURL:    strings.TrimSuffix(u.String(), "/"),
		header:     http.Header{},
		httpClient: tlsutil.StreamingHTTPClient(),
		chunkSize:  ChunkSize,
		logger:     logger.With(zap.String("component", "remote_client")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) dial(ctx context.Context, path string) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, c.baseURL+path, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: c.header,
	})
	if err != nil {
		return nil, remoteError("dial "+path, err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// unary sends one request and waits for the Ack.
func (c *Client) unary(ctx context.Context, path string, req any) error {
	conn, err := c.dial(ctx, path)
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	if err := wsjson.Write(ctx, conn, req); err != nil {
		return remoteError("write "+path, err)
	}
	return c.readAck(ctx, conn, path)
}

func (c *Client) readAck(ctx context.Context, conn *websocket.Conn, path string) error {
	var ack Ack
	if err := wsjson.Read(ctx, conn, &ack); err != nil {
		return remoteError("read ack "+path, err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
	if !ack.Success {
		return types.NewError(types.ErrRemoteChannel, fmt.Sprintf("%s rejected: %s", path, ack.ErrorMessage))
	}
	return nil
}

// RequestTask opens an assignment stream. The coordinator closes the
// stream after capacity assignments when capacity is positive.
func (c *Client) RequestTask(ctx context.Context, workerID string, capacity int) (*AssignmentStream, error) {
	conn, err := c.dial(ctx, PathRequestTask)
	if err != nil {
		return nil, err
	}
	if err := wsjson.Write(ctx, conn, RequestTaskRequest{WorkerID: workerID, Capacity: capacity}); err != nil {
		conn.CloseNow()
		return nil, remoteError("request task", err)
	}
	return &AssignmentStream{conn: conn}, nil
}

// UpdateTaskProgress 上报任务进度
func (c *Client) UpdateTaskProgress(ctx context.Context, update ProgressUpdate) error {
	return c.unary(ctx, PathProgress, update)
}

// UploadStarkResult uploads a receipt followed by its journal.
func (c *Client) UploadStarkResult(ctx context.Context, taskID string, receipt, journal []byte, description string) error {
	meta := Metadata{
		Kind:        UploadStark,
		TaskID:      taskID,
		Description: description,
		Size:        int64(len(receipt)),
		JournalSize: int64(len(journal)),
	}
	return c.upload(ctx, PathStarkResult, meta, receipt, journal)
}

// UploadGroth16Result uploads a Groth16 proof.
func (c *Client) UploadGroth16Result(ctx context.Context, taskID string, proof []byte, description string) error {
	meta := Metadata{
		Kind:        UploadGroth16,
		TaskID:      taskID,
		Description: description,
		Size:        int64(len(proof)),
	}
	return c.upload(ctx, PathGroth16Result, meta, proof)
}

// UploadArtifact stores data under key on the coordinator.
func (c *Client) UploadArtifact(ctx context.Context, key string, data []byte) error {
	if err := artifact.ValidateKey(key); err != nil {
		return err
	}
	return c.upload(ctx, PathArtifactUpload, Metadata{Kind: UploadArtifact, Key: key, Size: int64(len(data))}, data)
}

func (c *Client) upload(ctx context.Context, path string, meta Metadata, parts ...[]byte) error {
	conn, err := c.dial(ctx, path)
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	chunks, err := writeTransfer(ctx, conn, c.chunkSize, meta, parts...)
	if err != nil {
		return remoteError("upload "+meta.Kind, err)
	}

	c.logger.Debug("upload sent",
		zap.String("kind", meta.Kind),
		zap.String("task_id", meta.TaskID),
		zap.Int64("bytes", meta.Total()),
		zap.Int("chunks", chunks))
	return c.readAck(ctx, conn, path)
}

// DownloadArtifact fetches key from the coordinator. A missing key yields
// an error wrapping artifact.ErrNotFound.
func (c *Client) DownloadArtifact(ctx context.Context, key string) ([]byte, error) {
	conn, err := c.dial(ctx, PathArtifactDownload)
	if err != nil {
		return nil, err
	}
	defer conn.CloseNow()

	if err := wsjson.Write(ctx, conn, DownloadRequest{Key: key}); err != nil {
		return nil, remoteError("write download request", err)
	}

	asm := NewAssembler(0)
	if err := readTransfer(ctx, conn, asm); err != nil {
		if websocket.CloseStatus(err) == closeNotFound {
			return nil, fmt.Errorf("download %s: %w", key, artifact.ErrNotFound)
		}
		return nil, remoteError("read download", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
	return asm.Bytes()
}

// =============================================================================
// 📥 AssignmentStream
// =============================================================================

// AssignmentStream yields assignments pushed by the coordinator.
type AssignmentStream struct {
	conn *websocket.Conn
}

// Next blocks for the next assignment and acknowledges it once it has
// been decoded. An assignment that is never acknowledged goes back to the
// coordinator's queue. Next returns io.EOF when the coordinator ends the
// stream.
func (s *AssignmentStream) Next(ctx context.Context) (*TaskAssignment, error) {
	asm := NewAssembler(MaxAssignmentBytes)
	if err := readTransfer(ctx, s.conn, asm); err != nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return nil, io.EOF
		}
		if isFramingError(err) {
			s.reject(ctx, err)
		}
		return nil, remoteError("read assignment", err)
	}

	a, err := decodeAssignment(asm)
	if err != nil {
		s.reject(ctx, err)
		return nil, remoteError("decode assignment", err)
	}
	if err := wsjson.Write(ctx, s.conn, Ack{Success: true}); err != nil {
		return nil, remoteError("ack assignment "+a.TaskID, err)
	}
	return a, nil
}

func decodeAssignment(asm *Assembler) (*TaskAssignment, error) {
	if kind := asm.Metadata().Kind; kind != TransferAssignment {
		return nil, types.NewValidationError("unexpected transfer kind %q on assignment stream", kind)
	}
	data, err := asm.Bytes()
	if err != nil {
		return nil, err
	}
	var a TaskAssignment
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, types.NewValidationError("malformed assignment").WithCause(err)
	}
	return &a, nil
}

// reject tells the coordinator the current transfer is unusable.
func (s *AssignmentStream) reject(ctx context.Context, cause error) {
	_ = wsjson.Write(ctx, s.conn, Ack{ErrorMessage: types.Truncate(cause.Error(), 1024)})
}

// Close ends the stream.
func (s *AssignmentStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
