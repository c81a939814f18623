package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/proofflow/artifact"
	"github.com/BaSui01/proofflow/types"
)

// Backend is the coordinator side of the channel.
type Backend interface {
	// NextAssignment blocks until an assignment is available for the
	// worker or ctx is done.
	NextAssignment(ctx context.Context, req RequestTaskRequest) (*TaskAssignment, error)

	// ReturnAssignment puts back an assignment that could not be delivered.
	ReturnAssignment(ctx context.Context, a *TaskAssignment) error

	UpdateProgress(ctx context.Context, update ProgressUpdate) error

	// StoreUpload persists a completed transfer. journal is empty unless
	// meta.Kind is UploadStark.
	StoreUpload(ctx context.Context, meta Metadata, body, journal []byte) error

	// LoadArtifact returns the artifact under key or artifact.ErrNotFound.
	LoadArtifact(ctx context.Context, key string) ([]byte, error)
}

// DefaultAckTimeout bounds the wait for a worker to acknowledge a
// delivered assignment.
const DefaultAckTimeout = 30 * time.Second

// errAssignmentRejected marks an assignment that can never be delivered.
var errAssignmentRejected = errors.New("assignment rejected")

// Server exposes a Backend over websockets.
type Server struct {
	backend     Backend
	mux         *http.ServeMux
	maxTransfer int64
	ackTimeout  time.Duration
	logger      *zap.Logger
}

// ServerOption 服务端选项
type ServerOption func(*Server)

// WithAckTimeout 设置等待分配确认的超时
func WithAckTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.ackTimeout = d
		}
	}
}

// NewServer 创建远程通道服务端
func NewServer(backend Backend, logger *zap.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		backend:     backend,
		mux:         http.NewServeMux(),
		maxTransfer: DefaultMaxTransfer,
		ackTimeout:  DefaultAckTimeout,
		logger:      logger.With(zap.String("component", "remote_server")),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("GET "+PathRequestTask, s.handleRequestTask)
	s.mux.HandleFunc("GET "+PathProgress, s.handleProgress)
	s.mux.HandleFunc("GET "+PathStarkResult, s.handleUpload(UploadStark))
	s.mux.HandleFunc("GET "+PathGroth16Result, s.handleUpload(UploadGroth16))
	s.mux.HandleFunc("GET "+PathArtifactUpload, s.handleUpload(UploadArtifact))
	s.mux.HandleFunc("GET "+PathArtifactDownload, s.handleDownload)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, bool) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.String("path", r.URL.Path), zap.Error(err))
		return nil, false
	}
	conn.SetReadLimit(readLimit)
	return conn, true
}

func (s *Server) writeAck(ctx context.Context, conn *websocket.Conn, err error) {
	ack := Ack{Success: err == nil}
	if err != nil {
		ack.ErrorMessage = err.Error()
	}
	if werr := wsjson.Write(ctx, conn, ack); werr != nil {
		s.logger.Debug("write ack failed", zap.Error(werr))
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) handleRequestTask(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.accept(w, r)
	if !ok {
		return
	}
	defer conn.CloseNow()

	var req RequestTaskRequest
	if err := wsjson.Read(r.Context(), conn, &req); err != nil {
		conn.Close(closeBadRequest, "malformed task request")
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// 读取协程接收确认帧，对端断开时取消 ctx
	acks := make(chan Ack)
	go func() {
		defer cancel()
		for {
			var ack Ack
			if err := wsjson.Read(ctx, conn, &ack); err != nil {
				return
			}
			select {
			case acks <- ack:
			case <-ctx.Done():
				return
			}
		}
	}()

	log := s.logger.With(zap.String("worker_id", req.WorkerID))
	log.Info("assignment stream opened", zap.Int("capacity", req.Capacity))

	for sent := 0; req.Capacity <= 0 || sent < req.Capacity; {
		a, err := s.backend.NextAssignment(ctx, req)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("next assignment failed", zap.Error(err))
				conn.Close(websocket.StatusInternalError, "backend unavailable")
			}
			return
		}
		err = s.deliver(ctx, conn, acks, a)
		switch {
		case err == nil:
			sent++
			log.Debug("assignment delivered", zap.String("task_id", a.TaskID), zap.String("kind", a.Kind()))
		case errors.Is(err, errAssignmentRejected):
			log.Error("assignment dropped", zap.String("task_id", a.TaskID), zap.Error(err))
			failed := ProgressUpdate{TaskID: a.TaskID, Status: StatusFailed, Message: types.Truncate(err.Error(), 1024)}
			if perr := s.backend.UpdateProgress(context.WithoutCancel(ctx), failed); perr != nil {
				log.Warn("record dropped assignment failed", zap.String("task_id", a.TaskID), zap.Error(perr))
			}
		default:
			log.Warn("assignment delivery failed, returning it", zap.String("task_id", a.TaskID), zap.Error(err))
			if rerr := s.backend.ReturnAssignment(context.WithoutCancel(ctx), a); rerr != nil {
				log.Error("assignment lost", zap.String("task_id", a.TaskID), zap.Error(rerr))
			}
			return
		}
	}
	conn.Close(websocket.StatusNormalClosure, "capacity reached")
}

// deliver sends a as a chunked transfer and waits for the worker's ack.
// Errors wrapping errAssignmentRejected mean redelivery cannot succeed.
func (s *Server) deliver(ctx context.Context, conn *websocket.Conn, acks <-chan Ack, a *TaskAssignment) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", errAssignmentRejected, err)
	}
	if int64(len(payload)) > MaxAssignmentBytes {
		return fmt.Errorf("%w: %d bytes encoded, limit %d", errAssignmentRejected, len(payload), MaxAssignmentBytes)
	}

	meta := Metadata{Kind: TransferAssignment, TaskID: a.TaskID, Size: int64(len(payload))}
	if _, err := writeTransfer(ctx, conn, ChunkSize, meta, payload); err != nil {
		return err
	}

	timer := time.NewTimer(s.ackTimeout)
	defer timer.Stop()
	select {
	case ack := <-acks:
		if !ack.Success {
			return fmt.Errorf("%w by worker: %s", errAssignmentRejected, ack.ErrorMessage)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("no ack within %s", s.ackTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.accept(w, r)
	if !ok {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	var update ProgressUpdate
	if err := wsjson.Read(ctx, conn, &update); err != nil {
		conn.Close(closeBadRequest, "malformed progress update")
		return
	}
	if update.TaskID == "" {
		s.writeAck(ctx, conn, types.NewValidationError("progress update: task id is required"))
		return
	}
	s.writeAck(ctx, conn, s.backend.UpdateProgress(ctx, update))
}

func (s *Server) handleUpload(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, ok := s.accept(w, r)
		if !ok {
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		asm := NewAssembler(s.maxTransfer)
		if err := readTransfer(ctx, conn, asm); err != nil {
			if isFramingError(err) {
				s.writeAck(ctx, conn, err)
				return
			}
			s.logger.Warn("upload aborted", zap.String("kind", kind), zap.Error(err))
			return
		}

		meta := *asm.Metadata()
		if err := validateUpload(kind, meta); err != nil {
			s.writeAck(ctx, conn, err)
			return
		}
		body, journal, err := asm.Parts()
		if err != nil {
			s.writeAck(ctx, conn, err)
			return
		}
		err = s.backend.StoreUpload(ctx, meta, body, journal)
		if err != nil {
			s.logger.Error("store upload failed", zap.String("kind", kind), zap.String("task_id", meta.TaskID), zap.Error(err))
		}
		s.writeAck(ctx, conn, err)
	}
}

func validateUpload(kind string, meta Metadata) error {
	if meta.Kind != kind {
		return types.NewValidationError("upload kind %q sent to %s endpoint", meta.Kind, kind)
	}
	switch kind {
	case UploadArtifact:
		return artifact.ValidateKey(meta.Key)
	default:
		if meta.TaskID == "" {
			return types.NewValidationError("%s upload: task id is required", kind)
		}
		if kind != UploadStark && meta.JournalSize != 0 {
			return types.NewValidationError("%s upload: unexpected journal", kind)
		}
	}
	return nil
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.accept(w, r)
	if !ok {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	var req DownloadRequest
	if err := wsjson.Read(ctx, conn, &req); err != nil || artifact.ValidateKey(req.Key) != nil {
		conn.Close(closeBadRequest, "malformed download request")
		return
	}

	data, err := s.backend.LoadArtifact(ctx, req.Key)
	if errors.Is(err, artifact.ErrNotFound) {
		conn.Close(closeNotFound, "artifact not found")
		return
	}
	if err != nil {
		s.logger.Error("load artifact failed", zap.String("key", req.Key), zap.Error(err))
		conn.Close(websocket.StatusInternalError, "load failed")
		return
	}

	meta := Metadata{Kind: UploadArtifact, Key: req.Key, Size: int64(len(data))}
	if _, err := writeTransfer(ctx, conn, ChunkSize, meta, data); err != nil {
		s.logger.Debug("download aborted", zap.String("key", req.Key), zap.Error(err))
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
