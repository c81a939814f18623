package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/proofflow/api/handlers"
	"github.com/BaSui01/proofflow/artifact"
	"github.com/BaSui01/proofflow/internal/server"
	"github.com/BaSui01/proofflow/remote"
	"github.com/BaSui01/proofflow/types"
)

// =============================================================================
// 🛰️ hub 命令：内存协调端
// =============================================================================

// hubResult 协调端收到的证明结果
type hubResult struct {
	TaskID      string `json:"task_id"`
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
	Size        int    `json:"size"`
	JournalSize int    `json:"journal_size"`
}

// hubHandler 在远程通道之外提供任务投递与查询接口
type hubHandler struct {
	backend *remote.MemoryBackend
	logger  *zap.Logger
}

// handleEnqueue 投递一个任务分配
func (h *hubHandler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if !handlers.ValidateContentType(w, r, h.logger) {
		return
	}
	body, ok := handlers.ReadBody(w, r, remote.MaxAssignmentBytes, h.logger)
	if !ok {
		return
	}
	var a remote.TaskAssignment
	if err := json.Unmarshal(body, &a); err != nil {
		handlers.WriteError(w, r, types.NewError(types.ErrInvalidRequest, "invalid JSON body").WithCause(err), h.logger)
		return
	}
	if err := h.backend.Enqueue(r.Context(), &a); err != nil {
		if apiErr, ok := types.AsError(err); ok {
			handlers.WriteError(w, r, apiErr, h.logger)
			return
		}
		handlers.WriteErrorMessage(w, r, http.StatusServiceUnavailable,
			types.ErrServiceUnavailable, err.Error(), h.logger)
		return
	}
	handlers.WriteSuccessStatus(w, r, http.StatusAccepted, map[string]any{
		"task_id": a.TaskID,
		"kind":    a.Kind(),
		"pending": h.backend.Pending(),
	})
}

// handleProgress 返回任务的进度记录
func (h *hubHandler) handleProgress(w http.ResponseWriter, r *http.Request) {
	updates := h.backend.Progress(r.PathValue("id"))
	if updates == nil {
		updates = []remote.ProgressUpdate{}
	}
	handlers.WriteSuccess(w, r, updates)
}

// handleResult 返回任务的上传结果摘要，kind 默认 stark
func (h *hubHandler) handleResult(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	kind := remote.UploadStark
	if strings.EqualFold(r.URL.Query().Get("kind"), remote.KindGroth16) {
		kind = remote.UploadGroth16
	}
	res, ok := h.backend.Result(kind, taskID)
	if !ok {
		handlers.WriteError(w, r, types.NewNotFoundError("no %s result for task %s", kind, taskID), h.logger)
		return
	}
	handlers.WriteSuccess(w, r, hubResult{
		TaskID:      res.TaskID,
		Kind:        res.Kind,
		Description: res.Description,
		Size:        len(res.Body),
		JournalSize: len(res.Journal),
	})
}

// newHubHandler 组合远程通道服务端与管理接口；token 非空时除 /health 外均需 Bearer 认证
func newHubHandler(backend *remote.MemoryBackend, token string, logger *zap.Logger) http.Handler {
	h := &hubHandler{backend: backend, logger: logger.With(zap.String("handler", "hub"))}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		handlers.WriteSuccess(w, r, map[string]any{"status": "healthy", "pending": backend.Pending()})
	})
	mux.HandleFunc("POST /v1/assignments", h.handleEnqueue)
	mux.HandleFunc("GET /v1/assignments/{id}/progress", h.handleProgress)
	mux.HandleFunc("GET /v1/assignments/{id}/result", h.handleResult)
	mux.Handle("/v1/", remote.NewServer(backend, logger))

	var handler http.Handler = mux
	if token != "" {
		protected := BearerToken(token)(mux)
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				mux.ServeHTTP(w, r)
				return
			}
			protected.ServeHTTP(w, r)
		})
	}
	return Chain(handler, Recovery(logger), RequestID(), RequestLogger(logger))
}

func runHub(args []string) error {
	p, err := startProcess("hub", args)
	if err != nil {
		return err
	}
	defer p.close()
	logger := p.logger

	ctx, stop := signalContext()
	defer stop()

	store, err := artifact.NewStore(p.cfg.Artifacts, logger)
	if err != nil {
		return fmt.Errorf("create artifact store: %w", err)
	}
	defer store.Close()

	backend := remote.NewMemoryBackend(store, p.cfg.Hub.Capacity, logger)
	if p.cfg.Hub.Token == "" {
		logger.Warn("hub token not configured, remote channel is unauthenticated")
	}

	sc := httpServerConfig(p.cfg.Server, p.cfg.Hub.Port)
	// 远程通道是长连接，不设读写超时
	sc.ReadTimeout, sc.WriteTimeout = 0, 0
	manager := server.NewManager("hub", newHubHandler(backend, p.cfg.Hub.Token, logger), sc, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return manager.Run(gctx) })
	if reload := p.hotReload(); reload != nil {
		g.Go(func() error { return reload.Run(gctx) })
	}

	logger.Info("hub started", zap.Int("port", p.cfg.Hub.Port), zap.Int("capacity", p.cfg.Hub.Capacity))
	err = g.Wait()
	logger.Info("hub stopped", zap.Error(err))
	return err
}
