package handlers

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/proofflow/api"
	"github.com/BaSui01/proofflow/artifact"
	"github.com/BaSui01/proofflow/types"
)

// DefaultMaxUploadBytes 镜像与输入的上传上限
const DefaultMaxUploadBytes = 256 << 20

// =============================================================================
// 📦 制品 Handler
// =============================================================================

// ArtifactHandler 镜像、输入上传与收据下载处理器
type ArtifactHandler struct {
	store          artifact.Store
	maxUploadBytes int64
	logger         *zap.Logger
}

// NewArtifactHandler 创建制品处理器；maxUploadBytes 非正数时使用默认上限
func NewArtifactHandler(store artifact.Store, maxUploadBytes int64, logger *zap.Logger) *ArtifactHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	return &ArtifactHandler{
		store:          store,
		maxUploadBytes: maxUploadBytes,
		logger:         logger.With(zap.String("handler", "artifact")),
	}
}

// HandleUploadImage 上传程序镜像，路径中的 ID 必须等于 ELF 的 SHA-256
// @Summary 上传镜像
// @Tags artifact
// @Accept octet-stream
// @Produce json
// @Param id path string true "镜像 ID"
// @Success 201 {object} Response{data=api.UploadResponse} "已写入"
// @Success 200 {object} Response{data=api.UploadResponse} "镜像已存在"
// @Failure 400 {object} Response "镜像 ID 不匹配"
// @Security ApiKeyAuth
// @Router /v1/images/{id} [post]
func (h *ArtifactHandler) HandleUploadImage(w http.ResponseWriter, r *http.Request) {
	imageID := r.PathValue("id")
	if imageID == "" {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest, "image id is required", h.logger)
		return
	}
	elf, ok := ReadBody(w, r, h.maxUploadBytes, h.logger)
	if !ok {
		return
	}
	if err := artifact.VerifyImageID(imageID, elf); err != nil {
		WriteDomainError(w, r, err, h.logger)
		return
	}

	created, err := h.store.Put(r.Context(), artifact.ImageKey(imageID), elf)
	if err != nil {
		WriteDomainError(w, r, err, h.logger)
		return
	}
	h.writeUpload(w, r, imageID, created, len(elf))
}

// HandleUploadInput 上传程序输入并分配新的输入 ID
// @Summary 上传输入
// @Tags artifact
// @Accept octet-stream
// @Produce json
// @Success 201 {object} Response{data=api.UploadResponse} "已写入"
// @Security ApiKeyAuth
// @Router /v1/inputs [post]
func (h *ArtifactHandler) HandleUploadInput(w http.ResponseWriter, r *http.Request) {
	data, ok := ReadBody(w, r, h.maxUploadBytes, h.logger)
	if !ok {
		return
	}
	inputID := uuid.NewString()
	created, err := h.store.Put(r.Context(), artifact.InputKey(inputID), data)
	if err != nil {
		WriteDomainError(w, r, err, h.logger)
		return
	}
	h.writeUpload(w, r, inputID, created, len(data))
}

func (h *ArtifactHandler) writeUpload(w http.ResponseWriter, r *http.Request, id string, created bool, size int) {
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.logger.Debug("artifact uploaded",
		zap.String("id", id),
		zap.Bool("created", created),
		zap.Int("size", size),
	)
	WriteSuccessStatus(w, r, status, api.UploadResponse{ID: id, Created: created, Size: size})
}

// HandleGetReceipt 下载作业的 STARK 收据（原始字节）
// @Summary 下载收据
// @Tags artifact
// @Produce octet-stream
// @Param id path string true "作业 ID"
// @Success 200 {file} binary "收据"
// @Failure 404 {object} Response "收据不存在"
// @Security ApiKeyAuth
// @Router /v1/receipts/{id} [get]
func (h *ArtifactHandler) HandleGetReceipt(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r, h.logger)
	if !ok {
		return
	}
	data, err := h.store.Get(r.Context(), artifact.ReceiptKey(artifact.BucketStark, jobID.String()))
	if err != nil {
		WriteDomainError(w, r, err, h.logger)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
