package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/proofflow/artifact"
	"github.com/BaSui01/proofflow/internal/ctxkeys"
	"github.com/BaSui01/proofflow/taskdb"
	"github.com/BaSui01/proofflow/types"
)

// DefaultMaxBodyBytes JSON 请求体上限
const DefaultMaxBodyBytes = 1 << 20

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// Response 统一 API 响应结构
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息结构
type ErrorInfo struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable,omitempty"`
	HTTPStatus int    `json:"-"`
}

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	// 响应头已发出，编码失败无法再告知客户端
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess 写入成功响应
func WriteSuccess(w http.ResponseWriter, r *http.Request, data any) {
	WriteSuccessStatus(w, r, http.StatusOK, data)
}

// WriteSuccessStatus 以指定状态码写入成功响应
func WriteSuccessStatus(w http.ResponseWriter, r *http.Request, status int, data any) {
	WriteJSON(w, status, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: requestID(r),
	})
}

// WriteError 写入错误响应（从 types.Error）
func WriteError(w http.ResponseWriter, r *http.Request, err *types.Error, logger *zap.Logger) {
	status := err.HTTPStatus
	if status == 0 {
		status = mapErrorCodeToHTTPStatus(err.Code)
	}

	if logger != nil {
		fields := []zap.Field{
			zap.String("code", string(err.Code)),
			zap.String("message", err.Message),
			zap.Int("status", status),
			zap.Bool("retryable", err.Retryable),
			zap.Error(err.Cause),
		}
		if id := requestID(r); id != "" {
			fields = append(fields, zap.String("request_id", id))
		}
		if status >= http.StatusInternalServerError {
			logger.Error("API error", fields...)
		} else {
			logger.Debug("API error", fields...)
		}
	}

	WriteJSON(w, status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:       string(err.Code),
			Message:    err.Message,
			Retryable:  err.Retryable,
			HTTPStatus: status,
		},
		Timestamp: time.Now(),
		RequestID: requestID(r),
	})
}

// WriteErrorMessage 写入简单错误消息
func WriteErrorMessage(w http.ResponseWriter, r *http.Request, status int, code types.ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, r, types.NewError(code, message).WithHTTPStatus(status), logger)
}

// WriteDomainError 将队列与存储层的错误转换为 API 错误后写出
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	WriteError(w, r, toAPIError(err), logger)
}

func toAPIError(err error) *types.Error {
	if e, ok := types.AsError(err); ok {
		return e
	}
	switch {
	case errors.Is(err, taskdb.ErrNotFound), errors.Is(err, artifact.ErrNotFound):
		return types.NewError(types.ErrNotFound, "resource not found").WithCause(err)
	case errors.Is(err, taskdb.ErrAlreadyExists):
		return types.NewError(types.ErrConflict, "resource already exists").WithCause(err)
	case errors.Is(err, taskdb.ErrInvalidInput), errors.Is(err, artifact.ErrInvalidInput):
		return types.NewError(types.ErrInvalidRequest, err.Error()).WithCause(err)
	case errors.Is(err, taskdb.ErrQueueClosed):
		return types.NewError(types.ErrQueueUnavailable, "queue unavailable").WithCause(err).WithRetryable(true)
	case errors.Is(err, artifact.ErrStoreClosed):
		return types.NewError(types.ErrStoreUnavailable, "artifact store unavailable").WithCause(err).WithRetryable(true)
	default:
		return types.NewError(types.ErrInternalError, "internal error").WithCause(err)
	}
}

func requestID(r *http.Request) string {
	if r == nil {
		return ""
	}
	id, _ := ctxkeys.RequestID(r.Context())
	return id
}

// =============================================================================
// 🔄 错误码到 HTTP 状态码映射
// =============================================================================

func mapErrorCodeToHTTPStatus(code types.ErrorCode) int {
	switch code {
	// 4xx 客户端错误
	case types.ErrInvalidRequest, types.ErrValidation:
		return http.StatusBadRequest
	case types.ErrUnauthorized:
		return http.StatusUnauthorized
	case types.ErrNotFound:
		return http.StatusNotFound
	case types.ErrConflict, types.ErrStaleClaim:
		return http.StatusConflict
	case types.ErrPrerequisitePending:
		return http.StatusPreconditionFailed
	case types.ErrRateLimited:
		return http.StatusTooManyRequests

	// 5xx 服务端错误
	case types.ErrTimeout:
		return http.StatusGatewayTimeout
	case types.ErrQueueUnavailable, types.ErrStoreUnavailable, types.ErrServiceUnavailable:
		return http.StatusServiceUnavailable
	case types.ErrRemoteChannel:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// 🛡️ 请求验证辅助函数
// =============================================================================

// DecodeJSONBody 以严格模式解码 JSON 请求体，失败时已写出错误响应
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	if r.Body == nil || r.Body == http.NoBody {
		err := types.NewError(types.ErrInvalidRequest, "request body is empty")
		WriteError(w, r, err, logger)
		return err
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, DefaultMaxBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		apiErr := types.NewError(types.ErrInvalidRequest, "invalid JSON body").WithCause(err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apiErr = types.NewError(types.ErrInvalidRequest, "request body too large").
				WithHTTPStatus(http.StatusRequestEntityTooLarge)
		}
		WriteError(w, r, apiErr, logger)
		return apiErr
	}
	if decoder.More() {
		err := types.NewError(types.ErrInvalidRequest, "request body must contain a single JSON object")
		WriteError(w, r, err, logger)
		return err
	}
	return nil
}

// ReadBody 读取二进制请求体，limit 为上限
func ReadBody(w http.ResponseWriter, r *http.Request, limit int64, logger *zap.Logger) ([]byte, bool) {
	if r.Body == nil || r.Body == http.NoBody {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest, "request body is empty", logger)
		return nil, false
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteErrorMessage(w, r, http.StatusRequestEntityTooLarge, types.ErrInvalidRequest, "request body too large", logger)
			return nil, false
		}
		WriteError(w, r, types.NewError(types.ErrInvalidRequest, "failed to read body").WithCause(err), logger)
		return nil, false
	}
	if len(data) == 0 {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest, "request body is empty", logger)
		return nil, false
	}
	return data, true
}

// ValidateContentType 验证 Content-Type 为 JSON
func ValidateContentType(w http.ResponseWriter, r *http.Request, logger *zap.Logger) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		WriteErrorMessage(w, r, http.StatusUnsupportedMediaType, types.ErrInvalidRequest, "Content-Type must be application/json", logger)
		return false
	}
	return true
}

// =============================================================================
// 📊 响应包装器（用于捕获状态码）
// =============================================================================

// ResponseWriter 包装 http.ResponseWriter 以捕获状态码与字节数
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Bytes      int
	Written    bool
}

// NewResponseWriter 创建新的 ResponseWriter
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader 重写 WriteHeader 以捕获状态码
func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Write 重写 Write 以标记已写入
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.Bytes += n
	return n, err
}

// Unwrap 供 http.ResponseController 访问底层 writer
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
