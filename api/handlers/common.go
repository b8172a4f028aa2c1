package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/BaSui01/convertflow/internal/ctxkeys"
	"github.com/BaSui01/convertflow/types"
	"go.uber.org/zap"
)

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// ErrorResponse 统一错误响应。error 字段始终是面向用户的消息。
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	// 编码失败时响应头已写出，只能放弃
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError 写入错误响应（从 types.Error）
func WriteError(w http.ResponseWriter, r *http.Request, err *types.Error, logger *zap.Logger) {
	status := err.Status()

	resp := ErrorResponse{
		Error: err.Message,
		Code:  string(err.Code),
	}
	if r != nil {
		resp.RequestID, _ = ctxkeys.RequestID(r.Context())
	}

	if logger != nil {
		fields := []zap.Field{
			zap.String("code", string(err.Code)),
			zap.String("message", err.Message),
			zap.Int("status", status),
			zap.String("request_id", resp.RequestID),
		}
		if err.Cause != nil {
			fields = append(fields, zap.Error(err.Cause))
		}
		if status >= http.StatusInternalServerError {
			logger.Error("API error", fields...)
		} else {
			logger.Info("API request rejected", fields...)
		}
	}

	WriteJSON(w, status, resp)
}

// WriteErrorMessage 写入简单错误消息
func WriteErrorMessage(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, r, types.NewError(code, message), logger)
}

// errorFrom 把任意错误归一为 *types.Error，未知错误视为内部错误。
func errorFrom(err error) *types.Error {
	if te, ok := types.AsError(err); ok {
		return te
	}
	return types.NewError(types.ErrInternalError, err.Error()).WithCause(err)
}

// =============================================================================
// 📊 响应包装器（用于捕获状态码）
// =============================================================================

// ResponseWriter 包装 http.ResponseWriter 以捕获状态码和写出字节数
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode   int
	Written      bool
	BytesWritten int64
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
	rw.BytesWritten += int64(n)
	return n, err
}

// Flush 透传 http.Flusher
func (rw *ResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap 供 http.ResponseController 访问底层 writer
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// isMaxBytesError 判断请求体是否因 http.MaxBytesReader 而被截断
func isMaxBytesError(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}
