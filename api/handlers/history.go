package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/BaSui01/convertflow/internal/digest"
	"github.com/BaSui01/convertflow/internal/history"
	"github.com/BaSui01/convertflow/types"
	"go.uber.org/zap"
)

// =============================================================================
// 📜 转换历史 Handler
// =============================================================================

// HistoryReader 读取转换历史。*history.Store 实现该接口。
type HistoryReader interface {
	Recent(ctx context.Context, q history.Query) ([]history.Record, error)
	Summarize(ctx context.Context, since time.Time) (history.Summary, error)
}

// HistoryHandler 转换历史处理器
type HistoryHandler struct {
	store  HistoryReader
	logger *zap.Logger
}

// ConversionList 历史列表响应
type ConversionList struct {
	Conversions []history.Record `json:"conversions"`
	Count       int              `json:"count"`
}

// NewHistoryHandler 创建历史处理器
func NewHistoryHandler(store HistoryReader, logger *zap.Logger) *HistoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryHandler{
		store:  store,
		logger: logger.With(zap.String("handler", "history")),
	}
}

// HandleList 处理 GET /api/v1/conversions?limit=&client_id=&status=&digest=&since=
// @Summary 最近的转换记录
// @Tags 历史
// @Produce json
// @Param limit query int false "条数（默认 50，最大 500）"
// @Param client_id query string false "客户端标识"
// @Param status query string false "结果状态"
// @Param digest query string false "输入内容摘要（X-Content-Digest 的值）"
// @Param since query string false "RFC3339 起始时间"
// @Success 200 {object} ConversionList
// @Failure 400 {object} ErrorResponse
// @Router /api/v1/conversions [get]
func (h *HistoryHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := history.Query{
		ClientID: params.Get("client_id"),
		Status:   params.Get("status"),
	}

	if v := params.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			WriteErrorMessage(w, r, types.ErrInvalidRequest, "limit must be a positive integer", h.logger)
			return
		}
		q.Limit = limit
	}
	if v := params.Get("digest"); v != "" {
		d, err := digest.Parse(v)
		if err != nil {
			WriteErrorMessage(w, r, types.ErrInvalidRequest, "digest must be 64 lowercase hex characters", h.logger)
			return
		}
		q.Digest = d.String()
	}
	since, ok := h.parseSince(w, r)
	if !ok {
		return
	}
	q.Since = since

	records, err := h.store.Recent(r.Context(), q)
	if err != nil {
		WriteError(w, r, types.NewError(types.ErrInternalError, "failed to list conversions").WithCause(err), h.logger)
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	WriteJSON(w, http.StatusOK, ConversionList{Conversions: records, Count: len(records)})
}

// HandleSummary 处理 GET /api/v1/conversions/summary?since=
// @Summary 按结果状态汇总转换次数
// @Tags 历史
// @Produce json
// @Success 200 {object} history.Summary
// @Router /api/v1/conversions/summary [get]
func (h *HistoryHandler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	since, ok := h.parseSince(w, r)
	if !ok {
		return
	}
	sum, err := h.store.Summarize(r.Context(), since)
	if err != nil {
		WriteError(w, r, types.NewError(types.ErrInternalError, "failed to summarize conversions").WithCause(err), h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, sum)
}

func (h *HistoryHandler) parseSince(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	v := r.URL.Query().Get("since")
	if v == "" {
		return time.Time{}, true
	}
	since, err := time.Parse(time.RFC3339, v)
	if err != nil {
		WriteErrorMessage(w, r, types.ErrInvalidRequest, "since must be an RFC3339 timestamp", h.logger)
		return time.Time{}, false
	}
	return since, true
}
