package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/BaSui01/convertflow/internal/converter"
	"github.com/BaSui01/convertflow/internal/ctxkeys"
	"github.com/BaSui01/convertflow/internal/pool"
	"github.com/BaSui01/convertflow/internal/ratelimit"
	"github.com/BaSui01/convertflow/types"
	"go.uber.org/zap"
)

// =============================================================================
// 🔄 转换 Handler
// =============================================================================

const (
	// fileField 上传文件的表单字段名
	fileField = "file"
	// outputFormatField 输出格式参数名（查询参数或表单字段）
	outputFormatField = "output_format"
	// multipartSlack 请求体上限在文件上限之外为 multipart 头部预留的余量
	multipartSlack = 1 << 20
	// maxFieldBytes 普通表单字段的读取上限
	maxFieldBytes = 64
)

const (
	MsgNoFile           = "No file provided"
	MsgNoFileSelected   = "No file selected"
	MsgNoOutputFormat   = "No output format provided"
	MsgSendFailed       = "Error sending converted file"
	headerCache         = "X-Cache"
	headerContentDigest = "X-Content-Digest"
)

// Converter 执行一次转换。*converter.Service 实现该接口。
type Converter interface {
	Convert(ctx context.Context, req converter.Request) (*converter.Result, error)
	MaxUploadBytes() int64
	OversizeError() *types.Error
}

// ConvertHandler 处理模型转换上传
type ConvertHandler struct {
	converter Converter
	logger    *zap.Logger
	guessMIME func(filename string) string
}

// NewConvertHandler 创建转换处理器
func NewConvertHandler(c Converter, logger *zap.Logger) *ConvertHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConvertHandler{
		converter: c,
		logger:    logger.With(zap.String("handler", "convert")),
		guessMIME: types.GuessMIMEType,
	}
}

// upload 是从 multipart 流中定位到的文件部分
type upload struct {
	part         *multipart.Part
	filename     string
	outputFormat string
}

// HandleConvert 处理 POST /convert?output_format=<fmt>
// @Summary 转换 3D 模型
// @Description 上传 multipart 字段 file，输入格式由文件扩展名推断
// @Tags 转换
// @Accept multipart/form-data
// @Produce application/octet-stream
// @Param output_format query string true "目标格式"
// @Success 200 {file} binary "转换后的文件"
// @Failure 400 {object} ErrorResponse "参数错误"
// @Failure 413 {object} ErrorResponse "文件过大"
// @Failure 429 {object} ErrorResponse "超出限流"
// @Failure 500 {object} ErrorResponse "转换失败"
// @Router /convert [post]
func (h *ConvertHandler) HandleConvert(w http.ResponseWriter, r *http.Request) {
	up, terr := h.openUpload(w, r)
	if terr != nil {
		WriteError(w, r, terr, h.logger)
		return
	}
	defer up.part.Close()

	outName := r.URL.Query().Get(outputFormatField)
	if outName == "" {
		outName = up.outputFormat
	}
	if outName == "" {
		WriteErrorMessage(w, r, types.ErrInvalidRequest, MsgNoOutputFormat, h.logger)
		return
	}
	out, ok := types.ParseFormat(outName)
	if !ok {
		WriteError(w, r, types.Errorf(types.ErrUnsupportedFormat, "Unsupported output format: %s", outName), h.logger)
		return
	}

	in, terr := h.inputFormat(up.filename)
	if terr != nil {
		WriteError(w, r, terr, h.logger)
		return
	}

	h.convert(w, r, up, in, out)
}

// HandleConvertPair 处理 POST /convert/{pair}，pair 形如 fbx-to-glb。
// 声明的输入格式必须与文件扩展名一致。
// @Summary 按格式对转换 3D 模型
// @Tags 转换
// @Accept multipart/form-data
// @Produce application/octet-stream
// @Param pair path string true "格式对，例如 fbx-to-glb"
// @Success 200 {file} binary "转换后的文件"
// @Failure 400 {object} ErrorResponse "参数错误"
// @Router /convert/{pair} [post]
func (h *ConvertHandler) HandleConvertPair(w http.ResponseWriter, r *http.Request) {
	pair := r.PathValue("pair")
	inName, outName, found := strings.Cut(pair, "-to-")
	if !found {
		WriteError(w, r, types.Errorf(types.ErrNotFound, "Unknown conversion route: %s", pair), h.logger)
		return
	}
	in, ok := types.ParseFormat(inName)
	if !ok {
		WriteError(w, r, types.Errorf(types.ErrUnsupportedFormat, "Unsupported input format: %s", inName), h.logger)
		return
	}
	out, ok := types.ParseFormat(outName)
	if !ok {
		WriteError(w, r, types.Errorf(types.ErrUnsupportedFormat, "Unsupported output format: %s", outName), h.logger)
		return
	}

	up, terr := h.openUpload(w, r)
	if terr != nil {
		WriteError(w, r, terr, h.logger)
		return
	}
	defer up.part.Close()

	if ext, _ := types.FormatFromFilename(up.filename); ext != in {
		WriteError(w, r, types.Errorf(types.ErrInvalidRequest, "File must have .%s extension", in), h.logger)
		return
	}
	if terr := h.checkMIME(in, up.filename); terr != nil {
		WriteError(w, r, terr, h.logger)
		return
	}

	h.convert(w, r, up, in, out)
}

// convert 完成格式对校验后交给转换服务，并组装响应
func (h *ConvertHandler) convert(w http.ResponseWriter, r *http.Request, up *upload, in, out types.Format) {
	if !types.SupportsPair(in, out) {
		WriteError(w, r, types.Errorf(types.ErrUnsupportedFormat, "Unsupported conversion: %s to %s", in, out), h.logger)
		return
	}

	requestID, _ := ctxkeys.RequestID(r.Context())
	res, err := h.converter.Convert(r.Context(), converter.Request{
		RequestID:    requestID,
		ClientID:     clientIdentity(r),
		Filename:     up.filename,
		Body:         up.part,
		InputFormat:  in,
		OutputFormat: out,
	})
	if err != nil {
		h.writeConvertError(w, r, err)
		return
	}
	defer res.Body.Close()

	cacheState := "MISS"
	if res.Cached {
		cacheState = "HIT"
	}
	header := w.Header()
	header.Set("Content-Type", res.Format.MIMEType())
	header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.Format.Filename()))
	header.Set("Content-Length", strconv.FormatInt(res.Size, 10))
	header.Set("Cache-Control", "no-cache")
	header.Set(headerCache, cacheState)
	header.Set(headerContentDigest, res.Digest.String())
	w.WriteHeader(http.StatusOK)

	if _, err := pool.Chunks.Copy(w, res.Body); err != nil {
		// 响应头已写出，客户端只能看到截断
		h.logger.Warn(MsgSendFailed,
			zap.String("request_id", requestID),
			zap.Error(err),
		)
	}
}

func (h *ConvertHandler) writeConvertError(w http.ResponseWriter, r *http.Request, err error) {
	if isMaxBytesError(err) {
		WriteError(w, r, h.converter.OversizeError(), h.logger)
		return
	}
	var limited *converter.RateLimitedError
	if errors.As(err, &limited) {
		w.Header().Set("Retry-After", strconv.Itoa(ratelimit.RetryAfterSeconds(limited.Decision.RetryAfter)))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limited.Decision.Limit))
	}
	WriteError(w, r, errorFrom(err), h.logger)
}

// openUpload 流式读取 multipart 请求，定位 file 字段。file 之前出现的
// output_format 字段会被记住，其余字段丢弃。
func (h *ConvertHandler) openUpload(w http.ResponseWriter, r *http.Request) (*upload, *types.Error) {
	limit := h.converter.MaxUploadBytes() + multipartSlack
	if r.ContentLength > limit {
		return nil, h.converter.OversizeError()
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, MsgNoFile).WithCause(err)
	}

	up := &upload{}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, types.NewError(types.ErrInvalidRequest, MsgNoFile)
		}
		if err != nil {
			if isMaxBytesError(err) {
				return nil, h.converter.OversizeError()
			}
			return nil, types.NewError(types.ErrInvalidRequest, MsgNoFile).WithCause(err)
		}

		switch part.FormName() {
		case fileField:
			if part.FileName() == "" {
				part.Close()
				return nil, types.NewError(types.ErrInvalidRequest, MsgNoFileSelected)
			}
			up.part = part
			up.filename = part.FileName()
			return up, nil
		case outputFormatField:
			value, _ := io.ReadAll(io.LimitReader(part, maxFieldBytes))
			up.outputFormat = strings.TrimSpace(string(value))
		}
		part.Close()
	}
}

// inputFormat 由文件扩展名推断输入格式并校验 MIME 类型
func (h *ConvertHandler) inputFormat(filename string) (types.Format, *types.Error) {
	in, ok := types.FormatFromFilename(filename)
	if !ok {
		ext := strings.TrimPrefix(strings.ToLower(extension(filename)), ".")
		return "", types.Errorf(types.ErrUnsupportedFormat, "Unsupported input format: %s", ext)
	}
	if terr := h.checkMIME(in, filename); terr != nil {
		return "", terr
	}
	return in, nil
}

// checkMIME 仅在平台能由扩展名猜出 MIME 类型时校验
func (h *ConvertHandler) checkMIME(f types.Format, filename string) *types.Error {
	mt := h.guessMIME(filename)
	if mt == "" || f.AcceptsMIME(mt) {
		return nil
	}
	return types.Errorf(types.ErrInvalidRequest, "Invalid MIME type: %s", mt)
}

func extension(filename string) string {
	if i := strings.LastIndexByte(filename, '.'); i >= 0 {
		return filename[i:]
	}
	return ""
}

// clientIdentity 优先使用认证中间件写入的客户端标识，否则退化为对端 IP
func clientIdentity(r *http.Request) string {
	if id, ok := ctxkeys.ClientID(r.Context()); ok {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
