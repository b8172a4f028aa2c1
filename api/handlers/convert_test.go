package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/convertflow/internal/converter"
	"github.com/BaSui01/convertflow/internal/ctxkeys"
	"github.com/BaSui01/convertflow/internal/digest"
	"github.com/BaSui01/convertflow/internal/engine"
	"github.com/BaSui01/convertflow/internal/ratelimit"
	"github.com/BaSui01/convertflow/testutil/mocks"
	"github.com/BaSui01/convertflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 测试辅助
// =============================================================================

// fakeConverter 记录收到的请求并返回预设结果
type fakeConverter struct {
	mu       sync.Mutex
	requests []converter.Request
	bodies   []string
	max      int64
	cached   bool
	err      error
}

func (f *fakeConverter) Convert(_ context.Context, req converter.Request) (*converter.Result, error) {
	data, readErr := io.ReadAll(req.Body)

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.bodies = append(f.bodies, string(data))
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	if readErr != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "Error reading uploaded file").WithCause(readErr)
	}
	out := []byte(string(req.OutputFormat) + ":" + string(data))
	return &converter.Result{
		Format: req.OutputFormat,
		Digest: digest.Bytes(data),
		Size:   int64(len(out)),
		Cached: f.cached,
		Body:   io.NopCloser(bytes.NewReader(out)),
	}, nil
}

func (f *fakeConverter) MaxUploadBytes() int64 {
	if f.max == 0 {
		return 1 << 20
	}
	return f.max
}

func (f *fakeConverter) OversizeError() *types.Error {
	return types.Errorf(types.ErrFileTooLarge, "File size exceeds maximum limit of %vMB", float64(f.MaxUploadBytes())/1024/1024)
}

func (f *fakeConverter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type formPart struct {
	field    string
	filename string
	content  string
	isFile   bool
}

func filePart(filename, content string) formPart {
	return formPart{field: fileField, filename: filename, content: content, isFile: true}
}

func multipartBody(t *testing.T, parts ...formPart) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		if p.isFile {
			w, err := mw.CreateFormFile(p.field, p.filename)
			require.NoError(t, err)
			_, err = io.WriteString(w, p.content)
			require.NoError(t, err)
			continue
		}
		require.NoError(t, mw.WriteField(p.field, p.content))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func newConvertHandler(c Converter) *ConvertHandler {
	h := NewConvertHandler(c, zap.NewNop())
	// 平台 MIME 表因系统而异，默认不参与校验
	h.guessMIME = func(string) string { return "" }
	return h
}

func routes(h *ConvertHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /convert", h.HandleConvert)
	mux.HandleFunc("POST /convert/{pair}", h.HandleConvertPair)
	return mux
}

func post(t *testing.T, handler http.Handler, target string, parts ...formPart) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartBody(t, parts...)
	r := httptest.NewRequest(http.MethodPost, target, body)
	r.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

// =============================================================================
// 🎯 /convert
// =============================================================================

func TestConvertHandler_Success(t *testing.T) {
	fc := &fakeConverter{}
	mux := routes(newConvertHandler(fc))

	w := post(t, mux, "/convert?output_format=glb", filePart("Model.FBX", "mesh-bytes"))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "model/gltf-binary", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="converted.glb"`, w.Header().Get("Content-Disposition"))
	assert.Equal(t, "MISS", w.Header().Get(headerCache))
	assert.Equal(t, digest.Bytes([]byte("mesh-bytes")).String(), w.Header().Get(headerContentDigest))
	assert.Equal(t, "14", w.Header().Get("Content-Length"))
	assert.Equal(t, "glb:mesh-bytes", w.Body.String())

	require.Equal(t, 1, fc.calls())
	req := fc.requests[0]
	assert.Equal(t, types.FormatFBX, req.InputFormat)
	assert.Equal(t, types.FormatGLB, req.OutputFormat)
	assert.Equal(t, "Model.FBX", req.Filename)
	assert.Equal(t, "192.0.2.1", req.ClientID)
}

func TestConvertHandler_CacheHitHeader(t *testing.T) {
	fc := &fakeConverter{cached: true}
	w := post(t, routes(newConvertHandler(fc)), "/convert?output_format=obj", filePart("a.glb", "x"))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "HIT", w.Header().Get(headerCache))
	assert.Equal(t, "application/x-tgif", w.Header().Get("Content-Type"))
}

func TestConvertHandler_OutputFormatFormField(t *testing.T) {
	fc := &fakeConverter{}
	w := post(t, routes(newConvertHandler(fc)), "/convert",
		formPart{field: "comment", content: "ignored"},
		formPart{field: outputFormatField, content: "gltf"},
		filePart("scene.obj", "v 0 0 0"),
	)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "model/gltf+json", w.Header().Get("Content-Type"))
	assert.Equal(t, []string{"v 0 0 0"}, fc.bodies)
}

func TestConvertHandler_Validation(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		parts   []formPart
		mime    string
		status  int
		code    types.ErrorCode
		message string
	}{
		{
			name:    "no file field",
			target:  "/convert?output_format=glb",
			parts:   []formPart{{field: "other", content: "x"}},
			status:  http.StatusBadRequest,
			code:    types.ErrInvalidRequest,
			message: MsgNoFile,
		},
		{
			name:    "empty filename",
			target:  "/convert?output_format=glb",
			parts:   []formPart{filePart("", "x")},
			status:  http.StatusBadRequest,
			code:    types.ErrInvalidRequest,
			message: MsgNoFileSelected,
		},
		{
			name:    "missing output format",
			target:  "/convert",
			parts:   []formPart{filePart("a.fbx", "x")},
			status:  http.StatusBadRequest,
			code:    types.ErrInvalidRequest,
			message: MsgNoOutputFormat,
		},
		{
			name:    "unknown output format",
			target:  "/convert?output_format=stl",
			parts:   []formPart{filePart("a.fbx", "x")},
			status:  http.StatusBadRequest,
			code:    types.ErrUnsupportedFormat,
			message: "Unsupported output format: stl",
		},
		{
			name:    "unknown input extension",
			target:  "/convert?output_format=glb",
			parts:   []formPart{filePart("a.stl", "x")},
			status:  http.StatusBadRequest,
			code:    types.ErrUnsupportedFormat,
			message: "Unsupported input format: stl",
		},
		{
			name:    "no extension",
			target:  "/convert?output_format=glb",
			parts:   []formPart{filePart("README", "x")},
			status:  http.StatusBadRequest,
			code:    types.ErrUnsupportedFormat,
			message: "Unsupported input format: ",
		},
		{
			name:    "identical pair",
			target:  "/convert?output_format=fbx",
			parts:   []formPart{filePart("a.fbx", "x")},
			status:  http.StatusBadRequest,
			code:    types.ErrUnsupportedFormat,
			message: "Unsupported conversion: fbx to fbx",
		},
		{
			name:    "mime mismatch",
			target:  "/convert?output_format=glb",
			parts:   []formPart{filePart("a.gltf", "{}")},
			mime:    "image/png",
			status:  http.StatusBadRequest,
			code:    types.ErrInvalidRequest,
			message: "Invalid MIME type: image/png",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeConverter{}
			h := newConvertHandler(fc)
			if tt.mime != "" {
				h.guessMIME = func(string) string { return tt.mime }
			}

			w := post(t, routes(h), tt.target, tt.parts...)

			assert.Equal(t, tt.status, w.Code)
			resp := decodeError(t, w)
			assert.Equal(t, tt.message, resp.Error)
			assert.Equal(t, string(tt.code), resp.Code)
			// 校验失败不会触达转换服务
			assert.Zero(t, fc.calls())
		})
	}
}

func TestConvertHandler_AcceptedMIME(t *testing.T) {
	fc := &fakeConverter{}
	h := newConvertHandler(fc)
	h.guessMIME = func(string) string { return "model/gltf+json" }

	w := post(t, routes(h), "/convert?output_format=glb", filePart("a.gltf", "{}"))
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestConvertHandler_NotMultipart(t *testing.T) {
	fc := &fakeConverter{}
	r := httptest.NewRequest(http.MethodPost, "/convert?output_format=glb", strings.NewReader("raw"))
	r.Header.Set("Content-Type", "application/octet-stream")
	w := httptest.NewRecorder()

	routes(newConvertHandler(fc)).ServeHTTP(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, MsgNoFile, decodeError(t, w).Error)
}

func TestConvertHandler_ContentLengthFastPath(t *testing.T) {
	fc := &fakeConverter{max: 1024}
	payload := strings.Repeat("x", 1024+multipartSlack+1)

	w := post(t, routes(newConvertHandler(fc)), "/convert?output_format=glb", filePart("a.fbx", payload))

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, string(types.ErrFileTooLarge), resp.Code)
	assert.Equal(t, "File size exceeds maximum limit of 0.0009765625MB", resp.Error)
	assert.Zero(t, fc.calls())
}

func TestConvertHandler_RateLimited(t *testing.T) {
	fc := &fakeConverter{err: &converter.RateLimitedError{Decision: ratelimit.Decision{
		Count:      10,
		Limit:      10,
		RetryAfter: 1500 * time.Millisecond,
	}}}

	w := post(t, routes(newConvertHandler(fc)), "/convert?output_format=glb", filePart("a.fbx", "x"))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.Equal(t, "10", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, converter.MsgRateLimited, decodeError(t, w).Error)
}

func TestConvertHandler_ConversionFailure(t *testing.T) {
	fc := &fakeConverter{err: types.NewError(types.ErrTimeout, converter.MsgTimeout)}

	w := post(t, routes(newConvertHandler(fc)), "/convert?output_format=glb", filePart("a.fbx", "x"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, converter.MsgTimeout, resp.Error)
	assert.Equal(t, string(types.ErrTimeout), resp.Code)
}

// =============================================================================
// 🎯 /convert/{pair}
// =============================================================================

func TestConvertHandler_Pair(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		filename string
		status   int
		message  string
	}{
		{"valid pair", "/convert/fbx-to-glb", "model.fbx", http.StatusOK, ""},
		{"upper case extension", "/convert/obj-to-vrm", "MODEL.OBJ", http.StatusOK, ""},
		{"extension mismatch", "/convert/fbx-to-glb", "model.obj", http.StatusBadRequest, "File must have .fbx extension"},
		{"unknown input", "/convert/stl-to-glb", "model.stl", http.StatusBadRequest, "Unsupported input format: stl"},
		{"unknown output", "/convert/fbx-to-usd", "model.fbx", http.StatusBadRequest, "Unsupported output format: usd"},
		{"malformed route", "/convert/fbx2glb", "model.fbx", http.StatusNotFound, "Unknown conversion route: fbx2glb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeConverter{}
			w := post(t, routes(newConvertHandler(fc)), tt.target, filePart(tt.filename, "payload"))

			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, 1, fc.calls())
				return
			}
			assert.Equal(t, tt.message, decodeError(t, w).Error)
			assert.Zero(t, fc.calls())
		})
	}
}

func TestClientIdentity(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/convert", nil)
	r.RemoteAddr = "198.51.100.7:40000"
	assert.Equal(t, "198.51.100.7", clientIdentity(r))

	r.RemoteAddr = "pipe"
	assert.Equal(t, "pipe", clientIdentity(r))

	r = r.WithContext(ctxkeys.WithClientID(r.Context(), "key:abcd"))
	assert.Equal(t, "key:abcd", clientIdentity(r))
}

// =============================================================================
// 🔗 与真实转换服务联调
// =============================================================================

func newServiceHandler(t *testing.T, eng *mocks.FakeEngine, maxUpload int64, limit int) http.Handler {
	t.Helper()
	sup := converter.NewSupervisor(converter.NewOrchestrator(eng, zap.NewNop()), converter.SupervisorConfig{Timeout: 5 * time.Second}, zap.NewNop())
	t.Cleanup(sup.Close)

	svc := converter.NewService(converter.ServiceConfig{
		MaxUploadBytes: maxUpload,
		WorkspaceRoot:  t.TempDir(),
	}, sup, zap.NewNop()).
		WithLimiter(ratelimit.NewMemoryLimiter(ratelimit.Config{Requests: limit, Window: time.Minute}, zap.NewNop()))

	return routes(newConvertHandler(svc))
}

func TestConvertHandler_WithService(t *testing.T) {
	eng := mocks.NewFakeEngine()
	handler := newServiceHandler(t, eng, 1<<20, 2)

	w := post(t, handler, "/convert?output_format=glb", filePart("a.fbx", "cube"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "glb:cube", w.Body.String())

	// 空文件与超大文件不消耗配额
	w = post(t, handler, "/convert?output_format=glb", filePart("a.fbx", ""))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, converter.MsgEmptyFile, decodeError(t, w).Error)

	w = post(t, handler, "/convert?output_format=glb", filePart("a.fbx", strings.Repeat("x", 1<<20+1)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "File size exceeds maximum limit of 1MB", decodeError(t, w).Error)

	w = post(t, handler, "/convert?output_format=obj", filePart("a.fbx", "cube"))
	require.Equal(t, http.StatusOK, w.Code)

	w = post(t, handler, "/convert?output_format=obj", filePart("a.fbx", "cube"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestConvertHandler_WithServiceEngineFailure(t *testing.T) {
	eng := mocks.NewFakeEngine().WithObjects(0)
	handler := newServiceHandler(t, eng, 1<<20, 10)

	w := post(t, handler, "/convert?output_format=glb", filePart("a.fbx", "nothing"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, converter.MsgNoObjects, resp.Error)
	assert.Equal(t, string(types.ErrEngineFailure), resp.Code)
}

func TestConvertHandler_WithServiceBVHPrecondition(t *testing.T) {
	eng := mocks.NewFakeEngine().WithActions(0)
	handler := newServiceHandler(t, eng, 1<<20, 10)

	w := post(t, handler, "/convert?output_format=bvh", filePart("a.fbx", "static mesh"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, converter.MsgNoAnimation, decodeError(t, w).Error)
	assert.Zero(t, eng.Calls(engine.OpExport))
}
