package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/BaSui01/convertflow/internal/digest"
	"github.com/BaSui01/convertflow/internal/history"
	"github.com/BaSui01/convertflow/internal/ratelimit"
	"github.com/BaSui01/convertflow/internal/resultcache"
	"github.com/BaSui01/convertflow/internal/workspace"
	"github.com/BaSui01/convertflow/types"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// =============================================================================
// 🔄 Conversion Service
// =============================================================================

const (
	MsgRateLimited  = "Rate limit exceeded"
	MsgEmptyFile    = "File is empty"
	MsgReadFailed   = "Error reading converted file"
	historyTimeout  = 2 * time.Second
	anonymousClient = "anonymous"
)

// ResultCache is the subset of *resultcache.Cache used by the service.
type ResultCache interface {
	Lookup(ctx context.Context, d digest.Digest, f types.Format) (*resultcache.Entry, bool)
	Store(ctx context.Context, d digest.Digest, inputPath, outputPath string, f types.Format, ttl time.Duration) (*resultcache.Entry, error)
	Open(e *resultcache.Entry) (*os.File, error)
}

// Recorder receives conversion metrics. *metrics.Collector implements it.
type Recorder interface {
	RecordConversion(input, output, status string, duration time.Duration)
	RecordRateLimit(result string)
	RecordWorkspaceCleanupFailure()
}

// HistoryAppender persists terminal outcomes. *history.Store implements it.
type HistoryAppender interface {
	Append(ctx context.Context, rec *history.Record) error
}

// ServiceConfig configures the Service.
type ServiceConfig struct {
	MaxUploadBytes int64
	WorkspaceRoot  string
	CacheTTL       time.Duration
}

// Request is one conversion request after format validation.
type Request struct {
	RequestID    string
	ClientID     string
	Filename     string
	Body         io.Reader
	InputFormat  types.Format
	OutputFormat types.Format
}

// Result is a converted artifact ready to be streamed.
type Result struct {
	Format types.Format
	Digest digest.Digest
	Size   int64
	Cached bool
	// Body is the artifact; the caller must close it.
	Body io.ReadCloser
}

// RateLimitedError is returned when the client exhausted its window.
type RateLimitedError struct {
	Decision ratelimit.Decision
}

func (e *RateLimitedError) Error() string { return MsgRateLimited }

// Unwrap exposes the typed error so handlers can map the status.
func (e *RateLimitedError) Unwrap() error {
	return types.NewError(types.ErrRateLimited, MsgRateLimited)
}

// Service drives one request through the pipeline: persist and size-check
// the upload, admit it through the rate limiter, look the digest up in the
// result cache and otherwise convert under the supervisor.
type Service struct {
	config   ServiceConfig
	runner   Runner
	limiter  ratelimit.Limiter
	cache    ResultCache
	recorder Recorder
	history  HistoryAppender
	group    singleflight.Group
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates a service. runner is normally a *Supervisor.
func NewService(config ServiceConfig, runner Runner, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = 50 << 20
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = time.Hour
	}
	return &Service{
		config:  config,
		runner:  runner,
		limiter: ratelimit.Noop{},
		logger:  logger.With(zap.String("component", "conversion_service")),
		now:     time.Now,
	}
}

// WithLimiter sets the rate limiter.
func (s *Service) WithLimiter(l ratelimit.Limiter) *Service {
	if l != nil {
		s.limiter = l
	}
	return s
}

// WithCache sets the result cache; nil disables caching.
func (s *Service) WithCache(c ResultCache) *Service {
	s.cache = c
	return s
}

// WithRecorder sets the metrics recorder.
func (s *Service) WithRecorder(r Recorder) *Service {
	s.recorder = r
	return s
}

// WithHistory sets the audit store.
func (s *Service) WithHistory(h HistoryAppender) *Service {
	s.history = h
	return s
}

// MaxUploadBytes returns the configured upload ceiling.
func (s *Service) MaxUploadBytes() int64 { return s.config.MaxUploadBytes }

// OversizeError is the error for uploads over the ceiling.
func (s *Service) OversizeError() *types.Error {
	mb := float64(s.config.MaxUploadBytes) / 1024 / 1024
	return types.Errorf(types.ErrFileTooLarge, "File size exceeds maximum limit of %vMB", mb)
}

// conversion is the value shared by singleflight callers.
type conversion struct {
	outcome Outcome
	data    []byte
}

// Convert runs the pipeline. The returned error is a *types.Error, possibly
// wrapped by *RateLimitedError. The per-request workspace is gone by the time
// Convert returns, whatever the outcome.
func (s *Service) Convert(ctx context.Context, req Request) (res *Result, err error) {
	start := s.now()
	client := req.ClientID
	if client == "" {
		client = anonymousClient
	}
	log := s.logger.With(
		zap.String("request_id", req.RequestID),
		zap.String("client_id", client),
		zap.String("input_format", string(req.InputFormat)),
		zap.String("output_format", string(req.OutputFormat)),
	)

	ws, werr := workspace.New(s.config.WorkspaceRoot)
	if werr != nil {
		log.Error("failed to create workspace", zap.Error(werr))
		return nil, types.NewError(types.ErrInternalError, werr.Error()).WithCause(werr)
	}
	defer func() {
		if rerr := ws.Remove(); rerr != nil {
			log.Error("failed to remove workspace", zap.String("dir", ws.Dir()), zap.Error(rerr))
			if s.recorder != nil {
				s.recorder.RecordWorkspaceCleanupFailure()
			}
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Error("conversion pipeline panicked", zap.Any("panic", r), zap.Stack("stack"))
			res = nil
			err = types.Errorf(types.ErrInternalError, "%v", r)
		}
	}()

	// 持久化上传并校验大小
	up, uerr := ws.WriteInput(req.InputFormat, req.Body, s.config.MaxUploadBytes)
	if errors.Is(uerr, workspace.ErrTooLarge) {
		log.Warn("upload rejected: too large", zap.Int64("limit", s.config.MaxUploadBytes))
		return nil, s.OversizeError()
	}
	if uerr != nil {
		log.Warn("failed to read upload", zap.Error(uerr))
		return nil, types.Errorf(types.ErrInvalidRequest, "Error reading uploaded file: %v", uerr).WithCause(uerr)
	}
	if up.Size == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, MsgEmptyFile)
	}

	// 限流：仅对通过校验的请求计数
	decision := s.limiter.Admit(ctx, client)
	s.recordRateLimit(decision)
	if !decision.Allowed {
		log.Info("rate limit exceeded",
			zap.Int("count", decision.Count),
			zap.Duration("retry_after", decision.RetryAfter),
		)
		return nil, &RateLimitedError{Decision: decision}
	}

	// 哈希放在限流之后，被拒绝的请求不消耗哈希开销
	sum, herr := digest.File(up.Path)
	if herr != nil {
		log.Error("failed to hash upload", zap.Error(herr))
		return nil, types.NewError(types.ErrInternalError, herr.Error()).WithCause(herr)
	}

	log = log.With(zap.String("digest", sum.Short()), zap.Int64("input_size", up.Size))
	log.Info("conversion request accepted", zap.String("filename", req.Filename))

	rec := &history.Record{
		RequestID:    req.RequestID,
		ClientID:     client,
		InputFormat:  string(req.InputFormat),
		OutputFormat: string(req.OutputFormat),
		Digest:       string(sum),
		InputSize:    up.Size,
	}

	// 缓存命中：直接返回缓存文件，不触碰引擎
	if s.cache != nil {
		if entry, ok := s.cache.Lookup(ctx, sum, req.OutputFormat); ok {
			f, oerr := s.cache.Open(entry)
			if oerr == nil {
				log.Info("using cached conversion result", zap.String("path", entry.Path))
				rec.Cached = true
				rec.OutputSize = entry.Size
				s.finish(ctx, rec, "cache_hit", "", MsgSuccess, start)
				return &Result{
					Format: req.OutputFormat,
					Digest: sum,
					Size:   entry.Size,
					Cached: true,
					Body:   f,
				}, nil
			}
			log.Warn("cached artifact vanished, converting", zap.Error(oerr))
		}
	}

	runCtx := context.WithoutCancel(ctx)
	key := string(sum) + ":" + string(req.OutputFormat)
	v, _, shared := s.group.Do(key, func() (any, error) {
		return s.convert(runCtx, ws, up, sum, req, log), nil
	})
	conv := v.(*conversion)
	if shared {
		log.Debug("joined in-flight conversion")
	}

	if !conv.outcome.Success {
		s.finish(ctx, rec, conv.outcome.Status(), conv.outcome.Code, conv.outcome.Message, start)
		return nil, conv.outcome.Err()
	}

	rec.OutputSize = int64(len(conv.data))
	s.finish(ctx, rec, conv.outcome.Status(), "", conv.outcome.Message, start)
	return &Result{
		Format: req.OutputFormat,
		Digest: sum,
		Size:   int64(len(conv.data)),
		Body:   io.NopCloser(bytes.NewReader(conv.data)),
	}, nil
}

// convert runs one attempt, populates the cache and reads the artifact into
// memory so it outlives the workspace.
func (s *Service) convert(ctx context.Context, ws *workspace.Workspace, up *workspace.Upload, sum digest.Digest, req Request, log *zap.Logger) *conversion {
	attempt := Attempt{
		WorkDir:      ws.Dir(),
		InputPath:    up.Path,
		OutputPath:   ws.OutputPath(req.OutputFormat),
		InputFormat:  req.InputFormat,
		OutputFormat: req.OutputFormat,
		InputSize:    up.Size,
	}

	outcome := s.runner.Run(ctx, attempt)
	if !outcome.Success {
		return &conversion{outcome: outcome}
	}

	if s.cache != nil {
		// 缓存失败只记录日志，不影响本次转换
		_, _ = s.cache.Store(ctx, sum, up.Path, outcome.ArtifactPath, req.OutputFormat, s.config.CacheTTL)
	}

	data, err := os.ReadFile(outcome.ArtifactPath)
	if err != nil {
		log.Error("failed to read converted file", zap.String("path", outcome.ArtifactPath), zap.Error(err))
		return &conversion{outcome: Failed(StageVerify, types.ErrInternalError, MsgReadFailed)}
	}
	return &conversion{outcome: outcome, data: data}
}

func (s *Service) recordRateLimit(d ratelimit.Decision) {
	if s.recorder == nil {
		return
	}
	switch {
	case d.Degraded:
		s.recorder.RecordRateLimit("degraded")
	case d.Allowed:
		s.recorder.RecordRateLimit("allowed")
	default:
		s.recorder.RecordRateLimit("rejected")
	}
}

func (s *Service) finish(ctx context.Context, rec *history.Record, status string, code types.ErrorCode, message string, start time.Time) {
	elapsed := s.now().Sub(start)
	if s.recorder != nil {
		s.recorder.RecordConversion(rec.InputFormat, rec.OutputFormat, status, elapsed)
	}
	if s.history == nil {
		return
	}
	rec.Status = status
	rec.Code = string(code)
	rec.Message = message
	rec.DurationMS = elapsed.Milliseconds()

	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
	defer cancel()
	if err := s.history.Append(hctx, rec); err != nil {
		s.logger.Warn("failed to append conversion history",
			zap.String("request_id", rec.RequestID),
			zap.Error(fmt.Errorf("append: %w", err)),
		)
	}
}
