// =============================================================================
// 🔭 ConvertFlow OpenTelemetry
// =============================================================================
// 集中创建 TracerProvider / MeterProvider，并定义各组件使用的
// instrumentation scope。遥测禁用时不创建导出器，全局 provider 保持 noop，
// 组件通过 Tracer / Meter 拿到的仍是可用的 noop 实现。
// =============================================================================

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/BaSui01/convertflow/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Instrumentation scopes
const (
	ScopeHTTP      = "github.com/BaSui01/convertflow/http"
	ScopeConverter = "github.com/BaSui01/convertflow/internal/converter"
	ScopeEngine    = "github.com/BaSui01/convertflow/internal/engine"
)

const (
	defaultServiceName    = "convertflow"
	defaultMetricInterval = 30 * time.Second
)

// Providers 持有 SDK provider；遥测禁用时两者均为 nil，Shutdown 为空操作
type Providers struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Tracer 返回指定 scope 的 tracer，始终来自全局 provider
func Tracer(scope string) trace.Tracer {
	return otel.Tracer(scope)
}

// Meter 返回指定 scope 的 meter，始终来自全局 provider
func Meter(scope string) metric.Meter {
	return otel.Meter(scope)
}

// normalize 填充缺省值并把采样率限制在 (0, 1]
func normalize(cfg config.TelemetryConfig) config.TelemetryConfig {
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	if cfg.SampleRate <= 0 || cfg.SampleRate > 1 {
		cfg.SampleRate = 1
	}
	if cfg.MetricInterval <= 0 {
		cfg.MetricInterval = defaultMetricInterval
	}
	return cfg
}

// Init 初始化 OTel SDK 并注册为全局 provider。cfg.Enabled 为 false 时
// 不连接任何外部服务。
func Init(cfg config.TelemetryConfig, logger *zap.Logger) (*Providers, error) {
	if !cfg.Enabled {
		logger.Info("telemetry disabled, using noop providers")
		return &Providers{}, nil
	}
	cfg = normalize(cfg)
	ctx := context.Background()

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	tp, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		return nil, err
	}
	mp, err := newMeterProvider(ctx, cfg, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("telemetry initialized",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.String("service_name", cfg.ServiceName),
		zap.Float64("sample_rate", cfg.SampleRate),
		zap.Duration("metric_interval", cfg.MetricInterval),
	)
	return &Providers{tp: tp, mp: mp}, nil
}

func newResource(ctx context.Context, cfg config.TelemetryConfig) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithProcessPID(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(buildVersion()),
			attribute.String("convertflow.component", "conversion-service"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}
	return res, nil
}

// newTracerProvider 上游已采样的请求保持一致，根 span 按比例采样
func newTracerProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	), nil
}

func newMeterProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.MetricInterval))
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	), nil
}

// Shutdown 刷新未导出的 span 与指标并关闭导出器。nil 与 noop Providers 均可调用。
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Enabled 报告是否安装了真实导出器
func (p *Providers) Enabled() bool {
	return p != nil && p.tp != nil
}

// buildVersion 从构建信息读取模块版本，取不到时为 "dev"
func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return "dev"
	}
	return info.Main.Version
}
