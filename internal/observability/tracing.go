package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/SkynetNext/sockdispatch/internal/config"
	"github.com/SkynetNext/sockdispatch/internal/discovery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Version is reported as service.version. Set at build time with -ldflags.
var Version = "dev"

const (
	exporterJaeger = "jaeger"
	exporterNone   = "none"
)

var tracer trace.Tracer

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// InitTracing installs the global tracer provider described by cfg. With
// the "none" exporter spans are not exported and the returned ShutdownFunc
// does nothing.
func InitTracing(cfg config.TracingConfig) (ShutdownFunc, error) {
	sampler, err := newSampler(cfg)
	if err != nil {
		return nil, err
	}
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}
	exp, err := newExporter(cfg)
	if err != nil {
		return nil, err
	}
	if exp == nil {
		return noopShutdown, nil
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer = otel.Tracer(cfg.ServiceName)
	return tp.Shutdown, nil
}

// newExporter returns nil when spans are not exported.
func newExporter(cfg config.TracingConfig) (tracesdk.SpanExporter, error) {
	kind := cfg.Exporter
	if kind == "" {
		kind = exporterNone
		if cfg.JaegerEndpoint != "" {
			kind = exporterJaeger
		}
	}

	switch kind {
	case exporterNone:
		return nil, nil
	case exporterJaeger:
		if cfg.JaegerEndpoint == "" {
			return nil, fmt.Errorf("tracing: jaeger exporter needs jaeger_endpoint")
		}
		return jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerEndpoint)))
	default:
		return nil, fmt.Errorf("tracing: unknown exporter %q", cfg.Exporter)
	}
}

func newSampler(cfg config.TracingConfig) (tracesdk.Sampler, error) {
	switch cfg.Sampler {
	case "always":
		return tracesdk.AlwaysSample(), nil
	case "never":
		return tracesdk.NeverSample(), nil
	case "ratio", "parent_ratio", "":
	default:
		return nil, fmt.Errorf("tracing: unknown sampler %q", cfg.Sampler)
	}

	if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
		return nil, fmt.Errorf("tracing: sample_ratio %v outside [0, 1]", cfg.SampleRatio)
	}
	ratio := tracesdk.TraceIDRatioBased(cfg.SampleRatio)
	if cfg.Sampler == "ratio" {
		return ratio, nil
	}
	return tracesdk.ParentBased(ratio), nil
}

// newResource describes this daemon. Pod attributes come from the downward
// API and are left out when not running in a pod.
func newResource(cfg config.TracingConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(Version),
	}
	if pod := discovery.GetPodName(); pod != "" {
		attrs = append(attrs, semconv.K8SPodNameKey.String(pod))
	}
	if ns := discovery.GetPodNamespace(); ns != "" {
		attrs = append(attrs, semconv.K8SNamespaceNameKey.String(ns))
	}
	if node := discovery.GetNodeName(); node != "" {
		attrs = append(attrs, semconv.K8SNodeNameKey.String(node))
	}

	return resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
}

// GetTracer returns the global tracer
func GetTracer() trace.Tracer {
	if tracer == nil {
		return otel.Tracer("sockdispatch")
	}
	return tracer
}

// StartSpan starts a new span
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return GetTracer().Start(ctx, name, opts...)
}

// InjectTraceContext injects trace context into HTTP headers
func InjectTraceContext(ctx context.Context, req *http.Request) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// ExtractTraceContext extracts trace context from HTTP headers
func ExtractTraceContext(ctx context.Context, req *http.Request) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(req.Header))
}
