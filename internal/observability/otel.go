// Package observability bootstraps distributed tracing for the delivery
// service. Spans cover the two edges worth correlating across processes:
// inbound dashboard requests (via the otelgin middleware in the router)
// and outbound webhook attempts (via Tracer in the delivery pool), with
// GORM queries traced through the gorm otel plugin when enabled.
//
// Everything is gated on OTEL_ENABLED: disabled, SetupOTel installs
// nothing and the delivery pool's spans fall through to the no-op global
// tracer at negligible cost.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"google.golang.org/grpc/credentials"
)

// tracerName scopes the pipeline's own spans; HTTP middleware and the
// gorm plugin report under their instrumentation names.
const tracerName = "github.com/ipcasj/ethhook"

// TracingConfig is the subset of configuration SetupOTel needs. It mirrors
// config.OTELConfig without importing it, keeping this package free of
// config coupling.
type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	ServiceName string
	SampleRatio float64
}

// Tracer returns the tracer webhook delivery spans are recorded on.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// SetupOTel installs the global tracer provider and W3C propagators and
// returns a shutdown function that flushes buffered spans. When tracing is
// disabled the returned shutdown is a no-op.
func SetupOTel(ctx context.Context, cfg TracingConfig, version string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	res, err := newResource(ctx, cfg.ServiceName, version)
	if err != nil {
		return nil, err
	}

	// Parent-based sampling keeps every span of a sampled delivery or
	// request together; the ratio only gates new roots.
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

// newExporter builds the OTLP gRPC span exporter, plaintext or TLS per
// configuration.
func newExporter(ctx context.Context, cfg TracingConfig) (*otlptrace.Exporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	return otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
}

// newResource identifies this service instance on exported spans. Host
// detection is included so multi-instance consumer deployments can be told
// apart in the backend.
func newResource(ctx context.Context, serviceName, version string) (*resource.Resource, error) {
	return resource.New(
		ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
}
