// Package otel provides OpenTelemetry tracer provider initialization and management.
package otel

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mrzor/socket-tracer/internal/config"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"
)

const exportTimeout = 10 * time.Second

// exporterOptions maps the configured endpoint to exporter options. A bare
// host:port is exported to over plain HTTP. A URL keeps its scheme, and a
// generic OTLP endpoint URL without a path gets the traces path.
func exporterOptions(cfg *config.OTELConfig) ([]otlptracehttp.Option, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithTimeout(exportTimeout)}

	endpoint := cfg.GetEndpoint()
	if !strings.Contains(endpoint, "://") {
		return append(opts, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure()), nil
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid OTLP endpoint %q: %w", endpoint, err)
	}
	if cfg.TracesEndpoint == "" && strings.Trim(u.Path, "/") == "" {
		u.Path = "/v1/traces"
	}
	return append(opts, otlptracehttp.WithEndpointURL(u.String())), nil
}

// InitProvider creates a tracer provider exporting over OTLP/HTTP with a
// batch span processor. The exporter connects lazily, so an unreachable
// collector shows up as export errors rather than a startup failure.
//
// The HTTP client honors HTTP_PROXY, HTTPS_PROXY and NO_PROXY.
func InitProvider(ctx context.Context, cfg *config.OTELConfig, version string, logger *zap.Logger) (*sdktrace.TracerProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithTimeout(ctx, exportTimeout)
	defer cancel()

	logger.Info("configuring OTLP exporter",
		zap.String("service_name", cfg.ServiceName),
		zap.String("endpoint", cfg.GetEndpoint()),
		zap.String("resource_attributes", cfg.ResourceAttributes),
	)

	opts, err := exporterOptions(cfg)
	if err != nil {
		return nil, err
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	res, err := newResource(ctx, cfg, version)
	if err != nil {
		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

func newResource(ctx context.Context, cfg *config.OTELConfig, version string) (*resource.Resource, error) {
	resourceAttrs := []resource.Option{
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	}
	if version != "" {
		resourceAttrs = append(resourceAttrs, resource.WithAttributes(semconv.ServiceVersion(version)))
	}
	if customAttrs := cfg.ParseResourceAttributes(); len(customAttrs) > 0 {
		resourceAttrs = append(resourceAttrs, resource.WithAttributes(customAttrs...))
	}

	res, err := resource.New(ctx, resourceAttrs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// ShutdownProvider gracefully shuts down the tracer provider, flushing any remaining spans.
func ShutdownProvider(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	if err := tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	return nil
}
