// Package tracing sets up the OpenTelemetry tracer provider used by the
// scriptfilter command
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"
)

// Config holds configuration for tracing setup. Tracing is disabled when
// OTLPEndpoint is empty.
type Config struct {
	ServiceName    string  `yaml:"service_name" toml:"service_name" env:"SERVICE_NAME"`
	ServiceVersion string  `yaml:"service_version" toml:"service_version" env:"SERVICE_VERSION"`
	Environment    string  `yaml:"environment" toml:"environment" env:"ENVIRONMENT"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint" toml:"otlp_endpoint" env:"OTLP_ENDPOINT"` // host:port, path added by exporter
	Insecure       bool    `yaml:"insecure" toml:"insecure" env:"INSECURE"`
	SampleRatio    float64 `yaml:"sample_ratio" toml:"sample_ratio" env:"SAMPLE_RATIO"`
}

// DefaultConfig returns a development configuration exporting to a local
// collector
func DefaultConfig(serviceName string) Config {
	return Config{
		ServiceName:    serviceName,
		ServiceVersion: "dev",
		Environment:    "development",
		OTLPEndpoint:   "127.0.0.1:4318",
		Insecure:       true,
		SampleRatio:    1.0,
	}
}

// Enabled reports whether an exporter endpoint is configured
func (c Config) Enabled() bool {
	return c.OTLPEndpoint != ""
}

// Setup installs a global tracer provider exporting over OTLP/HTTP.
// Returns a shutdown function that should be called when the application exits.
// When tracing is disabled the global no-op provider is left in place.
func Setup(ctx context.Context, config Config, logger *zap.Logger) (func(context.Context) error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !config.Enabled() {
		logger.Debug("tracing disabled, no OTLP endpoint configured")
		return func(context.Context) error { return nil }, nil
	}

	logger.Info("setting up tracing",
		zap.String("service_name", config.ServiceName),
		zap.String("otlp_endpoint", config.OTLPEndpoint),
		zap.String("environment", config.Environment))

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(config.SampleRatio))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}

// Shutdown flushes and stops the tracer provider, waiting at most ten seconds
func Shutdown(shutdown func(context.Context) error, logger *zap.Logger) error {
	if shutdown == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := shutdown(ctx); err != nil {
		logger.Error("failed to shut down tracing", zap.Error(err))
		return err
	}
	logger.Debug("tracing shut down")
	return nil
}
