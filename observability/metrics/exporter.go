package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// MetricExporter owns the OTLP pipeline the Recorder's instruments report to.
type MetricExporter struct {
	meterProvider    *sdkmetric.MeterProvider
	meter            metric.Meter
	resource         *resource.Resource
	serviceName      string
	serviceNamespace string
	serviceVersion   string
	otlpEndpoint     string
	otlpGRPCEndpoint string
	environment      string
	interval         time.Duration
}

type Option func(*MetricExporter)

func WithServiceName(name string) Option {
	return func(mc *MetricExporter) {
		mc.serviceName = name
	}
}

func WithServiceNamespace(namespace string) Option {
	return func(mc *MetricExporter) {
		mc.serviceNamespace = namespace
	}
}

func WithServiceVersion(version string) Option {
	return func(mc *MetricExporter) {
		mc.serviceVersion = version
	}
}

// WithOTLPEndpoint sets the OTLP HTTP endpoint
func WithOTLPEndpoint(endpoint string) Option {
	return func(mc *MetricExporter) {
		mc.otlpEndpoint = endpoint
	}
}

// WithOTLPGRPCEndpoint sets the OTLP gRPC endpoint. It takes precedence over HTTP.
func WithOTLPGRPCEndpoint(endpoint string) Option {
	return func(mc *MetricExporter) {
		mc.otlpGRPCEndpoint = endpoint
	}
}

func WithEnvironment(env string) Option {
	return func(mc *MetricExporter) {
		mc.environment = env
	}
}

// WithInterval sets how often metrics are pushed.
func WithInterval(d time.Duration) Option {
	return func(mc *MetricExporter) {
		if d > 0 {
			mc.interval = d
		}
	}
}

func defaultConfig() *MetricExporter {
	return &MetricExporter{
		serviceName:      "realtime-gateway",
		serviceNamespace: "default",
		serviceVersion:   "1.0.0",
		otlpEndpoint:     "localhost:4318",
		environment:      "development",
		interval:         10 * time.Second,
	}
}

// NewMetricExporter builds a meter provider pushing to OTLP over gRPC or HTTP
// and installs it as the global provider.
func NewMetricExporter(opts ...Option) (*MetricExporter, error) {
	mc := defaultConfig()
	for _, opt := range opts {
		opt(mc)
	}

	if mc.otlpGRPCEndpoint == "" && mc.otlpEndpoint == "" {
		return nil, errors.New("OTLP HTTP endpoint is required when gRPC endpoint is not configured")
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(mc.serviceName),
			semconv.ServiceNamespace(mc.serviceNamespace),
			semconv.ServiceVersion(mc.serviceVersion),
			semconv.DeploymentEnvironment(mc.environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdkmetric.Exporter
	if mc.otlpGRPCEndpoint != "" {
		exporter, err = otlpmetricgrpc.New(context.Background(),
			otlpmetricgrpc.WithEndpoint(mc.otlpGRPCEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP gRPC exporter: %w", err)
		}
	} else {
		exporter, err = otlpmetrichttp.New(context.Background(),
			otlpmetrichttp.WithEndpoint(mc.otlpEndpoint),
			otlpmetrichttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP HTTP exporter: %w", err)
		}
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(mc.interval),
		)),
	)
	otel.SetMeterProvider(meterProvider)

	mc.meterProvider = meterProvider
	mc.meter = meterProvider.Meter(mc.serviceName)
	mc.resource = res
	return mc, nil
}

func (mc *MetricExporter) Meter() metric.Meter {
	return mc.meter
}

// Close flushes pending metrics and shuts the provider down.
func (mc *MetricExporter) Close(ctx context.Context) error {
	return mc.meterProvider.Shutdown(ctx)
}
