// Package otel wires OpenTelemetry tracing, metrics and logs to an OTLP
// collector and publishes security events as OTel log records.
package otel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// Providers holds the OpenTelemetry providers and a shutdown function.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *metric.MeterProvider
	LoggerProvider *sdklog.LoggerProvider
	// Exporting is false when no endpoint was configured.
	Exporting bool
	Shutdown  func(context.Context) error
}

// Config selects the collector and names the service.
type Config struct {
	// Endpoint may be a URL with optional path (http://localhost:4317); only host:port is dialed.
	// Empty returns providers that export nothing.
	Endpoint    string
	ServiceName string
	Version     string
	Environment string
	// Insecure forces plaintext even for https endpoints (OTEL_EXPORTER_OTLP_INSECURE).
	Insecure bool
}

// NewProviders creates providers that export via OTLP gRPC to cfg.Endpoint.
// Traces, metrics and logs share one client connection to the collector.
func NewProviders(ctx context.Context, cfg Config, logger *zap.Logger) (*Providers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return &Providers{
			TracerProvider: sdktrace.NewTracerProvider(),
			MeterProvider:  metric.NewMeterProvider(),
			LoggerProvider: sdklog.NewLoggerProvider(),
			Shutdown:       func(context.Context) error { return nil },
		}, nil
	}

	target, plaintext, err := collectorTarget(cfg)
	if err != nil {
		return nil, err
	}
	creds := credentials.NewTLS(nil)
	if plaintext {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("dial collector %s: %w", target, err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.Version),
		semconv.DeploymentEnvironmentNameKey.String(cfg.Environment),
	))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	// Stopped in reverse order; the connection closes last.
	stops := []func(context.Context) error{func(context.Context) error { return conn.Close() }}
	stopAll := func(ctx context.Context) error {
		var errs []error
		for i := len(stops) - 1; i >= 0; i-- {
			if err := stops[i](ctx); err != nil {
				logger.Warn("telemetry shutdown", zap.Error(err))
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	traceExp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		_ = stopAll(ctx)
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	p := &Providers{Exporting: true, Shutdown: stopAll}
	p.TracerProvider = sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp), sdktrace.WithResource(res))
	stops = append(stops, p.TracerProvider.Shutdown)

	metricExp, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
	if err != nil {
		_ = stopAll(ctx)
		return nil, fmt.Errorf("metric exporter: %w", err)
	}
	p.MeterProvider = metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(metricExp, metric.WithInterval(15*time.Second))),
	)
	stops = append(stops, p.MeterProvider.Shutdown)

	logExp, err := otlploggrpc.New(ctx, otlploggrpc.WithGRPCConn(conn))
	if err != nil {
		_ = stopAll(ctx)
		return nil, fmt.Errorf("log exporter: %w", err)
	}
	p.LoggerProvider = sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	stops = append(stops, p.LoggerProvider.Shutdown)

	logger.Info("telemetry exporting", zap.String("collector", target), zap.Bool("plaintext", plaintext))
	return p, nil
}

// collectorTarget reduces the configured endpoint to host:port. Plaintext is
// used unless the scheme is https and Insecure is unset.
func collectorTarget(cfg Config) (string, bool, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("invalid OTLP endpoint %q: %w", cfg.Endpoint, err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("invalid OTLP endpoint %q: missing host", cfg.Endpoint)
	}
	return u.Host, cfg.Insecure || u.Scheme != "https", nil
}

// SetGlobal installs the tracer and meter providers and the W3C propagator so
// otelhttp and otelgrpc pick them up. The LoggerProvider stays explicit.
func (p *Providers) SetGlobal() {
	if p.TracerProvider != nil {
		otel.SetTracerProvider(p.TracerProvider)
	}
	if p.MeterProvider != nil {
		otel.SetMeterProvider(p.MeterProvider)
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
}
