// Package otel provides the OpenTelemetry TracerProvider, MeterProvider, and LoggerProvider for the
// auth server, exporting over OTLP gRPC when a collector endpoint is configured.
package otel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const metricInterval = 10 * time.Second

// Providers holds the OpenTelemetry providers and a shutdown function.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *metric.MeterProvider
	LoggerProvider *sdklog.LoggerProvider
	Shutdown       func(context.Context) error
}

// Target is a parsed OTLP gRPC collector endpoint.
type Target struct {
	HostPort string
	Insecure bool
}

// ParseEndpoint normalizes endpoint to host:port. It accepts a bare host:port or a URL with an optional path,
// which is dropped. https endpoints use TLS unless insecureOverride is true (OTEL_EXPORTER_OTLP_INSECURE).
func ParseEndpoint(endpoint string, insecureOverride bool) (Target, error) {
	endpoint = strings.TrimSpace(endpoint)
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return Target{}, fmt.Errorf("invalid OTLP endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return Target{}, fmt.Errorf("invalid OTLP endpoint %q: missing host", endpoint)
	}
	return Target{HostPort: u.Host, Insecure: insecureOverride || u.Scheme != "https"}, nil
}

// NewProviders creates providers that export via OTLP to endpoint. If endpoint is empty, in-process
// providers without exporters are returned and Shutdown only flushes them.
func NewProviders(ctx context.Context, endpoint, serviceName, environment string, insecureOverride bool) (*Providers, error) {
	res, err := newResource(serviceName, environment)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(endpoint) == "" {
		tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
		mp := metric.NewMeterProvider(metric.WithResource(res))
		lp := sdklog.NewLoggerProvider(sdklog.WithResource(res))
		return &Providers{
			TracerProvider: tp,
			MeterProvider:  mp,
			LoggerProvider: lp,
			Shutdown:       chain(tp.Shutdown, mp.Shutdown, lp.Shutdown),
		}, nil
	}

	target, err := ParseEndpoint(endpoint, insecureOverride)
	if err != nil {
		return nil, err
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(target.HostPort)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(target.HostPort)}
	logOpts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(target.HostPort)}
	if target.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
		logOpts = append(logOpts, otlploggrpc.WithInsecure())
	}

	traceExp, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("otel: trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp), sdktrace.WithResource(res))

	metricExp, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("otel: metric exporter: %w", err)
	}
	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(metricExp, metric.WithInterval(metricInterval))),
	)

	logExp, err := otlploggrpc.New(ctx, logOpts...)
	if err != nil {
		_ = chain(tp.Shutdown, mp.Shutdown)(ctx)
		return nil, fmt.Errorf("otel: log exporter: %w", err)
	}
	lp := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)), sdklog.WithResource(res))

	return &Providers{
		TracerProvider: tp,
		MeterProvider:  mp,
		LoggerProvider: lp,
		Shutdown:       chain(tp.Shutdown, mp.Shutdown, lp.Shutdown),
	}, nil
}

func newResource(serviceName, environment string) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(serviceName)}
	if environment != "" {
		attrs = append(attrs, attribute.String("deployment.environment", environment))
	}
	return resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
}

// chain shuts providers down in reverse order so logs emitted during trace shutdown are still exported.
func chain(fns ...func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		var errs []error
		for i := len(fns) - 1; i >= 0; i-- {
			if err := fns[i](ctx); err != nil {
				log.Printf("telemetry: shutdown: %v", err)
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

// SetGlobal installs the providers globally so otelgrpc, the auth service tracer, and the security event
// publisher use them. It also installs the W3C trace-context propagator.
func (p *Providers) SetGlobal() {
	if p.TracerProvider != nil {
		otel.SetTracerProvider(p.TracerProvider)
	}
	if p.MeterProvider != nil {
		otel.SetMeterProvider(p.MeterProvider)
	}
	if p.LoggerProvider != nil {
		global.SetLoggerProvider(p.LoggerProvider)
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
}
