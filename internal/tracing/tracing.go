// Package tracing exports OpenTelemetry spans over OTLP gRPC.
package tracing

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/moolen/sentinel/internal/config"
	"github.com/moolen/sentinel/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

const serviceName = "sentinel"

// Provider owns the global tracer provider and implements lifecycle.Component.
// When tracing is disabled the otel no-op provider stays installed and
// every span is dropped.
type Provider struct {
	tp      *sdktrace.TracerProvider
	enabled bool
	logger  *logging.Logger
}

// NewProvider installs an OTLP exporting tracer provider when cfg enables it.
func NewProvider(cfg config.TracingConfig, version string) (*Provider, error) {
	logger := logging.GetLogger("tracing")
	if !cfg.Enabled {
		logger.Debug("Tracing disabled")
		return &Provider{logger: logger}, nil
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("tracing enabled but endpoint not configured")
	}

	creds, err := transportCredentials(cfg)
	if err != nil {
		return nil, err
	}
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(creds)),
	}
	if !cfg.TLSInsecure && cfg.TLSCAPath == "" {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)
	logger.Info("Tracing spans to %s", cfg.Endpoint)

	return &Provider{tp: tp, enabled: true, logger: logger}, nil
}

// transportCredentials picks plaintext, TLS with a custom CA, or TLS without
// verification.
func transportCredentials(cfg config.TracingConfig) (credentials.TransportCredentials, error) {
	switch {
	case cfg.TLSInsecure:
		return credentials.NewTLS(&tls.Config{
			InsecureSkipVerify: true, // #nosec G402 -- explicit operator opt-in
			MinVersion:         tls.VersionTLS12,
		}), nil
	case cfg.TLSCAPath != "":
		ca, err := os.ReadFile(cfg.TLSCAPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.TLSCAPath)
		}
		return credentials.NewTLS(&tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}), nil
	default:
		return insecure.NewCredentials(), nil
	}
}

func (p *Provider) Start(ctx context.Context) error { return nil }

// Stop flushes buffered spans.
func (p *Provider) Stop(ctx context.Context) error {
	if !p.enabled {
		return nil
	}
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down tracer provider: %w", err)
	}
	return nil
}

func (p *Provider) Name() string { return "tracing" }

func (p *Provider) Enabled() bool { return p.enabled }

// Tracer returns a named tracer from the global provider.
func (p *Provider) Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
