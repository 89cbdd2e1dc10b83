// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry wires OpenTelemetry metrics for the credential issuer and
// exposes them in the Prometheus exposition format.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InstrumentationName is the meter name used by every component.
const InstrumentationName = "github.com/stacklok/credissuer"

// Metric names.
const (
	MetricAliasFailures     = "cri_key_rotation_alias_failures_total"
	MetricFallbackExhausted = "cri_key_rotation_fallback_exhausted_total"
	MetricLegacyFallback    = "cri_key_rotation_legacy_fallback_total"
	MetricRetryAttempts     = "cri_retry_attempts_total"
)

// Attribute keys.
const (
	AttrKeyAlias = "key_alias"
	AttrOutcome  = "outcome"
)

// Config configures the Prometheus provider.
type Config struct {
	// EnableMetricsPath exposes the /metrics handler.
	EnableMetricsPath bool

	// IncludeRuntimeMetrics adds Go runtime and process collectors.
	IncludeRuntimeMetrics bool

	// OTLP additionally pushes metrics to a collector when Endpoint is set.
	OTLP OTLPConfig
}

// OTLPConfig configures the OTLP/HTTP metric exporter.
type OTLPConfig struct {
	Endpoint string
	Insecure bool
	Headers  map[string]string
}

// Provider owns the meter provider and the HTTP handler serving its metrics.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	handler       http.Handler
}

// NewPrometheusProvider builds a meter provider backed by the OpenTelemetry
// Prometheus exporter on a private registry, plus an OTLP reader when
// configured.
func NewPrometheusProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.EnableMetricsPath {
		return nil, errors.New("prometheus provider requires EnableMetricsPath")
	}

	registry := prometheus.NewRegistry()
	if cfg.IncludeRuntimeMetrics {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithReader(exporter)}
	if cfg.OTLP.Endpoint != "" {
		reader, err := NewOTLPReader(ctx, cfg.OTLP)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdkmetric.WithReader(reader))
	}

	return &Provider{
		meterProvider: sdkmetric.NewMeterProvider(opts...),
		handler:       promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}, nil
}

// NewOTLPReader creates a periodic reader exporting to an OTLP/HTTP collector.
func NewOTLPReader(ctx context.Context, cfg OTLPConfig) (sdkmetric.Reader, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("OTLP endpoint is required")
	}

	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint)}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlpmetrichttp.WithHeaders(cfg.Headers))
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}

	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}
	return sdkmetric.NewPeriodicReader(exporter), nil
}

// MeterProvider returns the provider to inject into components.
func (p *Provider) MeterProvider() metric.MeterProvider {
	return p.meterProvider
}

// Handler serves the registry in the Prometheus text format.
func (p *Provider) Handler() http.Handler {
	return p.handler
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.meterProvider.Shutdown(ctx)
}

// Meter returns the component meter from mp, or a no-op meter when mp is nil.
func Meter(mp metric.MeterProvider) metric.Meter {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	return mp.Meter(InstrumentationName)
}
