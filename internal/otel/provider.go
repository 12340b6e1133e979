package otel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/noorlabs/qiblad/internal/config"
)

// Config holds OTel configuration
type Config struct {
	config.OTelConfig
	LogWriter io.Writer // File to write OTel logs to
}

// Provider manages OpenTelemetry providers for logs and metrics
type Provider struct {
	logProvider   *sdklog.LoggerProvider
	meterProvider *sdkmetric.MeterProvider
	reader        *sdkmetric.ManualReader
	config        Config
}

// New creates a new OTel provider with the given configuration.
// If OTel is disabled, returns a no-op provider.
func New(cfg Config) (*Provider, error) {
	p := &Provider{
		config: cfg,
	}

	if !cfg.Enabled {
		return p, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "qiblad"
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Second
	}

	ctx := context.Background()

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var processors []sdklog.Processor

	if cfg.LogWriter != nil {
		fileExporter, err := stdoutlog.New(
			stdoutlog.WithWriter(cfg.LogWriter),
			stdoutlog.WithPrettyPrint(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create file log exporter: %w", err)
		}
		processors = append(processors, sdklog.NewBatchProcessor(fileExporter,
			sdklog.WithExportTimeout(cfg.BatchTimeout),
		))
	}

	if cfg.Endpoint != "" {
		otlpOpts := []otlploghttp.Option{
			otlploghttp.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			otlpOpts = append(otlpOpts, otlploghttp.WithInsecure())
		}

		otlpExporter, err := otlploghttp.New(ctx, otlpOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP log exporter: %w", err)
		}
		processors = append(processors, sdklog.NewBatchProcessor(otlpExporter,
			sdklog.WithExportTimeout(cfg.BatchTimeout),
		))
	}

	if len(processors) == 0 {
		return nil, fmt.Errorf("OTel enabled but no log writer or endpoint configured")
	}

	opts := []sdklog.LoggerProviderOption{
		sdklog.WithResource(res),
	}
	for _, proc := range processors {
		opts = append(opts, sdklog.WithProcessor(proc))
	}
	p.logProvider = sdklog.NewLoggerProvider(opts...)

	// Metrics are pulled on demand by the API's metrics endpoint.
	p.reader = sdkmetric.NewManualReader()
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(p.reader),
	)
	otel.SetMeterProvider(p.meterProvider)

	return p, nil
}

// LoggerProvider returns the log provider for use with otelslog bridge.
// Returns nil if OTel is not enabled.
func (p *Provider) LoggerProvider() *sdklog.LoggerProvider {
	return p.logProvider
}

// Meter returns a meter with the given name, or a no-op meter when disabled.
func (p *Provider) Meter(name string) metric.Meter {
	if p.meterProvider == nil {
		return noop.Meter{}
	}
	return p.meterProvider.Meter(name)
}

// Counters collects every integer sum and returns it keyed by instrument name
// and attributes, e.g. `session.transitions{to=calibrated}`.
func (p *Provider) Counters(ctx context.Context) (map[string]int64, error) {
	if p.reader == nil {
		return map[string]int64{}, nil
	}
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("failed to collect metrics: %w", err)
	}
	return Sums(rm), nil
}

// Sums flattens the int64 sums of rm.
func Sums(rm metricdata.ResourceMetrics) map[string]int64 {
	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				out[m.Name+labels(dp.Attributes.ToSlice())] += dp.Value
			}
		}
	}
	return out
}

func labels(kvs []attribute.KeyValue) string {
	if len(kvs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		parts = append(parts, string(kv.Key)+"="+kv.Value.Emit())
	}
	sort.Strings(parts)
	return "{" + strings.Join(parts, ",") + "}"
}

// Flush forces a flush of all pending logs.
func (p *Provider) Flush(ctx context.Context) error {
	if !p.config.Enabled {
		return nil
	}

	if p.logProvider != nil {
		if err := p.logProvider.ForceFlush(ctx); err != nil {
			return fmt.Errorf("log flush failed: %w", err)
		}
	}

	return nil
}

// Shutdown gracefully shuts down all providers.
// Should be called when the application exits.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.config.Enabled {
		return nil
	}

	var errs []error
	if p.logProvider != nil {
		if err := p.logProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("log shutdown failed: %w", err))
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metric shutdown failed: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Enabled returns whether OTel is enabled
func (p *Provider) Enabled() bool {
	return p.config.Enabled
}
