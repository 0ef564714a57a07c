package otel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const (
	defaultEndpoint       = "localhost:4318"
	defaultExportInterval = 30 * time.Second
)

// Config describes how the relay exports traces and metrics over OTLP/HTTP.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// Endpoint is host:port or a URL. The URL scheme overrides Insecure and a
	// path prefixes the /v1/traces and /v1/metrics routes.
	Endpoint string
	Insecure bool
	Headers  map[string]string
	// Attributes are added to the resource, e.g. the served networks.
	Attributes map[string]string
	// SampleRatio applies to root spans; children follow their parent.
	SampleRatio    float64
	ExportInterval time.Duration
	Metrics        bool
	Traces         bool
}

// WithEnv overlays the standard OTEL_EXPORTER_OTLP_* and OTEL_TRACES_SAMPLER_ARG
// variables on c. Exporting is switched on by an endpoint and off again by
// OTEL_SDK_DISABLED=true.
func (c Config) WithEnv(getenv func(string) string) Config {
	if endpoint := strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		c.Endpoint = endpoint
	}
	if value := strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			c.Insecure = parsed
		}
	}
	if headers := ParseHeaders(getenv("OTEL_EXPORTER_OTLP_HEADERS")); len(headers) > 0 {
		if c.Headers == nil {
			c.Headers = map[string]string{}
		}
		for k, v := range headers {
			c.Headers[k] = v
		}
	}
	if value := strings.TrimSpace(getenv("OTEL_TRACES_SAMPLER_ARG")); value != "" {
		if ratio, err := strconv.ParseFloat(value, 64); err == nil {
			c.SampleRatio = ratio
		}
	}
	enabled := strings.TrimSpace(c.Endpoint) != ""
	if value := strings.TrimSpace(getenv("OTEL_SDK_DISABLED")); value != "" {
		if disabled, err := strconv.ParseBool(value); err == nil && disabled {
			enabled = false
		}
	}
	c.Metrics = enabled
	c.Traces = enabled
	return c
}

// Init installs the global tracer and meter providers and the W3C propagators.
// The returned function flushes and stops the exporters.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		return nil, errors.New("service name required for telemetry")
	}
	target, err := parseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	switch target.scheme {
	case "https":
		cfg.Insecure = false
	case "http":
		cfg.Insecure = true
	}
	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var shutdownFns []func(context.Context) error
	if cfg.Traces {
		tp, err := newTracerProvider(ctx, cfg, target, res)
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(tp)
		shutdownFns = append(shutdownFns, tp.Shutdown)
	}
	if cfg.Metrics {
		mp, err := newMeterProvider(ctx, cfg, target, res)
		if err != nil {
			return nil, err
		}
		otel.SetMeterProvider(mp)
		shutdownFns = append(shutdownFns, mp.Shutdown)
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		var errs []error
		for i := len(shutdownFns) - 1; i >= 0; i-- {
			errs = append(errs, shutdownFns[i](ctx))
		}
		return errors.Join(errs...)
	}, nil
}

type endpoint struct {
	host   string
	path   string
	scheme string
}

func parseEndpoint(raw string) (endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return endpoint{host: defaultEndpoint}, nil
	}
	if !strings.Contains(raw, "://") {
		return endpoint{host: raw}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return endpoint{}, fmt.Errorf("parse otlp endpoint: %w", err)
	}
	if u.Host == "" {
		return endpoint{}, fmt.Errorf("otlp endpoint %q has no host", raw)
	}
	return endpoint{host: u.Host, path: strings.TrimRight(u.Path, "/"), scheme: u.Scheme}, nil
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(cfg.ServiceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(cfg.ServiceVersion))
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentKey.String(cfg.Environment))
	}
	keys := make([]string, 0, len(cfg.Attributes))
	for k := range cfg.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, cfg.Attributes[k]))
	}
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}
	return res, nil
}

func newTracerProvider(ctx context.Context, cfg Config, target endpoint, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(target.host)}
	if target.path != "" {
		opts = append(opts, otlptracehttp.WithURLPath(target.path+"/v1/traces"))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio(cfg.SampleRatio)))),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
	), nil
}

func newMeterProvider(ctx context.Context, cfg Config, target endpoint, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(target.host)}
	if target.path != "" {
		opts = append(opts, otlpmetrichttp.WithURLPath(target.path+"/v1/metrics"))
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlpmetrichttp.WithHeaders(cfg.Headers))
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = defaultExportInterval
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	), nil
}

// sampleRatio treats unset as "sample everything".
func sampleRatio(ratio float64) float64 {
	switch {
	case ratio <= 0 || ratio > 1:
		return 1
	default:
		return ratio
	}
}

// ParseHeaders converts a comma-separated OTEL header string (key=value,foo=bar)
// into a map suitable for the exporter configuration.
func ParseHeaders(raw string) map[string]string {
	headers := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(pair), "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers
}
