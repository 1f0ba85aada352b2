// Package telemetry wires the OTel tracer/meter providers and the
// Prometheus scrape endpoint behind the composition root's optional
// metrics listener. Only HTTP OTLP export is supported: the grpc-based
// exporter and its grpc/protobuf dependency are not part of this stack.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"pkt.systems/pslog"
)

// Config configures Setup. An empty Config is valid and yields a no-op
// Bundle: telemetry is optional everywhere it's wired.
type Config struct {
	OTLPEndpoint           string
	MetricsListen          string
	EnableProfilingMetrics bool
	ServiceName            string
	Logger                 pslog.Logger
}

// Bundle owns the provider/server lifetime Setup constructs. Shutdown is
// ordered meter -> metrics server -> tracer. There is no pprof listener
// here: nothing in this runtime names one.
type Bundle struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Meter          Meter

	metricsServer *http.Server
	metricsLn     net.Listener
	logger        pslog.Logger
}

// Shutdown tears the bundle down in reverse dependency order, joining any
// failures rather than stopping at the first one.
func (b *Bundle) Shutdown(ctx context.Context) error {
	if b == nil {
		return nil
	}
	var errs []error
	if b.MeterProvider != nil {
		if err := b.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter shutdown: %w", err))
			b.logger.Warn("telemetry.shutdown.meter_failure", "error", err)
		}
	}
	if b.metricsServer != nil {
		if err := b.metricsServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
			b.logger.Warn("telemetry.shutdown.metrics_server_failure", "error", err)
		}
	}
	if b.metricsLn != nil {
		_ = b.metricsLn.Close()
	}
	if b.TracerProvider != nil {
		if err := b.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
			b.logger.Warn("telemetry.shutdown.tracer_failure", "error", err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	b.logger.Info("telemetry.shutdown.complete")
	return nil
}

type otelErrorHandler struct {
	logger pslog.Logger
}

func (h otelErrorHandler) Handle(err error) {
	if err == nil {
		return
	}
	if strings.Contains(err.Error(), "waiting for connections to become ready") {
		h.logger.Debug("telemetry.exporter.retry", "error", err)
		return
	}
	h.logger.Warn("telemetry.exporter.error", "error", err)
}

// Setup builds a Bundle from cfg. It returns (nil, nil) when nothing is
// configured, the same "telemetry is entirely optional" contract the
// teacher's setupTelemetry uses.
func Setup(ctx context.Context, cfg Config) (*Bundle, error) {
	if strings.TrimSpace(cfg.OTLPEndpoint) == "" && strings.TrimSpace(cfg.MetricsListen) == "" {
		return nil, nil
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "atomix"
	}

	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	var tracerProvider *sdktrace.TracerProvider
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		tracerProvider, err = setupHTTPTracing(ctx, endpoint, res)
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(tracerProvider)
		logger.Info("telemetry.tracing.enabled", "endpoint", endpoint)
	}

	var meterProvider *sdkmetric.MeterProvider
	var metricsServer *http.Server
	var metricsLn net.Listener
	if metricsListen := strings.TrimSpace(cfg.MetricsListen); metricsListen != "" {
		registry := prometheus.NewRegistry()
		exporterOpts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
		if cfg.EnableProfilingMetrics {
			exporterOpts = append(exporterOpts, otelprometheus.WithProducer(otelruntime.NewProducer()))
		}
		exporter, err := otelprometheus.New(exporterOpts...)
		if err != nil {
			shutdownTracer(ctx, tracerProvider)
			return nil, fmt.Errorf("telemetry: start prometheus exporter: %w", err)
		}
		meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		otel.SetMeterProvider(meterProvider)
		if cfg.EnableProfilingMetrics {
			if err := otelruntime.Start(otelruntime.WithMeterProvider(meterProvider)); err != nil {
				shutdownTracer(ctx, tracerProvider)
				_ = meterProvider.Shutdown(ctx)
				return nil, fmt.Errorf("telemetry: start runtime metrics: %w", err)
			}
		}
		metricsServer, metricsLn, err = startMetricsServer(metricsListen, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), logger)
		if err != nil {
			shutdownTracer(ctx, tracerProvider)
			_ = meterProvider.Shutdown(ctx)
			return nil, err
		}
		logger.Info("telemetry.metrics.enabled", "listen", metricsListen)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetErrorHandler(otelErrorHandler{logger: logger})

	var meter Meter
	if meterProvider != nil {
		meter, err = newMeter(meterProvider)
		if err != nil {
			shutdownTracer(ctx, tracerProvider)
			_ = meterProvider.Shutdown(ctx)
			return nil, err
		}
	}

	return &Bundle{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Meter:          meter,
		metricsServer:  metricsServer,
		metricsLn:      metricsLn,
		logger:         logger,
	}, nil
}

func shutdownTracer(ctx context.Context, tp *sdktrace.TracerProvider) {
	if tp != nil {
		_ = tp.Shutdown(ctx)
	}
}

func setupHTTPTracing(ctx context.Context, endpoint string, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	target, insecure, path := parseOTLPHTTPEndpoint(endpoint)
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(target),
		otlptracehttp.WithTimeout(10 * time.Second),
	}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if path != "" && path != "/" {
		opts = append(opts, otlptracehttp.WithURLPath(path))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: start trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(1.0))),
		sdktrace.WithBatcher(exporter),
	), nil
}

// parseOTLPHTTPEndpoint accepts a bare host:port (defaults to insecure,
// port 4318) or a scheme-qualified URL ("http://" or "https://").
func parseOTLPHTTPEndpoint(raw string) (endpoint string, insecure bool, path string) {
	if !strings.Contains(raw, "://") {
		if !strings.Contains(raw, ":") {
			raw = net.JoinHostPort(raw, "4318")
		}
		return raw, true, ""
	}
	scheme, rest, _ := strings.Cut(raw, "://")
	host, path, _ := strings.Cut(rest, "/")
	if !strings.Contains(host, ":") {
		host = net.JoinHostPort(host, "4318")
	}
	return host, strings.ToLower(scheme) == "http", path
}

func startMetricsServer(addr string, handler http.Handler, logger pslog.Logger) (*http.Server, net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", otelhttp.NewHandler(handler, "metrics.scrape"))
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("telemetry.metrics.serve_error", "error", err)
		}
	}()
	return srv, ln, nil
}
