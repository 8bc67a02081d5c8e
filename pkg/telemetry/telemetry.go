// Package telemetry sets up OpenTelemetry tracing for the gateway: the
// global tracer provider, the inbound middleware and the replica client
// transport.
package telemetry

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.25.0"
)

// DefaultService is the service name used when none is configured.
const DefaultService = "canister-proxy"

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

// Settings are read from the standard OTEL_* environment variables.
type Settings struct {
	Endpoint    string
	Headers     map[string]string
	Timeout     time.Duration
	Insecure    bool
	Required    bool
	Sampler     string
	SamplerArg  string
	ServiceName string
}

// FromEnv reads Settings for service from the environment.
func FromEnv(service string) Settings {
	return Settings{
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Headers:     parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Timeout:     time.Duration(envInt("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", 5)) * time.Second,
		Insecure:    os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		Required:    os.Getenv("OTEL_REQUIRED") == "true",
		Sampler:     os.Getenv("OTEL_TRACES_SAMPLER"),
		SamplerArg:  os.Getenv("OTEL_TRACES_SAMPLER_ARG"),
		ServiceName: serviceName(service),
	}
}

// Init installs the global tracer provider configured from the environment.
func Init(ctx context.Context, service string) (ShutdownFunc, error) {
	return Setup(ctx, FromEnv(service))
}

// Setup installs a tracer provider for s. Without an endpoint spans stay
// in process. An exporter that cannot be created is fatal only when
// s.Required is set.
func Setup(ctx context.Context, s Settings) (ShutdownFunc, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(serviceName(s.ServiceName)),
	))
	if err != nil {
		log.Debug().Err(err).Msg("telemetry: using default resource")
		res = resource.Default()
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(parseSampler(s.Sampler, s.SamplerArg)),
	}

	if s.Endpoint != "" {
		exporter, err := otlptracehttp.New(ctx, exporterOptions(s)...)
		switch {
		case err != nil && s.Required:
			return nil, err
		case err != nil:
			log.Warn().Err(err).Str("endpoint", s.Endpoint).Msg("telemetry: exporter disabled")
		default:
			opts = append(opts, sdktrace.WithBatcher(exporter))
			log.Info().Str("endpoint", s.Endpoint).Msg("telemetry: exporting traces")
		}
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown, nil
}

func exporterOptions(s Settings) []otlptracehttp.Option {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(s.Endpoint)}
	if s.Timeout > 0 {
		opts = append(opts, otlptracehttp.WithTimeout(s.Timeout))
	}
	if s.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(s.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(s.Headers))
	}
	return opts
}

// Middleware instruments inbound requests.
func Middleware(service string) func(http.Handler) http.Handler {
	return otelhttp.NewMiddleware(serviceName(service))
}

// InstrumentDefaultTransport wraps http.DefaultTransport so outbound calls
// from clients without a transport of their own, the replica client among
// them, carry spans and trace context. Calling it again is a no-op.
func InstrumentDefaultTransport() {
	if _, ok := http.DefaultTransport.(*otelhttp.Transport); ok {
		return
	}
	http.DefaultTransport = otelhttp.NewTransport(http.DefaultTransport)
}

func serviceName(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return DefaultService
	}
	return s
}

func parseSampler(name, arg string) sdktrace.Sampler {
	ratio := 1.0
	if v, err := strconv.ParseFloat(strings.TrimSpace(arg), 64); err == nil {
		ratio = min(max(v, 0), 1)
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	case "traceidratio":
		return sdktrace.TraceIDRatioBased(ratio)
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// parseHeaders reads "k1=v1,k2=v2". Malformed pairs are skipped.
func parseHeaders(raw string) map[string]string {
	var out map[string]string
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		if out == nil {
			out = map[string]string{}
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}

func envInt(key string, def int) int {
	if i, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return i
	}
	return def
}
