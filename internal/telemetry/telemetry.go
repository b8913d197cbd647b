// Package telemetry bootstraps OpenTelemetry tracing for the engine
// dispatcher (one span per command), plus an optional pprof endpoint for
// local profiling. The graph executor opens no spans.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/nervelabs/nerve/internal/logger"
)

// Telemetry owns the tracer provider and exposes a Tracer for spans.
type Telemetry struct {
	log      *logger.Logger
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	pprofAddr string
	enabled  bool
}

// New builds a Telemetry instance. When enableTracing is false, Tracer()
// still returns a usable (no-op) tracer so call sites never need to check.
func New(serviceName string, enableTracing bool, pprofPort int, log *logger.Logger) *Telemetry {
	t := &Telemetry{
		log:       log,
		pprofAddr: fmt.Sprintf("localhost:%d", pprofPort),
		enabled:   enableTracing,
	}

	if !enableTracing {
		t.tracer = otel.Tracer(serviceName)
		return t
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		res = resource.Default()
	}

	provider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(provider)

	t.provider = provider
	t.tracer = provider.Tracer(serviceName)
	return t
}

// Tracer returns the tracer used for command/step spans.
func (t *Telemetry) Tracer() trace.Tracer { return t.tracer }

// StartPprof starts the pprof debug endpoint in the background, if enabled.
func (t *Telemetry) StartPprof(enable bool) {
	if !enable {
		return
	}
	go func() {
		t.log.Info("pprof server starting", "addr", t.pprofAddr)
		if err := http.ListenAndServe(t.pprofAddr, nil); err != nil {
			t.log.Error("pprof server exited", "error", err)
		}
	}()
}

// Shutdown flushes and stops the tracer provider, if one is running.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// StartSpan starts a span named name, returning the child context and span.
func (t *Telemetry) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name)
}
