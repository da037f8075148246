package observability

import (
	"github.com/openprocure/provena/internal/observability/metrics"
	"github.com/openprocure/provena/internal/observability/tracing"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		tracing.NewTracerProvider,
		func() prometheus.Registerer { return prometheus.DefaultRegisterer },
		metrics.New,
	),
	fx.Invoke(ensureTracingProvider),
)

func ensureTracingProvider(_ *sdktrace.TracerProvider) {}
