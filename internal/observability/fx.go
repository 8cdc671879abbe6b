package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/billingcore/internal/config"
	"github.com/smallbiznis/billingcore/internal/observability/metrics"
	"github.com/smallbiznis/billingcore/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		provideMetrics,
		provideTracing,
	),
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
)

func provideMetrics(cfg config.Config) *metrics.AutomationMetrics {
	return metrics.NewAutomationMetrics(prometheus.DefaultRegisterer, metrics.Config{
		ServiceName: cfg.AppName,
		Environment: cfg.Environment,
	})
}

func provideTracing(lc fx.Lifecycle, cfg config.Config) (*sdktrace.TracerProvider, error) {
	provider, err := tracing.NewProvider(context.Background(), tracing.Config{
		Enabled:          cfg.TracingEnabled,
		ServiceName:      cfg.AppName,
		ServiceVersion:   cfg.AppVersion,
		Environment:      cfg.Environment,
		ExporterEndpoint: cfg.OTLPEndpoint,
		SamplingRatio:    0.1,
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: provider.Shutdown,
	})
	return provider, nil
}
