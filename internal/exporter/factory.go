package exporter

import (
	"context"
	"net/http"

	"go.opentelemetry.io/collector/component"
	"go.opentelemetry.io/collector/consumer"
	"go.opentelemetry.io/collector/exporter"
	"go.opentelemetry.io/collector/exporter/exporterhelper"
	"go.opentelemetry.io/collector/pdata/ptrace"
)

// SpanSink receives spans from the collector pipeline.
type SpanSink interface {
	IngestTraces(td ptrace.Traces, includeResource bool) int
}

// NewFactory returns a Collector exporter factory that relays spans into
// sink. diagnostics may be nil.
func NewFactory(sink SpanSink, diagnostics http.Handler) exporter.Factory {
	create := func(ctx context.Context, set exporter.Settings, cfg component.Config) (exporter.Traces, error) {
		exp := newSpanExporter(cfg.(*Config), sink, diagnostics, set.Logger)
		return exporterhelper.NewTraces(
			ctx,
			set,
			cfg,
			exp.pushTraces,
			exporterhelper.WithStart(exp.start),
			exporterhelper.WithShutdown(exp.shutdown),
			exporterhelper.WithCapabilities(consumer.Capabilities{MutatesData: false}),
		)
	}
	return exporter.NewFactory(
		component.MustNewType(typeStr),
		createDefaultConfig,
		exporter.WithTraces(create, component.StabilityLevelAlpha),
	)
}
