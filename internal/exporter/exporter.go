package exporter

import (
	"context"
	"net/http"

	"go.opentelemetry.io/collector/component"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.uber.org/zap"
)

type spanExporter struct {
	cfg     Config
	sink    SpanSink
	runtime *runtime
	logger  *zap.Logger
}

func newSpanExporter(cfg *Config, sink SpanSink, diagnostics http.Handler, logger *zap.Logger) *spanExporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	exp := &spanExporter{cfg: *cfg, sink: sink, logger: logger}
	if cfg.DiagnosticsAddr != "" && diagnostics != nil {
		exp.runtime = acquireRuntime(cfg.DiagnosticsAddr, diagnostics, logger)
	}
	return exp
}

func (e *spanExporter) start(context.Context, component.Host) error {
	if e.runtime == nil {
		return nil
	}
	return e.runtime.start()
}

func (e *spanExporter) shutdown(ctx context.Context) error {
	if e.runtime == nil {
		return nil
	}
	return e.runtime.release(ctx)
}

func (e *spanExporter) pushTraces(_ context.Context, td ptrace.Traces) error {
	if e.sink == nil {
		return nil
	}
	if n := e.sink.IngestTraces(td, e.cfg.IncludeResourceAttributes); n > 0 {
		e.logger.Debug("attached relayed spans", zap.Int("spans", n))
	}
	return nil
}
