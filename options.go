package apitally

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// Option customizes a Client.
type Option func(*options)

type options struct {
	logger         *zap.Logger
	httpClient     *http.Client
	callbacks      Callbacks
	tracerProvider *sdktrace.TracerProvider
	registerer     prometheus.Registerer
	lockDir        string
	batchDir       string
}

func defaultOptions() options {
	return options{logger: zap.NewNop()}
}

// WithLogger sets the logger for agent diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithHTTPClient sets the HTTP client used to reach the hub.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithCallbacks installs request log masking and exclusion hooks.
func WithCallbacks(cb Callbacks) Option {
	return func(o *options) { o.callbacks = cb }
}

// WithTracerProvider registers the span collector on an existing provider
// instead of creating a private one.
func WithTracerProvider(tp *sdktrace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithPrometheusRegisterer registers the agent's own metrics. If reg is
// also a Gatherer it backs the diagnostics /metrics endpoint.
func WithPrometheusRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithLockDir overrides the directory holding instance lock files.
func WithLockDir(dir string) Option {
	return func(o *options) { o.lockDir = dir }
}

// WithBatchDir overrides the directory holding request log batch files.
func WithBatchDir(dir string) Option {
	return func(o *options) { o.batchDir = dir }
}
