// Package apitally is an in-process telemetry agent. Framework adapters hand
// it one RequestInfo per handled request; the Client aggregates metrics and
// errors, records redacted request logs and ships everything to the hub.
package apitally

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"

	"github.com/apitally/apitally-go/internal/config"
	"github.com/apitally/apitally-go/internal/consumer"
	"github.com/apitally/apitally-go/internal/counter"
	internalexporter "github.com/apitally/apitally-go/internal/exporter"
	"github.com/apitally/apitally-go/internal/httpapi"
	"github.com/apitally/apitally-go/internal/hub"
	"github.com/apitally/apitally-go/internal/instance"
	"github.com/apitally/apitally-go/internal/model"
	"github.com/apitally/apitally-go/internal/requestlog"
	"github.com/apitally/apitally-go/internal/resource"
	"github.com/apitally/apitally-go/internal/spans"
	"github.com/apitally/apitally-go/internal/syncer"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/collector/exporter"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// Version is reported to the hub with the startup data.
const Version = "0.1.0"

// MaxBodySize is the largest request or response body kept in a log item.
// Adapters need to buffer at most one byte more.
const MaxBodySize = requestlog.DefaultMaxBodySize

const tracerName = "github.com/apitally/apitally-go"

// ErrInvalidConfig wraps configuration validation failures returned by New.
var ErrInvalidConfig = errors.New("apitally: invalid config")

type (
	Config         = config.Config
	RequestLogging = config.RequestLogging
	Consumer       = model.Consumer
	PathItem       = model.PathItem
	Header         = model.Header
	LogRequest     = model.LogRequest
	LogResponse    = model.LogResponse
	Callbacks      = requestlog.Callbacks
)

// DefaultConfig returns the configuration defaults.
func DefaultConfig() Config { return config.Default() }

// LoadConfig reads the configuration from the environment and the optional
// YAML file named by APITALLY_CONFIG_FILE.
func LoadConfig() (Config, error) { return config.Load() }

// Client is one agent instance. Construct it with New, call Start once the
// application is serving, and Shutdown before exit.
type Client struct {
	cfg    Config
	logger *zap.Logger

	lock             *instance.Lock
	requests         *counter.RequestCounter
	serverErrors     *counter.ServerErrorCounter
	validationErrors *counter.ValidationErrorCounter
	consumers        *consumer.Registry
	requestLog       *requestlog.Logger
	spans            *spans.Collector
	hub              *hub.Client
	syncer           *syncer.Client

	tracerProvider *sdktrace.TracerProvider
	ownsProvider   bool
	gatherer       prometheus.Gatherer

	diagnosticsOnce sync.Once
	diagnostics     http.Handler
	shutdownOnce    sync.Once
}

// New validates cfg, acquires the instance identity and builds every
// component. No background work starts until Start.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With(zap.String("env", cfg.Env))

	rl, err := requestlog.New(requestlog.Options{
		Config:    cfg.RequestLogging,
		Callbacks: o.callbacks,
		Dir:       o.batchDir,
		Logger:    logger.Named("requestlog"),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	c := &Client{
		cfg:              cfg,
		logger:           logger,
		requests:         counter.NewRequestCounter(),
		serverErrors:     counter.NewServerErrorCounter(),
		validationErrors: counter.NewValidationErrorCounter(),
		consumers:        consumer.NewRegistry(),
		requestLog:       rl,
		spans:            spans.NewCollector(cfg.RequestLogging.Enabled && cfg.RequestLogging.CaptureTraces),
	}
	c.setupTracing(o.tracerProvider)
	reg, gatherer := metricsRegistry(o.registerer)
	c.gatherer = gatherer
	registerAgentMetrics(c, reg)

	c.lock = instance.Acquire(cfg.ClientID, cfg.Env, instance.Options{
		Dir:    o.lockDir,
		Logger: logger.Named("instance"),
	})

	c.hub = hub.New(hub.Options{
		BaseURL:    cfg.HubBaseURL,
		ClientID:   cfg.ClientID,
		Env:        cfg.Env,
		HTTPClient: o.httpClient,
		Logger:     logger.Named("hub"),
		Registerer: reg,
	})
	c.syncer = syncer.New(syncer.Options{
		InstanceUUID:     c.lock.UUID(),
		Hub:              c.hub,
		Requests:         c.requests,
		ValidationErrors: c.validationErrors,
		ServerErrors:     c.serverErrors,
		Consumers:        c.consumers,
		Resources:        resource.NewMonitor(),
		RequestLogger:    rl,
		OnDisable:        c.discardAggregates,
		Logger:           logger.Named("syncer"),
	})

	logger.Debug("agent created",
		zap.String("instance_uuid", c.lock.UUID().String()),
		zap.Bool("instance_persisted", c.lock.Persisted()),
		zap.Bool("request_logging", rl.Enabled()),
	)
	return c, nil
}

func (c *Client) setupTracing(tp *sdktrace.TracerProvider) {
	if !c.cfg.RequestLogging.Enabled || !c.cfg.RequestLogging.CaptureTraces {
		return
	}
	if tp == nil {
		tp = sdktrace.NewTracerProvider()
		c.ownsProvider = true
	}
	tp.RegisterSpanProcessor(c.spans)
	c.tracerProvider = tp
	c.spans.SetTracer(tp.Tracer(tracerName))
}

// discardAggregates frees data that can no longer be delivered.
func (c *Client) discardAggregates() {
	c.requests.Drain()
	c.serverErrors.Drain()
	c.validationErrors.Drain()
	c.consumers.Drain()
}

// Start launches the sync schedule and request log maintenance.
func (c *Client) Start(ctx context.Context) {
	c.syncer.Start(ctx)
}

// Shutdown performs a final sync, then releases the request log and the
// instance lock. The work is bounded by ctx and cfg.ShutdownTimeout.
func (c *Client) Shutdown(ctx context.Context) error {
	var err error
	c.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.ShutdownTimeout)
		defer cancel()

		err = c.syncer.Shutdown(ctx)
		c.requestLog.Close()
		if c.tracerProvider != nil {
			if c.ownsProvider {
				err = errors.Join(err, c.tracerProvider.Shutdown(ctx))
			} else {
				c.tracerProvider.UnregisterSpanProcessor(c.spans)
			}
		}
		if lockErr := c.lock.Close(); lockErr != nil {
			c.logger.Warn("failed to release instance lock", zap.Error(lockErr))
		}
	})
	return err
}

// Enabled is false once the hub has rejected the client id.
func (c *Client) Enabled() bool { return c.syncer.Enabled() }

// InstanceUUID returns the identity reported to the hub.
func (c *Client) InstanceUUID() uuid.UUID { return c.lock.UUID() }

// Config returns the configuration the client was built with.
func (c *Client) Config() Config { return c.cfg }

// SetStartupData records the route table and version map sent to the hub on
// the next tick. The agent's own version and the Go runtime are added.
func (c *Client) SetStartupData(paths []PathItem, versions map[string]string, client string) {
	merged := make(map[string]string, len(versions)+2)
	merged["apitally"] = Version
	merged["go"] = runtime.Version()
	for name, version := range versions {
		merged[name] = version
	}
	c.syncer.SetStartupData(paths, merged, client)
}

// SetCallbacks replaces the request log masking and exclusion hooks.
func (c *Client) SetCallbacks(cb Callbacks) {
	c.requestLog.SetCallbacks(cb)
}

// NormalizeConsumer converts a Consumer, a string or an integer into a
// Consumer. Anything else, or a blank identifier, yields false.
func NormalizeConsumer(raw any) (Consumer, bool) {
	return consumer.Normalize(raw)
}

// NewConsumer builds a Consumer with trimmed and length-capped fields.
func NewConsumer(identifier, name, group string) Consumer {
	return consumer.New(identifier, name, group)
}

// TracerProvider returns the provider whose spans are attached to request
// logs, or nil when trace capture is off.
func (c *Client) TracerProvider() *sdktrace.TracerProvider { return c.tracerProvider }

// Flush ships everything collected so far without waiting for the schedule.
func (c *Client) Flush(ctx context.Context) {
	if err := c.requestLog.Flush(); err != nil {
		c.logger.Warn("failed to flush request log", zap.Error(err))
	}
	c.requestLog.Rotate()
	c.syncer.Tick(ctx)
}

// Status reports the agent state for the diagnostics API.
func (c *Client) Status() httpapi.StatusResponse {
	return httpapi.StatusResponse{
		InstanceUUID:      c.lock.UUID().String(),
		ClientID:          c.cfg.ClientID,
		Env:               c.cfg.Env,
		Enabled:           c.syncer.Enabled(),
		StartupPending:    c.syncer.StartupPending(),
		QueuedPayloads:    c.syncer.QueuedPayloads(),
		PendingLogItems:   c.requestLog.PendingItems(),
		ReadyLogFiles:     c.requestLog.ReadyFiles(),
		LoggingEnabled:    c.requestLog.Enabled(),
		LoggingSuspended:  c.requestLog.Suspended(),
		ActiveCollections: c.spans.ActiveCollections(),
	}
}

// DiagnosticsHandler serves /healthz, /v1/status, /v1/flush and /metrics.
func (c *Client) DiagnosticsHandler() http.Handler {
	c.diagnosticsOnce.Do(func() {
		c.diagnostics = httpapi.NewHandler(c, c.gatherer, c.logger.Named("diagnostics")).ServeMux()
	})
	return c.diagnostics
}

// ExporterFactory returns an OpenTelemetry Collector exporter factory whose
// exporters attach received spans to this client's open request captures.
func (c *Client) ExporterFactory() exporter.Factory {
	return internalexporter.NewFactory(c.spans, c.DiagnosticsHandler())
}
