// Package spans collects the trace spans belonging to one request so they
// can be attached to its log item.
package spans

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/apitally/apitally-go/internal/model"
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// MaxSpansPerTrace caps how many spans one collection keeps.
const MaxSpansPerTrace = 1000

const rootSpanName = "root"

type tracerHolder struct {
	tracer trace.Tracer
}

// Collector is an sdktrace.SpanProcessor that keeps the spans descending
// from roots started through StartCollection.
type Collector struct {
	enabled bool
	tracer  atomic.Pointer[tracerHolder]

	mu          sync.RWMutex
	collections map[trace.TraceID]*collection

	hasActive atomic.Bool
	dropped   atomic.Uint64
}

var _ sdktrace.SpanProcessor = (*Collector)(nil)

type collection struct {
	mu       sync.Mutex
	included map[trace.SpanID]struct{}
	seen     map[string]struct{}
	spans    []model.SpanData
}

// NewCollector creates a collector. A disabled collector never starts spans.
func NewCollector(enabled bool) *Collector {
	return &Collector{
		enabled:     enabled,
		collections: make(map[trace.TraceID]*collection),
	}
}

// SetTracer sets the tracer used for root spans. Its provider should have
// this collector registered as a span processor.
func (c *Collector) SetTracer(tracer trace.Tracer) {
	c.tracer.Store(&tracerHolder{tracer: tracer})
}

// Enabled reports whether StartCollection can return a handle.
func (c *Collector) Enabled() bool {
	if !c.enabled {
		return false
	}
	h := c.tracer.Load()
	return h != nil && h.tracer != nil
}

// ActiveCollections returns the number of open collections.
func (c *Collector) ActiveCollections() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.collections)
}

// DroppedSpans returns the number of spans discarded due to the per-trace cap.
func (c *Collector) DroppedSpans() uint64 { return c.dropped.Load() }

// StartCollection starts a root span and returns a context carrying it.
// It returns a nil handle when the collector is disabled or has no tracer.
func (c *Collector) StartCollection(ctx context.Context) (context.Context, *Handle) {
	if !c.Enabled() {
		return ctx, nil
	}
	tracer := c.tracer.Load().tracer

	ctx, span := tracer.Start(ctx, rootSpanName, trace.WithSpanKind(trace.SpanKindInternal))
	sc := span.SpanContext()
	if !sc.IsValid() {
		span.End()
		return ctx, nil
	}

	coll := &collection{
		included: map[trace.SpanID]struct{}{sc.SpanID(): {}},
		seen:     make(map[string]struct{}),
	}
	c.mu.Lock()
	c.collections[sc.TraceID()] = coll
	c.hasActive.Store(true)
	c.mu.Unlock()

	return ctx, &Handle{traceID: sc.TraceID(), span: span, collector: c}
}

func (c *Collector) lookup(traceID trace.TraceID) *collection {
	if !c.hasActive.Load() {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.collections[traceID]
}

func (c *Collector) finish(traceID trace.TraceID) []model.SpanData {
	c.mu.Lock()
	coll, ok := c.collections[traceID]
	delete(c.collections, traceID)
	c.hasActive.Store(len(c.collections) > 0)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	coll.mu.Lock()
	defer coll.mu.Unlock()
	spans := coll.spans
	coll.spans = nil
	return spans
}

// OnStart marks spans whose parent is already included.
func (c *Collector) OnStart(_ context.Context, s sdktrace.ReadWriteSpan) {
	if !c.enabled {
		return
	}
	sc := s.SpanContext()
	coll := c.lookup(sc.TraceID())
	if coll == nil {
		return
	}
	parent := s.Parent()
	if !parent.IsValid() {
		return
	}

	coll.mu.Lock()
	defer coll.mu.Unlock()
	if _, ok := coll.included[parent.SpanID()]; ok {
		coll.included[sc.SpanID()] = struct{}{}
	}
}

// OnEnd stores included spans.
func (c *Collector) OnEnd(s sdktrace.ReadOnlySpan) {
	if !c.enabled {
		return
	}
	sc := s.SpanContext()
	coll := c.lookup(sc.TraceID())
	if coll == nil {
		return
	}

	coll.mu.Lock()
	defer coll.mu.Unlock()
	if _, ok := coll.included[sc.SpanID()]; !ok {
		return
	}
	c.addLocked(coll, fromReadOnlySpan(s))
}

func (c *Collector) Shutdown(context.Context) error   { return nil }
func (c *Collector) ForceFlush(context.Context) error { return nil }

// IngestTraces attaches spans received from an external pipeline to the
// open collection of their trace, if any.
func (c *Collector) IngestTraces(td ptrace.Traces, includeResource bool) int {
	if !c.enabled || !c.hasActive.Load() {
		return 0
	}

	attached := 0
	rss := td.ResourceSpans()
	for i := 0; i < rss.Len(); i++ {
		rs := rss.At(i)
		sss := rs.ScopeSpans()
		for j := 0; j < sss.Len(); j++ {
			spans := sss.At(j).Spans()
			for k := 0; k < spans.Len(); k++ {
				span := spans.At(k)
				coll := c.lookup(trace.TraceID(span.TraceID()))
				if coll == nil {
					continue
				}
				data := fromPdataSpan(span, rs.Resource().Attributes(), includeResource)

				coll.mu.Lock()
				if c.addLocked(coll, data) {
					attached++
				}
				coll.mu.Unlock()
			}
		}
	}
	return attached
}

func (c *Collector) addLocked(coll *collection, data model.SpanData) bool {
	if _, ok := coll.seen[data.SpanID]; ok {
		return false
	}
	if len(coll.spans) >= MaxSpansPerTrace {
		c.dropped.Add(1)
		return false
	}
	coll.seen[data.SpanID] = struct{}{}
	coll.spans = append(coll.spans, data)
	return true
}

func fromReadOnlySpan(s sdktrace.ReadOnlySpan) model.SpanData {
	data := model.SpanData{
		SpanID:    s.SpanContext().SpanID().String(),
		Name:      s.Name(),
		Kind:      strings.ToUpper(s.SpanKind().String()),
		StartTime: s.StartTime().UnixNano(),
		EndTime:   s.EndTime().UnixNano(),
	}
	if parent := s.Parent(); parent.IsValid() {
		data.ParentSpanID = parent.SpanID().String()
	}
	if code := s.Status().Code; code != codes.Unset {
		data.Status = strings.ToUpper(code.String())
	}
	if attrs := s.Attributes(); len(attrs) > 0 {
		data.Attributes = make(map[string]interface{}, len(attrs))
		for _, kv := range attrs {
			data.Attributes[string(kv.Key)] = kv.Value.AsInterface()
		}
	}
	return data
}

func fromPdataSpan(span ptrace.Span, resource pcommon.Map, includeResource bool) model.SpanData {
	data := model.SpanData{
		SpanID:    span.SpanID().String(),
		Name:      span.Name(),
		Kind:      pdataKind(span.Kind()),
		StartTime: int64(span.StartTimestamp()),
		EndTime:   int64(span.EndTimestamp()),
	}
	if parent := span.ParentSpanID(); !parent.IsEmpty() {
		data.ParentSpanID = parent.String()
	}
	if code := span.Status().Code(); code != ptrace.StatusCodeUnset {
		data.Status = strings.ToUpper(code.String())
	}

	attrs := make(map[string]interface{})
	if includeResource {
		for k, v := range resource.AsRaw() {
			attrs[k] = v
		}
	}
	for k, v := range span.Attributes().AsRaw() {
		attrs[k] = v
	}
	if len(attrs) > 0 {
		data.Attributes = attrs
	}
	return data
}

func pdataKind(kind ptrace.SpanKind) string {
	switch kind {
	case ptrace.SpanKindServer:
		return "SERVER"
	case ptrace.SpanKindClient:
		return "CLIENT"
	case ptrace.SpanKindProducer:
		return "PRODUCER"
	case ptrace.SpanKindConsumer:
		return "CONSUMER"
	default:
		return "INTERNAL"
	}
}

// Handle is an open collection bound to one root span.
type Handle struct {
	traceID   trace.TraceID
	span      trace.Span
	collector *Collector
	once      sync.Once
	spans     []model.SpanData
}

// TraceID returns the hex trace id of the root span.
func (h *Handle) TraceID() string {
	if h == nil {
		return ""
	}
	return h.traceID.String()
}

// SetName renames the root span, typically to the matched route.
func (h *Handle) SetName(name string) {
	if h == nil || name == "" {
		return
	}
	h.span.SetName(name)
}

// End ends the root span and returns every collected span. Subsequent calls
// return the same result.
func (h *Handle) End() []model.SpanData {
	if h == nil {
		return nil
	}
	h.once.Do(func() {
		h.span.End()
		h.spans = h.collector.finish(h.traceID)
	})
	return h.spans
}
