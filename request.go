package apitally

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/apitally/apitally-go/internal/consumer"
	"github.com/apitally/apitally-go/internal/counter"
	"github.com/apitally/apitally-go/internal/logcapture"
	"github.com/apitally/apitally-go/internal/model"
	"github.com/apitally/apitally-go/internal/spans"
	"go.uber.org/zap"
)

// RequestInfo is what an adapter knows about one handled request.
// Sizes are -1 when unknown.
type RequestInfo struct {
	Timestamp time.Time
	// Consumer is a Consumer, a string or an integer; see NormalizeConsumer.
	Consumer any
	Method   string
	// Path is the matched route template. Requests without one are logged
	// but not counted.
	Path       string
	URL        string
	StatusCode int
	Duration   time.Duration

	RequestHeaders  http.Header
	ResponseHeaders http.Header
	RequestSize     int64
	ResponseSize    int64
	RequestBody     []byte
	ResponseBody    []byte

	// Error is the failure that produced a 500 response.
	Error            *ErrorInfo
	ValidationErrors []ValidationError
	Capture          *Capture
}

// ErrorInfo describes an unhandled error.
type ErrorInfo struct {
	Type       string
	Message    string
	StackTrace string
}

// NewErrorInfo describes err using its dynamic type name.
func NewErrorInfo(err error, stackTrace string) *ErrorInfo {
	if err == nil {
		return nil
	}
	return &ErrorInfo{
		Type:       fmt.Sprintf("%T", err),
		Message:    err.Error(),
		StackTrace: stackTrace,
	}
}

// ValidationError is one rejected request field. Loc is dot-separated.
type ValidationError struct {
	Loc     string
	Message string
	Type    string
}

// Capture collects the log records and spans emitted while one request is
// handled. A nil Capture is valid and collects nothing.
type Capture struct {
	logs  *logcapture.Buffer
	trace *spans.Handle
}

// StartCapture prepares ctx for log and span capture according to the
// request logging settings. Pass the returned Capture in RequestInfo.
func (c *Client) StartCapture(ctx context.Context) (context.Context, *Capture) {
	capture := &Capture{}
	if c.requestLog.Enabled() && c.cfg.RequestLogging.CaptureLogs {
		ctx, capture.logs = logcapture.Start(ctx)
	}
	ctx, capture.trace = c.spans.StartCollection(ctx)
	return ctx, capture
}

// SetRouteName names the request's root span.
func (cp *Capture) SetRouteName(name string) {
	if cp == nil {
		return
	}
	cp.trace.SetName(name)
}

func (cp *Capture) finish() ([]model.LogRecord, []model.SpanData, string) {
	if cp == nil {
		return nil, nil, ""
	}
	return cp.logs.Drain(), cp.trace.End(), cp.trace.TraceID()
}

// Logger returns base teed into the capture buffer carried by ctx, if any.
func Logger(ctx context.Context, base *zap.Logger) *zap.Logger {
	return logcapture.Logger(ctx, base)
}

// RecordRequest feeds one request into the counters, the consumer registry
// and the request log. It never blocks on I/O.
func (c *Client) RecordRequest(info RequestInfo) {
	logs, spanData, traceID := info.Capture.finish()
	if !c.syncer.Enabled() {
		return
	}

	var consumerID string
	if info.Consumer != nil {
		if cons, ok := consumer.Normalize(info.Consumer); ok {
			c.consumers.Upsert(cons)
			consumerID = cons.Identifier
		}
	}
	method := strings.ToUpper(info.Method)
	durationMs := float64(info.Duration) / float64(time.Millisecond)

	if info.Path != "" {
		c.requests.Record(consumerID, method, info.Path, info.StatusCode, durationMs, info.RequestSize, info.ResponseSize)

		if info.StatusCode >= 400 && info.StatusCode < 500 {
			for _, ve := range info.ValidationErrors {
				c.validationErrors.Record(consumerID, method, info.Path, ve.Loc, ve.Message, ve.Type)
			}
		}
		if info.StatusCode == http.StatusInternalServerError && info.Error != nil {
			c.serverErrors.Record(consumerID, method, info.Path, info.Error.Type, info.Error.Message, info.Error.StackTrace)
		}
	}

	if !c.requestLog.Enabled() {
		return
	}
	timestamp := info.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().Add(-info.Duration)
	}
	item := &model.LogItem{
		Request: model.LogRequest{
			Timestamp: model.UnixSeconds(timestamp),
			Consumer:  consumerID,
			Method:    method,
			Path:      info.Path,
			URL:       info.URL,
			Headers:   toHeaders(info.RequestHeaders),
			Size:      model.SizePtr(info.RequestSize),
			Body:      info.RequestBody,
		},
		Response: model.LogResponse{
			StatusCode:   info.StatusCode,
			ResponseTime: info.Duration.Seconds(),
			Headers:      toHeaders(info.ResponseHeaders),
			Size:         model.SizePtr(info.ResponseSize),
			Body:         info.ResponseBody,
		},
		Logs: logs,
	}
	if info.Error != nil {
		item.Exception = &model.ExceptionInfo{
			Type:       info.Error.Type,
			Message:    counter.TruncateMessage(info.Error.Message),
			StackTrace: counter.TruncateStacktrace(info.Error.StackTrace),
		}
	}
	if len(spanData) > 0 {
		item.Spans = spanData
		item.TraceID = traceID
	}
	c.requestLog.Append(item)
}

func toHeaders(h http.Header) []model.Header {
	if len(h) == 0 {
		return nil
	}
	out := make([]model.Header, 0, len(h))
	for _, name := range slices.Sorted(maps.Keys(h)) {
		for _, value := range h[name] {
			out = append(out, model.Header{name, value})
		}
	}
	return out
}
