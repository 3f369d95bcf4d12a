package model

import "strings"

// Header is a single [name, value] pair, serialized as a two-element array.
type Header [2]string

// Name returns the header name.
func (h Header) Name() string { return h[0] }

// Value returns the header value.
func (h Header) Value() string { return h[1] }

// FindHeader returns the first value whose name matches case-insensitively.
func FindHeader(headers []Header, name string) (string, bool) {
	for _, h := range headers {
		if strings.EqualFold(h.Name(), name) {
			return h.Value(), true
		}
	}
	return "", false
}

// LogRequest is the request half of a logged exchange.
type LogRequest struct {
	Timestamp float64  `json:"timestamp"`
	Consumer  string   `json:"consumer,omitempty"`
	Method    string   `json:"method,omitempty"`
	Path      string   `json:"path,omitempty"`
	URL       string   `json:"url,omitempty"`
	Headers   []Header `json:"headers,omitempty"`
	Size      *int64   `json:"size,omitempty"`
	Body      []byte   `json:"body,omitempty"`
}

// LogResponse is the response half of a logged exchange.
type LogResponse struct {
	StatusCode   int      `json:"statusCode"`
	ResponseTime float64  `json:"responseTime"`
	Headers      []Header `json:"headers,omitempty"`
	Size         *int64   `json:"size,omitempty"`
	Body         []byte   `json:"body,omitempty"`
}

// ExceptionInfo describes an error raised while handling a request.
type ExceptionInfo struct {
	Type       string `json:"type"`
	Message    string `json:"message,omitempty"`
	StackTrace string `json:"stackTrace,omitempty"`
}

// LogRecord is an application log line captured during a request.
type LogRecord struct {
	Timestamp float64 `json:"timestamp"`
	Logger    string  `json:"logger,omitempty"`
	Level     string  `json:"level"`
	Message   string  `json:"message"`
}

// SpanData is a finished trace span relayed alongside a log item.
type SpanData struct {
	SpanID       string                 `json:"span_id"`
	ParentSpanID string                 `json:"parent_span_id,omitempty"`
	Name         string                 `json:"name"`
	Kind         string                 `json:"kind"`
	StartTime    int64                  `json:"start_time"`
	EndTime      int64                  `json:"end_time"`
	Status       string                 `json:"status,omitempty"`
	Attributes   map[string]interface{} `json:"attributes,omitempty"`
}

// LogItem is one line of a request log batch file.
type LogItem struct {
	UUID      string         `json:"uuid"`
	Request   LogRequest     `json:"request"`
	Response  LogResponse    `json:"response"`
	Exception *ExceptionInfo `json:"exception,omitempty"`
	Logs      []LogRecord    `json:"logs,omitempty"`
	Spans     []SpanData     `json:"spans,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
}

// SizePtr returns nil for unknown (negative) sizes.
func SizePtr(size int64) *int64 {
	if size < 0 {
		return nil
	}
	return &size
}
