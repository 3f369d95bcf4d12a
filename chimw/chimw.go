// Package chimw records requests served by a go-chi router into an
// apitally.Client.
package chimw

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/apitally/apitally-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type stateKey struct{}

type requestState struct {
	consumer         any
	validationErrors []apitally.ValidationError
	err              *apitally.ErrorInfo
}

func stateFrom(r *http.Request) *requestState {
	state, _ := r.Context().Value(stateKey{}).(*requestState)
	return state
}

// SetConsumer attaches the caller identity to the request. See
// apitally.NormalizeConsumer for accepted values.
func SetConsumer(r *http.Request, consumer any) {
	if state := stateFrom(r); state != nil {
		state.consumer = consumer
	}
}

// AddValidationErrors reports rejected request fields. They are counted when
// the response status is 4xx.
func AddValidationErrors(r *http.Request, errs ...apitally.ValidationError) {
	if state := stateFrom(r); state != nil {
		state.validationErrors = append(state.validationErrors, errs...)
	}
}

// CaptureError reports the error behind a 500 response that was written
// without panicking.
func CaptureError(r *http.Request, err error) {
	if state := stateFrom(r); state != nil && err != nil {
		state.err = apitally.NewErrorInfo(err, string(debug.Stack()))
	}
}

// Middleware records every request except OPTIONS. Panics are recorded as
// 500 responses and re-raised for an outer recoverer.
func Middleware(client *apitally.Client) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !client.Enabled() || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			cfg := client.Config().RequestLogging
			state := &requestState{}
			ctx := context.WithValue(r.Context(), stateKey{}, state)
			ctx, capture := client.StartCapture(ctx)
			r = r.WithContext(ctx)

			var reqBody *limitedBuffer
			if cfg.Enabled && cfg.IncludeRequestBody && r.Body != nil && loggableContentType(r.Header.Get("Content-Type")) {
				reqBody = newLimitedBuffer(apitally.MaxBodySize + 1)
				r.Body = teeReadCloser{Reader: io.TeeReader(r.Body, reqBody), Closer: r.Body}
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			var respBody *limitedBuffer
			if cfg.Enabled && cfg.IncludeResponseBody {
				respBody = newLimitedBuffer(apitally.MaxBodySize + 1)
				ww.Tee(respBody)
			}

			start := time.Now()
			defer func() {
				recovered := recover()
				status := ww.Status()
				if recovered != nil {
					status = http.StatusInternalServerError
					if state.err == nil {
						state.err = panicInfo(recovered)
					}
				} else if status == 0 {
					status = http.StatusOK
				}

				pattern := ""
				if rctx := chi.RouteContext(ctx); rctx != nil {
					pattern = rctx.RoutePattern()
				}
				if pattern != "" {
					capture.SetRouteName(r.Method + " " + pattern)
				}

				info := apitally.RequestInfo{
					Timestamp:        start,
					Consumer:         state.consumer,
					Method:           r.Method,
					Path:             pattern,
					URL:              requestURL(r),
					StatusCode:       status,
					Duration:         time.Since(start),
					RequestHeaders:   r.Header,
					ResponseHeaders:  ww.Header(),
					RequestSize:      r.ContentLength,
					ResponseSize:     int64(ww.BytesWritten()),
					ValidationErrors: state.validationErrors,
					Error:            state.err,
					Capture:          capture,
				}
				if reqBody != nil {
					info.RequestBody = reqBody.Bytes()
					if info.RequestSize < 0 && !reqBody.truncated {
						info.RequestSize = int64(len(info.RequestBody))
					}
				}
				if respBody != nil {
					info.ResponseBody = respBody.Bytes()
				}
				client.RecordRequest(info)

				if recovered != nil {
					panic(recovered)
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// Routes lists the routes of router for apitally.Client.SetStartupData.
func Routes(router chi.Routes) []apitally.PathItem {
	var paths []apitally.PathItem
	_ = chi.Walk(router, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		if method == http.MethodOptions || method == http.MethodHead {
			return nil
		}
		paths = append(paths, apitally.PathItem{Method: method, Path: strings.Replace(route, "/*/", "/", -1)})
		return nil
	})
	return paths
}

func panicInfo(recovered any) *apitally.ErrorInfo {
	stack := string(debug.Stack())
	if err, ok := recovered.(error); ok {
		return apitally.NewErrorInfo(err, stack)
	}
	return &apitally.ErrorInfo{
		Type:       fmt.Sprintf("%T", recovered),
		Message:    fmt.Sprint(recovered),
		StackTrace: stack,
	}
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func loggableContentType(contentType string) bool {
	contentType = strings.ToLower(contentType)
	return strings.HasPrefix(contentType, "application/json") || strings.HasPrefix(contentType, "text/plain")
}

type teeReadCloser struct {
	io.Reader
	io.Closer
}

// limitedBuffer keeps the first limit bytes written to it and discards the rest.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newLimitedBuffer(limit int) *limitedBuffer {
	return &limitedBuffer{limit: limit}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	switch {
	case remaining <= 0:
		b.truncated = b.truncated || len(p) > 0
	case len(p) > remaining:
		b.buf.Write(p[:remaining])
		b.truncated = true
	default:
		b.buf.Write(p)
	}
	return len(p), nil
}

func (b *limitedBuffer) Bytes() []byte {
	if b.buf.Len() == 0 {
		return nil
	}
	return b.buf.Bytes()
}
