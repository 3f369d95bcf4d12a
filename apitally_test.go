package apitally

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apitally/apitally-go/internal/model"
	"github.com/apitally/apitally-go/internal/requestlog"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const testClientID = "76b5cb91-a0a4-4ea0-a894-57d2b9fcb2c9"

type fakeHub struct {
	mu         sync.Mutex
	syncStatus int
	syncs      []model.SyncPayload
	logs       [][]model.LogItem
}

func (h *fakeHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case strings.HasSuffix(r.URL.Path, "/sync"):
		var payload model.SyncPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		h.syncs = append(h.syncs, payload)
		if h.syncStatus != 0 {
			w.WriteHeader(h.syncStatus)
			return
		}
	case strings.HasSuffix(r.URL.Path, "/log"):
		items, err := requestlog.ReadItems(bytes.NewReader(body))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		h.logs = append(h.logs, items)
	}
	w.WriteHeader(http.StatusAccepted)
}

func testConfig(hubURL string) Config {
	cfg := DefaultConfig()
	cfg.ClientID = testClientID
	cfg.HubBaseURL = hubURL
	cfg.RequestLogging.Enabled = true
	cfg.RequestLogging.IncludeResponseBody = true
	cfg.RequestLogging.CaptureLogs = true
	cfg.RequestLogging.CaptureTraces = true
	return cfg
}

func newTestClient(t *testing.T, hub *fakeHub, lockDir string) *Client {
	t.Helper()
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	c, err := New(testConfig(srv.URL),
		WithLogger(zap.NewNop()),
		WithHTTPClient(srv.Client()),
		WithLockDir(lockDir),
		WithBatchDir(t.TempDir()),
	)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	return c
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ClientID = "not-a-uuid"
	if _, err := New(cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestRecordRequestReachesHub(t *testing.T) {
	hub := &fakeHub{}
	c := newTestClient(t, hub, t.TempDir())

	ctx, capture := c.StartCapture(context.Background())
	Logger(ctx, zaptest.NewLogger(t)).Info("loading item")
	_, child := c.TracerProvider().Tracer("test").Start(ctx, "db.query")
	child.End()
	capture.SetRouteName("GET /items/{id}")

	c.RecordRequest(RequestInfo{
		Timestamp:       time.Now(),
		Consumer:        NewConsumer("alice", "Alice", "admins"),
		Method:          "get",
		Path:            "/items/{id}",
		URL:             "http://example.com/items/1?token=abc&page=2",
		StatusCode:      http.StatusInternalServerError,
		Duration:        25 * time.Millisecond,
		RequestHeaders:  http.Header{"Authorization": {"Bearer abc"}},
		ResponseHeaders: http.Header{"Content-Type": {"application/json"}},
		RequestSize:     -1,
		ResponseSize:    12,
		ResponseBody:    []byte(`{"ok":false}`),
		Error:           NewErrorInfo(errors.New("boom"), "main.handler()\n\tmain.go:10"),
		Capture:         capture,
	})
	c.Flush(context.Background())

	hub.mu.Lock()
	defer hub.mu.Unlock()

	if len(hub.syncs) != 1 {
		t.Fatalf("expected one sync, got %d", len(hub.syncs))
	}
	payload := hub.syncs[0]
	if payload.InstanceUUID != c.InstanceUUID() {
		t.Fatalf("unexpected instance uuid %s", payload.InstanceUUID)
	}
	if len(payload.Requests) != 1 {
		t.Fatalf("expected one request aggregate, got %+v", payload.Requests)
	}
	req := payload.Requests[0]
	if req.Consumer != "alice" || req.Method != "GET" || req.Path != "/items/{id}" || req.RequestCount != 1 {
		t.Fatalf("unexpected request aggregate %+v", req)
	}
	if len(payload.ServerErrors) != 1 || payload.ServerErrors[0].Message != "boom" {
		t.Fatalf("unexpected server errors %+v", payload.ServerErrors)
	}
	if len(payload.Consumers) != 1 || payload.Consumers[0].Group != "admins" {
		t.Fatalf("unexpected consumers %+v", payload.Consumers)
	}

	if len(hub.logs) != 1 || len(hub.logs[0]) != 1 {
		t.Fatalf("expected one log file with one item, got %d files", len(hub.logs))
	}
	item := hub.logs[0][0]
	if strings.Contains(item.Request.URL, "abc") || !strings.Contains(item.Request.URL, "page=2") {
		t.Fatalf("query not masked: %s", item.Request.URL)
	}
	if item.Request.Headers != nil {
		t.Fatalf("request headers should be dropped, got %v", item.Request.Headers)
	}
	if string(item.Response.Body) != `{"ok":false}` {
		t.Fatalf("unexpected response body %q", item.Response.Body)
	}
	if item.Exception == nil || item.Exception.Message != "boom" {
		t.Fatalf("unexpected exception %+v", item.Exception)
	}
	if len(item.Logs) != 1 || item.Logs[0].Message != "loading item" {
		t.Fatalf("unexpected captured logs %+v", item.Logs)
	}
	if len(item.Spans) != 2 || item.TraceID == "" {
		t.Fatalf("expected root and child span, got %+v", item.Spans)
	}
	names := map[string]bool{}
	for _, span := range item.Spans {
		names[span.Name] = true
	}
	if !names["GET /items/{id}"] || !names["db.query"] {
		t.Fatalf("unexpected span names %v", names)
	}
}

func TestRequestWithoutRouteIsLoggedButNotCounted(t *testing.T) {
	hub := &fakeHub{}
	c := newTestClient(t, hub, t.TempDir())

	c.RecordRequest(RequestInfo{
		Method:       http.MethodGet,
		URL:          "http://example.com/missing",
		StatusCode:   http.StatusNotFound,
		Duration:     time.Millisecond,
		RequestSize:  -1,
		ResponseSize: -1,
	})
	c.Flush(context.Background())

	hub.mu.Lock()
	defer hub.mu.Unlock()
	if len(hub.syncs) != 1 || len(hub.syncs[0].Requests) != 0 {
		t.Fatalf("expected empty sync, got %+v", hub.syncs)
	}
	if len(hub.logs) != 1 || hub.logs[0][0].Response.StatusCode != http.StatusNotFound {
		t.Fatalf("expected logged 404, got %+v", hub.logs)
	}
}

func TestInvalidClientIDDisablesAgent(t *testing.T) {
	hub := &fakeHub{syncStatus: http.StatusNotFound}
	c := newTestClient(t, hub, t.TempDir())

	c.Flush(context.Background())
	if c.Enabled() {
		t.Fatal("expected agent to be disabled")
	}
	status := c.Status()
	if status.Enabled || status.LoggingEnabled {
		t.Fatalf("unexpected status %+v", status)
	}

	c.RecordRequest(RequestInfo{Method: "GET", Path: "/a", StatusCode: 200, RequestSize: -1, ResponseSize: -1})
	if c.Status().PendingLogItems != 0 {
		t.Fatal("disabled agent should not queue log items")
	}
}

func TestInstanceUUIDSurvivesRestart(t *testing.T) {
	lockDir := t.TempDir()
	first := newTestClient(t, &fakeHub{}, lockDir)
	id := first.InstanceUUID()
	if err := first.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	second := newTestClient(t, &fakeHub{}, lockDir)
	if second.InstanceUUID() != id {
		t.Fatalf("expected %s after restart, got %s", id, second.InstanceUUID())
	}
}

func TestDiagnosticsHandler(t *testing.T) {
	c := newTestClient(t, &fakeHub{}, t.TempDir())
	c.SetStartupData([]PathItem{{Method: "GET", Path: "/items"}}, nil, "go:chi")

	res := httptest.NewRecorder()
	c.DiagnosticsHandler().ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var status struct {
		InstanceUUID   string `json:"instance_uuid"`
		StartupPending bool   `json:"startup_pending"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.InstanceUUID != c.InstanceUUID().String() || !status.StartupPending {
		t.Fatalf("unexpected status %+v", status)
	}

	res = httptest.NewRecorder()
	c.DiagnosticsHandler().ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(res.Body.String(), "apitally_requestlog_pending_items") {
		t.Fatalf("expected agent metrics, got %s", res.Body.String())
	}
}

func TestStartAndShutdownSendsFinalSync(t *testing.T) {
	hub := &fakeHub{}
	c := newTestClient(t, hub, t.TempDir())

	c.Start(context.Background())
	c.RecordRequest(RequestInfo{Method: "POST", Path: "/items", StatusCode: 201, RequestSize: 10, ResponseSize: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	hub.mu.Lock()
	defer hub.mu.Unlock()
	var counted int64
	for _, payload := range hub.syncs {
		for _, req := range payload.Requests {
			counted += req.RequestCount
		}
	}
	if counted != 1 {
		t.Fatalf("expected the request in a sync payload, got %d", counted)
	}
}
